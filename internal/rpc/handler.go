package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-bundler/internal/bundler"
	"github.com/insoblok/inso-bundler/internal/mempool"
	"github.com/insoblok/inso-bundler/internal/metrics"
	"github.com/insoblok/inso-bundler/internal/reputation"
	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// Backend is the orchestrator surface served over JSON-RPC.
// *bundler.Bundler implements it.
type Backend interface {
	Admit(ctx context.Context, op *bundlerTypes.PackedUserOperation, entryPoint common.Address) (common.Hash, error)
	UserOperation(hash common.Hash) (*bundlerTypes.UserOpInfo, error)
	Receipt(ctx context.Context, hash common.Hash) (*bundlerTypes.UserOpReceipt, error)
	Status(hash common.Hash) (*bundlerTypes.UserOpStatus, error)
	SupportedEntryPoints() []common.Address
	ChainID() *big.Int
	Stats() *bundlerTypes.BundlerStats
	MempoolStats() (*mempool.Stats, error)

	PendingOps() ([]*bundlerTypes.PendingUserOp, error)
	Flush(ctx context.Context) (common.Hash, error)
	Drop(hash common.Hash) (bool, error)
	SetReputation(entry *reputation.Entry) error
	DumpReputation() []*reputation.Entry
	ClearState() error

	SubscribeStatus(ch chan<- bundler.StatusEvent) event.Subscription
}

var _ Backend = (*bundler.Bundler)(nil)

// Handler dispatches JSON-RPC methods to the backend.
type Handler struct {
	backend Backend
	debug   bool
	metrics *metrics.Metrics
	logger  log.Logger
}

// NewHandler creates a handler. debug enables the debug_bundler_* namespace.
func NewHandler(backend Backend, debug bool) *Handler {
	return &Handler{
		backend: backend,
		debug:   debug,
		logger:  log.New("module", "rpc-handler"),
	}
}

// SetMetrics attaches the Prometheus metrics instance.
func (h *Handler) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// Handle processes a single JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	h.logger.Debug("RPC request", "method", req.Method, "id", req.ID)

	result, err := h.dispatch(ctx, req)
	if err != nil && err.Code == codeMethodNotFound {
		h.count("unknown", true)
		return errorResponse(req.ID, err)
	}
	h.count(req.Method, err != nil)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	encoded, mErr := json.Marshal(result)
	if mErr != nil {
		h.logger.Error("Failed to encode RPC result", "method", req.Method, "err", mErr)
		return errorResponse(req.ID, &JSONRPCError{Code: codeInternal, Message: "failed to encode result"})
	}
	raw := json.RawMessage(encoded)
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &raw,
	}
}

func (h *Handler) count(method string, failed bool) {
	if h.metrics == nil {
		return
	}
	h.metrics.RPCRequests.WithLabelValues(method).Inc()
	if failed {
		h.metrics.RPCErrors.WithLabelValues(method).Inc()
	}
}

func (h *Handler) dispatch(ctx context.Context, req *JSONRPCRequest) (interface{}, *JSONRPCError) {
	switch req.Method {
	// ERC-4337 methods
	case "eth_sendUserOperation":
		return h.sendUserOperation(ctx, req.Params)
	case "eth_getUserOperationByHash":
		return h.getUserOperationByHash(req.Params)
	case "eth_getUserOperationReceipt":
		return h.getUserOperationReceipt(ctx, req.Params)
	case "eth_supportedEntryPoints":
		return h.backend.SupportedEntryPoints(), nil
	case "eth_chainId":
		return (*hexutil.Big)(h.backend.ChainID()), nil

	// Bundler status methods
	case "bundler_getUserOperationStatus":
		return h.getUserOperationStatus(req.Params)
	case "bundler_getStats":
		return h.backend.Stats(), nil
	case "bundler_getMempoolStats":
		return wrap(h.backend.MempoolStats())
	}

	if !h.debug {
		return nil, &JSONRPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %s not found", req.Method)}
	}

	switch req.Method {
	case "debug_bundler_dumpMempool":
		return wrap(h.backend.PendingOps())
	case "debug_bundler_sendBundleNow":
		return h.sendBundleNow(ctx)
	case "debug_bundler_dropUserOperation":
		return h.dropUserOperation(req.Params)
	case "debug_bundler_setReputation":
		return h.setReputation(req.Params)
	case "debug_bundler_dumpReputation":
		return h.backend.DumpReputation(), nil
	case "debug_bundler_clearState":
		if err := h.backend.ClearState(); err != nil {
			return nil, internalError(err)
		}
		return "ok", nil
	}
	return nil, &JSONRPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %s not found", req.Method)}
}

// --- ERC-4337 methods ---

func (h *Handler) sendUserOperation(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
	var (
		op         bundlerTypes.PackedUserOperation
		entryPoint common.Address
	)
	if err := decodeParams(params, &op, &entryPoint); err != nil {
		return nil, err
	}

	hash, err := h.backend.Admit(ctx, &op, entryPoint)
	if err != nil {
		return nil, admissionError(err)
	}
	return hash, nil
}

func (h *Handler) getUserOperationByHash(params json.RawMessage) (interface{}, *JSONRPCError) {
	var hash common.Hash
	if err := decodeParams(params, &hash); err != nil {
		return nil, err
	}
	return wrap(h.backend.UserOperation(hash))
}

func (h *Handler) getUserOperationReceipt(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
	var hash common.Hash
	if err := decodeParams(params, &hash); err != nil {
		return nil, err
	}
	return wrap(h.backend.Receipt(ctx, hash))
}

func (h *Handler) getUserOperationStatus(params json.RawMessage) (interface{}, *JSONRPCError) {
	var hash common.Hash
	if err := decodeParams(params, &hash); err != nil {
		return nil, err
	}
	return wrap(h.backend.Status(hash))
}

// --- debug_bundler methods ---

func (h *Handler) sendBundleNow(ctx context.Context) (interface{}, *JSONRPCError) {
	txHash, err := h.backend.Flush(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	if txHash == (common.Hash{}) {
		return nil, nil
	}
	return txHash, nil
}

func (h *Handler) dropUserOperation(params json.RawMessage) (interface{}, *JSONRPCError) {
	var hash common.Hash
	if err := decodeParams(params, &hash); err != nil {
		return nil, err
	}
	return wrap(h.backend.Drop(hash))
}

func (h *Handler) setReputation(params json.RawMessage) (interface{}, *JSONRPCError) {
	var entries []*reputation.Entry
	if err := decodeParams(params, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e == nil || e.Address == (common.Address{}) {
			return nil, invalidParams("reputation entry without address")
		}
		if err := h.backend.SetReputation(e); err != nil {
			return nil, internalError(err)
		}
	}
	return "ok", nil
}

// decodeParams unmarshals the positional params into dst. Every dst is
// required; extra params are ignored.
func decodeParams(params json.RawMessage, dst ...interface{}) *JSONRPCError {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return invalidParams("params must be an array")
	}
	if len(args) < len(dst) {
		return invalidParams(fmt.Sprintf("expected %d params, got %d", len(dst), len(args)))
	}
	for i, d := range dst {
		if err := json.Unmarshal(args[i], d); err != nil {
			return invalidParams(fmt.Sprintf("invalid param %d: %v", i, err))
		}
	}
	return nil
}

func wrap[T any](v T, err error) (interface{}, *JSONRPCError) {
	if err != nil {
		return nil, internalError(err)
	}
	return v, nil
}

func internalError(err error) *JSONRPCError {
	return &JSONRPCError{Code: codeInternal, Message: err.Error()}
}

// admissionError maps admission failures onto ERC-4337 error codes.
func admissionError(err error) *JSONRPCError {
	var verr *bundler.ValidationError
	switch {
	case errors.As(err, &verr):
		return &JSONRPCError{Code: codeRejectedByPolicy, Message: err.Error()}
	case errors.Is(err, bundler.ErrEntityBanned),
		errors.Is(err, bundler.ErrEntityThrottled),
		errors.Is(err, bundler.ErrSenderBlacklisted):
		return &JSONRPCError{Code: codeEntityRejected, Message: err.Error()}
	case errors.Is(err, bundler.ErrUnsupportedEntryPoint),
		errors.Is(err, bundler.ErrMempoolRejected),
		errors.Is(err, bundler.ErrNilUserOp):
		return invalidParams(err.Error())
	}
	return internalError(err)
}
