package executor

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// Intrinsic cost of the handleOps transaction and per-op overhead used for
// bundle gas estimation.
const (
	BundleBaseGas = 21_000
	PerOpOverhead = 5_000
)

const firstBlock = 1_000

var (
	// ErrEmptyBundle is returned when BuildBundle receives no operations.
	ErrEmptyBundle = errors.New("cannot build an empty bundle")

	// ErrMixedEntryPoints is returned when operations target different entry points.
	ErrMixedEntryPoints = errors.New("bundle operations target different entry points")
)

// OutcomeFunc lets a devnet or test decide the result of a simulated
// submission. Returning nil means success.
type OutcomeFunc func(bundle *bundlerTypes.Bundle) *bundlerTypes.ExecutionResult

// Simulated builds bundles and pretends to submit them, producing
// deterministic transaction hashes and increasing block numbers. It is the
// executor used on devnets where no real submission path exists, and it
// serves receipts for the transactions it pretended to mine.
type Simulated struct {
	mu          sync.Mutex
	beneficiary common.Address
	blockNumber uint64
	submitted   uint64
	outcome     OutcomeFunc
	receipts    map[common.Hash]*types.Receipt
	logger      log.Logger
}

// NewSimulated creates a simulated executor paying fees to beneficiary.
func NewSimulated(beneficiary common.Address) *Simulated {
	return &Simulated{
		beneficiary: beneficiary,
		blockNumber: firstBlock,
		receipts:    make(map[common.Hash]*types.Receipt),
		logger:      log.New("module", "executor"),
	}
}

// SetOutcome installs fn to decide future submission results.
func (s *Simulated) SetOutcome(fn OutcomeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = fn
}

// BuildBundle groups ops into a bundle for a single entry point.
func (s *Simulated) BuildBundle(ctx context.Context, ops []*bundlerTypes.BundleOp) (*bundlerTypes.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, ErrEmptyBundle
	}

	entryPoint := ops[0].EntryPoint
	bundle := &bundlerTypes.Bundle{
		EntryPoint:  entryPoint,
		Beneficiary: s.beneficiary,
		UserOps:     make([]*bundlerTypes.PackedUserOperation, 0, len(ops)),
		Hashes:      make([]common.Hash, 0, len(ops)),
		CreatedAt:   time.Now(),
	}
	gas := new(big.Int).SetUint64(BundleBaseGas)
	for _, op := range ops {
		if op.EntryPoint != entryPoint {
			return nil, ErrMixedEntryPoints
		}
		bundle.UserOps = append(bundle.UserOps, op.UserOp)
		bundle.Hashes = append(bundle.Hashes, op.Hash)
		gas.Add(gas, op.UserOp.OperationGas().ToBig())
		gas.Add(gas, big.NewInt(PerOpOverhead))
	}
	bundle.EstimatedGas = gas
	bundle.ID = BundleID(bundle.Hashes)

	s.logger.Debug("Bundle built",
		"id", bundle.ID.Hex(),
		"entryPoint", entryPoint.Hex(),
		"ops", len(ops),
		"estimatedGas", gas,
	)
	return bundle, nil
}

// Execute simulates the handleOps submission.
func (s *Simulated) Execute(ctx context.Context, bundle *bundlerTypes.Bundle) (*bundlerTypes.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcome != nil {
		if res := s.outcome(bundle); res != nil {
			s.logger.Info("Simulated bundle failure", "id", bundle.ID.Hex(), "err", res.Error, "retryable", res.Retryable)
			return res, nil
		}
	}

	s.submitted++
	s.blockNumber++

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], s.submitted)
	txHash := crypto.Keccak256Hash(bundle.ID.Bytes(), seq[:])

	gasUsed := new(big.Int)
	if bundle.EstimatedGas != nil {
		gasUsed.Set(bundle.EstimatedGas)
	}

	s.receipts[txHash] = &types.Receipt{
		Type:              types.DynamicFeeTxType,
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: gasUsed.Uint64(),
		Logs:              []*types.Log{},
		TxHash:            txHash,
		GasUsed:           gasUsed.Uint64(),
		BlockHash:         crypto.Keccak256Hash(txHash.Bytes()),
		BlockNumber:       new(big.Int).SetUint64(s.blockNumber),
	}

	s.logger.Info("Bundle submitted",
		"id", bundle.ID.Hex(),
		"txHash", txHash.Hex()[:10],
		"block", s.blockNumber,
		"ops", len(bundle.Hashes),
	)
	return &bundlerTypes.ExecutionResult{
		Success:     true,
		TxHash:      txHash,
		BlockNumber: s.blockNumber,
		GasUsed:     gasUsed,
	}, nil
}

// TransactionReceipt returns the receipt of a simulated submission, or
// ethereum.NotFound for unknown hashes.
func (s *Simulated) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	cpy := *r
	return &cpy, nil
}

// BundleID is keccak256 over the concatenated operation hashes.
func BundleID(hashes []common.Hash) common.Hash {
	data := make([]byte, 0, len(hashes)*common.HashLength)
	for _, h := range hashes {
		data = append(data, h.Bytes()...)
	}
	return crypto.Keccak256Hash(data)
}
