package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-bundler/internal/config"
	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// defaultCacheSize bounds the verdict cache when none is configured.
const defaultCacheSize = 4096

// RemoteValidator delegates simulation to an external validation service
// and caches verdicts for identical requests. The cache is bounded and
// entries older than CacheTTL are refetched.
type RemoteValidator struct {
	cfg    *config.ValidatorConfig
	http   *http.Client
	cache  *lru.Cache[common.Hash, cachedVerdict]
	now    func() time.Time
	logger log.Logger
}

type cachedVerdict struct {
	result    bundlerTypes.ValidationResult
	fetchedAt time.Time
}

type validateRequest struct {
	UserOp     *bundlerTypes.PackedUserOperation `json:"userOp"`
	EntryPoint common.Address                    `json:"entryPoint"`
}

type validateResponse struct {
	Valid      bool    `json:"valid"`
	Error      string  `json:"error"`
	ValidAfter *uint64 `json:"validAfter"`
	ValidUntil *uint64 `json:"validUntil"`
}

// NewRemoteValidator creates a client for cfg.URL.
func NewRemoteValidator(cfg *config.ValidatorConfig) *RemoteValidator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	return &RemoteValidator{
		cfg: cfg,
		http: &http.Client{
			Timeout: timeout,
		},
		cache:  lru.NewCache[common.Hash, cachedVerdict](size),
		now:    time.Now,
		logger: log.New("module", "remote-validator"),
	}
}

// Validate asks the service for a verdict. Transport failures are returned
// as errors so the operation is not admitted unchecked.
func (r *RemoteValidator) Validate(ctx context.Context, op *bundlerTypes.PackedUserOperation, entryPoint common.Address) (*bundlerTypes.ValidationResult, error) {
	body, err := json.Marshal(validateRequest{UserOp: op, EntryPoint: entryPoint})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	key := crypto.Keccak256Hash(body)

	if cached, ok := r.cache.Get(key); ok {
		if r.now().Sub(cached.fetchedAt) < r.cfg.CacheTTL {
			res := cached.result
			return &res, nil
		}
		r.cache.Remove(key)
	}

	res, err := r.fetch(ctx, body)
	if err != nil {
		r.logger.Warn("Validation service error", "sender", op.Sender.Hex(), "err", err)
		return nil, err
	}

	if r.cfg.CacheTTL > 0 {
		r.cache.Add(key, cachedVerdict{result: *res, fetchedAt: r.now()})
	}
	return res, nil
}

func (r *RemoteValidator) fetch(ctx context.Context, body []byte) (*bundlerTypes.ValidationResult, error) {
	url := strings.TrimRight(r.cfg.URL, "/") + "/v1/validate"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", r.cfg.APIKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api returned status %d", resp.StatusCode)
	}

	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &bundlerTypes.ValidationResult{
		Valid:      out.Valid,
		Error:      out.Error,
		ValidAfter: out.ValidAfter,
		ValidUntil: out.ValidUntil,
	}, nil
}

// ClearCache drops all cached verdicts.
func (r *RemoteValidator) ClearCache() {
	r.cache.Purge()
}

// CacheSize returns the number of cached verdicts.
func (r *RemoteValidator) CacheSize() int {
	return r.cache.Len()
}
