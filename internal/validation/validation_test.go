package validation

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/insoblok/inso-bundler/internal/config"
	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

var testEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

func validOp() *bundlerTypes.PackedUserOperation {
	return &bundlerTypes.PackedUserOperation{
		Sender:             common.HexToAddress("0x1234567890abcdef1234567890abcdef12345678"),
		Nonce:              big.NewInt(1),
		CallData:           []byte{0xb6, 0x1d, 0x27, 0xf6},
		AccountGasLimits:   bundlerTypes.PackAccountGasLimits(big.NewInt(100_000), big.NewInt(200_000)),
		PreVerificationGas: big.NewInt(50_000),
		GasFees:            bundlerTypes.PackGasFees(big.NewInt(1_000_000_000), big.NewInt(30_000_000_000)),
		Signature:          []byte{0x01, 0x02, 0x03},
	}
}

// ── BasicValidator ───────────────────────────────────────────────────────────

func TestBasicValidator(t *testing.T) {
	v := NewBasicValidator(DefaultLimits())

	tests := []struct {
		name   string
		mutate func(op *bundlerTypes.PackedUserOperation)
		valid  bool
	}{
		{"valid", func(op *bundlerTypes.PackedUserOperation) {}, true},
		{"zero sender", func(op *bundlerTypes.PackedUserOperation) { op.Sender = common.Address{} }, false},
		{"no signature", func(op *bundlerTypes.PackedUserOperation) { op.Signature = nil }, false},
		{"short initCode", func(op *bundlerTypes.PackedUserOperation) { op.InitCode = make([]byte, 10) }, false},
		{"factory initCode", func(op *bundlerTypes.PackedUserOperation) { op.InitCode = make([]byte, 24) }, true},
		{"short paymasterAndData", func(op *bundlerTypes.PackedUserOperation) { op.PaymasterAndData = make([]byte, 20) }, false},
		{"zero verification gas", func(op *bundlerTypes.PackedUserOperation) {
			op.AccountGasLimits = bundlerTypes.PackAccountGasLimits(big.NewInt(0), big.NewInt(1))
		}, false},
		{"verification gas over cap", func(op *bundlerTypes.PackedUserOperation) {
			op.AccountGasLimits = bundlerTypes.PackAccountGasLimits(big.NewInt(6_000_000), big.NewInt(1))
		}, false},
		{"low preVerificationGas", func(op *bundlerTypes.PackedUserOperation) { op.PreVerificationGas = big.NewInt(100) }, false},
		{"tip above max fee", func(op *bundlerTypes.PackedUserOperation) {
			op.GasFees = bundlerTypes.PackGasFees(big.NewInt(10), big.NewInt(5))
		}, false},
		{"zero max fee", func(op *bundlerTypes.PackedUserOperation) {
			op.GasFees = bundlerTypes.PackGasFees(big.NewInt(0), big.NewInt(0))
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := validOp()
			tt.mutate(op)
			res, err := v.Validate(context.Background(), op, testEntryPoint)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Valid != tt.valid {
				t.Errorf("expected valid=%v, got %v (%s)", tt.valid, res.Valid, res.Error)
			}
			if !res.Valid && res.Error == "" {
				t.Error("rejection must carry a reason")
			}
		})
	}
}

// ── EntryPointHasher ─────────────────────────────────────────────────────────

func TestEntryPointHasher_Layout(t *testing.T) {
	op := validOp()
	op.InitCode = []byte{0xaa}
	op.PaymasterAndData = []byte{0xbb}
	chainID := big.NewInt(1337)

	got, err := NewEntryPointHasher(chainID).Hash(context.Background(), op, testEntryPoint)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	// Build the same abi.encode by hand: every static field is one 32-byte word.
	word := func(b []byte) []byte { return common.LeftPadBytes(b, 32) }
	var inner []byte
	inner = append(inner, word(op.Sender.Bytes())...)
	inner = append(inner, word(op.Nonce.Bytes())...)
	inner = append(inner, crypto.Keccak256(op.InitCode)...)
	inner = append(inner, crypto.Keccak256(op.CallData)...)
	inner = append(inner, op.AccountGasLimits[:]...)
	inner = append(inner, word(op.PreVerificationGas.Bytes())...)
	inner = append(inner, op.GasFees[:]...)
	inner = append(inner, crypto.Keccak256(op.PaymasterAndData)...)

	var outer []byte
	outer = append(outer, crypto.Keccak256(inner)...)
	outer = append(outer, word(testEntryPoint.Bytes())...)
	outer = append(outer, word(chainID.Bytes())...)

	if want := crypto.Keccak256Hash(outer); got != want {
		t.Fatalf("hash mismatch: got %s want %s", got.Hex(), want.Hex())
	}
}

func TestEntryPointHasher_Properties(t *testing.T) {
	ctx := context.Background()
	h1 := NewEntryPointHasher(big.NewInt(1))
	h2 := NewEntryPointHasher(big.NewInt(2))
	op := validOp()

	base, _ := h1.Hash(ctx, op, testEntryPoint)

	resigned := op.Copy()
	resigned.Signature = []byte{0xff}
	if h, _ := h1.Hash(ctx, resigned, testEntryPoint); h != base {
		t.Error("signature must not affect the hash")
	}
	if h, _ := h2.Hash(ctx, op, testEntryPoint); h == base {
		t.Error("chain id must affect the hash")
	}
	if h, _ := h1.Hash(ctx, op, common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")); h == base {
		t.Error("entry point must affect the hash")
	}
	bumped := op.Copy()
	bumped.Nonce = big.NewInt(2)
	if h, _ := h1.Hash(ctx, bumped, testEntryPoint); h == base {
		t.Error("nonce must affect the hash")
	}
}

// ── Chain ────────────────────────────────────────────────────────────────────

type staticValidator struct {
	res *bundlerTypes.ValidationResult
	err error
}

func (s staticValidator) Validate(context.Context, *bundlerTypes.PackedUserOperation, common.Address) (*bundlerTypes.ValidationResult, error) {
	return s.res, s.err
}

func TestChain_IntersectsWindows(t *testing.T) {
	u := func(v uint64) *uint64 { return &v }
	c := Chain{
		staticValidator{res: &bundlerTypes.ValidationResult{Valid: true, ValidAfter: u(10), ValidUntil: u(100)}},
		staticValidator{res: &bundlerTypes.ValidationResult{Valid: true, ValidAfter: u(20), ValidUntil: u(200)}},
	}
	res, err := c.Validate(context.Background(), validOp(), testEntryPoint)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || *res.ValidAfter != 20 || *res.ValidUntil != 100 {
		t.Errorf("unexpected merged window: %+v", res)
	}
}

func TestChain_StopsAtRejection(t *testing.T) {
	called := false
	c := Chain{
		staticValidator{res: &bundlerTypes.ValidationResult{Valid: false, Error: "nope"}},
		validatorFunc(func() { called = true }),
	}
	res, err := c.Validate(context.Background(), validOp(), testEntryPoint)
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid || res.Error != "nope" {
		t.Errorf("expected first rejection, got %+v", res)
	}
	if called {
		t.Error("later validators must not run after a rejection")
	}
}

type validatorFunc func()

func (f validatorFunc) Validate(context.Context, *bundlerTypes.PackedUserOperation, common.Address) (*bundlerTypes.ValidationResult, error) {
	f()
	return &bundlerTypes.ValidationResult{Valid: true}, nil
}

// ── RemoteValidator ──────────────────────────────────────────────────────────

func TestRemoteValidator_Request(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/validate" {
			t.Errorf("expected path /v1/validate, got %s", r.URL.Path)
		}
		if key := r.Header.Get("X-API-Key"); key != "test-key" {
			t.Errorf("expected API key test-key, got %s", key)
		}

		var req validateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.EntryPoint != testEntryPoint {
			t.Errorf("unexpected entry point %s", req.EntryPoint.Hex())
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"valid":true,"validAfter":5,"validUntil":500}`))
	}))
	defer server.Close()

	v := NewRemoteValidator(&config.ValidatorConfig{URL: server.URL, APIKey: "test-key", CacheTTL: time.Minute})
	res, err := v.Validate(context.Background(), validOp(), testEntryPoint)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid || res.ValidAfter == nil || *res.ValidAfter != 5 || *res.ValidUntil != 500 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRemoteValidator_Caching(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"valid":false,"error":"AA23 reverted"}`))
	}))
	defer server.Close()

	v := NewRemoteValidator(&config.ValidatorConfig{URL: server.URL, CacheTTL: time.Minute})
	op := validOp()

	for i := 0; i < 3; i++ {
		res, err := v.Validate(context.Background(), op, testEntryPoint)
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if res.Valid || res.Error != "AA23 reverted" {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 API call, got %d", calls.Load())
	}
	if v.CacheSize() != 1 {
		t.Errorf("expected cache size 1, got %d", v.CacheSize())
	}

	v.ClearCache()
	if v.CacheSize() != 0 {
		t.Error("expected empty cache")
	}
}

func TestRemoteValidator_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	v := NewRemoteValidator(&config.ValidatorConfig{URL: server.URL})
	if _, err := v.Validate(context.Background(), validOp(), testEntryPoint); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestRemoteValidator_CacheBounded(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"valid":true}`))
	}))
	defer server.Close()

	v := NewRemoteValidator(&config.ValidatorConfig{URL: server.URL, CacheTTL: time.Minute, CacheSize: 2})
	for i := int64(0); i < 5; i++ {
		op := validOp()
		op.Nonce = big.NewInt(i)
		if _, err := v.Validate(context.Background(), op, testEntryPoint); err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
	}
	if v.CacheSize() != 2 {
		t.Fatalf("expected cache size 2, got %d", v.CacheSize())
	}

	// The oldest verdict was evicted and must be fetched again.
	first := validOp()
	first.Nonce = big.NewInt(0)
	if _, err := v.Validate(context.Background(), first, testEntryPoint); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 6 {
		t.Errorf("expected 6 API calls, got %d", calls.Load())
	}
}

func TestRemoteValidator_CacheExpiry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"valid":true}`))
	}))
	defer server.Close()

	now := time.Unix(1_700_000_000, 0)
	v := NewRemoteValidator(&config.ValidatorConfig{URL: server.URL, CacheTTL: time.Minute})
	v.now = func() time.Time { return now }

	op := validOp()
	v.Validate(context.Background(), op, testEntryPoint)
	v.Validate(context.Background(), op, testEntryPoint)
	if calls.Load() != 1 {
		t.Fatalf("expected cached verdict, got %d calls", calls.Load())
	}

	now = now.Add(2 * time.Minute)
	v.Validate(context.Background(), op, testEntryPoint)
	if calls.Load() != 2 {
		t.Errorf("expected refetch after ttl, got %d calls", calls.Load())
	}
	if v.CacheSize() != 1 {
		t.Errorf("expected expired verdict replaced, cache size %d", v.CacheSize())
	}
}
