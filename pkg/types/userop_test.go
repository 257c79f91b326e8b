package types

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func TestUnpackAccountGasLimits_ByteOrder(t *testing.T) {
	// verificationGasLimit = 0x0186a0 (100000), callGasLimit = 0x030d40 (200000)
	packed := common.HexToHash("0x000000000000000000000000000186a000000000000000000000000000030d40")

	vgl, cgl := UnpackAccountGasLimits(packed)
	if vgl.Uint64() != 100_000 {
		t.Errorf("verificationGasLimit: expected 100000, got %d", vgl.Uint64())
	}
	if cgl.Uint64() != 200_000 {
		t.Errorf("callGasLimit: expected 200000, got %d", cgl.Uint64())
	}
}

func TestUnpackGasFees_ByteOrder(t *testing.T) {
	// maxPriorityFeePerGas = 1 gwei, maxFeePerGas = 30 gwei
	packed := common.HexToHash("0x0000000000000000000000003b9aca00000000000000000000000006fc23ac00")

	tip, fee := UnpackGasFees(packed)
	if tip.Uint64() != 1_000_000_000 {
		t.Errorf("maxPriorityFeePerGas: expected 1e9, got %d", tip.Uint64())
	}
	if fee.Uint64() != 30_000_000_000 {
		t.Errorf("maxFeePerGas: expected 3e10, got %d", fee.Uint64())
	}
}

func TestPackRoundTrip(t *testing.T) {
	limits := PackAccountGasLimits(big.NewInt(100_000), big.NewInt(200_000))
	want := common.HexToHash("0x000000000000000000000000000186a000000000000000000000000000030d40")
	if common.Hash(limits) != want {
		t.Fatalf("packed limits mismatch: got %x", limits)
	}

	fees := PackGasFees(big.NewInt(7), big.NewInt(11))
	tip, fee := UnpackGasFees(fees)
	if tip.Uint64() != 7 || fee.Uint64() != 11 {
		t.Fatalf("unexpected fees: tip=%d fee=%d", tip.Uint64(), fee.Uint64())
	}
}

func TestPrefundAndOperationGas(t *testing.T) {
	op := &PackedUserOperation{
		Sender:             common.HexToAddress("0xaaaa"),
		Nonce:              big.NewInt(0),
		AccountGasLimits:   PackAccountGasLimits(big.NewInt(100_000), big.NewInt(200_000)),
		PreVerificationGas: big.NewInt(50_000),
		GasFees:            PackGasFees(big.NewInt(1_000_000_000), big.NewInt(30_000_000_000)),
	}

	if got := op.OperationGas().Uint64(); got != 350_000 {
		t.Errorf("expected operation gas 350000, got %d", got)
	}

	want := new(big.Int).Mul(big.NewInt(350_000), big.NewInt(30_000_000_000))
	if op.Prefund().Cmp(want) != 0 {
		t.Errorf("expected prefund %s, got %s", want, op.Prefund())
	}
	if op.MaxPriorityFeePerGas().Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Errorf("unexpected priority %s", op.MaxPriorityFeePerGas())
	}
}

func TestOperationGas_Saturates(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 300)
	op := &PackedUserOperation{PreVerificationGas: huge}

	got := op.OperationGas()
	if got.Cmp(maxUint256()) != 0 {
		t.Fatalf("expected saturation at 2^256-1, got %s", got)
	}
}

func TestFactoryAndPaymaster(t *testing.T) {
	factory := common.HexToAddress("0x1111111111111111111111111111111111111111")
	paymaster := common.HexToAddress("0x2222222222222222222222222222222222222222")

	tests := []struct {
		name          string
		initCode      []byte
		pmData        []byte
		wantFactory   *common.Address
		wantPaymaster *common.Address
	}{
		{"empty", nil, nil, nil, nil},
		{"too short", make([]byte, 19), make([]byte, 19), nil, nil},
		{"exact", factory.Bytes(), paymaster.Bytes(), &factory, &paymaster},
		{"with trailing data", append(factory.Bytes(), 0xde, 0xad), append(paymaster.Bytes(), 0xbe, 0xef), &factory, &paymaster},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &PackedUserOperation{InitCode: tt.initCode, PaymasterAndData: tt.pmData}
			checkAddr(t, "factory", op.Factory(), tt.wantFactory)
			checkAddr(t, "paymaster", op.Paymaster(), tt.wantPaymaster)
		})
	}
}

func checkAddr(t *testing.T, name string, got, want *common.Address) {
	t.Helper()
	switch {
	case got == nil && want == nil:
	case got == nil || want == nil:
		t.Errorf("%s: expected %v, got %v", name, want, got)
	case *got != *want:
		t.Errorf("%s: expected %s, got %s", name, want.Hex(), got.Hex())
	}
}

func TestPackedUserOperation_JSON(t *testing.T) {
	op := &PackedUserOperation{
		Sender:             common.HexToAddress("0xaaaa"),
		Nonce:              big.NewInt(5),
		CallData:           []byte{0x01, 0x02},
		AccountGasLimits:   PackAccountGasLimits(big.NewInt(1), big.NewInt(2)),
		PreVerificationGas: big.NewInt(21_000),
		GasFees:            PackGasFees(big.NewInt(3), big.NewInt(4)),
		Signature:          []byte{0xff},
	}

	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["nonce"] != "0x5" {
		t.Errorf("expected nonce 0x5, got %v", raw["nonce"])
	}
	if raw["callData"] != hexutil.Encode([]byte{0x01, 0x02}) {
		t.Errorf("unexpected callData %v", raw["callData"])
	}

	var decoded PackedUserOperation
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Nonce.Cmp(op.Nonce) != 0 || decoded.AccountGasLimits != op.AccountGasLimits {
		t.Errorf("decoded operation differs: %+v", decoded)
	}
}
