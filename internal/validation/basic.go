package validation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// paymasterAndData in v0.7 is paymaster (20) + verificationGasLimit (16) +
// postOpGasLimit (16) + paymaster data.
const minPaymasterAndDataLen = common.AddressLength + 32

// Limits bounds the gas fields accepted by BasicValidator.
type Limits struct {
	MinPreVerificationGas uint64
	MaxVerificationGas    uint64
	MaxOperationGas       uint64
}

// DefaultLimits returns permissive limits suitable for a devnet.
func DefaultLimits() Limits {
	return Limits{
		MinPreVerificationGas: 21_000,
		MaxVerificationGas:    5_000_000,
		MaxOperationGas:       15_000_000,
	}
}

// BasicValidator performs stateless sanity checks on a user operation. It
// does not simulate validation against chain state.
type BasicValidator struct {
	limits Limits
	logger log.Logger
}

// NewBasicValidator creates a validator enforcing limits.
func NewBasicValidator(limits Limits) *BasicValidator {
	return &BasicValidator{
		limits: limits,
		logger: log.New("module", "validator"),
	}
}

// Validate never returns an error; rejections are reported in the result.
func (v *BasicValidator) Validate(_ context.Context, op *bundlerTypes.PackedUserOperation, entryPoint common.Address) (*bundlerTypes.ValidationResult, error) {
	if reason := v.check(op); reason != "" {
		v.logger.Debug("User operation rejected", "sender", op.Sender.Hex(), "entryPoint", entryPoint.Hex(), "reason", reason)
		return &bundlerTypes.ValidationResult{Valid: false, Error: reason}, nil
	}
	return &bundlerTypes.ValidationResult{Valid: true}, nil
}

func (v *BasicValidator) check(op *bundlerTypes.PackedUserOperation) string {
	if op.Sender == (common.Address{}) {
		return "sender is the zero address"
	}
	if op.Nonce == nil || op.Nonce.Sign() < 0 {
		return "invalid nonce"
	}
	if len(op.Signature) == 0 {
		return "missing signature"
	}
	if n := len(op.InitCode); n > 0 && n < common.AddressLength {
		return fmt.Sprintf("initCode too short: %d bytes", n)
	}
	if n := len(op.PaymasterAndData); n > 0 && n < minPaymasterAndDataLen {
		return fmt.Sprintf("paymasterAndData too short: %d bytes", n)
	}

	vgl, _ := bundlerTypes.UnpackAccountGasLimits(op.AccountGasLimits)
	if vgl.IsZero() {
		return "verificationGasLimit is zero"
	}
	if v.limits.MaxVerificationGas > 0 && vgl.Gt(uint256.NewInt(v.limits.MaxVerificationGas)) {
		return fmt.Sprintf("verificationGasLimit %s exceeds %d", vgl, v.limits.MaxVerificationGas)
	}
	if op.PreVerificationGas == nil || op.PreVerificationGas.Cmp(new(big.Int).SetUint64(v.limits.MinPreVerificationGas)) < 0 {
		return fmt.Sprintf("preVerificationGas below %d", v.limits.MinPreVerificationGas)
	}
	if v.limits.MaxOperationGas > 0 && op.OperationGas().Gt(uint256.NewInt(v.limits.MaxOperationGas)) {
		return fmt.Sprintf("total gas %s exceeds %d", op.OperationGas(), v.limits.MaxOperationGas)
	}

	tip, maxFee := bundlerTypes.UnpackGasFees(op.GasFees)
	if maxFee.IsZero() {
		return "maxFeePerGas is zero"
	}
	if tip.Gt(maxFee) {
		return "maxPriorityFeePerGas exceeds maxFeePerGas"
	}
	return ""
}
