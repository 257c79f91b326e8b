package validation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	// abi.encode layout of the v0.7 PackedUserOperation without signature,
	// dynamic fields replaced by their keccak256.
	userOpArgs = abi.Arguments{
		{Type: addressT}, // sender
		{Type: uint256T}, // nonce
		{Type: bytes32T}, // keccak256(initCode)
		{Type: bytes32T}, // keccak256(callData)
		{Type: bytes32T}, // accountGasLimits
		{Type: uint256T}, // preVerificationGas
		{Type: bytes32T}, // gasFees
		{Type: bytes32T}, // keccak256(paymasterAndData)
	}

	// abi.encode(keccak256(packedUserOp), entryPoint, chainId)
	userOpHashArgs = abi.Arguments{
		{Type: bytes32T},
		{Type: addressT},
		{Type: uint256T},
	}
)

// EntryPointHasher computes the canonical EntryPoint v0.7 userOpHash locally,
// matching EntryPoint.getUserOpHash.
type EntryPointHasher struct {
	chainID *big.Int
}

// NewEntryPointHasher returns a hasher bound to chainID.
func NewEntryPointHasher(chainID *big.Int) *EntryPointHasher {
	return &EntryPointHasher{chainID: new(big.Int).Set(chainID)}
}

// Hash returns keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainId)).
func (h *EntryPointHasher) Hash(_ context.Context, op *bundlerTypes.PackedUserOperation, entryPoint common.Address) (common.Hash, error) {
	packed, err := packUserOp(op)
	if err != nil {
		return common.Hash{}, err
	}
	enc, err := userOpHashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, h.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack user op hash: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

func packUserOp(op *bundlerTypes.PackedUserOperation) ([]byte, error) {
	nonce, pvg := op.Nonce, op.PreVerificationGas
	if nonce == nil {
		nonce = new(big.Int)
	}
	if pvg == nil {
		pvg = new(big.Int)
	}
	enc, err := userOpArgs.Pack(
		op.Sender,
		nonce,
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		op.AccountGasLimits,
		pvg,
		op.GasFees,
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		return nil, fmt.Errorf("pack user op: %w", err)
	}
	return enc, nil
}
