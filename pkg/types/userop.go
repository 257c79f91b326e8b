package types

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// PackedUserOperation is an EntryPoint v0.7 user operation in its packed form.
//
// AccountGasLimits carries verificationGasLimit in the high 16 bytes and
// callGasLimit in the low 16 bytes. GasFees carries maxPriorityFeePerGas in
// the high 16 bytes and maxFeePerGas in the low 16 bytes. Both halves are
// big-endian unsigned integers.
type PackedUserOperation struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

type packedUserOpJSON struct {
	Sender             common.Address `json:"sender"`
	Nonce              *hexutil.Big   `json:"nonce"`
	InitCode           hexutil.Bytes  `json:"initCode"`
	CallData           hexutil.Bytes  `json:"callData"`
	AccountGasLimits   common.Hash    `json:"accountGasLimits"`
	PreVerificationGas *hexutil.Big   `json:"preVerificationGas"`
	GasFees            common.Hash    `json:"gasFees"`
	PaymasterAndData   hexutil.Bytes  `json:"paymasterAndData"`
	Signature          hexutil.Bytes  `json:"signature"`
}

// MarshalJSON encodes the operation using the hex conventions of the
// eth_sendUserOperation RPC.
func (op *PackedUserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(packedUserOpJSON{
		Sender:             op.Sender,
		Nonce:              (*hexutil.Big)(bigOrZero(op.Nonce)),
		InitCode:           op.InitCode,
		CallData:           op.CallData,
		AccountGasLimits:   op.AccountGasLimits,
		PreVerificationGas: (*hexutil.Big)(bigOrZero(op.PreVerificationGas)),
		GasFees:            op.GasFees,
		PaymasterAndData:   op.PaymasterAndData,
		Signature:          op.Signature,
	})
}

// UnmarshalJSON decodes the hex-encoded RPC form.
func (op *PackedUserOperation) UnmarshalJSON(data []byte) error {
	var dec packedUserOpJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	op.Sender = dec.Sender
	op.Nonce = new(big.Int)
	if dec.Nonce != nil {
		op.Nonce = dec.Nonce.ToInt()
	}
	op.InitCode = dec.InitCode
	op.CallData = dec.CallData
	op.AccountGasLimits = dec.AccountGasLimits
	op.PreVerificationGas = new(big.Int)
	if dec.PreVerificationGas != nil {
		op.PreVerificationGas = dec.PreVerificationGas.ToInt()
	}
	op.GasFees = dec.GasFees
	op.PaymasterAndData = dec.PaymasterAndData
	op.Signature = dec.Signature
	return nil
}

// UnpackAccountGasLimits splits the packed gas limits into
// (verificationGasLimit, callGasLimit).
func UnpackAccountGasLimits(packed [32]byte) (verificationGasLimit, callGasLimit *uint256.Int) {
	return unpackHalves(packed)
}

// UnpackGasFees splits the packed fees into (maxPriorityFeePerGas, maxFeePerGas).
func UnpackGasFees(packed [32]byte) (maxPriorityFeePerGas, maxFeePerGas *uint256.Int) {
	return unpackHalves(packed)
}

// PackAccountGasLimits is the inverse of UnpackAccountGasLimits. Values wider
// than 128 bits are truncated to their low 16 bytes.
func PackAccountGasLimits(verificationGasLimit, callGasLimit *big.Int) [32]byte {
	return packHalves(verificationGasLimit, callGasLimit)
}

// PackGasFees is the inverse of UnpackGasFees.
func PackGasFees(maxPriorityFeePerGas, maxFeePerGas *big.Int) [32]byte {
	return packHalves(maxPriorityFeePerGas, maxFeePerGas)
}

func unpackHalves(packed [32]byte) (hi, lo *uint256.Int) {
	return new(uint256.Int).SetBytes(packed[:16]), new(uint256.Int).SetBytes(packed[16:])
}

func packHalves(hi, lo *big.Int) (out [32]byte) {
	putUint128(out[:16], hi)
	putUint128(out[16:], lo)
	return out
}

func putUint128(dst []byte, v *big.Int) {
	if v == nil {
		return
	}
	b := v.Bytes()
	if len(b) > 16 {
		b = b[len(b)-16:]
	}
	copy(dst[16-len(b):], b)
}

// VerificationGasLimit returns the high half of AccountGasLimits.
func (op *PackedUserOperation) VerificationGasLimit() *big.Int {
	vgl, _ := UnpackAccountGasLimits(op.AccountGasLimits)
	return vgl.ToBig()
}

// CallGasLimit returns the low half of AccountGasLimits.
func (op *PackedUserOperation) CallGasLimit() *big.Int {
	_, cgl := UnpackAccountGasLimits(op.AccountGasLimits)
	return cgl.ToBig()
}

// MaxPriorityFeePerGas returns the high half of GasFees. It doubles as the
// mempool ordering priority.
func (op *PackedUserOperation) MaxPriorityFeePerGas() *big.Int {
	tip, _ := UnpackGasFees(op.GasFees)
	return tip.ToBig()
}

// MaxFeePerGas returns the low half of GasFees.
func (op *PackedUserOperation) MaxFeePerGas() *big.Int {
	_, fee := UnpackGasFees(op.GasFees)
	return fee.ToBig()
}

// OperationGas is verificationGasLimit + callGasLimit + preVerificationGas,
// saturating at 2^256-1.
func (op *PackedUserOperation) OperationGas() *uint256.Int {
	vgl, cgl := UnpackAccountGasLimits(op.AccountGasLimits)
	pvgBig := bigOrZero(op.PreVerificationGas)
	if pvgBig.Sign() < 0 {
		return maxUint256()
	}
	pvg, overflow := uint256.FromBig(pvgBig)
	if overflow {
		return maxUint256()
	}
	sum, overflow := new(uint256.Int).AddOverflow(vgl, cgl)
	if overflow {
		return maxUint256()
	}
	if _, overflow = sum.AddOverflow(sum, pvg); overflow {
		return maxUint256()
	}
	return sum
}

// Prefund is the worst-case fee the sender must cover:
// (verificationGasLimit + callGasLimit + preVerificationGas) * maxFeePerGas.
func (op *PackedUserOperation) Prefund() *big.Int {
	vgl, cgl := UnpackAccountGasLimits(op.AccountGasLimits)
	_, maxFee := UnpackGasFees(op.GasFees)

	gas := new(big.Int).Add(vgl.ToBig(), cgl.ToBig())
	gas.Add(gas, bigOrZero(op.PreVerificationGas))
	return gas.Mul(gas, maxFee.ToBig())
}

// Factory returns the first 20 bytes of InitCode, or nil when InitCode is
// too short to carry an address.
func (op *PackedUserOperation) Factory() *common.Address {
	return leadingAddress(op.InitCode)
}

// Paymaster returns the first 20 bytes of PaymasterAndData, or nil.
func (op *PackedUserOperation) Paymaster() *common.Address {
	return leadingAddress(op.PaymasterAndData)
}

// Copy returns a deep copy of the operation.
func (op *PackedUserOperation) Copy() *PackedUserOperation {
	cpy := *op
	cpy.Nonce = new(big.Int).Set(bigOrZero(op.Nonce))
	cpy.PreVerificationGas = new(big.Int).Set(bigOrZero(op.PreVerificationGas))
	cpy.InitCode = common.CopyBytes(op.InitCode)
	cpy.CallData = common.CopyBytes(op.CallData)
	cpy.PaymasterAndData = common.CopyBytes(op.PaymasterAndData)
	cpy.Signature = common.CopyBytes(op.Signature)
	return &cpy
}

func leadingAddress(b []byte) *common.Address {
	if len(b) < common.AddressLength {
		return nil
	}
	addr := common.BytesToAddress(b[:common.AddressLength])
	return &addr
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func maxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}
