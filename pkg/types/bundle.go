package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BundleOp is one user operation handed to the executor.
type BundleOp struct {
	Hash       common.Hash          `json:"userOpHash"`
	UserOp     *PackedUserOperation `json:"userOperation"`
	EntryPoint common.Address       `json:"entryPoint"`
}

// Bundle is a set of user operations submitted to one entry point in a
// single handleOps transaction. ID identifies the bundle before it has an
// on-chain transaction hash.
type Bundle struct {
	ID           common.Hash            `json:"id"`
	EntryPoint   common.Address         `json:"entryPoint"`
	UserOps      []*PackedUserOperation `json:"userOperations"`
	Hashes       []common.Hash          `json:"userOpHashes"`
	Beneficiary  common.Address         `json:"beneficiary"`
	EstimatedGas *big.Int               `json:"estimatedGas"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// ExecutionResult is the outcome of submitting a bundle. Retryable marks a
// failure that did not consume the operations (e.g. the transaction was
// never mined) so they may be bundled again.
type ExecutionResult struct {
	Success     bool        `json:"success"`
	TxHash      common.Hash `json:"transactionHash"`
	BlockNumber uint64      `json:"blockNumber"`
	GasUsed     *big.Int    `json:"gasUsed"`
	Error       string      `json:"error,omitempty"`
	Retryable   bool        `json:"retryable,omitempty"`
}

// ValidationResult is the verdict of a user operation validator. ValidAfter
// and ValidUntil are unix seconds and optional.
type ValidationResult struct {
	Valid      bool    `json:"valid"`
	Error      string  `json:"error,omitempty"`
	ValidAfter *uint64 `json:"validAfter,omitempty"`
	ValidUntil *uint64 `json:"validUntil,omitempty"`
}
