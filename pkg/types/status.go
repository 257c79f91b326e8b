package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// UserOpState is the externally visible lifecycle state of a user operation.
// Dropped covers operations the bundler does not (or no longer) know about.
type UserOpState string

const (
	StatePending   UserOpState = "pending"
	StateSubmitted UserOpState = "submitted"
	StateIncluded  UserOpState = "included"
	StateFailed    UserOpState = "failed"
	StateDropped   UserOpState = "dropped"
)

// UserOpStatus is the answer to a status query.
type UserOpStatus struct {
	UserOpHash  common.Hash     `json:"userOpHash"`
	State       UserOpState     `json:"status"`
	TxHash      *common.Hash    `json:"transactionHash,omitempty"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt *time.Time      `json:"submittedAt,omitempty"`
	RetryCount  uint32          `json:"retryCount,omitempty"`
}

// UserOpInfo is returned by eth_getUserOperationByHash.
type UserOpInfo struct {
	UserOperation   *PackedUserOperation `json:"userOperation"`
	EntryPoint      common.Address       `json:"entryPoint"`
	TransactionHash *common.Hash         `json:"transactionHash"`
	BlockNumber     *hexutil.Uint64      `json:"blockNumber"`
}

// UserOpReceipt is returned by eth_getUserOperationReceipt.
type UserOpReceipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	EntryPoint    common.Address  `json:"entryPoint"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	Paymaster     *common.Address `json:"paymaster,omitempty"`
	ActualGasUsed hexutil.Uint64  `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason,omitempty"`
	Receipt       *types.Receipt  `json:"receipt"`
}

// PendingUserOp is a snapshot row of the pending partition.
type PendingUserOp struct {
	UserOpHash  common.Hash          `json:"userOpHash"`
	UserOp      *PackedUserOperation `json:"userOperation"`
	EntryPoint  common.Address       `json:"entryPoint"`
	Priority    *hexutil.Big         `json:"priority"`
	Prefund     *hexutil.Big         `json:"prefund"`
	SubmittedAt time.Time            `json:"submittedAt"`
	RetryCount  uint32               `json:"retryCount"`
}

// BundlerStats are process-lifetime counters. Pending and Submitted are read
// from the mempool when the stats are requested.
type BundlerStats struct {
	Pending          int       `json:"pending"`
	Submitted        int       `json:"submitted"`
	Included         uint64    `json:"included"`
	Failed           uint64    `json:"failed"`
	BundlesSubmitted uint64    `json:"bundlesSubmitted"`
	TotalGasUsed     *big.Int  `json:"totalGasUsed"`
	StartedAt        time.Time `json:"startedAt"`
}
