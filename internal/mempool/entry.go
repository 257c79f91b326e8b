package mempool

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/insoblok/inso-bundler/internal/store"
	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// State is the lifecycle state of a mempool entry.
type State uint8

const (
	Pending State = iota
	Submitted
	Included
	Failed

	numStates
)

var stateNames = [numStates]string{"pending", "submitted", "included", "failed"}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return "unknown"
}

// Public maps the state onto the RPC-facing vocabulary.
func (s State) Public() bundlerTypes.UserOpState {
	switch s {
	case Pending:
		return bundlerTypes.StatePending
	case Submitted:
		return bundlerTypes.StateSubmitted
	case Included:
		return bundlerTypes.StateIncluded
	case Failed:
		return bundlerTypes.StateFailed
	}
	return bundlerTypes.StateDropped
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool { return s == Included || s == Failed }

func (s State) column() store.Column {
	switch s {
	case Submitted:
		return store.Submitted
	case Included:
		return store.Included
	case Failed:
		return store.Failed
	}
	return store.Pending
}

// Partitions in the order reads probe them.
var allStates = [numStates]State{Pending, Submitted, Included, Failed}

// Entry is a user operation plus its bundler bookkeeping.
type Entry struct {
	Hash       common.Hash
	Op         *bundlerTypes.PackedUserOperation
	EntryPoint common.Address
	Priority   *big.Int
	Prefund    *big.Int
	Factory    *common.Address
	Paymaster  *common.Address
	ValidAfter *uint64 // unix seconds
	ValidUntil *uint64 // unix seconds

	State       State
	SubmittedAt time.Time
	TxHash      *common.Hash
	BlockNumber *uint64
	Error       string
	RetryCount  uint32
}

// Sender is shorthand for the operation's sender.
func (e *Entry) Sender() common.Address { return e.Op.Sender }

// Copy returns a deep copy of the entry.
func (e *Entry) Copy() *Entry {
	cpy := *e
	if e.Op != nil {
		cpy.Op = e.Op.Copy()
	}
	cpy.Priority = copyBig(e.Priority)
	cpy.Prefund = copyBig(e.Prefund)
	cpy.Factory = copyAddr(e.Factory)
	cpy.Paymaster = copyAddr(e.Paymaster)
	cpy.ValidAfter = copyUint(e.ValidAfter)
	cpy.ValidUntil = copyUint(e.ValidUntil)
	cpy.BlockNumber = copyUint(e.BlockNumber)
	if e.TxHash != nil {
		h := *e.TxHash
		cpy.TxHash = &h
	}
	return &cpy
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func copyAddr(a *common.Address) *common.Address {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func copyUint(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Counts holds the size of every partition.
type Counts struct {
	Pending   int `json:"pending"`
	Submitted int `json:"submitted"`
	Included  int `json:"included"`
	Failed    int `json:"failed"`
}

// Total is the sum over all partitions.
func (c Counts) Total() int { return c.Pending + c.Submitted + c.Included + c.Failed }

// Stats summarizes the live (pending and submitted) part of the pool.
type Stats struct {
	Counts
	UniqueSenders    int      `json:"uniqueSenders"`
	UniquePaymasters int      `json:"uniquePaymasters"`
	TotalPrefund     *big.Int `json:"totalPrefund"`
}
