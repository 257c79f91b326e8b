package mempool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Pool is the persisted user operation pool used by the orchestrator.
// Mempool is the only production implementation; tests may substitute
// their own.
type Pool interface {
	// Add inserts a new pending entry. It returns false without error when the
	// hash is already known or the pending partition is full.
	Add(entry *Entry) (bool, error)

	// Get looks a hash up across all partitions.
	Get(hash common.Hash) (*Entry, error)

	// GetBySender returns every known entry of sender in nonce order.
	GetBySender(sender common.Address) ([]*Entry, error)

	// SelectPending picks up to maxCount pending entries by priority, skipping
	// any whose gas would push the total past maxGas (0 disables the limit).
	SelectPending(maxCount int, maxGas uint64) ([]*Entry, error)

	Remove(hash common.Hash) (bool, error)
	MarkSubmitted(hashes []common.Hash, txID common.Hash) (int, error)
	MarkIncluded(hashes []common.Hash, txHash common.Hash, blockNumber uint64) (int, error)
	MarkFailed(hashes []common.Hash, reason string) (int, error)
	RevertSubmitted(txID common.Hash) (int, error)
	Clear() error
	Count() Counts
	GetStats() (*Stats, error)
	Prune() (int, error)

	// SubscribeDropped delivers pending entries removed by Prune.
	SubscribeDropped(ch chan<- DroppedEvent) event.Subscription
}

// DroppedEvent is posted when Prune discards pending entries that never made
// it into a bundle.
type DroppedEvent struct {
	Entries []*Entry
}

var _ Pool = (*Mempool)(nil)
