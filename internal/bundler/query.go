package bundler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/insoblok/inso-bundler/internal/mempool"
	"github.com/insoblok/inso-bundler/internal/reputation"
	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// Status reports the lifecycle state of hash. Unknown hashes are reported
// as dropped rather than as an error.
func (b *Bundler) Status(hash common.Hash) (*bundlerTypes.UserOpStatus, error) {
	e, err := b.pool.Get(hash)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return &bundlerTypes.UserOpStatus{
			UserOpHash: hash,
			State:      bundlerTypes.StateDropped,
			Error:      "not found",
		}, nil
	}

	status := &bundlerTypes.UserOpStatus{
		UserOpHash: e.Hash,
		State:      e.State.Public(),
		TxHash:     e.TxHash,
		Error:      e.Error,
		RetryCount: e.RetryCount,
	}
	if !e.SubmittedAt.IsZero() {
		at := e.SubmittedAt
		status.SubmittedAt = &at
	}
	if e.BlockNumber != nil {
		n := hexutil.Uint64(*e.BlockNumber)
		status.BlockNumber = &n
	}
	return status, nil
}

// UserOperation returns the operation behind hash, or nil when unknown.
func (b *Bundler) UserOperation(hash common.Hash) (*bundlerTypes.UserOpInfo, error) {
	e, err := b.pool.Get(hash)
	if err != nil || e == nil {
		return nil, err
	}
	info := &bundlerTypes.UserOpInfo{
		UserOperation: e.Op,
		EntryPoint:    e.EntryPoint,
	}
	// Before inclusion TxHash holds the bundle id, which is not a chain hash.
	if e.State == mempool.Included {
		info.TransactionHash = e.TxHash
		if e.BlockNumber != nil {
			n := hexutil.Uint64(*e.BlockNumber)
			info.BlockNumber = &n
		}
	}
	return info, nil
}

// Receipt returns the receipt of an included operation, or nil when the
// operation is not included or the chain has no receipt for it yet.
func (b *Bundler) Receipt(ctx context.Context, hash common.Hash) (*bundlerTypes.UserOpReceipt, error) {
	if r, ok := b.receiptCache.Get(hash); ok {
		return r, nil
	}
	if b.receipts == nil {
		return nil, nil
	}

	e, err := b.pool.Get(hash)
	if err != nil {
		return nil, err
	}
	if e == nil || e.State != mempool.Included || e.TxHash == nil {
		return nil, nil
	}

	callCtx, cancel := b.callContext(ctx)
	defer cancel()
	receipt, err := b.receipts.TransactionReceipt(callCtx, *e.TxHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch receipt %s: %w", e.TxHash.Hex(), err)
	}
	if receipt == nil {
		return nil, nil
	}

	nonce := new(big.Int)
	if e.Op.Nonce != nil {
		nonce.Set(e.Op.Nonce)
	}
	r := &bundlerTypes.UserOpReceipt{
		UserOpHash:    hash,
		EntryPoint:    e.EntryPoint,
		Sender:        e.Sender(),
		Nonce:         (*hexutil.Big)(nonce),
		Paymaster:     e.Paymaster,
		ActualGasUsed: hexutil.Uint64(receipt.GasUsed),
		Success:       receipt.Status == types.ReceiptStatusSuccessful,
		Receipt:       receipt,
	}
	if !r.Success {
		r.Reason = "bundle transaction reverted"
	}
	b.receiptCache.Add(hash, r)
	return r, nil
}

// PendingOps lists the pending operations eligible for bundling, in
// selection order.
func (b *Bundler) PendingOps() ([]*bundlerTypes.PendingUserOp, error) {
	entries, err := b.pool.SelectPending(math.MaxInt, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*bundlerTypes.PendingUserOp, 0, len(entries))
	for _, e := range entries {
		out = append(out, &bundlerTypes.PendingUserOp{
			UserOpHash:  e.Hash,
			UserOp:      e.Op,
			EntryPoint:  e.EntryPoint,
			Priority:    (*hexutil.Big)(e.Priority),
			Prefund:     (*hexutil.Big)(e.Prefund),
			SubmittedAt: e.SubmittedAt,
			RetryCount:  e.RetryCount,
		})
	}
	return out, nil
}

// Drop removes hash from the mempool regardless of its state.
func (b *Bundler) Drop(hash common.Hash) (bool, error) {
	removed, err := b.pool.Remove(hash)
	if err != nil || !removed {
		return false, err
	}
	b.receiptCache.Remove(hash)
	b.publish(hash, bundlerTypes.StateDropped, nil, "dropped by operator")
	b.logger.Info("User operation dropped", "hash", hash.Hex())
	return true, nil
}

// Stats returns a snapshot of the bundler counters. Pending and Submitted
// are read from the mempool.
func (b *Bundler) Stats() *bundlerTypes.BundlerStats {
	counts := b.pool.Count()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return &bundlerTypes.BundlerStats{
		Pending:          counts.Pending,
		Submitted:        counts.Submitted,
		Included:         b.stats.Included,
		Failed:           b.stats.Failed,
		BundlesSubmitted: b.stats.BundlesSubmitted,
		TotalGasUsed:     new(big.Int).Set(b.stats.TotalGasUsed),
		StartedAt:        b.stats.StartedAt,
	}
}

// MempoolStats summarizes the live part of the mempool.
func (b *Bundler) MempoolStats() (*mempool.Stats, error) {
	return b.pool.GetStats()
}

// SupportedEntryPoints returns the configured entry points in order.
func (b *Bundler) SupportedEntryPoints() []common.Address {
	return append([]common.Address(nil), b.cfg.EntryPoints...)
}

// ChainID returns the chain the bundler serves.
func (b *Bundler) ChainID() *big.Int {
	return new(big.Int).Set(b.cfg.ChainID)
}

// Reputation returns the ledger entry of addr. Unknown addresses have an Ok
// entry with no history.
func (b *Bundler) Reputation(addr common.Address) (*reputation.Entry, error) {
	e, err := b.ledger.Get(addr)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return &reputation.Entry{Address: addr, Status: reputation.Ok}, nil
	}
	return e, nil
}

// SetReputation overwrites the ledger entry of entry.Address.
func (b *Bundler) SetReputation(entry *reputation.Entry) error {
	return b.ledger.Update(entry)
}

// DumpReputation returns every ledger entry.
func (b *Bundler) DumpReputation() []*reputation.Entry {
	return b.ledger.GetAll()
}

// ClearState empties the mempool and the reputation ledger.
func (b *Bundler) ClearState() error {
	b.cycleMu.Lock()
	defer b.cycleMu.Unlock()

	if err := b.pool.Clear(); err != nil {
		return fmt.Errorf("clear mempool: %w", err)
	}
	if err := b.ledger.ClearAll(); err != nil {
		return fmt.Errorf("clear reputation: %w", err)
	}
	b.receiptCache.Purge()
	b.updatePoolGauge()
	b.logger.Warn("Bundler state cleared")
	return nil
}
