package bundler

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/insoblok/inso-bundler/internal/mempool"
	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// Flush runs one bundling cycle immediately, waiting for a scheduled cycle
// to finish first. It returns the transaction hash of the submitted bundle,
// or the zero hash when nothing was included.
func (b *Bundler) Flush(ctx context.Context) (common.Hash, error) {
	b.cycleMu.Lock()
	defer b.cycleMu.Unlock()

	txHash, err := b.cycle(ctx)
	b.updatePoolGauge()
	return txHash, err
}

// cycle selects pending operations, builds and submits a bundle, and
// reconciles the mempool with the outcome. Execution failures are recorded
// on the operations; only store errors are returned. Callers hold cycleMu.
//
// A failed execution result marks every member Failed. An error returned by
// Execute itself is not treated that way: the bundle is reverted to Pending
// like a retryable result and only fails once MaxBundleRetries is exceeded.
func (b *Bundler) cycle(ctx context.Context) (common.Hash, error) {
	start := time.Now()
	defer func() { b.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	selected, err := b.pool.SelectPending(b.cfg.MaxBundleSize, b.cfg.MaxBundleGas)
	if err != nil {
		return common.Hash{}, fmt.Errorf("select pending: %w", err)
	}
	if len(selected) == 0 {
		return common.Hash{}, nil
	}
	selected = sameEntryPoint(selected)

	byHash := make(map[common.Hash]*mempool.Entry, len(selected))
	ops := make([]*bundlerTypes.BundleOp, 0, len(selected))
	for _, e := range selected {
		byHash[e.Hash] = e
		ops = append(ops, &bundlerTypes.BundleOp{Hash: e.Hash, UserOp: e.Op, EntryPoint: e.EntryPoint})
	}

	callCtx, cancel := b.callContext(ctx)
	defer cancel()

	bundle, err := b.executor.BuildBundle(callCtx, ops)
	if err != nil {
		b.metrics.Bundles.WithLabelValues("build_failed").Inc()
		b.logger.Warn("Bundle build failed", "ops", len(ops), "err", err)
		hashes := make([]common.Hash, 0, len(selected))
		for _, e := range selected {
			hashes = append(hashes, e.Hash)
		}
		return common.Hash{}, b.fail(hashes, fmt.Sprintf("build bundle: %v", err))
	}

	if _, err := b.pool.MarkSubmitted(bundle.Hashes, bundle.ID); err != nil {
		return common.Hash{}, fmt.Errorf("mark submitted: %w", err)
	}
	for _, h := range bundle.Hashes {
		b.publish(h, bundlerTypes.StateSubmitted, nil, "")
	}

	res, err := b.executor.Execute(callCtx, bundle)
	if err != nil {
		// The submission never completed, so the operations were not consumed.
		// Retried instead of marked Failed.
		res = &bundlerTypes.ExecutionResult{Error: err.Error(), Retryable: true}
	}

	switch {
	case res.Success:
		return res.TxHash, b.settleIncluded(bundle, res, byHash)
	case res.Retryable:
		return common.Hash{}, b.retry(bundle, res, byHash)
	default:
		b.metrics.Bundles.WithLabelValues("failed").Inc()
		b.logger.Warn("Bundle execution failed", "id", bundle.ID.Hex(), "ops", len(bundle.Hashes), "err", res.Error)
		if err := b.fail(bundle.Hashes, res.Error); err != nil {
			return common.Hash{}, err
		}
		b.chargeEntities(bundle.Hashes, byHash, b.ledger.RecordFailed)
		return common.Hash{}, nil
	}
}

func (b *Bundler) settleIncluded(bundle *bundlerTypes.Bundle, res *bundlerTypes.ExecutionResult, byHash map[common.Hash]*mempool.Entry) error {
	n, err := b.pool.MarkIncluded(bundle.Hashes, res.TxHash, res.BlockNumber)
	if err != nil {
		return fmt.Errorf("mark included: %w", err)
	}

	b.statsMu.Lock()
	b.stats.BundlesSubmitted++
	b.stats.Included += uint64(n)
	if res.GasUsed != nil {
		b.stats.TotalGasUsed.Add(b.stats.TotalGasUsed, res.GasUsed)
	}
	b.statsMu.Unlock()

	b.metrics.Bundles.WithLabelValues("included").Inc()
	b.metrics.OpsIncluded.Add(float64(n))
	if res.GasUsed != nil {
		gas, _ := new(big.Float).SetInt(res.GasUsed).Float64()
		b.metrics.GasUsed.Add(gas)
	}

	txHash := res.TxHash
	for _, h := range bundle.Hashes {
		b.publish(h, bundlerTypes.StateIncluded, &txHash, "")
	}
	b.chargeEntities(bundle.Hashes, byHash, b.ledger.RecordIncluded)

	b.logger.Info("Bundle included",
		"id", bundle.ID.Hex(),
		"txHash", txHash.Hex(),
		"block", res.BlockNumber,
		"ops", n,
		"gasUsed", res.GasUsed,
	)
	return nil
}

// retry returns a bundle's operations to the pending partition. Operations
// that have now been retried more than MaxBundleRetries times are failed.
func (b *Bundler) retry(bundle *bundlerTypes.Bundle, res *bundlerTypes.ExecutionResult, byHash map[common.Hash]*mempool.Entry) error {
	b.metrics.Bundles.WithLabelValues("retry").Inc()

	n, err := b.pool.RevertSubmitted(bundle.ID)
	if err != nil {
		return fmt.Errorf("revert submitted: %w", err)
	}

	var exhausted []common.Hash
	for _, h := range bundle.Hashes {
		e, err := b.pool.Get(h)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", h.Hex(), err)
		}
		if e == nil || e.State != mempool.Pending {
			continue
		}
		if e.RetryCount > b.cfg.MaxBundleRetries {
			exhausted = append(exhausted, h)
		} else {
			b.publish(h, bundlerTypes.StatePending, nil, res.Error)
		}
	}

	b.logger.Warn("Bundle submission will be retried",
		"id", bundle.ID.Hex(),
		"reverted", n,
		"exhausted", len(exhausted),
		"err", res.Error,
	)
	if len(exhausted) == 0 {
		return nil
	}
	if err := b.fail(exhausted, "bundle retries exhausted: "+res.Error); err != nil {
		return err
	}
	b.chargeEntities(exhausted, byHash, b.ledger.RecordFailed)
	return nil
}

// fail moves hashes to Failed and accounts for them.
func (b *Bundler) fail(hashes []common.Hash, reason string) error {
	n, err := b.pool.MarkFailed(hashes, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	b.statsMu.Lock()
	b.stats.Failed += uint64(n)
	b.statsMu.Unlock()
	b.metrics.OpsFailed.Add(float64(n))

	for _, h := range hashes {
		b.publish(h, bundlerTypes.StateFailed, nil, reason)
	}
	return nil
}

// chargeEntities applies record to the sender, factory and paymaster of
// every operation in hashes. Ledger errors are logged, not returned: the
// mempool transition has already happened.
func (b *Bundler) chargeEntities(hashes []common.Hash, byHash map[common.Hash]*mempool.Entry, record func(common.Address) error) {
	for _, h := range hashes {
		e, ok := byHash[h]
		if !ok {
			continue
		}
		for _, addr := range entities(e.Sender(), e.Factory, e.Paymaster) {
			if err := record(addr); err != nil {
				b.logger.Warn("Failed to update reputation", "addr", addr, "err", err)
			}
		}
	}
}

// sameEntryPoint keeps the entries targeting the entry point of the best
// candidate. The rest stay pending for a later cycle.
func sameEntryPoint(entries []*mempool.Entry) []*mempool.Entry {
	ep := entries[0].EntryPoint
	out := make([]*mempool.Entry, 0, len(entries))
	for _, e := range entries {
		if e.EntryPoint == ep {
			out = append(out, e)
		}
	}
	return out
}
