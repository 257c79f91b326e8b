package bundler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/insoblok/inso-bundler/internal/mempool"
	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// Admit validates op, computes its hash and enqueues it as pending. Errors
// the submitter can act on are returned synchronously; everything that
// happens after admission is reported through the operation's status.
func (b *Bundler) Admit(ctx context.Context, op *bundlerTypes.PackedUserOperation, entryPoint common.Address) (common.Hash, error) {
	hash, err := b.admit(ctx, op, entryPoint)
	b.metrics.Admissions.WithLabelValues(admissionResult(err)).Inc()
	if err != nil {
		b.logger.Debug("User operation rejected", "entryPoint", entryPoint, "err", err)
		return common.Hash{}, err
	}
	return hash, nil
}

func (b *Bundler) admit(ctx context.Context, op *bundlerTypes.PackedUserOperation, entryPoint common.Address) (common.Hash, error) {
	if op == nil {
		return common.Hash{}, ErrNilUserOp
	}
	if _, ok := b.entryPoints[entryPoint]; !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnsupportedEntryPoint, entryPoint.Hex())
	}
	if _, ok := b.blacklist[op.Sender]; ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrSenderBlacklisted, op.Sender.Hex())
	}
	if err := b.checkReputation(op); err != nil {
		return common.Hash{}, err
	}

	callCtx, cancel := b.callContext(ctx)
	defer cancel()

	res, err := b.validator.Validate(callCtx, op, entryPoint)
	if err != nil {
		return common.Hash{}, fmt.Errorf("validate user operation: %w", err)
	}
	if !res.Valid {
		return common.Hash{}, &ValidationError{Reason: res.Error}
	}

	hash, err := b.hasher.Hash(callCtx, op, entryPoint)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash user operation: %w", err)
	}

	entry := &mempool.Entry{
		Hash:       hash,
		Op:         op.Copy(),
		EntryPoint: entryPoint,
		Priority:   op.MaxPriorityFeePerGas(),
		Prefund:    op.Prefund(),
		Factory:    op.Factory(),
		Paymaster:  op.Paymaster(),
		ValidAfter: res.ValidAfter,
		ValidUntil: res.ValidUntil,
	}
	added, err := b.pool.Add(entry)
	if err != nil {
		return common.Hash{}, fmt.Errorf("add to mempool: %w", err)
	}
	if !added {
		return common.Hash{}, ErrMempoolRejected
	}

	b.logger.Info("User operation admitted",
		"hash", hash.Hex(),
		"sender", op.Sender,
		"nonce", op.Nonce,
		"priority", entry.Priority,
	)
	b.publish(hash, bundlerTypes.StatePending, nil, "")
	return hash, nil
}

// checkReputation rejects operations touching a banned entity, and throttled
// senders that already have ThrottledMaxPending operations pending.
func (b *Bundler) checkReputation(op *bundlerTypes.PackedUserOperation) error {
	for _, addr := range entities(op.Sender, op.Factory(), op.Paymaster()) {
		banned, err := b.ledger.IsBanned(addr)
		if err != nil {
			return fmt.Errorf("reputation lookup: %w", err)
		}
		if banned {
			return fmt.Errorf("%w: %s", ErrEntityBanned, addr.Hex())
		}
	}

	throttled, err := b.ledger.IsThrottled(op.Sender)
	if err != nil {
		return fmt.Errorf("reputation lookup: %w", err)
	}
	if !throttled {
		return nil
	}
	known, err := b.pool.GetBySender(op.Sender)
	if err != nil {
		return fmt.Errorf("sender lookup: %w", err)
	}
	pending := 0
	for _, e := range known {
		if e.State == mempool.Pending {
			pending++
		}
	}
	if pending >= b.cfg.ThrottledMaxPending {
		return fmt.Errorf("%w: %s has %d pending operations", ErrEntityThrottled, op.Sender.Hex(), pending)
	}
	return nil
}

// entities returns the distinct non-nil addresses among sender, factory and
// paymaster.
func entities(sender common.Address, factory, paymaster *common.Address) []common.Address {
	out := []common.Address{sender}
	for _, a := range []*common.Address{factory, paymaster} {
		if a == nil {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == *a {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, *a)
		}
	}
	return out
}

func admissionResult(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrMempoolRejected):
		return "mempool_rejected"
	case errors.Is(err, ErrEntityBanned), errors.Is(err, ErrEntityThrottled):
		return "reputation"
	case errors.As(err, &verr),
		errors.Is(err, ErrUnsupportedEntryPoint),
		errors.Is(err, ErrSenderBlacklisted),
		errors.Is(err, ErrNilUserOp):
		return "invalid"
	}
	return "error"
}
