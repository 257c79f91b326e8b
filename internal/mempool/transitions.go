package mempool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"

	"github.com/insoblok/inso-bundler/internal/store"
)

type move struct {
	entry *Entry
	from  State
}

// stage queues the move of every hash found in one of the from states to the
// to state. Hashes not found in any from state are skipped. The caller holds
// mu and writes the batch.
func (m *Mempool) stage(batch ethdb.Batch, hashes []common.Hash, from []State, to State, apply func(*Entry)) ([]move, error) {
	var (
		moves []move
		seen  = make(map[common.Hash]struct{}, len(hashes))
	)
	for _, h := range hashes {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}

		for _, s := range from {
			e, err := m.read(m.db, s, h)
			if err != nil {
				return nil, err
			}
			if e == nil {
				continue
			}
			e.State = to
			if apply != nil {
				apply(e)
			}
			enc, err := encodeEntry(e)
			if err != nil {
				return nil, fmt.Errorf("encode entry %s: %w", h.Hex(), err)
			}
			if err := s.column().Delete(batch, h.Bytes()); err != nil {
				return nil, err
			}
			if err := to.column().Put(batch, h.Bytes(), enc); err != nil {
				return nil, err
			}
			moves = append(moves, move{entry: e, from: s})
			break
		}
	}
	return moves, nil
}

func (m *Mempool) commit(batch ethdb.Batch, moves []move) error {
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	for _, mv := range moves {
		m.counts[mv.from].Add(-1)
		m.counts[mv.entry.State].Add(1)
	}
	return nil
}

// MarkSubmitted moves the pending hashes to Submitted under txID and records
// the txID -> hashes mapping used by RevertSubmitted.
func (m *Mempool) MarkSubmitted(hashes []common.Hash, txID common.Hash) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.db.NewBatch()
	moves, err := m.stage(batch, hashes, []State{Pending}, Submitted, func(e *Entry) {
		id := txID
		e.TxHash = &id
	})
	if err != nil {
		return 0, err
	}
	if len(moves) == 0 {
		return 0, nil
	}

	members, err := m.txMembers(txID)
	if err != nil {
		return 0, err
	}
	for _, mv := range moves {
		members = append(members, mv.entry.Hash)
	}
	enc, err := encodeHashes(members)
	if err != nil {
		return 0, fmt.Errorf("encode tx mapping: %w", err)
	}
	if err := store.TxMapping.Put(batch, txID.Bytes(), enc); err != nil {
		return 0, err
	}
	if err := m.commit(batch, moves); err != nil {
		return 0, err
	}

	m.logger.Debug("User operations submitted", "txID", txID.Hex(), "count", len(moves))
	return len(moves), nil
}

// MarkIncluded moves submitted hashes to Included, recording the on-chain
// transaction and block.
func (m *Mempool) MarkIncluded(hashes []common.Hash, txHash common.Hash, blockNumber uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.db.NewBatch()
	moves, err := m.stage(batch, hashes, []State{Submitted}, Included, func(e *Entry) {
		h, n := txHash, blockNumber
		e.TxHash, e.BlockNumber = &h, &n
	})
	if err != nil {
		return 0, err
	}
	if len(moves) == 0 {
		return 0, nil
	}
	if err := m.commit(batch, moves); err != nil {
		return 0, err
	}

	m.logger.Debug("User operations included", "txHash", txHash.Hex(), "block", blockNumber, "count", len(moves))
	return len(moves), nil
}

// MarkFailed moves hashes found in Pending (checked first) or Submitted to
// Failed with reason.
func (m *Mempool) MarkFailed(hashes []common.Hash, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.db.NewBatch()
	moves, err := m.stage(batch, hashes, []State{Pending, Submitted}, Failed, func(e *Entry) {
		e.Error = reason
	})
	if err != nil {
		return 0, err
	}
	if len(moves) == 0 {
		return 0, nil
	}
	if err := m.commit(batch, moves); err != nil {
		return 0, err
	}

	m.logger.Debug("User operations failed", "count", len(moves), "reason", reason)
	return len(moves), nil
}

// RevertSubmitted returns every still-submitted member of txID to Pending,
// bumping its retry counter, and forgets the mapping. Unknown ids are a no-op.
func (m *Mempool) RevertSubmitted(txID common.Hash) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, err := m.txMembers(txID)
	if err != nil {
		return 0, err
	}
	if members == nil {
		return 0, nil
	}

	batch := m.db.NewBatch()
	moves, err := m.stage(batch, members, []State{Submitted}, Pending, func(e *Entry) {
		e.RetryCount++
		e.TxHash = nil
	})
	if err != nil {
		return 0, err
	}
	if err := store.TxMapping.Delete(batch, txID.Bytes()); err != nil {
		return 0, err
	}
	if err := m.commit(batch, moves); err != nil {
		return 0, err
	}

	m.logger.Info("Reverted submitted bundle", "txID", txID.Hex(), "count", len(moves))
	return len(moves), nil
}

func (m *Mempool) txMembers(txID common.Hash) ([]common.Hash, error) {
	data, err := store.TxMapping.Get(m.db, txID.Bytes())
	if err != nil {
		return nil, fmt.Errorf("read tx mapping %s: %w", txID.Hex(), err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeHashes(data)
}

// Prune drops pending entries past EntryTTL or their ValidUntil, terminal
// entries past Retention, and tx mappings with no submitted member left.
// Submitted entries are never pruned. Dropped pending entries are posted
// as a DroppedEvent once the batch is written.
func (m *Mempool) Prune() (int, error) {
	dropped, removed, err := m.prune()
	if err != nil {
		return 0, err
	}
	if len(dropped) > 0 {
		m.droppedFeed.Send(DroppedEvent{Entries: dropped})
	}
	return removed, nil
}

func (m *Mempool) prune() ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		now     = m.now()
		nowSec  = uint64(now.Unix())
		batch   = m.db.NewBatch()
		victims []*Entry
		dropped []*Entry
	)

	expired := func(s State, e *Entry) bool {
		switch s {
		case Pending:
			if m.cfg.EntryTTL > 0 && now.Sub(e.SubmittedAt) > m.cfg.EntryTTL {
				return true
			}
			return e.ValidUntil != nil && *e.ValidUntil < nowSec
		case Included, Failed:
			return m.cfg.Retention > 0 && now.Sub(e.SubmittedAt) > m.cfg.Retention
		}
		return false
	}

	for _, s := range []State{Pending, Included, Failed} {
		var decodeErr error
		err := s.column().Iterate(m.db, nil, func(key, value []byte) bool {
			e, err := decodeEntry(key, value)
			if err != nil {
				decodeErr = err
				return false
			}
			if expired(s, e) {
				victims = append(victims, e)
			}
			return true
		})
		if err != nil {
			return nil, 0, fmt.Errorf("scan %s: %w", s, err)
		}
		if decodeErr != nil {
			return nil, 0, decodeErr
		}
	}

	for _, e := range victims {
		if err := e.State.column().Delete(batch, e.Hash.Bytes()); err != nil {
			return nil, 0, err
		}
		if err := m.unindex(batch, e); err != nil {
			return nil, 0, err
		}
		if e.State == Pending {
			dropped = append(dropped, e)
		}
	}

	stale, err := m.staleMappings()
	if err != nil {
		return nil, 0, err
	}
	for _, id := range stale {
		if err := store.TxMapping.Delete(batch, id); err != nil {
			return nil, 0, err
		}
	}

	if len(victims) == 0 && len(stale) == 0 {
		return nil, 0, nil
	}
	if err := batch.Write(); err != nil {
		return nil, 0, fmt.Errorf("write batch: %w", err)
	}
	for _, e := range victims {
		m.counts[e.State].Add(-1)
	}

	m.logger.Info("Pruned mempool", "removed", len(victims), "expiredPending", len(dropped), "staleMappings", len(stale))
	return dropped, len(victims), nil
}

// staleMappings lists tx ids none of whose members are still submitted.
func (m *Mempool) staleMappings() ([][]byte, error) {
	type mapping struct {
		id      []byte
		members []common.Hash
	}
	var (
		all       []mapping
		decodeErr error
	)
	err := store.TxMapping.Iterate(m.db, nil, func(key, value []byte) bool {
		members, err := decodeHashes(value)
		if err != nil {
			decodeErr = err
			return false
		}
		all = append(all, mapping{id: common.CopyBytes(key), members: members})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan tx mappings: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	var stale [][]byte
	for _, mp := range all {
		live := false
		for _, h := range mp.members {
			ok, err := store.Submitted.Has(m.db, h.Bytes())
			if err != nil {
				return nil, err
			}
			if ok {
				live = true
				break
			}
		}
		if !live {
			stale = append(stale, mp.id)
		}
	}
	return stale, nil
}
