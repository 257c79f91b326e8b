package mempool

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/insoblok/inso-bundler/internal/store"
)

// Config bounds the pool.
type Config struct {
	MaxSize   int           // pending partition capacity, 0 = unbounded
	EntryTTL  time.Duration // pending entries older than this are pruned
	Retention time.Duration // included/failed entries older than this are pruned
}

// Mempool is a persisted user operation pool. Every state lives in its own
// column of the bundler database and each transition is one atomic batch.
// Writers serialize on mu; point readers work on a database snapshot.
type Mempool struct {
	mu     sync.Mutex
	db     ethdb.Database
	cfg    Config
	counts [numStates]atomic.Int64

	droppedFeed event.Feed
	scope       event.SubscriptionScope

	now    func() time.Time
	logger log.Logger
}

// New opens a mempool on db, counting the existing partitions.
func New(db ethdb.Database, cfg Config) (*Mempool, error) {
	m := &Mempool{
		db:     db,
		cfg:    cfg,
		now:    time.Now,
		logger: log.New("module", "mempool"),
	}
	for _, s := range allStates {
		n, err := s.column().Count(db)
		if err != nil {
			return nil, fmt.Errorf("count %s partition: %w", s, err)
		}
		m.counts[s].Store(int64(n))
	}
	c := m.Count()
	m.logger.Info("Mempool opened",
		"pending", c.Pending,
		"submitted", c.Submitted,
		"included", c.Included,
		"failed", c.Failed,
		"maxSize", cfg.MaxSize,
	)
	return m, nil
}

// Close unsubscribes all event listeners. The database is owned by the caller.
func (m *Mempool) Close() {
	m.scope.Close()
}

// SubscribeDropped registers ch for DroppedEvents.
func (m *Mempool) SubscribeDropped(ch chan<- DroppedEvent) event.Subscription {
	return m.scope.Track(m.droppedFeed.Subscribe(ch))
}

// Add stores entry as Pending. Duplicates (in any partition) and a full
// pending partition are reported as (false, nil).
func (m *Mempool) Add(entry *Entry) (bool, error) {
	if entry == nil || entry.Op == nil {
		return false, ErrNilEntry
	}
	if entry.Hash == (common.Hash{}) {
		return false, ErrEmptyHash
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.lookup(m.db, entry.Hash)
	if err != nil {
		return false, err
	}
	if existing != nil {
		m.logger.Debug("Rejecting known user operation", "hash", entry.Hash.Hex(), "state", existing.State)
		return false, nil
	}
	if m.cfg.MaxSize > 0 && m.counts[Pending].Load() >= int64(m.cfg.MaxSize) {
		m.logger.Warn("Mempool full", "hash", entry.Hash.Hex(), "maxSize", m.cfg.MaxSize)
		return false, nil
	}

	e := entry.Copy()
	e.State = Pending
	e.SubmittedAt = m.now()
	e.TxHash, e.BlockNumber, e.Error, e.RetryCount = nil, nil, "", 0

	enc, err := encodeEntry(e)
	if err != nil {
		return false, fmt.Errorf("encode entry %s: %w", e.Hash.Hex(), err)
	}

	batch := m.db.NewBatch()
	if err := store.Pending.Put(batch, e.Hash.Bytes(), enc); err != nil {
		return false, err
	}
	if err := store.SenderIndex.Put(batch, senderKey(e.Op.Sender, e.Op.Nonce), e.Hash.Bytes()); err != nil {
		return false, err
	}
	if err := batch.Write(); err != nil {
		return false, fmt.Errorf("write batch: %w", err)
	}
	m.counts[Pending].Add(1)

	m.logger.Debug("User operation added to mempool",
		"hash", e.Hash.Hex(),
		"sender", e.Op.Sender.Hex(),
		"nonce", e.Op.Nonce,
		"priority", e.Priority,
		"poolSize", m.counts[Pending].Load(),
	)
	return true, nil
}

// Get returns the entry for hash from whichever partition holds it, or nil.
// The partitions are probed on one snapshot, so a concurrent transition is
// observed either before or after it commits.
func (m *Mempool) Get(hash common.Hash) (*Entry, error) {
	snap, err := m.db.NewSnapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer snap.Release()
	return m.lookup(snap, hash)
}

func (m *Mempool) lookup(r ethdb.KeyValueReader, hash common.Hash) (*Entry, error) {
	for _, s := range allStates {
		e, err := m.read(r, s, hash)
		if err != nil || e != nil {
			return e, err
		}
	}
	return nil, nil
}

func (m *Mempool) read(r ethdb.KeyValueReader, s State, hash common.Hash) (*Entry, error) {
	data, err := s.column().Get(r, hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", s, hash.Hex(), err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeEntry(hash.Bytes(), data)
}

// GetBySender resolves the sender index for sender. Index keys whose hash is
// gone are skipped.
func (m *Mempool) GetBySender(sender common.Address) ([]*Entry, error) {
	var hashes []common.Hash
	err := store.SenderIndex.Iterate(m.db, sender.Bytes(), func(_, value []byte) bool {
		hashes = append(hashes, common.BytesToHash(value))
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan sender index: %w", err)
	}

	snap, err := m.db.NewSnapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer snap.Release()

	entries := make([]*Entry, 0, len(hashes))
	for _, h := range hashes {
		e, err := m.lookup(snap, h)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// SelectPending returns at most maxCount currently valid pending entries,
// highest priority first with FIFO tie-break. With maxGas > 0 an entry that
// would overflow the remaining gas budget is skipped and the scan continues.
// Selection does not change any state.
func (m *Mempool) SelectPending(maxCount int, maxGas uint64) ([]*Entry, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	now := uint64(m.now().Unix())

	var (
		candidates entryQueue
		decodeErr  error
	)
	err := store.Pending.Iterate(m.db, nil, func(key, value []byte) bool {
		e, err := decodeEntry(key, value)
		if err != nil {
			decodeErr = err
			return false
		}
		if e.ValidAfter != nil && *e.ValidAfter > now {
			return true
		}
		if e.ValidUntil != nil && *e.ValidUntil <= now {
			return true
		}
		candidates = append(candidates, e)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	sort.Stable(candidates)

	var (
		selected []*Entry
		budget   = uint256.NewInt(maxGas)
		used     = new(uint256.Int)
	)
	for _, e := range candidates {
		if len(selected) >= maxCount {
			break
		}
		if maxGas > 0 {
			total, overflow := new(uint256.Int).AddOverflow(used, e.Op.OperationGas())
			if overflow || total.Gt(budget) {
				continue
			}
			used = total
		}
		selected = append(selected, e)
	}
	return selected, nil
}

// Remove deletes hash from whichever partition holds it.
func (m *Mempool) Remove(hash common.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(m.db, hash)
	if err != nil || e == nil {
		return false, err
	}

	batch := m.db.NewBatch()
	if err := e.State.column().Delete(batch, hash.Bytes()); err != nil {
		return false, err
	}
	if err := m.unindex(batch, e); err != nil {
		return false, err
	}
	if err := batch.Write(); err != nil {
		return false, fmt.Errorf("write batch: %w", err)
	}
	m.counts[e.State].Add(-1)

	m.logger.Debug("User operation removed", "hash", hash.Hex(), "state", e.State)
	return true, nil
}

// unindex queues deletion of e's sender index key, but only while the key
// still points at e. A replacement with the same sender and nonce owns it
// otherwise.
func (m *Mempool) unindex(batch ethdb.KeyValueWriter, e *Entry) error {
	key := senderKey(e.Op.Sender, e.Op.Nonce)
	current, err := store.SenderIndex.Get(m.db, key)
	if err != nil {
		return fmt.Errorf("read sender index: %w", err)
	}
	if current == nil || !bytes.Equal(current, e.Hash.Bytes()) {
		return nil
	}
	return store.SenderIndex.Delete(batch, key)
}

// Clear drops every entry, index key and tx mapping.
func (m *Mempool) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := m.db.NewBatch()
	cols := []store.Column{store.Pending, store.Submitted, store.Included, store.Failed, store.SenderIndex, store.TxMapping}
	total := 0
	for _, col := range cols {
		n, err := col.DeleteAll(m.db, batch)
		if err != nil {
			return fmt.Errorf("clear %s: %w", col.Name(), err)
		}
		total += n
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	for i := range m.counts {
		m.counts[i].Store(0)
	}
	m.logger.Info("Mempool cleared", "keys", total)
	return nil
}

// Count returns the partition sizes.
func (m *Mempool) Count() Counts {
	return Counts{
		Pending:   int(m.counts[Pending].Load()),
		Submitted: int(m.counts[Submitted].Load()),
		Included:  int(m.counts[Included].Load()),
		Failed:    int(m.counts[Failed].Load()),
	}
}

// GetStats returns partition sizes plus sender, paymaster and prefund
// aggregates over the pending and submitted partitions.
func (m *Mempool) GetStats() (*Stats, error) {
	var (
		senders    = make(map[common.Address]struct{})
		paymasters = make(map[common.Address]struct{})
		prefund    = new(big.Int)
		decodeErr  error
	)
	visit := func(key, value []byte) bool {
		e, err := decodeEntry(key, value)
		if err != nil {
			decodeErr = err
			return false
		}
		senders[e.Op.Sender] = struct{}{}
		if e.Paymaster != nil {
			paymasters[*e.Paymaster] = struct{}{}
		}
		prefund.Add(prefund, bigOrZero(e.Prefund))
		return true
	}
	for _, col := range []store.Column{store.Pending, store.Submitted} {
		if err := col.Iterate(m.db, nil, visit); err != nil {
			return nil, fmt.Errorf("scan %s: %w", col.Name(), err)
		}
		if decodeErr != nil {
			return nil, decodeErr
		}
	}
	return &Stats{
		Counts:           m.Count(),
		UniqueSenders:    len(senders),
		UniquePaymasters: len(paymasters),
		TotalPrefund:     prefund,
	}, nil
}
