package reputation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"

	"github.com/insoblok/inso-bundler/internal/store"
)

// Config holds the sanction thresholds.
type Config struct {
	ThrottleThreshold uint64
	BanThreshold      uint64
	ThrottleFailRate  float64
	ThrottleDuration  time.Duration
	BanDuration       time.Duration
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		ThrottleThreshold: 3,
		BanThreshold:      10,
		ThrottleFailRate:  0.5,
		ThrottleDuration:  10 * time.Minute,
		BanDuration:       24 * time.Hour,
	}
}

// Ledger tracks per-address reputation. The in-memory map mirrors the
// reputation column and every mutation writes through to the store.
type Ledger struct {
	mu     sync.Mutex
	db     ethdb.Database
	cfg    Config
	cache  map[string]*Entry
	now    func() time.Time
	logger log.Logger
}

// New loads every stored entry into the cache.
func New(db ethdb.Database, cfg Config) (*Ledger, error) {
	l := &Ledger{
		db:     db,
		cfg:    cfg,
		cache:  make(map[string]*Entry),
		now:    time.Now,
		logger: log.New("module", "reputation"),
	}

	var decodeErr error
	err := store.Reputation.Iterate(db, nil, func(key, value []byte) bool {
		e, err := decodeEntry(value)
		if err != nil {
			decodeErr = fmt.Errorf("decode reputation %s: %w", key, err)
			return false
		}
		l.cache[string(key)] = e
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan reputation: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	l.logger.Info("Reputation ledger loaded", "entries", len(l.cache))
	return l, nil
}

// Get returns a copy of the entry for addr, or nil if none exists.
func (l *Ledger) Get(addr common.Address) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.load(addr)
	if err != nil || e == nil {
		return nil, err
	}
	return e.copy(), nil
}

// GetAll returns copies of every entry ordered by address.
func (l *Ledger) GetAll() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.cache))
	for k := range l.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.cache[k].copy())
	}
	return out
}

// Update upserts entry and stamps LastUpdated.
func (l *Ledger) Update(entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := entry.copy()
	e.LastUpdated = l.now()
	return l.persist(e)
}

// RecordIncluded counts an operation of addr that made it on chain.
func (l *Ledger) RecordIncluded(addr common.Address) error {
	return l.record(addr, func(e *Entry) { e.OpsIncluded++ })
}

// RecordFailed counts a failed operation of addr.
func (l *Ledger) RecordFailed(addr common.Address) error {
	return l.record(addr, func(e *Entry) { e.OpsFailed++ })
}

// RecordDropped counts an operation of addr that expired unbundled.
func (l *Ledger) RecordDropped(addr common.Address) error {
	return l.record(addr, func(e *Entry) { e.OpsDropped++ })
}

func (l *Ledger) record(addr common.Address, bump func(*Entry)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.loadOrCreate(addr)
	if err != nil {
		return err
	}
	bump(e)
	if e.Status != Banned {
		l.derive(e)
	}
	e.LastUpdated = l.now()
	return l.persist(e)
}

// derive applies the thresholds. Status never heals here; only the expiry
// checks in IsThrottled and IsBanned return an address to Ok.
func (l *Ledger) derive(e *Entry) {
	now := l.now()
	switch {
	case l.cfg.BanThreshold > 0 && e.OpsFailed >= l.cfg.BanThreshold:
		until := now.Add(l.cfg.BanDuration)
		e.Status, e.BannedUntil = Banned, &until
		l.logger.Warn("Address banned", "addr", e.Address.Hex(), "failed", e.OpsFailed, "until", until)

	case (l.cfg.ThrottleThreshold > 0 && e.OpsFailed >= l.cfg.ThrottleThreshold) ||
		(l.cfg.ThrottleFailRate > 0 && e.FailRate() >= l.cfg.ThrottleFailRate):
		if e.Status == Throttled {
			return
		}
		until := now.Add(l.cfg.ThrottleDuration)
		e.Status, e.ThrottledUntil = Throttled, &until
		l.logger.Info("Address throttled", "addr", e.Address.Hex(), "failRate", e.FailRate(), "until", until)
	}
}

// IsThrottled reports whether addr is currently throttled, lifting an expired
// throttle first.
func (l *Ledger) IsThrottled(addr common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.load(addr)
	if err != nil || e == nil {
		return false, err
	}
	if e.Status != Throttled {
		return false, nil
	}
	if e.ThrottledUntil != nil && !l.now().Before(*e.ThrottledUntil) {
		e = e.copy()
		e.Status, e.ThrottledUntil = Ok, nil
		e.LastUpdated = l.now()
		if err := l.persist(e); err != nil {
			return false, err
		}
		l.logger.Debug("Throttle expired", "addr", addr.Hex())
		return false, nil
	}
	return true, nil
}

// IsBanned reports whether addr is currently banned, lifting an expired ban
// first.
func (l *Ledger) IsBanned(addr common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.load(addr)
	if err != nil || e == nil {
		return false, err
	}
	if e.Status != Banned {
		return false, nil
	}
	if e.BannedUntil != nil && !l.now().Before(*e.BannedUntil) {
		e = e.copy()
		e.Status, e.BannedUntil = Ok, nil
		e.LastUpdated = l.now()
		if err := l.persist(e); err != nil {
			return false, err
		}
		l.logger.Info("Ban expired", "addr", addr.Hex())
		return false, nil
	}
	return true, nil
}

// SetBanned bans addr for d.
func (l *Ledger) SetBanned(addr common.Address, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.loadOrCreate(addr)
	if err != nil {
		return err
	}
	until := l.now().Add(d)
	e.Status, e.BannedUntil = Banned, &until
	e.LastUpdated = l.now()
	return l.persist(e)
}

// SetThrottled throttles addr for d.
func (l *Ledger) SetThrottled(addr common.Address, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.loadOrCreate(addr)
	if err != nil {
		return err
	}
	until := l.now().Add(d)
	e.Status, e.ThrottledUntil = Throttled, &until
	e.LastUpdated = l.now()
	return l.persist(e)
}

// Clear forgets addr entirely.
func (l *Ledger) Clear(addr common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := addressKey(addr)
	if err := store.Reputation.Delete(l.db, []byte(key)); err != nil {
		return fmt.Errorf("delete reputation %s: %w", key, err)
	}
	delete(l.cache, key)
	return nil
}

// ClearAll forgets every address.
func (l *Ledger) ClearAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.db.NewBatch()
	n, err := store.Reputation.DeleteAll(l.db, batch)
	if err != nil {
		return fmt.Errorf("clear reputation: %w", err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	l.cache = make(map[string]*Entry)
	l.logger.Info("Reputation cleared", "entries", n)
	return nil
}

// Decay scales every counter by factor (truncating) in one batch.
func (l *Ledger) Decay(factor float64) error {
	if factor < 0 || factor > 1 {
		return fmt.Errorf("decay factor %v out of range [0,1]", factor)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		batch   = l.db.NewBatch()
		decayed = make(map[string]*Entry, len(l.cache))
		now     = l.now()
	)
	for key, e := range l.cache {
		d := e.copy()
		d.OpsIncluded = uint64(float64(d.OpsIncluded) * factor)
		d.OpsFailed = uint64(float64(d.OpsFailed) * factor)
		d.OpsDropped = uint64(float64(d.OpsDropped) * factor)
		d.LastUpdated = now

		enc, err := encodeEntry(d)
		if err != nil {
			return fmt.Errorf("encode reputation %s: %w", key, err)
		}
		if err := store.Reputation.Put(batch, []byte(key), enc); err != nil {
			return err
		}
		decayed[key] = d
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	l.cache = decayed

	l.logger.Debug("Reputation decayed", "factor", factor, "entries", len(decayed))
	return nil
}

// load returns the live cached entry, backfilling from the store on a miss.
// The caller holds mu.
func (l *Ledger) load(addr common.Address) (*Entry, error) {
	key := addressKey(addr)
	if e, ok := l.cache[key]; ok {
		return e, nil
	}
	data, err := store.Reputation.Get(l.db, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("read reputation %s: %w", key, err)
	}
	if data == nil {
		return nil, nil
	}
	e, err := decodeEntry(data)
	if err != nil {
		return nil, fmt.Errorf("decode reputation %s: %w", key, err)
	}
	l.cache[key] = e
	return e, nil
}

// loadOrCreate returns a private copy for the caller to modify and persist.
func (l *Ledger) loadOrCreate(addr common.Address) (*Entry, error) {
	e, err := l.load(addr)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return &Entry{Address: addr, Status: Ok, LastUpdated: l.now()}, nil
	}
	return e.copy(), nil
}

// persist writes e and then publishes it to the cache, so a failed write
// leaves the cache matching the store. The caller holds mu.
func (l *Ledger) persist(e *Entry) error {
	key := addressKey(e.Address)
	enc, err := encodeEntry(e)
	if err != nil {
		return fmt.Errorf("encode reputation %s: %w", key, err)
	}
	if err := store.Reputation.Put(l.db, []byte(key), enc); err != nil {
		return fmt.Errorf("write reputation %s: %w", key, err)
	}
	l.cache[key] = e
	return nil
}
