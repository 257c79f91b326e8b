package reputation

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"

	"github.com/insoblok/inso-bundler/internal/store"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLedger(t *testing.T, db ethdb.Database, cfg Config) (*Ledger, *fakeClock) {
	t.Helper()
	l, err := New(db, cfg)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l.now = clock.Now
	return l, clock
}

func TestLedger_BanScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanThreshold = 5
	cfg.ThrottleThreshold = 100
	cfg.ThrottleFailRate = 0
	cfg.BanDuration = time.Hour

	l, clock := newTestLedger(t, rawdb.NewMemoryDatabase(), cfg)
	addr := common.HexToAddress("0xAbCd000000000000000000000000000000000001")

	for i := 0; i < 5; i++ {
		if err := l.RecordFailed(addr); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	e, err := l.Get(addr)
	if err != nil || e == nil {
		t.Fatalf("get: e=%v err=%v", e, err)
	}
	if e.Status != Banned {
		t.Fatalf("expected banned, got %s", e.Status)
	}
	if banned, _ := l.IsBanned(addr); !banned {
		t.Fatal("expected IsBanned true")
	}

	clock.Advance(time.Hour)
	if banned, _ := l.IsBanned(addr); banned {
		t.Fatal("expected ban to expire")
	}
	e, _ = l.Get(addr)
	if e.Status != Ok || e.BannedUntil != nil {
		t.Errorf("expected status reset to ok, got %s until=%v", e.Status, e.BannedUntil)
	}
	if e.OpsFailed != 5 {
		t.Errorf("counters must survive expiry, got %d", e.OpsFailed)
	}
}

func TestLedger_BannedIsSticky(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanThreshold = 1
	l, _ := newTestLedger(t, rawdb.NewMemoryDatabase(), cfg)
	addr := common.HexToAddress("0x1")

	l.RecordFailed(addr)
	for i := 0; i < 50; i++ {
		l.RecordIncluded(addr)
	}
	e, _ := l.Get(addr)
	if e.Status != Banned {
		t.Errorf("good behaviour must not lift a ban, got %s", e.Status)
	}
}

func TestLedger_ThrottleByFailRate(t *testing.T) {
	cfg := Config{ThrottleThreshold: 100, BanThreshold: 100, ThrottleFailRate: 0.5, ThrottleDuration: time.Minute}
	l, clock := newTestLedger(t, rawdb.NewMemoryDatabase(), cfg)
	addr := common.HexToAddress("0x2")

	l.RecordIncluded(addr)
	if throttled, _ := l.IsThrottled(addr); throttled {
		t.Fatal("no failures yet")
	}

	l.RecordFailed(addr) // 1/2 = 0.5
	if throttled, _ := l.IsThrottled(addr); !throttled {
		t.Fatal("expected throttle at 50% fail rate")
	}
	first, _ := l.Get(addr)

	// Re-entering the throttled state keeps the original timer.
	clock.Advance(30 * time.Second)
	l.RecordFailed(addr)
	second, _ := l.Get(addr)
	if !second.ThrottledUntil.Equal(*first.ThrottledUntil) {
		t.Errorf("throttle timer reset: %v -> %v", first.ThrottledUntil, second.ThrottledUntil)
	}

	clock.Advance(31 * time.Second)
	if throttled, _ := l.IsThrottled(addr); throttled {
		t.Fatal("expected throttle to expire")
	}
	e, _ := l.Get(addr)
	if e.Status != Ok || e.ThrottledUntil != nil {
		t.Errorf("expected ok after expiry, got %s", e.Status)
	}
}

func TestLedger_ThrottleByCount(t *testing.T) {
	cfg := Config{ThrottleThreshold: 3, BanThreshold: 10, ThrottleFailRate: 0, ThrottleDuration: time.Minute}
	l, _ := newTestLedger(t, rawdb.NewMemoryDatabase(), cfg)
	addr := common.HexToAddress("0x3")

	for i := 0; i < 10; i++ {
		l.RecordIncluded(addr)
	}
	for i := 0; i < 2; i++ {
		l.RecordFailed(addr)
	}
	if e, _ := l.Get(addr); e.Status != Ok {
		t.Fatalf("expected ok below threshold, got %s", e.Status)
	}
	l.RecordFailed(addr)
	if e, _ := l.Get(addr); e.Status != Throttled {
		t.Fatalf("expected throttled at threshold, got %s", e.Status)
	}
}

func TestLedger_CaseInsensitiveKeyAndPersistence(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	l, _ := newTestLedger(t, db, DefaultConfig())
	addr := common.HexToAddress("0xABCDEF0000000000000000000000000000000000")

	l.RecordDropped(addr)

	ok, err := store.Reputation.Has(db, []byte("0xabcdef0000000000000000000000000000000000"))
	if err != nil || !ok {
		t.Fatalf("expected lower-cased key in store, ok=%v err=%v", ok, err)
	}

	reloaded, _ := newTestLedger(t, db, DefaultConfig())
	e, _ := reloaded.Get(addr)
	if e == nil || e.OpsDropped != 1 {
		t.Fatalf("expected persisted entry, got %+v", e)
	}
}

func TestLedger_BackfillOnMiss(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	l, _ := newTestLedger(t, db, DefaultConfig())
	addr := common.HexToAddress("0x4")

	// Written behind the ledger's back after construction.
	other, _ := newTestLedger(t, db, DefaultConfig())
	other.RecordIncluded(addr)

	e, err := l.Get(addr)
	if err != nil || e == nil || e.OpsIncluded != 1 {
		t.Fatalf("expected backfilled entry, got %+v err=%v", e, err)
	}
	if _, ok := l.cache[addressKey(addr)]; !ok {
		t.Error("expected cache backfill")
	}
}

func TestLedger_GetReturnsCopy(t *testing.T) {
	l, _ := newTestLedger(t, rawdb.NewMemoryDatabase(), DefaultConfig())
	addr := common.HexToAddress("0x5")
	l.RecordIncluded(addr)

	e, _ := l.Get(addr)
	e.OpsIncluded = 999

	again, _ := l.Get(addr)
	if again.OpsIncluded != 1 {
		t.Errorf("caller mutation leaked into the ledger: %d", again.OpsIncluded)
	}
}

func TestLedger_SetAndClear(t *testing.T) {
	l, clock := newTestLedger(t, rawdb.NewMemoryDatabase(), DefaultConfig())
	a := common.HexToAddress("0x6")
	b := common.HexToAddress("0x7")

	if err := l.SetBanned(a, time.Minute); err != nil {
		t.Fatalf("set banned: %v", err)
	}
	if err := l.SetThrottled(b, time.Minute); err != nil {
		t.Fatalf("set throttled: %v", err)
	}
	if banned, _ := l.IsBanned(a); !banned {
		t.Error("expected a banned")
	}
	if throttled, _ := l.IsThrottled(b); !throttled {
		t.Error("expected b throttled")
	}
	e, _ := l.Get(a)
	if want := clock.Now().Add(time.Minute); !e.BannedUntil.Equal(want) {
		t.Errorf("expected banned until %v, got %v", want, e.BannedUntil)
	}

	if err := l.Clear(a); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if e, _ := l.Get(a); e != nil {
		t.Error("expected a forgotten")
	}
	if len(l.GetAll()) != 1 {
		t.Errorf("expected one entry left, got %d", len(l.GetAll()))
	}

	if err := l.ClearAll(); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if len(l.GetAll()) != 0 {
		t.Error("expected empty ledger")
	}
}

func TestLedger_UpdateUpsert(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	l, clock := newTestLedger(t, db, DefaultConfig())
	addr := common.HexToAddress("0x8")

	err := l.Update(&Entry{Address: addr, OpsIncluded: 7, Status: Throttled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	e, _ := l.Get(addr)
	if e.OpsIncluded != 7 || e.Status != Throttled || !e.LastUpdated.Equal(clock.Now()) {
		t.Errorf("unexpected entry after update: %+v", e)
	}
}

func TestLedger_DecayDurable(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	cfg := Config{} // no sanctions
	l, _ := newTestLedger(t, db, cfg)
	addr := common.HexToAddress("0x9")

	for i := 0; i < 7; i++ {
		l.RecordIncluded(addr)
	}
	for i := 0; i < 3; i++ {
		l.RecordFailed(addr)
		l.RecordDropped(addr)
	}

	if err := l.Decay(0.5); err != nil {
		t.Fatalf("decay: %v", err)
	}
	e, _ := l.Get(addr)
	if e.OpsIncluded != 3 || e.OpsFailed != 1 || e.OpsDropped != 1 {
		t.Errorf("expected 3/1/1 after decay, got %d/%d/%d", e.OpsIncluded, e.OpsFailed, e.OpsDropped)
	}

	reloaded, _ := newTestLedger(t, db, cfg)
	e, _ = reloaded.Get(addr)
	if e.OpsIncluded != 3 || e.OpsFailed != 1 || e.OpsDropped != 1 {
		t.Errorf("decay not durable: %d/%d/%d", e.OpsIncluded, e.OpsFailed, e.OpsDropped)
	}

	if err := l.Decay(1.5); err == nil {
		t.Error("expected out-of-range factor to be rejected")
	}
}

func TestStatus_Text(t *testing.T) {
	for _, s := range []Status{Ok, Throttled, Banned} {
		text, _ := s.MarshalText()
		var got Status
		if err := got.UnmarshalText(text); err != nil || got != s {
			t.Errorf("%s: round trip gave %s (err=%v)", s, got, err)
		}
	}
	var s Status
	if err := s.UnmarshalText([]byte("exiled")); err == nil {
		t.Error("expected error for unknown status")
	}
}
