package reputation

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Status is the sanction level of an address.
type Status uint8

const (
	Ok Status = iota
	Throttled
	Banned
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case Throttled:
		return "throttled"
	case Banned:
		return "banned"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "ok":
		*s = Ok
	case "throttled":
		*s = Throttled
	case "banned":
		*s = Banned
	default:
		return fmt.Errorf("unknown reputation status %q", text)
	}
	return nil
}

// Entry is the reputation record of one address.
type Entry struct {
	Address        common.Address `json:"address"`
	OpsIncluded    uint64         `json:"opsIncluded"`
	OpsFailed      uint64         `json:"opsFailed"`
	OpsDropped     uint64         `json:"opsDropped"`
	Status         Status         `json:"status"`
	ThrottledUntil *time.Time     `json:"throttledUntil,omitempty"`
	BannedUntil    *time.Time     `json:"bannedUntil,omitempty"`
	LastUpdated    time.Time      `json:"lastUpdated"`
}

// FailRate is OpsFailed / (OpsIncluded + OpsFailed), or 0 without history.
func (e *Entry) FailRate() float64 {
	total := e.OpsIncluded + e.OpsFailed
	if total == 0 {
		return 0
	}
	return float64(e.OpsFailed) / float64(total)
}

func (e *Entry) copy() *Entry {
	cpy := *e
	if e.ThrottledUntil != nil {
		t := *e.ThrottledUntil
		cpy.ThrottledUntil = &t
	}
	if e.BannedUntil != nil {
		t := *e.BannedUntil
		cpy.BannedUntil = &t
	}
	return &cpy
}

// addressKey is the lower-cased hex form used as the store key.
func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

type storedEntry struct {
	Address        common.Address
	OpsIncluded    uint64
	OpsFailed      uint64
	OpsDropped     uint64
	Status         uint8
	HasThrottled   bool
	ThrottledUntil uint64
	HasBanned      bool
	BannedUntil    uint64
	LastUpdated    uint64
}

func encodeEntry(e *Entry) ([]byte, error) {
	s := storedEntry{
		Address:     e.Address,
		OpsIncluded: e.OpsIncluded,
		OpsFailed:   e.OpsFailed,
		OpsDropped:  e.OpsDropped,
		Status:      uint8(e.Status),
		LastUpdated: uint64(e.LastUpdated.UnixNano()),
	}
	if e.ThrottledUntil != nil {
		s.HasThrottled, s.ThrottledUntil = true, uint64(e.ThrottledUntil.UnixNano())
	}
	if e.BannedUntil != nil {
		s.HasBanned, s.BannedUntil = true, uint64(e.BannedUntil.UnixNano())
	}
	return rlp.EncodeToBytes(&s)
}

func decodeEntry(data []byte) (*Entry, error) {
	var s storedEntry
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return nil, err
	}
	if s.Status > uint8(Banned) {
		return nil, fmt.Errorf("invalid status %d", s.Status)
	}
	e := &Entry{
		Address:     s.Address,
		OpsIncluded: s.OpsIncluded,
		OpsFailed:   s.OpsFailed,
		OpsDropped:  s.OpsDropped,
		Status:      Status(s.Status),
		LastUpdated: time.Unix(0, int64(s.LastUpdated)),
	}
	if s.HasThrottled {
		t := time.Unix(0, int64(s.ThrottledUntil))
		e.ThrottledUntil = &t
	}
	if s.HasBanned {
		t := time.Unix(0, int64(s.BannedUntil))
		e.BannedUntil = &t
	}
	return e, nil
}
