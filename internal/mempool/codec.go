package mempool

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// storedEntry is the RLP layout of a partition record. The hash is the key
// and is not repeated in the value. RLP has no optional scalars or signed
// integers, so presence flags and unix nanoseconds stand in for them.
type storedEntry struct {
	Op            *bundlerTypes.PackedUserOperation
	EntryPoint    common.Address
	Priority      *big.Int
	Prefund       *big.Int
	Factory       []byte
	Paymaster     []byte
	HasValidAfter bool
	ValidAfter    uint64
	HasValidUntil bool
	ValidUntil    uint64
	State         uint8
	SubmittedAt   uint64
	TxHash        []byte
	HasBlock      bool
	BlockNumber   uint64
	Error         string
	RetryCount    uint32
}

func encodeEntry(e *Entry) ([]byte, error) {
	s := storedEntry{
		Op:          e.Op,
		EntryPoint:  e.EntryPoint,
		Priority:    bigOrZero(e.Priority),
		Prefund:     bigOrZero(e.Prefund),
		State:       uint8(e.State),
		SubmittedAt: uint64(e.SubmittedAt.UnixNano()),
		Error:       e.Error,
		RetryCount:  e.RetryCount,
	}
	if e.Factory != nil {
		s.Factory = e.Factory.Bytes()
	}
	if e.Paymaster != nil {
		s.Paymaster = e.Paymaster.Bytes()
	}
	if e.ValidAfter != nil {
		s.HasValidAfter, s.ValidAfter = true, *e.ValidAfter
	}
	if e.ValidUntil != nil {
		s.HasValidUntil, s.ValidUntil = true, *e.ValidUntil
	}
	if e.TxHash != nil {
		s.TxHash = e.TxHash.Bytes()
	}
	if e.BlockNumber != nil {
		s.HasBlock, s.BlockNumber = true, *e.BlockNumber
	}
	return rlp.EncodeToBytes(&s)
}

func decodeEntry(key, data []byte) (*Entry, error) {
	if len(key) != common.HashLength {
		return nil, fmt.Errorf("%w: key length %d", ErrCorruptEntry, len(key))
	}
	var s storedEntry
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if s.Op == nil || s.State >= uint8(numStates) {
		return nil, fmt.Errorf("%w: missing operation or bad state %d", ErrCorruptEntry, s.State)
	}

	e := &Entry{
		Hash:        common.BytesToHash(key),
		Op:          s.Op,
		EntryPoint:  s.EntryPoint,
		Priority:    s.Priority,
		Prefund:     s.Prefund,
		State:       State(s.State),
		SubmittedAt: time.Unix(0, int64(s.SubmittedAt)),
		Error:       s.Error,
		RetryCount:  s.RetryCount,
	}
	if len(s.Factory) == common.AddressLength {
		addr := common.BytesToAddress(s.Factory)
		e.Factory = &addr
	}
	if len(s.Paymaster) == common.AddressLength {
		addr := common.BytesToAddress(s.Paymaster)
		e.Paymaster = &addr
	}
	if s.HasValidAfter {
		v := s.ValidAfter
		e.ValidAfter = &v
	}
	if s.HasValidUntil {
		v := s.ValidUntil
		e.ValidUntil = &v
	}
	if len(s.TxHash) == common.HashLength {
		h := common.BytesToHash(s.TxHash)
		e.TxHash = &h
	}
	if s.HasBlock {
		v := s.BlockNumber
		e.BlockNumber = &v
	}
	return e, nil
}

// senderKey is sender (20 bytes) followed by the nonce as a 32-byte
// big-endian integer, so a sender's operations iterate in nonce order.
func senderKey(sender common.Address, nonce *big.Int) []byte {
	key := make([]byte, common.AddressLength+32)
	copy(key, sender.Bytes())
	if nonce != nil && nonce.Sign() > 0 && nonce.BitLen() <= 256 {
		nonce.FillBytes(key[common.AddressLength:])
	}
	return key
}

func encodeHashes(hashes []common.Hash) ([]byte, error) {
	return rlp.EncodeToBytes(hashes)
}

func decodeHashes(data []byte) ([]common.Hash, error) {
	var hashes []common.Hash
	if err := rlp.DecodeBytes(data, &hashes); err != nil {
		return nil, fmt.Errorf("%w: tx mapping: %v", ErrCorruptEntry, err)
	}
	return hashes, nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
