package mempool

import "errors"

var (
	// ErrNilEntry is returned when Add is called without an entry or operation.
	ErrNilEntry = errors.New("nil mempool entry")

	// ErrEmptyHash is returned when an entry carries the zero hash.
	ErrEmptyHash = errors.New("entry has empty hash")

	// ErrCorruptEntry is returned when a stored record cannot be decoded.
	ErrCorruptEntry = errors.New("corrupt mempool record")
)
