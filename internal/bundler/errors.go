package bundler

import "errors"

var (
	ErrNilUserOp             = errors.New("user operation is nil")
	ErrUnsupportedEntryPoint = errors.New("unsupported entry point")
	ErrSenderBlacklisted     = errors.New("sender is blacklisted")
	ErrEntityBanned          = errors.New("entity is banned")
	ErrEntityThrottled       = errors.New("entity is throttled")

	// ErrMempoolRejected is returned when the pool refuses the operation
	// because its hash is already known or the pending partition is full.
	ErrMempoolRejected = errors.New("mempool rejected user operation: duplicate or full")
)

// ValidationError carries the reason a validator rejected an operation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return "user operation validation failed"
	}
	return "user operation validation failed: " + e.Reason
}
