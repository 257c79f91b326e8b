package validation

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	bundlerTypes "github.com/insoblok/inso-bundler/pkg/types"
)

// Validator is satisfied by every validator in this package.
type Validator interface {
	Validate(ctx context.Context, op *bundlerTypes.PackedUserOperation, entryPoint common.Address) (*bundlerTypes.ValidationResult, error)
}

// Chain runs validators in order and stops at the first rejection or error.
// Validity windows are intersected.
type Chain []Validator

func (c Chain) Validate(ctx context.Context, op *bundlerTypes.PackedUserOperation, entryPoint common.Address) (*bundlerTypes.ValidationResult, error) {
	merged := &bundlerTypes.ValidationResult{Valid: true}
	for _, v := range c {
		res, err := v.Validate(ctx, op, entryPoint)
		if err != nil {
			return nil, err
		}
		if !res.Valid {
			return res, nil
		}
		if res.ValidAfter != nil && (merged.ValidAfter == nil || *res.ValidAfter > *merged.ValidAfter) {
			va := *res.ValidAfter
			merged.ValidAfter = &va
		}
		if res.ValidUntil != nil && (merged.ValidUntil == nil || *res.ValidUntil < *merged.ValidUntil) {
			vu := *res.ValidUntil
			merged.ValidUntil = &vu
		}
	}
	return merged, nil
}
