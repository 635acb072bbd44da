package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrStaleWrite        = errors.New("stale_write")
	ErrNotFound          = errors.New("not_found")
	ErrInvalidID         = errors.New("invalid_id")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidCurrency   = errors.New("invalid_currency")
)

// ErrAmountMismatch is an invalid transition whose cause disagrees with the order totals.
var ErrAmountMismatch = fmt.Errorf("%w: amount_mismatch", ErrInvalidTransition)
