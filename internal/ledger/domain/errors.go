package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict reports a key that is already recorded or claimed by a
	// concurrent writer.
	ErrConflict   = errors.New("ledger_conflict")
	ErrInvalidKey = errors.New("ledger_invalid_key")
)

// ErrAlreadyApplied is the conflict where the key's effect has committed.
var ErrAlreadyApplied = fmt.Errorf("%w: already_applied", ErrConflict)
