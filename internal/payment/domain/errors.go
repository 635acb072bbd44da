package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication   = errors.New("authentication_failed")
	ErrMalformedPayload = errors.New("malformed_payload")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrNotFound         = errors.New("not_found")
)

var ErrProviderNotFound = fmt.Errorf("%w: provider_not_found", ErrMalformedPayload)
