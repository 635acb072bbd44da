package domain

import (
	"errors"
	"fmt"
)

var (
	ErrExternalGateway = errors.New("external_gateway_error")
	ErrNotFound        = errors.New("refund_not_found")
	ErrInvalidAmount   = errors.New("invalid_refund_amount")
	ErrInvalidID       = errors.New("invalid_refund_id")
	ErrNoOpenRequest   = fmt.Errorf("%w: no open refund request", ErrNotFound)
)

// ErrGatewayRejected is a gateway failure that retrying will not fix.
var ErrGatewayRejected = fmt.Errorf("%w: rejected", ErrExternalGateway)
