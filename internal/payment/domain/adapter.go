package domain

import (
	"context"
	"net/http"
	"time"
)

type AdapterConfig struct {
	Secret string
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// PaymentAdapter authenticates and normalizes one gateway's webhook format.
type PaymentAdapter interface {
	// Verify checks the signature and returns the signed timestamp.
	Verify(ctx context.Context, payload []byte, headers http.Header) (time.Time, error)
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
	SignatureHeader() string
}
