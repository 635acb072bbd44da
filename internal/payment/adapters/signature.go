package adapters

import (
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/orderflow/internal/payment/domain"
	"github.com/stripe/stripe-go/v76/webhook"
)

// VerifySignature checks a "t=<unix>,v1=<hex>" header against payload and
// returns the signed timestamp. Tolerance is left to the caller's clock.
func VerifySignature(payload []byte, header, secret string) (time.Time, error) {
	header = strings.TrimSpace(header)
	if header == "" || strings.TrimSpace(secret) == "" {
		return time.Time{}, domain.ErrAuthentication
	}
	signedAt, err := SignedAt(header)
	if err != nil {
		return time.Time{}, err
	}
	if err := webhook.ValidatePayloadIgnoringTolerance(payload, header, secret); err != nil {
		return time.Time{}, domain.ErrAuthentication
	}
	return signedAt, nil
}

// SignedAt extracts the t= component of a signature header.
func SignedAt(header string) (time.Time, error) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.TrimSpace(key) != "t" {
			continue
		}
		unix, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return time.Time{}, domain.ErrAuthentication
		}
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, domain.ErrAuthentication
}

// Sign produces a signature header for payload, used by test routes.
func Sign(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}
