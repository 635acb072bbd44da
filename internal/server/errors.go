package server

import (
	"context"
	"database/sql/driver"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/orderflow/internal/authorization"
	ledgerdomain "github.com/smallbiznis/orderflow/internal/ledger/domain"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
	paymentdomain "github.com/smallbiznis/orderflow/internal/payment/domain"
	refunddomain "github.com/smallbiznis/orderflow/internal/refund/domain"
	"github.com/smallbiznis/orderflow/pkg/db"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type           string            `json:"type"`
	Message        string            `json:"message"`
	Retryable      bool              `json:"retryable"`
	Errors         []ValidationError `json:"errors,omitempty"`
	RefundID       string            `json:"refund_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// refundFailure carries the refund a failed command touched, so a caller
// that sent no Idempotency-Key can retry under the generated one.
type refundFailure struct {
	err            error
	refundID       string
	idempotencyKey string
}

func (e *refundFailure) Error() string { return e.err.Error() }
func (e *refundFailure) Unwrap() error { return e.err }

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

// ErrorHandlingMiddleware renders the last handler error. Retryable errors
// carry a Retry-After header so gateways and clients back off.
func ErrorHandlingMiddleware(retryAfter func() time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if payload.Retryable && retryAfter != nil && c.Writer.Header().Get("Retry-After") == "" {
			if wait := retryAfter(); wait > 0 {
				c.Header("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)))
			}
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	status, payload := classifyError(err)
	var rf *refundFailure
	if errors.As(err, &rf) {
		payload.RefundID = rf.refundID
		payload.IdempotencyKey = rf.idempotencyKey
	}
	return status, payload
}

func classifyError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, paymentdomain.ErrAuthentication):
		return http.StatusBadRequest, errorPayload{
			Type:    "authentication_failed",
			Message: "webhook signature could not be verified",
		}
	case errors.Is(err, paymentdomain.ErrProviderNotFound):
		return http.StatusBadRequest, errorPayload{
			Type:    "malformed_payload",
			Message: "unknown payment provider",
		}
	case errors.Is(err, paymentdomain.ErrMalformedPayload):
		return http.StatusBadRequest, errorPayload{
			Type:    "malformed_payload",
			Message: "malformed webhook payload",
		}
	case errors.Is(err, authorization.ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:      "rate_limited",
			Message:   "too many requests",
			Retryable: true,
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, orderdomain.ErrStaleWrite),
		errors.Is(err, ledgerdomain.ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:      "conflict",
			Message:   "concurrent update, retry later",
			Retryable: true,
		}
	case errors.Is(err, orderdomain.ErrAmountMismatch):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "amount does not match the order",
		}
	case errors.Is(err, orderdomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "order is not in a state that allows this operation",
		}
	case errors.Is(err, refunddomain.ErrGatewayRejected):
		return http.StatusBadGateway, errorPayload{
			Type:    "external_gateway_error",
			Message: "refund rejected by gateway",
		}
	case errors.Is(err, refunddomain.ErrExternalGateway):
		return http.StatusBadGateway, errorPayload{
			Type:      "external_gateway_error",
			Message:   "payment gateway unavailable",
			Retryable: true,
		}
	case isUnavailableError(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:      "service_unavailable",
			Message:   "service unavailable",
			Retryable: true,
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	return payload.Type, strconv.Itoa(status)
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, orderdomain.ErrInvalidID),
		errors.Is(err, orderdomain.ErrInvalidAmount),
		errors.Is(err, orderdomain.ErrInvalidCurrency),
		errors.Is(err, refunddomain.ErrInvalidAmount),
		errors.Is(err, refunddomain.ErrInvalidID),
		errors.Is(err, ledgerdomain.ErrInvalidKey):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, orderdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, refunddomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isUnavailableError(err error) bool {
	switch {
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, paymentdomain.ErrInvalidConfig),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gorm.ErrInvalidDB),
		errors.Is(err, driver.ErrBadConn),
		db.IsRetryableTxErr(err):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, orderdomain.ErrInvalidID), errors.Is(err, refunddomain.ErrInvalidID):
		return "invalid_id"
	case errors.Is(err, orderdomain.ErrInvalidAmount), errors.Is(err, refunddomain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, orderdomain.ErrInvalidCurrency):
		return "invalid_currency"
	case errors.Is(err, ledgerdomain.ErrInvalidKey):
		return "invalid_idempotency_key"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	return strings.TrimPrefix(code, "invalid_")
}
