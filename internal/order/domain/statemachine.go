package domain

import (
	"fmt"
	"strings"
	"time"
)

// Cause is what drives a transition: a normalized payment event type or an
// operator refund request.
type Cause string

const (
	CauseAuthorized      Cause = "AUTHORIZED"
	CauseCaptured        Cause = "CAPTURED"
	CauseFailed          Cause = "FAILED"
	CauseRefundRequested Cause = "REFUND_REQUESTED"
	CauseRefundIssued    Cause = "REFUND_ISSUED"
	CauseRefundFailed    Cause = "REFUND_FAILED"
)

type edge struct {
	from  Status
	cause Cause
}

var transitions = map[edge]Status{
	{StatusCreated, CauseAuthorized}:      StatusPaymentPending,
	{StatusPaymentPending, CauseCaptured}: StatusPaid,
	{StatusPaymentPending, CauseFailed}:   StatusFailed,
	{StatusPaid, CauseRefundRequested}:    StatusRefunding,
	{StatusRefunding, CauseRefundIssued}:  StatusRefunded,
	{StatusRefunding, CauseRefundFailed}:  StatusPaid,
}

// Transition returns the status reached from `from` under `cause`.
func Transition(from Status, cause Cause) (Status, error) {
	next, ok := transitions[edge{from: from, cause: cause}]
	if !ok {
		return from, fmt.Errorf("%w: %s does not apply to %s", ErrInvalidTransition, cause, from)
	}
	return next, nil
}

func IsTerminal(status Status) bool {
	return status == StatusRefunded || status == StatusFailed
}

// TransitionInput carries the facts of the cause that the machine checks.
type TransitionInput struct {
	Cause            Cause
	Amount           int64
	Currency         string
	PaymentReference string
	At               time.Time
}

// Apply computes the next order value without touching storage. The returned
// order carries the bumped version; the caller persists it with a CAS on the
// original version.
func Apply(order Order, in TransitionInput) (Order, error) {
	next, err := Transition(order.Status, in.Cause)
	if err != nil {
		return order, err
	}

	if in.Cause == CauseCaptured {
		if in.Amount != 0 && in.Amount != order.Amount {
			return order, fmt.Errorf("%w: captured %d, order amount %d", ErrAmountMismatch, in.Amount, order.Amount)
		}
		currency := strings.ToUpper(strings.TrimSpace(in.Currency))
		if currency != "" && currency != order.Currency {
			return order, fmt.Errorf("%w: captured in %s, order in %s", ErrAmountMismatch, currency, order.Currency)
		}
	}

	at := in.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updated := order
	updated.Status = next
	updated.Version = order.Version + 1
	updated.LastTransitionAt = at
	updated.UpdatedAt = at
	if ref := strings.TrimSpace(in.PaymentReference); ref != "" && (in.Cause == CauseAuthorized || in.Cause == CauseCaptured) {
		updated.PaymentReference = ref
	}
	return updated, nil
}
