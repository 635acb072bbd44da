package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusCreated,
	StatusPaymentPending,
	StatusPaid,
	StatusRefunding,
	StatusRefunded,
	StatusFailed,
}

var allCauses = []Cause{
	CauseAuthorized,
	CauseCaptured,
	CauseFailed,
	CauseRefundRequested,
	CauseRefundIssued,
	CauseRefundFailed,
}

func TestTransitionTable(t *testing.T) {
	allowed := map[Status]map[Cause]Status{
		StatusCreated:        {CauseAuthorized: StatusPaymentPending},
		StatusPaymentPending: {CauseCaptured: StatusPaid, CauseFailed: StatusFailed},
		StatusPaid:           {CauseRefundRequested: StatusRefunding},
		StatusRefunding:      {CauseRefundIssued: StatusRefunded, CauseRefundFailed: StatusPaid},
	}

	for _, from := range allStatuses {
		for _, cause := range allCauses {
			next, err := Transition(from, cause)
			want, ok := allowed[from][cause]
			if ok {
				require.NoError(t, err, "%s --%s-->", from, cause)
				assert.Equal(t, want, next)
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s --%s--> should be rejected", from, cause)
			assert.Equal(t, from, next)
		}
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, status := range []Status{StatusRefunded, StatusFailed} {
		assert.True(t, IsTerminal(status))
		for _, cause := range allCauses {
			_, err := Transition(status, cause)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.False(t, IsTerminal(StatusPaid))
}

func TestApplyBumpsVersionAndStampsTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	order := Order{ID: 1, Status: StatusCreated, Version: 1, Amount: 100, Currency: "USD"}

	next, err := Apply(order, TransitionInput{Cause: CauseAuthorized, PaymentReference: "pi_1", At: at})
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, next.Status)
	assert.Equal(t, int64(2), next.Version)
	assert.Equal(t, "pi_1", next.PaymentReference)
	assert.Equal(t, at, next.LastTransitionAt)

	assert.Equal(t, int64(1), order.Version, "input order must not be mutated")
}

func TestApplyRejectsCaptureAmountMismatch(t *testing.T) {
	order := Order{ID: 1, Status: StatusPaymentPending, Version: 2, Amount: 100, Currency: "USD"}

	_, err := Apply(order, TransitionInput{Cause: CauseCaptured, Amount: 99})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAmountMismatch))
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = Apply(order, TransitionInput{Cause: CauseCaptured, Amount: 100, Currency: "eur"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	next, err := Apply(order, TransitionInput{Cause: CauseCaptured, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, next.Status)
}

func TestApplyKeepsReferenceOnRefundCauses(t *testing.T) {
	order := Order{ID: 1, Status: StatusPaid, Version: 3, Amount: 100, Currency: "USD", PaymentReference: "pi_1"}
	next, err := Apply(order, TransitionInput{Cause: CauseRefundRequested, PaymentReference: "re_1"})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", next.PaymentReference)
}
