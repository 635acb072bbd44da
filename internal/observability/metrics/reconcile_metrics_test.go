package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyRetryReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: RetryReasonDeadlineExceeded},
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: RetryReasonDBLockTimeout},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: RetryReasonSerializationFailure},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: RetryReasonSerializationFailure},
		{name: "unique", err: gorm.ErrDuplicatedKey, want: RetryReasonConflict},
		{name: "unknown", err: errors.New("boom"), want: RetryReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyRetryReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestWebhookOutcomeCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewReconcileMetrics(registry, Config{ServiceName: "orderflow", Environment: "test"})

	m.IncWebhookOutcome("Stripe", OutcomeApplied)
	m.IncWebhookOutcome("stripe", OutcomeApplied)
	m.IncWebhookOutcome("stripe", OutcomeDuplicate)

	if got := testutil.ToFloat64(m.webhookOutcomes.WithLabelValues("stripe", OutcomeApplied)); got != 2 {
		t.Fatalf("expected 2 applied, got %v", got)
	}
	if got := testutil.ToFloat64(m.webhookOutcomes.WithLabelValues("stripe", OutcomeDuplicate)); got != 1 {
		t.Fatalf("expected 1 duplicate, got %v", got)
	}
}

func TestNewReconcileMetricsToleratesReRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_ = NewReconcileMetrics(registry, Config{})
	m := NewReconcileMetrics(registry, Config{})
	m.AddJobProcessed(JobLedgerPurge, 0)
	m.AddJobProcessed(JobLedgerPurge, 3)
	if got := testutil.ToFloat64(m.jobProcessed.WithLabelValues(JobLedgerPurge)); got != 3 {
		t.Fatalf("expected 3 processed, got %v", got)
	}
}

func TestNilReconcileMetricsIsSafe(t *testing.T) {
	var m *ReconcileMetrics
	m.IncRetry(RetryReasonStaleWrite)
	m.IncLedgerClaim("sql", LedgerClaimAcquired)
	m.IncJobError(JobLedgerPurge, errors.New("boom"))
}
