package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	OutcomeApplied           = "applied"
	OutcomeDuplicate         = "duplicate"
	OutcomeSkipped           = "skipped"
	OutcomeInvalidTransition = "invalid_transition"
	OutcomeRejected          = "rejected"
	OutcomeExhausted         = "exhausted"
	OutcomeFailed            = "failed"
)

const (
	RetryReasonStaleWrite           = "stale_write"
	RetryReasonConflict             = "conflict"
	RetryReasonSerializationFailure = "serialization_failure"
	RetryReasonDBLockTimeout        = "db_lock_timeout"
	RetryReasonDeadlineExceeded     = "deadline_exceeded"
	RetryReasonUnknown              = "unknown"
)

const (
	LedgerClaimAcquired = "acquired"
	LedgerClaimHeld     = "held"
	LedgerClaimReleased = "released"
	LedgerClaimError    = "error"
)

const (
	JobLedgerPurge = "ledger_purge"
)

// ReconcileMetrics captures webhook pipeline health as Prometheus series.
type ReconcileMetrics struct {
	webhookOutcomes    *prometheus.CounterVec
	pipelineDuration   *prometheus.HistogramVec
	pipelineAttempts   *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	invalidTransitions *prometheus.CounterVec
	ledgerClaims       *prometheus.CounterVec
	refundSubmissions  *prometheus.CounterVec
	jobRuns            *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	jobErrors          *prometheus.CounterVec
	jobProcessed       *prometheus.CounterVec
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

// Reconcile returns the singleton reconciliation metrics registry.
func Reconcile() *ReconcileMetrics {
	return ReconcileWithConfig(Config{})
}

// ReconcileWithConfig returns the singleton registry using config labels.
func ReconcileWithConfig(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = NewReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

// ResetReconcileMetricsForTest resets the singleton for tests.
func ResetReconcileMetricsForTest() {
	reconcileMetricsOnce = sync.Once{}
	reconcileMetrics = nil
}

func NewReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "orderflow"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &ReconcileMetrics{
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orderflow_webhook_outcomes_total",
			Help:        "Webhook deliveries by provider and pipeline outcome.",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "orderflow_webhook_pipeline_duration_seconds",
			Help:        "Time from verification to acknowledgement.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}, []string{"provider"}),
		pipelineAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "orderflow_webhook_pipeline_attempts",
			Help:        "Apply attempts needed per delivery.",
			Buckets:     []float64{1, 2, 3, 4, 5, 6, 8, 10},
			ConstLabels: constLabels,
		}, []string{"provider"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orderflow_reconcile_retries_total",
			Help:        "Apply retries by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		invalidTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orderflow_order_invalid_transitions_total",
			Help:        "Acknowledged events that did not match the order state.",
			ConstLabels: constLabels,
		}, []string{"from", "cause"}),
		ledgerClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orderflow_ledger_claims_total",
			Help:        "Idempotency ledger claim results by backend.",
			ConstLabels: constLabels,
		}, []string{"backend", "result"}),
		refundSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orderflow_refund_submissions_total",
			Help:        "Refund submissions to the gateway by result.",
			ConstLabels: constLabels,
		}, []string{"gateway", "result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orderflow_job_runs_total",
			Help:        "Background job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "orderflow_job_duration_seconds",
			Help:        "Background job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orderflow_job_errors_total",
			Help:        "Background job errors by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		jobProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "orderflow_job_processed_total",
			Help:        "Rows processed by background jobs.",
			ConstLabels: constLabels,
		}, []string{"job"}),
	}

	for _, c := range []prometheus.Collector{
		m.webhookOutcomes,
		m.pipelineDuration,
		m.pipelineAttempts,
		m.retries,
		m.invalidTransitions,
		m.ledgerClaims,
		m.refundSubmissions,
		m.jobRuns,
		m.jobDuration,
		m.jobErrors,
		m.jobProcessed,
	} {
		registerCollector(registerer, c)
	}
	return m
}

func registerCollector(registerer prometheus.Registerer, c prometheus.Collector) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return
		}
		panic(err)
	}
}

func (m *ReconcileMetrics) IncWebhookOutcome(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookOutcomes.WithLabelValues(normalizeLabel(provider), outcome).Inc()
}

func (m *ReconcileMetrics) ObservePipeline(provider string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	provider = normalizeLabel(provider)
	m.pipelineDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if attempts > 0 {
		m.pipelineAttempts.WithLabelValues(provider).Observe(float64(attempts))
	}
}

func (m *ReconcileMetrics) IncRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

func (m *ReconcileMetrics) IncInvalidTransition(from, cause string) {
	if m == nil {
		return
	}
	m.invalidTransitions.WithLabelValues(normalizeLabel(from), normalizeLabel(cause)).Inc()
}

func (m *ReconcileMetrics) IncLedgerClaim(backend, result string) {
	if m == nil {
		return
	}
	m.ledgerClaims.WithLabelValues(normalizeLabel(backend), result).Inc()
}

func (m *ReconcileMetrics) IncRefundSubmission(gateway, result string) {
	if m == nil {
		return
	}
	m.refundSubmissions.WithLabelValues(normalizeLabel(gateway), result).Inc()
}

func (m *ReconcileMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *ReconcileMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *ReconcileMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyRetryReason(err)).Inc()
}

func (m *ReconcileMetrics) AddJobProcessed(job string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.jobProcessed.WithLabelValues(job).Add(float64(count))
}

// ClassifyRetryReason maps storage errors to low-cardinality retry reasons.
func ClassifyRetryReason(err error) string {
	if err == nil {
		return RetryReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RetryReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return RetryReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") || hasPGCode(err, "40P01") {
		return RetryReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return RetryReasonConflict
	}
	return RetryReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}
