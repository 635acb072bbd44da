package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/orderflow/internal/clock"
	ledgerdomain "github.com/smallbiznis/orderflow/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/orderflow/internal/ledger/repository"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestScheduler(t *testing.T, store ledgerdomain.Store, clk clock.Clock, cfg Config) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	s, err := New(Params{
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Ledger: store,
		Config: cfg,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func useTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)

	obsmetrics.ResetReconcileMetricsForTest()
	obsmetrics.ReconcileWithConfig(obsmetrics.Config{
		ServiceName: "orderflow",
		Environment: "test",
	})
	return registry
}

func TestRunJobTimeoutDoesNotReturnErrorAndCountsError(t *testing.T) {
	registry := useTestRegistry(t)

	s := newTestScheduler(t, &stubStore{}, clock.NewFakeClock(time.Time{}), Config{})
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	errorLabels := map[string]string{
		"service": "orderflow",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.RetryReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "orderflow_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsFailures(t *testing.T) {
	useTestRegistry(t)

	s := newTestScheduler(t, &stubStore{}, clock.NewFakeClock(time.Time{}), Config{})
	boom := errors.New("boom")
	err := s.runJob(context.Background(), "failing_job", 0, time.Second, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
}

func TestPurgeLedgerJobDrainsExpiredEntries(t *testing.T) {
	registry := useTestRegistry(t)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&ledgerdomain.Entry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	retention := 24 * time.Hour
	store := ledgerrepo.NewSQLStore(db, clk, retention)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := store.RecordApplied(ctx, ledgerdomain.Entry{
			EventID:   fmt.Sprintf("old-%d", i),
			Cause:     ledgerdomain.CauseWebhook,
			AppliedAt: now.Add(-48 * time.Hour),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := store.RecordApplied(ctx, ledgerdomain.Entry{EventID: "fresh", Cause: ledgerdomain.CauseWebhook}); err != nil {
		t.Fatalf("record fresh: %v", err)
	}

	s := newTestScheduler(t, store, clk, Config{PurgeBatchSize: 2})
	if err := s.RunLedgerPurge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}

	var remaining int64
	db.Model(&ledgerdomain.Entry{}).Count(&remaining)
	if remaining != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", remaining)
	}
	labels := map[string]string{"service": "orderflow", "env": "test", "job": obsmetrics.JobLedgerPurge}
	if got := getCounterValue(t, registry, "orderflow_job_processed_total", labels); got != 5 {
		t.Fatalf("expected 5 processed, got %v", got)
	}
	if got := getCounterValue(t, registry, "orderflow_job_runs_total", labels); got != 1 {
		t.Fatalf("expected 1 run, got %v", got)
	}
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	s := newTestScheduler(t, &stubStore{}, clock.New(), Config{PurgeSchedule: "every tuesday"})
	if err := s.Start(); err == nil {
		t.Fatalf("expected schedule error")
	}
}

type stubStore struct {
	ledgerdomain.Store
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetReconcileMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
