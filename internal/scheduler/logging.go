package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/orderflow/internal/observability/context"
	obslogger "github.com/smallbiznis/orderflow/internal/observability/logger"
	"go.uber.org/zap"
)

// jobRun accumulates what one scheduled run did. Nested calls (runJob
// wrapping PurgeLedgerJob) share the run stored on the context.
type jobRun struct {
	job        string
	runID      string
	batchSize  int
	startedAt  time.Time
	cutoff     time.Time
	batches    int
	removed    int64
	errorCount int
}

type jobRunKey struct{}

// AddProcessed records one purge batch.
func (r *jobRun) AddProcessed(count int64) {
	if r == nil {
		return
	}
	r.batches++
	if count > 0 {
		r.removed += count
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.errorCount++
	}
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && run != nil {
		return ctx, run, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithOperator(ctx, "scheduler", "system")
	return obscontext.WithCorrelationID(ctx, run.runID), run, true
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run != nil {
		s.logger(ctx).Info("scheduler job started", run.fields(s.clock.Now(), false)...)
	}
}

// logJobFinish writes the run summary; any error downgrades it to warn.
func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	log := s.logger(ctx)
	fields := run.fields(s.clock.Now(), true)
	if run.errorCount > 0 {
		log.Warn("scheduler job finished with errors", fields...)
		return
	}
	log.Info("scheduler job finished", fields...)
}

func (r *jobRun) fields(now time.Time, finished bool) []zap.Field {
	fields := []zap.Field{
		zap.String("job", r.job),
		zap.String("run_id", r.runID),
		zap.Int("batch_size", r.batchSize),
	}
	if !r.cutoff.IsZero() {
		fields = append(fields, zap.Time("cutoff", r.cutoff))
	}
	if finished {
		fields = append(fields,
			zap.Duration("duration", now.Sub(r.startedAt)),
			zap.Int("batches", r.batches),
			zap.Int64("removed", r.removed),
			zap.Int("errors", r.errorCount),
		)
	}
	return fields
}

// cronLogger routes robfig/cron's internal logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
