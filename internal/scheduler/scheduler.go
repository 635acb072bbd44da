package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-redsync/redsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/orderflow/internal/clock"
	ledgerdomain "github.com/smallbiznis/orderflow/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

const lockKeyPrefix = "orderflow:lock:"

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Ledger  ledgerdomain.Store
	Redsync *redsync.Redsync `optional:"true"`
	Config  Config           `optional:"true"`
}

// Scheduler runs maintenance jobs on cron schedules. With redis
// configured, each run is guarded by a redsync mutex so only one replica
// executes it.
type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	ledger  ledgerdomain.Store
	redsync *redsync.Redsync
	cron    *cron.Cron
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Ledger == nil {
		return nil, ErrInvalidConfig
	}
	log := p.Log.Named("scheduler").With(zap.String("component", "scheduler"))
	return &Scheduler{
		log:     log,
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		ledger:  p.Ledger,
		redsync: p.Redsync,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{log: log.Sugar()}),
			cron.WithChain(
				cron.Recover(cronLogger{log: log.Sugar()}),
				cron.SkipIfStillRunning(cronLogger{log: log.Sugar()}),
			),
		),
	}, nil
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.cfg.PurgeSchedule, func() {
		if err := s.RunLedgerPurge(context.Background()); err != nil {
			s.log.Warn("ledger purge failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", obsmetrics.JobLedgerPurge, err)
	}
	s.cron.Start()
	s.log.Info("scheduler started",
		zap.String("ledger_purge_schedule", s.cfg.PurgeSchedule),
		zap.Bool("distributed_lock", s.redsync != nil),
	)
	return nil
}

// Stop waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunLedgerPurge removes ledger entries older than the retention window.
func (s *Scheduler) RunLedgerPurge(ctx context.Context) error {
	return s.runJob(ctx, obsmetrics.JobLedgerPurge, s.cfg.PurgeBatchSize, s.cfg.JobTimeout, s.PurgeLedgerJob)
}

func (s *Scheduler) PurgeLedgerJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, obsmetrics.JobLedgerPurge, s.cfg.PurgeBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	cutoff := s.clock.Now()
	run.cutoff = cutoff
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		removed, err := s.ledger.Purge(ctx, cutoff, s.cfg.PurgeBatchSize)
		if err != nil {
			run.IncError()
			return err
		}
		total += removed
		run.AddProcessed(removed)
		if removed < int64(s.cfg.PurgeBatchSize) {
			break
		}
	}
	obsmetrics.Reconcile().AddJobProcessed(obsmetrics.JobLedgerPurge, total)
	return nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)

	unlock, acquired, err := s.lock(ctx, name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !acquired {
		log.Debug("job skipped, lock held elsewhere")
		return nil
	}
	defer unlock()

	jobMetrics := obsmetrics.Reconcile()
	jobMetrics.IncJobRun(name)

	if owner {
		s.logJobStart(ctx, run)
	}
	err = fn(ctx)
	jobMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	jobMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// lock takes the job's distributed mutex. Without redis every replica
// runs the job; purges are idempotent so overlap only costs work.
func (s *Scheduler) lock(ctx context.Context, job string) (func(), bool, error) {
	if s.redsync == nil {
		return func() {}, true, nil
	}
	mutex := s.redsync.NewMutex(lockKeyPrefix+job,
		redsync.WithExpiry(s.cfg.LockTTL),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		// Taken or unreachable; either way another replica may own the run.
		s.log.Debug("job lock not acquired", zap.String("job", job), zap.Error(err))
		return nil, false, nil
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(releaseCtx); err != nil {
			s.log.Warn("job lock release failed", zap.String("job", job), zap.Error(err))
		}
	}, true, nil
}
