package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"engagement-ledger/internal/attribution"
	"engagement-ledger/internal/config"
	"engagement-ledger/internal/reconciler"
	"engagement-ledger/internal/rewards"
	"engagement-ledger/internal/scheduler"
	"engagement-ledger/internal/storage"
)

// Advisory lock offsets, added to the configured base key, one per job.
const (
	lockPurchasePoll int64 = iota + 1
	lockMarketCapSweep
	lockHolderAward
	lockDailyReset
)

// Runner is a blocking schedule.
type Runner interface {
	Run(ctx context.Context, tick scheduler.TickFunc) error
}

// Job pairs a schedule with the work it triggers.
type Job struct {
	Name    string
	LockKey int64
	Runner  Runner
	Tick    scheduler.TickFunc
}

// Service orchestrates the ledger's background jobs.
type Service struct {
	attribution *attribution.Service
	rewards     *rewards.Scheduler
	reconciler  *reconciler.Reconciler
	locker      storage.AdvisoryLocker
	logger      zerolog.Logger

	cfg     config.SchedulerConfig
	loc     *time.Location
	lockKey int64
}

// New constructs the job orchestrator. locker may be nil, in which case jobs
// run without cross-process exclusion.
func New(cfg *config.Config, attr *attribution.Service, rew *rewards.Scheduler, rec *reconciler.Reconciler, locker storage.AdvisoryLocker, logger zerolog.Logger) (*Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return &Service{
		attribution: attr,
		rewards:     rew,
		reconciler:  rec,
		locker:      locker,
		logger:      logger.With().Str("component", "service").Logger(),
		cfg:         cfg.Scheduler,
		loc:         loc,
		lockKey:     cfg.Scheduler.AdvisoryLockKey,
	}, nil
}

// Jobs builds the schedule of every background job.
func (s *Service) Jobs() ([]Job, error) {
	award, err := scheduler.NewCron("holder_award", s.cfg.AwardCron, s.loc, s.logger)
	if err != nil {
		return nil, err
	}
	reset, err := scheduler.NewCron("daily_reset", s.cfg.ResetCron, s.loc, s.logger)
	if err != nil {
		return nil, err
	}

	return []Job{
		{
			Name:    "purchase_poll",
			LockKey: lockPurchasePoll,
			Runner: scheduler.NewInterval(scheduler.Options{
				Name:         "purchase_poll",
				Interval:     s.cfg.PollInterval,
				AlignToStart: s.cfg.AlignToBucket,
				StartupDelay: s.cfg.StartupDelay,
			}, s.logger),
			Tick: s.PollPurchases,
		},
		{
			Name:    "market_cap_sweep",
			LockKey: lockMarketCapSweep,
			Runner: scheduler.NewInterval(scheduler.Options{
				Name:         "market_cap_sweep",
				Interval:     s.cfg.SweepInterval,
				AlignToStart: s.cfg.AlignToBucket,
				StartupDelay: s.cfg.StartupDelay,
			}, s.logger),
			Tick: s.SweepMarketCaps,
		},
		{Name: "holder_award", LockKey: lockHolderAward, Runner: award, Tick: s.AwardHolders},
		{Name: "daily_reset", LockKey: lockDailyReset, Runner: reset, Tick: s.ResetCounters},
	}, nil
}

// Run starts every job and blocks until ctx is cancelled or a schedule fails.
func (s *Service) Run(ctx context.Context) error {
	jobs, err := s.Jobs()
	if err != nil {
		return err
	}
	return s.RunJobs(ctx, jobs)
}

// RunJobs runs jobs concurrently until ctx is cancelled or one schedule fails.
func (s *Service) RunJobs(ctx context.Context, jobs []Job) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			s.logger.Info().Str("job", job.Name).Msg("job scheduled")
			err := job.Runner.Run(gctx, s.locked(job))
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", job.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// PollPurchases reconciles every pending purchase.
func (s *Service) PollPurchases(ctx context.Context, _ time.Time) error {
	_, err := s.reconciler.ReconcilePending(ctx)
	return err
}

// SweepMarketCaps backfills contracts still missing a market cap.
func (s *Service) SweepMarketCaps(ctx context.Context, _ time.Time) error {
	_, err := s.attribution.SweepMissingMarketCaps(ctx)
	return err
}

// AwardHolders runs the daily holder award.
func (s *Service) AwardHolders(ctx context.Context, _ time.Time) error {
	_, err := s.rewards.AwardDailyHolderPoints(ctx)
	return err
}

// ResetCounters runs the daily counter reset.
func (s *Service) ResetCounters(ctx context.Context, _ time.Time) error {
	_, err := s.rewards.ResetDailyCounters(ctx)
	return err
}

func (s *Service) locked(job Job) scheduler.TickFunc {
	return func(ctx context.Context, at time.Time) error {
		unlock, proceed, err := s.acquireLock(ctx, job.LockKey)
		if err != nil {
			return err
		}
		if !proceed {
			s.logger.Debug().Str("job", job.Name).Time("at", at).Msg("skip run because advisory lock held elsewhere")
			return nil
		}
		if unlock != nil {
			defer unlock()
		}

		started := time.Now()
		err = job.Tick(ctx, at)
		s.logger.Debug().Str("job", job.Name).Dur("took", time.Since(started)).Msg("job run finished")
		return err
	}
}

func (s *Service) acquireLock(ctx context.Context, offset int64) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey+offset)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
