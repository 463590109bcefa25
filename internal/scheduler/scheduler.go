// Package scheduler drives the ledger's background jobs: fixed-interval
// polls and cron-triggered daily passes.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every scheduled run.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune interval behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Interval runs a job every Interval, optionally aligned to wall-clock buckets.
type Interval struct {
	opts   Options
	logger zerolog.Logger
}

// NewInterval constructs an interval scheduler.
func NewInterval(opts Options, logger zerolog.Logger) *Interval {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Interval{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}
}

// Run blocks, invoking tick at each interval until ctx is cancelled. A failed
// tick is logged and the schedule continues.
func (s *Interval) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		at := s.bucketStart(next)
		if err := tick(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("at", at).Msg("scheduled run failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Interval) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Interval) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
