package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron runs a job on a six-field cron expression evaluated in a fixed location.
type Cron struct {
	name     string
	spec     string
	loc      *time.Location
	schedule cron.Schedule
	logger   zerolog.Logger
}

// NewCron validates spec and returns a cron scheduler.
func NewCron(name, spec string, loc *time.Location, logger zerolog.Logger) (*Cron, error) {
	if loc == nil {
		loc = time.UTC
	}
	schedule, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse %s schedule %q: %w", name, spec, err)
	}
	return &Cron{
		name:     name,
		spec:     spec,
		loc:      loc,
		schedule: schedule,
		logger:   logger.With().Str("component", "scheduler").Str("job", name).Logger(),
	}, nil
}

// Next returns the first activation after t.
func (c *Cron) Next(t time.Time) time.Time {
	return c.schedule.Next(t.In(c.loc))
}

// Run blocks until ctx is cancelled. Overlapping activations are skipped.
func (c *Cron) Run(ctx context.Context, tick TickFunc) error {
	log := cronLogger{logger: c.logger}
	runner := cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(c.loc),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)

	if _, err := runner.AddFunc(c.spec, func() {
		at := time.Now().In(c.loc)
		if err := tick(ctx, at); err != nil {
			c.logger.Error().Err(err).Time("at", at).Msg("scheduled run failed")
		}
	}); err != nil {
		return fmt.Errorf("register %s: %w", c.name, err)
	}

	runner.Start()
	c.logger.Info().Str("spec", c.spec).Str("location", c.loc.String()).Time("next_run", c.Next(time.Now())).Msg("cron scheduler started")

	<-ctx.Done()
	stopped := runner.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// cronLogger routes robfig/cron's logging into zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
