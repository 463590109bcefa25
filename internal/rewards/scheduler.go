// Package rewards runs the daily holder award and the daily counter reset.
package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"engagement-ledger/internal/holdings"
	"engagement-ledger/internal/storage"
)

// Store is the persistence the reward passes need.
type Store interface {
	storage.MemberStore
	storage.RewardRunStore
}

// RunSummary reports one award pass.
type RunSummary struct {
	RunID         uuid.UUID
	Day           time.Time
	Skipped       bool
	Processed     int
	Awarded       int
	Failed        int
	PointsAwarded int64
}

// Scheduler owns the daily reward passes. A calendar day is evaluated in loc.
type Scheduler struct {
	store   Store
	oracle  holdings.Oracle
	formula Formula
	loc     *time.Location
	logger  zerolog.Logger
	nowFunc func() time.Time
}

// NewScheduler constructs the reward scheduler.
func NewScheduler(store Store, oracle holdings.Oracle, formula Formula, loc *time.Location, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:   store,
		oracle:  oracle,
		formula: formula,
		loc:     loc,
		logger:  logger.With().Str("component", "rewards").Logger(),
		nowFunc: time.Now,
	}
}

// Today returns the current reward day as a UTC midnight date.
func (s *Scheduler) Today() time.Time {
	now := s.nowFunc().In(s.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// AwardDailyHolderPoints refreshes holder status and awards points to every
// member, at most once per day. The day is claimed before anything is
// awarded; a second call on the same day is skipped. A pass that stops
// before persisting any member gives the claim back so a later trigger
// can retry the day.
func (s *Scheduler) AwardDailyHolderPoints(ctx context.Context) (RunSummary, error) {
	day := s.Today()
	run := storage.RewardRun{
		ID:        uuid.New(),
		RunDate:   day,
		Kind:      storage.RunHolderAward,
		StartedAt: s.nowFunc().UTC(),
	}
	summary := RunSummary{RunID: run.ID, Day: day}
	log := s.logger.With().Str("day", day.Format(time.DateOnly)).Str("run_id", run.ID.String()).Logger()

	claimed, err := s.store.ClaimRewardRun(ctx, run)
	if err != nil {
		return summary, fmt.Errorf("claim reward run: %w", err)
	}
	if !claimed {
		summary.Skipped = true
		log.Info().Msg("holder award already executed today")
		return summary, nil
	}

	members, err := s.store.ListMembers(ctx)
	if err != nil {
		s.release(ctx, run, log)
		return summary, fmt.Errorf("list members: %w", err)
	}

	bulk := s.bulkHoldings(ctx, log)

	persisted := 0
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			if persisted == 0 {
				s.release(ctx, run, log)
			} else {
				s.complete(ctx, run, summary, log)
			}
			return summary, err
		}
		summary.Processed++

		count, err := s.holdingsFor(ctx, m, bulk)
		if err != nil {
			summary.Failed++
			log.Error().Err(err).Str("member_id", m.MemberID).Msg("holdings lookup failed")
			continue
		}

		award := storage.DailyAward{
			MemberID: m.MemberID,
			Holding:  count > 0,
			Day:      day,
		}
		if award.Holding {
			award.Award = s.formula.Award(count)
		}

		applied, err := s.store.ApplyDailyAward(ctx, award)
		if err != nil {
			summary.Failed++
			log.Error().Err(err).Str("member_id", m.MemberID).Msg("failed to persist daily award")
			continue
		}
		if !applied {
			log.Debug().Str("member_id", m.MemberID).Msg("member already past award day")
			continue
		}
		persisted++
		if award.Award > 0 {
			summary.Awarded++
			summary.PointsAwarded += award.Award
		}
	}

	s.complete(ctx, run, summary, log)
	log.Info().
		Int("processed", summary.Processed).
		Int("awarded", summary.Awarded).
		Int("failed", summary.Failed).
		Int64("points", summary.PointsAwarded).
		Msg("holder award finished")
	return summary, nil
}

// ResetDailyCounters zeroes today's counters on every member not yet reset
// today. Repeating it on the same day changes nothing.
func (s *Scheduler) ResetDailyCounters(ctx context.Context) (int64, error) {
	day := s.Today()
	updated, err := s.store.ResetDailyCounters(ctx, day)
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	s.logger.Info().Str("day", day.Format(time.DateOnly)).Int64("updated", updated).Msg("daily counters reset")
	return updated, nil
}

func (s *Scheduler) bulkHoldings(ctx context.Context, log zerolog.Logger) map[string]int64 {
	bulk, ok := s.oracle.(holdings.BulkOracle)
	if !ok {
		return nil
	}
	all, err := bulk.AllHoldings(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("bulk holdings failed, falling back to per-member lookups")
		return nil
	}
	return all
}

func (s *Scheduler) holdingsFor(ctx context.Context, m storage.MemberAccount, bulk map[string]int64) (int64, error) {
	key := m.HoldingsKey()
	if bulk != nil {
		return bulk[key], nil
	}
	if s.oracle == nil {
		return 0, fmt.Errorf("holdings oracle not configured")
	}
	return s.oracle.HoldingsFor(ctx, key)
}

func (s *Scheduler) release(ctx context.Context, run storage.RewardRun, log zerolog.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.ReleaseRewardRun(releaseCtx, run); err != nil {
		log.Error().Err(err).Msg("failed to release reward run")
		return
	}
	log.Warn().Msg("holder award aborted before any member was updated; day released")
}

func (s *Scheduler) complete(ctx context.Context, run storage.RewardRun, summary RunSummary, log zerolog.Logger) {
	finished := s.nowFunc().UTC()
	run.FinishedAt = &finished
	run.Processed = summary.Processed
	run.Awarded = summary.Awarded
	run.Failed = summary.Failed
	run.PointsAwarded = summary.PointsAwarded

	// record the counts even when the pass was cancelled midway
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.CompleteRewardRun(completeCtx, run); err != nil {
		log.Error().Err(err).Msg("failed to complete reward run")
	}
}
