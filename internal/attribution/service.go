// Package attribution owns the contract board: first-caller credit, the
// per-member duplicate and cooldown rules, caller history and market-cap
// backfill.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"engagement-ledger/internal/marketdata"
	"engagement-ledger/internal/storage"
)

const (
	defaultCooldown    = 60 * time.Second
	defaultCallerLimit = 10
	maxCallerLimit     = 100
	defaultSweepBatch  = 200
)

// ErrValidation is returned when a request lacks a required identity.
var ErrValidation = errors.New("validation failed")

// Store is the persistence the service needs.
type Store interface {
	storage.SubmissionStore
	TagMember(ctx context.Context, memberID, badge string) error
}

// Options tune the service.
type Options struct {
	Cooldown   time.Duration
	Badge      string
	SweepBatch int
}

// SubmitRequest is one contract submission.
type SubmitRequest struct {
	SubmitterID string
	ContractKey string
	SourceTag   string
	ModelTag    string
	Domain      string
}

// SubmitResult reports the board state after a submission.
type SubmitResult struct {
	Contract storage.ContractSubmission
	Caller   storage.CallerRecord
	Created  bool
}

// SweepSummary reports one backfill sweep.
type SweepSummary struct {
	Contracts int
	Updated   int64
	Failed    int
}

// Service implements submission attribution.
type Service struct {
	store   Store
	market  marketdata.MarketCapFetcher
	opts    Options
	logger  zerolog.Logger
	nowFunc func() time.Time
}

// New constructs the attribution service.
func New(store Store, market marketdata.MarketCapFetcher, opts Options, logger zerolog.Logger) *Service {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = defaultSweepBatch
	}
	return &Service{
		store:   store,
		market:  market,
		opts:    opts,
		logger:  logger.With().Str("component", "attribution").Logger(),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Submit records a contract submission and enriches it with the current
// market cap. Conflict and cooldown violations leave all state untouched.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	submitterID := strings.TrimSpace(req.SubmitterID)
	contractKey := strings.TrimSpace(req.ContractKey)
	if submitterID == "" {
		return SubmitResult{}, fmt.Errorf("%w: submitter id required", ErrValidation)
	}
	if contractKey == "" {
		return SubmitResult{}, fmt.Errorf("%w: contract key required", ErrValidation)
	}

	now := s.nowFunc()

	profile, err := s.store.GetSubmitterProfile(ctx, submitterID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return SubmitResult{}, fmt.Errorf("load submitter profile: %w", err)
	}
	if err := storage.CheckSubmission(profile, contractKey, now, s.opts.Cooldown); err != nil {
		s.logRejected(submitterID, contractKey, err)
		return SubmitResult{}, err
	}

	marketCap := s.market.FetchMarketCap(ctx, contractKey)

	outcome, err := s.store.RecordSubmission(ctx, storage.SubmissionParams{
		SubmitterID: submitterID,
		ContractKey: contractKey,
		SourceTag:   strings.TrimSpace(req.SourceTag),
		ModelTag:    optional(req.ModelTag),
		Domain:      optional(req.Domain),
		MarketCap:   marketCap,
		CalledAt:    now,
		Cooldown:    s.opts.Cooldown,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrRateLimited) {
			s.logRejected(submitterID, contractKey, err)
			return SubmitResult{}, err
		}
		return SubmitResult{}, fmt.Errorf("record submission: %w", err)
	}

	if s.opts.Badge != "" {
		if err := s.store.TagMember(ctx, submitterID, s.opts.Badge); err != nil {
			s.logger.Error().Err(err).Str("submitter_id", submitterID).Msg("failed to tag member")
		}
	}

	event := s.logger.Info().
		Str("submitter_id", submitterID).
		Str("contract_key", contractKey).
		Int64("call_count", outcome.Contract.CallCount).
		Bool("first_call", outcome.Created)
	if marketCap.Valid {
		event = event.Str("market_cap", marketCap.Decimal.String())
	}
	event.Msg("contract submission recorded")

	return SubmitResult{Contract: outcome.Contract, Caller: outcome.Caller, Created: outcome.Created}, nil
}

// LatestCallers lists the most recent callers of a contract, newest first.
// Unknown contracts yield an empty slice.
func (s *Service) LatestCallers(ctx context.Context, contractKey string, limit int) ([]storage.CallerRecord, error) {
	contractKey = strings.TrimSpace(contractKey)
	if contractKey == "" {
		return nil, fmt.Errorf("%w: contract key required", ErrValidation)
	}
	if limit <= 0 {
		limit = defaultCallerLimit
	}
	if limit > maxCallerLimit {
		limit = maxCallerLimit
	}

	callers, err := s.store.LatestCallers(ctx, contractKey, limit)
	if err != nil {
		return nil, fmt.Errorf("latest callers: %w", err)
	}
	if callers == nil {
		callers = []storage.CallerRecord{}
	}
	return callers, nil
}

// BackfillMissingMarketCaps fills null market caps of a contract and its
// caller records with one fresh value. Non-null values are never replaced.
// It returns 0 when nothing is missing or the value is unavailable.
func (s *Service) BackfillMissingMarketCaps(ctx context.Context, contractKey string) (int64, error) {
	contractKey = strings.TrimSpace(contractKey)
	if contractKey == "" {
		return 0, fmt.Errorf("%w: contract key required", ErrValidation)
	}

	missing, err := s.store.CountMissingMarketCaps(ctx, contractKey)
	if err != nil {
		return 0, fmt.Errorf("count missing market caps: %w", err)
	}
	if missing == 0 {
		return 0, nil
	}

	marketCap := s.market.FetchMarketCap(ctx, contractKey)
	if !marketCap.Valid {
		s.logger.Warn().Str("contract_key", contractKey).Int64("missing", missing).Msg("backfill skipped, market cap unavailable")
		return 0, nil
	}

	updated, err := s.store.FillMissingMarketCap(ctx, contractKey, marketCap.Decimal)
	if err != nil {
		return 0, fmt.Errorf("fill market cap: %w", err)
	}

	s.logger.Info().
		Str("contract_key", contractKey).
		Str("market_cap", marketCap.Decimal.String()).
		Int64("updated", updated).
		Msg("market cap backfilled")
	return updated, nil
}

// SweepMissingMarketCaps backfills every contract still missing a market cap,
// up to the configured batch size.
func (s *Service) SweepMissingMarketCaps(ctx context.Context) (SweepSummary, error) {
	keys, err := s.store.ListContractsMissingMarketCap(ctx, s.opts.SweepBatch)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("list contracts missing market cap: %w", err)
	}

	summary := SweepSummary{Contracts: len(keys)}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		updated, err := s.BackfillMissingMarketCaps(ctx, key)
		if err != nil {
			summary.Failed++
			s.logger.Error().Err(err).Str("contract_key", key).Msg("backfill failed")
			continue
		}
		summary.Updated += updated
	}

	s.logger.Info().
		Int("contracts", summary.Contracts).
		Int64("updated", summary.Updated).
		Int("failed", summary.Failed).
		Msg("market cap sweep finished")
	return summary, nil
}

func (s *Service) logRejected(submitterID, contractKey string, err error) {
	s.logger.Info().Err(err).
		Str("submitter_id", submitterID).
		Str("contract_key", contractKey).
		Msg("contract submission rejected")
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
