// Package reconciler confirms locally recorded purchases against the
// marketplace activity feed and aggregates confirmed volume.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"engagement-ledger/internal/activity"
	"engagement-ledger/internal/storage"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 1
)

// ErrValidation is returned when a purchase lacks a required field.
var ErrValidation = errors.New("validation failed")

// Options tune how much of the feed is scanned.
type Options struct {
	PageSize int
	MaxPages int
}

// RecordRequest carries the caller-supplied purchase fields.
type RecordRequest struct {
	TxID       string
	Buyer      string
	AssetID    string
	Collection string
	Source     string
	Timestamp  string
}

// PollSummary reports one pass over pending purchases.
type PollSummary struct {
	Pending     int
	Confirmed   int
	Collections int
	Failed      int
}

// Reconciler owns the pending to confirmed lifecycle of purchases.
type Reconciler struct {
	store   storage.PurchaseStore
	feed    activity.Feed
	opts    Options
	logger  zerolog.Logger
	nowFunc func() time.Time
}

// New constructs a reconciler.
func New(store storage.PurchaseStore, feed activity.Feed, opts Options, logger zerolog.Logger) *Reconciler {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	return &Reconciler{
		store:   store,
		feed:    feed,
		opts:    opts,
		logger:  logger.With().Str("component", "reconciler").Logger(),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Record stores a pending purchase and tries to confirm it right away. The
// record is returned whatever the feed says; a repeated transaction id
// returns the stored record.
func (r *Reconciler) Record(ctx context.Context, req RecordRequest) (storage.PurchaseRecord, error) {
	rec := storage.PurchaseRecord{
		TxID:       strings.TrimSpace(req.TxID),
		Buyer:      strings.TrimSpace(req.Buyer),
		AssetID:    strings.TrimSpace(req.AssetID),
		Collection: strings.TrimSpace(req.Collection),
		Source:     strings.TrimSpace(req.Source),
		Timestamp:  strings.TrimSpace(req.Timestamp),
		CreatedAt:  r.nowFunc(),
	}
	switch {
	case rec.TxID == "":
		return storage.PurchaseRecord{}, fmt.Errorf("%w: transaction id required", ErrValidation)
	case rec.Buyer == "":
		return storage.PurchaseRecord{}, fmt.Errorf("%w: buyer required", ErrValidation)
	case rec.AssetID == "":
		return storage.PurchaseRecord{}, fmt.Errorf("%w: asset id required", ErrValidation)
	}
	if rec.Timestamp == "" {
		rec.Timestamp = rec.CreatedAt.Format(time.RFC3339)
	}

	stored, created, err := r.store.InsertPurchase(ctx, rec)
	if err != nil {
		return storage.PurchaseRecord{}, fmt.Errorf("insert purchase: %w", err)
	}
	if !created {
		r.logger.Info().Str("tx_id", stored.TxID).Str("status", string(stored.Status)).Msg("purchase already recorded")
		return stored, nil
	}
	r.logger.Info().Str("tx_id", stored.TxID).Str("asset_id", stored.AssetID).Msg("purchase recorded")

	confirmed, _, err := r.Reconcile(ctx, stored)
	if err != nil {
		r.logger.Warn().Err(err).Str("tx_id", stored.TxID).Msg("immediate reconcile failed, left pending")
		return stored, nil
	}
	return confirmed, nil
}

// Reconcile confirms a pending purchase when the feed shows a matching event.
// It reports whether this call confirmed the record. Confirmed records are
// returned untouched.
func (r *Reconciler) Reconcile(ctx context.Context, rec storage.PurchaseRecord) (storage.PurchaseRecord, bool, error) {
	if rec.Status == storage.PurchaseConfirmed {
		return rec, false, nil
	}
	events, err := r.collectEvents(ctx, rec.Collection)
	if err != nil {
		return rec, false, err
	}
	return r.apply(ctx, rec, events)
}

// ReconcilePending is the periodic poll. The feed is read once per
// collection and every pending purchase is matched against it.
func (r *Reconciler) ReconcilePending(ctx context.Context) (PollSummary, error) {
	pending, err := r.store.ListPurchasesByStatus(ctx, storage.PurchasePending)
	if err != nil {
		return PollSummary{}, fmt.Errorf("list pending purchases: %w", err)
	}
	summary := PollSummary{Pending: len(pending)}
	if len(pending) == 0 {
		return summary, nil
	}

	feeds := make(map[string][]activity.Event)
	failedFeeds := make(map[string]struct{})
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if _, failed := failedFeeds[rec.Collection]; failed {
			summary.Failed++
			continue
		}
		events, ok := feeds[rec.Collection]
		if !ok {
			events, err = r.collectEvents(ctx, rec.Collection)
			if err != nil {
				r.logger.Error().Err(err).Str("collection", rec.Collection).Msg("activity feed unavailable")
				failedFeeds[rec.Collection] = struct{}{}
				summary.Failed++
				continue
			}
			feeds[rec.Collection] = events
			summary.Collections++
		}

		_, confirmed, err := r.apply(ctx, rec, events)
		if err != nil {
			summary.Failed++
			r.logger.Error().Err(err).Str("tx_id", rec.TxID).Msg("failed to confirm purchase")
			continue
		}
		if confirmed {
			summary.Confirmed++
		}
	}

	r.logger.Info().
		Int("pending", summary.Pending).
		Int("confirmed", summary.Confirmed).
		Int("failed", summary.Failed).
		Msg("pending purchases reconciled")
	return summary, nil
}

func (r *Reconciler) collectEvents(ctx context.Context, collection string) ([]activity.Event, error) {
	if r.feed == nil {
		return nil, errors.New("activity feed not configured")
	}
	events := make([]activity.Event, 0)
	for page := 0; page < r.opts.MaxPages; page++ {
		batch, err := r.feed.RecentActivity(ctx, collection, page*r.opts.PageSize, r.opts.PageSize)
		if err != nil {
			return nil, fmt.Errorf("recent activity: %w", err)
		}
		events = append(events, batch...)
		if len(batch) < r.opts.PageSize {
			break
		}
	}
	return events, nil
}

func (r *Reconciler) apply(ctx context.Context, rec storage.PurchaseRecord, events []activity.Event) (storage.PurchaseRecord, bool, error) {
	ev, ok := match(rec, events)
	if !ok {
		r.logger.Debug().Str("tx_id", rec.TxID).Msg("no matching activity yet")
		return rec, false, nil
	}

	confirmation := storage.PurchaseConfirmation{
		TxID:             rec.TxID,
		Price:            ev.Price,
		SettlementAmount: ev.SettlementAmount,
		ConfirmedAt:      r.nowFunc(),
	}
	if ev.Seller != "" {
		seller := ev.Seller
		confirmation.Seller = &seller
	}

	updated, confirmed, err := r.store.ConfirmPurchase(ctx, confirmation)
	if err != nil {
		return rec, false, fmt.Errorf("confirm purchase: %w", err)
	}
	if confirmed {
		r.logger.Info().Str("tx_id", rec.TxID).Str("matched_tx", ev.TxID).Msg("purchase confirmed")
	}
	return updated, confirmed, nil
}

// match returns the first event, in feed order, sharing the record's
// transaction id or asset id.
func match(rec storage.PurchaseRecord, events []activity.Event) (activity.Event, bool) {
	for _, ev := range events {
		if ev.TxID != "" && ev.TxID == rec.TxID {
			return ev, true
		}
		if ev.AssetID != "" && ev.AssetID == rec.AssetID {
			return ev, true
		}
	}
	return activity.Event{}, false
}
