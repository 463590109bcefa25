package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"engagement-ledger/internal/storage"
)

// unix timestamps above this are taken as milliseconds
const millisThreshold = 1e12

// DailyVolume is the confirmed volume of one UTC day.
type DailyVolume struct {
	Day    time.Time
	Volume decimal.Decimal
	Count  int
}

// VolumeLast24h sums the amounts of confirmed purchases whose timestamp falls
// within the last 24 hours. Unparseable timestamps are skipped.
func (r *Reconciler) VolumeLast24h(ctx context.Context) (decimal.Decimal, error) {
	confirmed, err := r.store.ListPurchasesByStatus(ctx, storage.PurchaseConfirmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list confirmed purchases: %w", err)
	}

	now := r.nowFunc()
	cutoff := now.Add(-24 * time.Hour)
	total := decimal.Zero
	skipped := 0
	for _, rec := range confirmed {
		ts, ok := ParseTimestamp(rec.Timestamp)
		if !ok {
			skipped++
			continue
		}
		if ts.Before(cutoff) || ts.After(now) {
			continue
		}
		if amount, ok := rec.Amount(); ok {
			total = total.Add(amount)
		}
	}

	if skipped > 0 {
		r.logger.Debug().Int("skipped", skipped).Msg("purchases with malformed timestamps excluded from volume")
	}
	return total, nil
}

// DailyVolumes buckets confirmed volume by UTC day over the last days days,
// oldest first. Days without purchases are included with zero volume.
func (r *Reconciler) DailyVolumes(ctx context.Context, days int) ([]DailyVolume, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", ErrValidation)
	}
	confirmed, err := r.store.ListPurchasesByStatus(ctx, storage.PurchaseConfirmed)
	if err != nil {
		return nil, fmt.Errorf("list confirmed purchases: %w", err)
	}

	now := r.nowFunc().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := today.AddDate(0, 0, -(days - 1))

	buckets := make(map[time.Time]*DailyVolume, days)
	for d := start; !d.After(today); d = d.AddDate(0, 0, 1) {
		buckets[d] = &DailyVolume{Day: d, Volume: decimal.Zero}
	}

	for _, rec := range confirmed {
		ts, ok := ParseTimestamp(rec.Timestamp)
		if !ok {
			continue
		}
		ts = ts.UTC()
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		bucket, ok := buckets[day]
		if !ok {
			continue
		}
		if amount, ok := rec.Amount(); ok {
			bucket.Volume = bucket.Volume.Add(amount)
			bucket.Count++
		}
	}

	out := make([]DailyVolume, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// ParseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n >= millisThreshold {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}
