package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"engagement-ledger/internal/attribution"
	"engagement-ledger/internal/reconciler"
	"engagement-ledger/internal/storage"
)

// Submit records one contract submission and prints the board entry.
func (a *App) Submit(ctx context.Context, req attribution.SubmitRequest) error {
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.close()

	res, err := l.attribution.Submit(ctx, req)
	if err != nil {
		return err
	}

	status := "existing"
	if res.Created {
		status = "new"
	}
	fmt.Fprintf(a.Out, "contract %s (%s): calls=%d first_caller=%s market_cap=%s\n",
		res.Contract.ContractKey,
		status,
		res.Contract.CallCount,
		res.Contract.FirstCallerID,
		formatNullDecimal(res.Caller.MarketCap),
	)
	return nil
}

// Callers prints the latest callers of a contract.
func (a *App) Callers(ctx context.Context, opts CallersOptions) error {
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.close()

	callers, err := l.attribution.LatestCallers(ctx, opts.ContractKey, opts.Limit)
	if err != nil {
		return err
	}
	if len(callers) == 0 {
		fmt.Fprintln(a.Out, "no callers found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Called (UTC)\tSubmitter\tMarket cap\tDomain")
	for _, c := range callers {
		domain := ""
		if c.Domain != nil {
			domain = sanitizeInline(*c.Domain)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			c.CalledAt.UTC().Format(time.RFC3339),
			sanitizeInline(c.SubmitterID),
			formatNullDecimal(c.MarketCap),
			domain,
		)
	}
	return writer.Flush()
}

// Backfill fills missing market caps for one contract or all of them.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.close()

	if opts.ContractKey != "" {
		updated, err := l.attribution.BackfillMissingMarketCaps(ctx, opts.ContractKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "updated %d records\n", updated)
		return nil
	}

	summary, err := l.attribution.SweepMissingMarketCaps(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "contracts=%d updated=%d failed=%d\n", summary.Contracts, summary.Updated, summary.Failed)
	if summary.Failed > 0 {
		return fmt.Errorf("%d contracts failed to backfill, check logs", summary.Failed)
	}
	return nil
}

// Record stores a purchase and prints its state after the first reconcile.
func (a *App) Record(ctx context.Context, req reconciler.RecordRequest) error {
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.close()

	rec, err := l.reconciler.Record(ctx, req)
	if err != nil {
		return err
	}
	printPurchase(a, rec)
	return nil
}

// Reconcile confirms one purchase, or polls every pending purchase.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.close()

	if opts.TxID == "" {
		summary, err := l.reconciler.ReconcilePending(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "pending=%d confirmed=%d failed=%d\n", summary.Pending, summary.Confirmed, summary.Failed)
		return nil
	}

	rec, err := l.store.GetPurchase(ctx, opts.TxID)
	if err != nil {
		return fmt.Errorf("purchase %s: %w", opts.TxID, err)
	}
	rec, _, err = l.reconciler.Reconcile(ctx, rec)
	if err != nil {
		return err
	}
	printPurchase(a, rec)
	return nil
}

// Volume prints the confirmed volume of the last 24 hours.
func (a *App) Volume(ctx context.Context) error {
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.close()

	total, err := l.reconciler.VolumeLast24h(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out, total.String())
	return nil
}

// Award runs the daily holder award once.
func (a *App) Award(ctx context.Context) error {
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.close()

	summary, err := l.rewards.AwardDailyHolderPoints(ctx)
	if err != nil {
		return err
	}
	if summary.Skipped {
		fmt.Fprintf(a.Out, "holder award for %s already executed\n", summary.Day.Format(time.DateOnly))
		return nil
	}
	fmt.Fprintf(a.Out, "day=%s processed=%d awarded=%d failed=%d points=%d\n",
		summary.Day.Format(time.DateOnly), summary.Processed, summary.Awarded, summary.Failed, summary.PointsAwarded)
	return nil
}

// Reset zeroes today's counters.
func (a *App) Reset(ctx context.Context) error {
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.close()

	updated, err := l.rewards.ResetDailyCounters(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "reset %d members\n", updated)
	return nil
}

func printPurchase(a *App, rec storage.PurchaseRecord) {
	seller := "-"
	if rec.Seller != nil {
		seller = *rec.Seller
	}
	amount := "-"
	if v, ok := rec.Amount(); ok {
		amount = v.String()
	}
	fmt.Fprintf(a.Out, "purchase %s: status=%s asset=%s seller=%s amount=%s\n", rec.TxID, rec.Status, rec.AssetID, seller, amount)
}

func formatNullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}

func sanitizeInline(v string) string {
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\t", " ")
	return strings.TrimSpace(v)
}
