package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"engagement-ledger/internal/activity"
	"engagement-ledger/internal/attribution"
	"engagement-ledger/internal/config"
	"engagement-ledger/internal/holdings"
	"engagement-ledger/internal/logging"
	"engagement-ledger/internal/marketdata"
	"engagement-ledger/internal/reconciler"
	"engagement-ledger/internal/rewards"
	"engagement-ledger/internal/service"
	"engagement-ledger/internal/storage"
	"engagement-ledger/internal/storage/memstore"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	memOnce sync.Once
	mem     *memstore.Store
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), Out: os.Stdout}
}

// ledger bundles the core services over one store.
type ledger struct {
	store       storage.LedgerStore
	locker      storage.AdvisoryLocker
	attribution *attribution.Service
	rewards     *rewards.Scheduler
	reconciler  *reconciler.Reconciler
	close       func()
}

// openStore connects to PostgreSQL, or falls back to a process-local
// in-memory store when no DSN is configured.
func (a *App) openStore(ctx context.Context) (storage.LedgerStore, storage.AdvisoryLocker, func(), error) {
	if a.Config.Database.DSN == "" {
		a.memOnce.Do(func() {
			a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, nothing is persisted")
			a.mem = memstore.New()
		})
		return a.mem, nil, func() {}, nil
	}

	store, err := storage.Open(ctx, a.Config.Database, a.Logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return store, store, store.Close, nil
}

func (a *App) newMarketData() *marketdata.Fetcher {
	cfg := a.Config.MarketData
	if cfg.BaseURL == "" {
		a.Logger.Warn().Msg("market_data.base_url not configured; market caps stay unavailable until backfilled")
		unavailable := marketdata.LookupFunc(func(context.Context, string) (decimal.Decimal, error) {
			return decimal.Decimal{}, marketdata.ErrUnavailable
		})
		return marketdata.NewFetcher(unavailable, marketdata.RetryPolicy{MaxAttempts: 1}, a.Logger)
	}

	lookup := marketdata.NewHTTPLookup(marketdata.HTTPOptions{
		BaseURL:           cfg.BaseURL,
		MarketCapPath:     cfg.MarketCapPath,
		Timeout:           cfg.RequestTimeout,
		UserAgent:         cfg.UserAgent,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}, a.Logger)
	return marketdata.NewFetcher(lookup, marketdata.RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.Backoff}, a.Logger)
}

func (a *App) newOracle() *holdings.ChainOracle {
	cfg := a.Config.Holdings
	if cfg.RPCURL == "" || cfg.CollectionAddress == "" {
		a.Logger.Warn().Msg("holdings rpc_url or collection_address not configured; holder lookups will fail")
	}
	return holdings.NewChainOracle(holdings.ChainOptions{
		RPCURL:            cfg.RPCURL,
		CollectionAddress: cfg.CollectionAddress,
		Timeout:           cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) newFeed() *activity.HTTPFeed {
	cfg := a.Config.Activity
	return activity.NewHTTPFeed(activity.HTTPOptions{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
	}, a.Logger)
}

func (a *App) openLedger(ctx context.Context) (*ledger, error) {
	store, locker, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	loc, err := a.Config.Location()
	if err != nil {
		closeStore()
		return nil, err
	}

	oracle := a.newOracle()
	l := &ledger{
		store:  store,
		locker: locker,
		attribution: attribution.New(store, a.newMarketData(), attribution.Options{
			Cooldown:   a.Config.Attribution.Cooldown,
			Badge:      a.Config.Attribution.Badge,
			SweepBatch: a.Config.Attribution.SweepBatch,
		}, a.Logger),
		rewards: rewards.NewScheduler(store, oracle, rewards.Formula{
			Base: a.Config.Rewards.BasePoints,
			Step: a.Config.Rewards.Step,
			Max:  a.Config.Rewards.MaxDaily,
		}, loc, a.Logger),
		reconciler: reconciler.New(store, a.newFeed(), reconciler.Options{
			PageSize: a.Config.Activity.PageSize,
			MaxPages: a.Config.Activity.MaxPages,
		}, a.Logger),
	}
	l.close = func() {
		oracle.Close()
		closeStore()
	}
	return l, nil
}

// Run executes the long-running job service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.close()

	svc, err := service.New(a.Config, l.attribution, l.rewards, l.reconciler, l.locker, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().Msg("starting ledger service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ledger service stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	store := storage.NewStore(pool)
	defer store.Close()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Strs("versions", applied).Int("applied", len(applied)).Msg("migrations complete")
	return nil
}

// ExportOptions hold parameters for exporting daily confirmed volume.
type ExportOptions struct {
	Days    int
	PNGPath string
	CSVPath string
}

// CallersOptions configure the callers command.
type CallersOptions struct {
	ContractKey string
	Limit       int
}

// BackfillOptions configure the backfill command. An empty contract key
// sweeps every contract missing a market cap.
type BackfillOptions struct {
	ContractKey string
}

// ReconcileOptions configure the reconcile command. An empty transaction id
// polls every pending purchase.
type ReconcileOptions struct {
	TxID string
}
