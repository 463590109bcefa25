package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SubmissionParams is one accepted-so-far submission handed to the store.
// The store re-checks duplicate and cooldown rules inside its write.
type SubmissionParams struct {
	SubmitterID string
	ContractKey string
	SourceTag   string
	ModelTag    *string
	Domain      *string
	MarketCap   decimal.NullDecimal
	CalledAt    time.Time
	Cooldown    time.Duration
}

// SubmissionOutcome is the state after a successful submission.
type SubmissionOutcome struct {
	Contract ContractSubmission
	Caller   CallerRecord
	Created  bool
}

// SubmissionStore persists the contract board.
type SubmissionStore interface {
	GetSubmitterProfile(ctx context.Context, submitterID string) (*SubmitterProfile, error)
	RecordSubmission(ctx context.Context, params SubmissionParams) (SubmissionOutcome, error)
	GetContract(ctx context.Context, contractKey string) (ContractSubmission, error)
	LatestCallers(ctx context.Context, contractKey string, limit int) ([]CallerRecord, error)
	CountMissingMarketCaps(ctx context.Context, contractKey string) (int64, error)
	FillMissingMarketCap(ctx context.Context, contractKey string, marketCap decimal.Decimal) (int64, error)
	ListContractsMissingMarketCap(ctx context.Context, limit int) ([]string, error)
}

// DailyAward is the result of the holder pass for one member.
type DailyAward struct {
	MemberID string
	Holding  bool
	Award    int64
	Day      time.Time
}

// MemberStore persists member point counters.
type MemberStore interface {
	TagMember(ctx context.Context, memberID, badge string) error
	ListMembers(ctx context.Context) ([]MemberAccount, error)
	ApplyDailyAward(ctx context.Context, award DailyAward) (bool, error)
	ResetDailyCounters(ctx context.Context, day time.Time) (int64, error)
}

// RewardRunStore claims, releases and completes daily runs.
type RewardRunStore interface {
	ClaimRewardRun(ctx context.Context, run RewardRun) (bool, error)
	ReleaseRewardRun(ctx context.Context, run RewardRun) error
	CompleteRewardRun(ctx context.Context, run RewardRun) error
}

// PurchaseConfirmation carries the fields copied from a matched feed event.
type PurchaseConfirmation struct {
	TxID             string
	Seller           *string
	Price            decimal.NullDecimal
	SettlementAmount decimal.NullDecimal
	ConfirmedAt      time.Time
}

// PurchaseStore persists recorded purchases.
type PurchaseStore interface {
	InsertPurchase(ctx context.Context, rec PurchaseRecord) (PurchaseRecord, bool, error)
	GetPurchase(ctx context.Context, txID string) (PurchaseRecord, error)
	ConfirmPurchase(ctx context.Context, c PurchaseConfirmation) (PurchaseRecord, bool, error)
	ListPurchasesByStatus(ctx context.Context, status PurchaseStatus) ([]PurchaseRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// LedgerStore is everything the ledger services persist through.
type LedgerStore interface {
	SubmissionStore
	MemberStore
	RewardRunStore
	PurchaseStore
	Close()
}

// Store implements LedgerStore on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the lock dies with the session; drop the connection instead of returning it
			conn.Hijack().Close(ctxUnlock)
			return
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func nullableDecimal(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func parseNullDecimal(raw *string) (decimal.NullDecimal, error) {
	if raw == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

var (
	_ LedgerStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
