package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContractSubmission is the board entry for one contract key.
type ContractSubmission struct {
	ContractKey    string
	CallCount      int64
	SourceTag      string
	ModelTag       *string
	FirstCallerID  string
	FirstCalledAt  time.Time
	FirstMarketCap decimal.NullDecimal
	FirstDomain    *string
}

// CallerRecord is one append-only submission event.
type CallerRecord struct {
	ID          uuid.UUID
	ContractKey string
	SubmitterID string
	CalledAt    time.Time
	MarketCap   decimal.NullDecimal
	Domain      *string
}

// SubmitterProfile tracks what a member has already submitted.
type SubmitterProfile struct {
	SubmitterID      string
	SubmissionCount  int64
	LastSubmissionAt *time.Time
	Contracts        map[string]struct{}
}

// HasSubmitted reports whether the contract key is already in the profile.
func (p *SubmitterProfile) HasSubmitted(contractKey string) bool {
	if p == nil || p.Contracts == nil {
		return false
	}
	_, ok := p.Contracts[contractKey]
	return ok
}

// MemberAccount holds the point counters of a participant.
type MemberAccount struct {
	MemberID      string
	Wallet        string
	IsHolder      bool
	IsDAOMember   bool
	Points        int64
	PointsToday   int64
	LastResetDate *time.Time
	Badges        []string
}

// HoldingsKey returns the identity the holdings oracle is queried with.
func (m MemberAccount) HoldingsKey() string {
	if m.Wallet != "" {
		return m.Wallet
	}
	return m.MemberID
}

// PurchaseStatus is the lifecycle state of a recorded purchase.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseConfirmed PurchaseStatus = "confirmed"
)

// PurchaseRecord is a locally recorded transaction awaiting corroboration.
type PurchaseRecord struct {
	TxID             string
	Buyer            string
	Seller           *string
	AssetID          string
	Price            decimal.NullDecimal
	SettlementAmount decimal.NullDecimal
	Collection       string
	Source           string
	Timestamp        string
	Status           PurchaseStatus
	CreatedAt        time.Time
	ConfirmedAt      *time.Time
}

// Amount prefers the settlement-currency amount over the generic price.
func (p PurchaseRecord) Amount() (decimal.Decimal, bool) {
	if p.SettlementAmount.Valid {
		return p.SettlementAmount.Decimal, true
	}
	if p.Price.Valid {
		return p.Price.Decimal, true
	}
	return decimal.Zero, false
}

// RewardRunKind distinguishes the daily passes sharing the run ledger.
type RewardRunKind string

const (
	RunHolderAward RewardRunKind = "holder_award"
)

// RewardRun is the claimed marker for one daily pass.
type RewardRun struct {
	ID            uuid.UUID
	RunDate       time.Time
	Kind          RewardRunKind
	StartedAt     time.Time
	FinishedAt    *time.Time
	Processed     int
	Awarded       int
	Failed        int
	PointsAwarded int64
}
