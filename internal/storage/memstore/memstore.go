// Package memstore keeps the ledger in process memory. It backs the service
// when no database is configured and gives tests the same semantics as the
// PostgreSQL store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"engagement-ledger/internal/storage"
)

const dayLayout = "2006-01-02"

type callerEntry struct {
	seq    int64
	record storage.CallerRecord
}

// Store is an in-memory storage.LedgerStore.
type Store struct {
	mu sync.Mutex

	contracts  map[string]storage.ContractSubmission
	callers    []callerEntry
	seq        int64
	submitters map[string]*storage.SubmitterProfile
	members    map[string]storage.MemberAccount
	runs       map[string]storage.RewardRun
	purchases  map[string]storage.PurchaseRecord
	order      []string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		contracts:  make(map[string]storage.ContractSubmission),
		submitters: make(map[string]*storage.SubmitterProfile),
		members:    make(map[string]storage.MemberAccount),
		runs:       make(map[string]storage.RewardRun),
		purchases:  make(map[string]storage.PurchaseRecord),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// GetSubmitterProfile returns a copy of the submitter profile.
func (s *Store) GetSubmitterProfile(_ context.Context, submitterID string) (*storage.SubmitterProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.submitters[submitterID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyProfile(p), nil
}

// RecordSubmission applies a submission under the store lock.
func (s *Store) RecordSubmission(_ context.Context, params storage.SubmissionParams) (storage.SubmissionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile := s.submitters[params.SubmitterID]
	if err := storage.CheckSubmission(profile, params.ContractKey, params.CalledAt, params.Cooldown); err != nil {
		return storage.SubmissionOutcome{}, err
	}

	contract, exists := s.contracts[params.ContractKey]
	if exists {
		contract.CallCount++
	} else {
		contract = storage.ContractSubmission{
			ContractKey:    params.ContractKey,
			CallCount:      1,
			SourceTag:      params.SourceTag,
			ModelTag:       params.ModelTag,
			FirstCallerID:  params.SubmitterID,
			FirstCalledAt:  params.CalledAt,
			FirstMarketCap: params.MarketCap,
			FirstDomain:    params.Domain,
		}
	}
	s.contracts[params.ContractKey] = contract

	caller := storage.CallerRecord{
		ID:          uuid.New(),
		ContractKey: params.ContractKey,
		SubmitterID: params.SubmitterID,
		CalledAt:    params.CalledAt,
		MarketCap:   params.MarketCap,
		Domain:      params.Domain,
	}
	s.seq++
	s.callers = append(s.callers, callerEntry{seq: s.seq, record: caller})

	if profile == nil {
		profile = &storage.SubmitterProfile{
			SubmitterID: params.SubmitterID,
			Contracts:   make(map[string]struct{}),
		}
		s.submitters[params.SubmitterID] = profile
	}
	profile.SubmissionCount++
	profile.Contracts[params.ContractKey] = struct{}{}
	if profile.LastSubmissionAt == nil || params.CalledAt.After(*profile.LastSubmissionAt) {
		at := params.CalledAt
		profile.LastSubmissionAt = &at
	}

	return storage.SubmissionOutcome{Contract: contract, Caller: caller, Created: !exists}, nil
}

// GetContract returns the contract submission for key.
func (s *Store) GetContract(_ context.Context, contractKey string) (storage.ContractSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[contractKey]
	if !ok {
		return storage.ContractSubmission{}, storage.ErrNotFound
	}
	return c, nil
}

// LatestCallers returns caller records newest first.
func (s *Store) LatestCallers(_ context.Context, contractKey string, limit int) ([]storage.CallerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]callerEntry, 0)
	for _, entry := range s.callers {
		if entry.record.ContractKey == contractKey {
			matches = append(matches, entry)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.record.CalledAt.Equal(b.record.CalledAt) {
			return a.record.CalledAt.After(b.record.CalledAt)
		}
		return a.seq > b.seq
	})
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]storage.CallerRecord, 0, len(matches))
	for _, entry := range matches {
		out = append(out, entry.record)
	}
	return out, nil
}

// CountMissingMarketCaps counts null market caps on a contract and its callers.
func (s *Store) CountMissingMarketCaps(_ context.Context, contractKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if c, ok := s.contracts[contractKey]; ok && !c.FirstMarketCap.Valid {
		count++
	}
	for _, entry := range s.callers {
		if entry.record.ContractKey == contractKey && !entry.record.MarketCap.Valid {
			count++
		}
	}
	return count, nil
}

// FillMissingMarketCap sets the market cap where it is still null.
func (s *Store) FillMissingMarketCap(_ context.Context, contractKey string, marketCap decimal.Decimal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := decimal.NullDecimal{Decimal: marketCap, Valid: true}
	var updated int64
	for i := range s.callers {
		rec := &s.callers[i].record
		if rec.ContractKey == contractKey && !rec.MarketCap.Valid {
			rec.MarketCap = value
			updated++
		}
	}
	if c, ok := s.contracts[contractKey]; ok && !c.FirstMarketCap.Valid {
		c.FirstMarketCap = value
		s.contracts[contractKey] = c
		updated++
	}
	return updated, nil
}

// ListContractsMissingMarketCap lists contract keys that still need enrichment.
func (s *Store) ListContractsMissingMarketCap(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]struct{})
	for key, c := range s.contracts {
		if !c.FirstMarketCap.Valid {
			set[key] = struct{}{}
		}
	}
	for _, entry := range s.callers {
		if !entry.record.MarketCap.Valid {
			set[entry.record.ContractKey] = struct{}{}
		}
	}

	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// PutMember inserts or replaces a member account.
func (s *Store) PutMember(m storage.MemberAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.MemberID] = copyMember(m)
}

// GetMember returns a copy of a member account.
func (s *Store) GetMember(memberID string) (storage.MemberAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	return copyMember(m), ok
}

// TagMember adds a badge once, creating the member when missing.
func (s *Store) TagMember(_ context.Context, memberID, badge string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok {
		m = storage.MemberAccount{MemberID: memberID}
	}
	for _, b := range m.Badges {
		if b == badge {
			return nil
		}
	}
	m.Badges = append(append([]string(nil), m.Badges...), badge)
	s.members[memberID] = m
	return nil
}

// ListMembers returns all members ordered by id.
func (s *Store) ListMembers(_ context.Context) ([]storage.MemberAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.MemberAccount, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, copyMember(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

// ApplyDailyAward applies the holder pass unless the member is already past day.
func (s *Store) ApplyDailyAward(_ context.Context, award storage.DailyAward) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[award.MemberID]
	if !ok {
		return false, storage.ErrNotFound
	}
	day := award.Day.Format(dayLayout)
	if m.LastResetDate != nil && m.LastResetDate.Format(dayLayout) > day {
		return false, nil
	}

	m.IsHolder = award.Holding
	m.IsDAOMember = award.Holding
	m.Points += award.Award
	m.PointsToday = award.Award
	d := award.Day
	m.LastResetDate = &d
	s.members[award.MemberID] = m
	return true, nil
}

// ResetDailyCounters zeroes counters of members not yet reset for day.
func (s *Store) ResetDailyCounters(_ context.Context, day time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := day.Format(dayLayout)
	var updated int64
	for id, m := range s.members {
		if m.LastResetDate != nil && m.LastResetDate.Format(dayLayout) >= key {
			continue
		}
		m.PointsToday = 0
		d := day
		m.LastResetDate = &d
		s.members[id] = m
		updated++
	}
	return updated, nil
}

// ClaimRewardRun records the run unless the day and kind are already claimed.
func (s *Store) ClaimRewardRun(_ context.Context, run storage.RewardRun) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(run)
	if _, ok := s.runs[key]; ok {
		return false, nil
	}
	s.runs[key] = run
	return true, nil
}

// ReleaseRewardRun removes the claim if it is still unfinished and owned by run.
func (s *Store) ReleaseRewardRun(_ context.Context, run storage.RewardRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(run)
	stored, ok := s.runs[key]
	if ok && stored.ID == run.ID && stored.FinishedAt == nil {
		delete(s.runs, key)
	}
	return nil
}

// CompleteRewardRun stores the final counts of a claimed run.
func (s *Store) CompleteRewardRun(_ context.Context, run storage.RewardRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(run)
	stored, ok := s.runs[key]
	if !ok {
		return storage.ErrNotFound
	}
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	stored.FinishedAt = run.FinishedAt
	stored.Processed = run.Processed
	stored.Awarded = run.Awarded
	stored.Failed = run.Failed
	stored.PointsAwarded = run.PointsAwarded
	s.runs[key] = stored
	return nil
}

// RewardRun returns the stored run for day and kind.
func (s *Store) RewardRun(day time.Time, kind storage.RewardRunKind) (storage.RewardRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runKey(storage.RewardRun{RunDate: day, Kind: kind})]
	return run, ok
}

// InsertPurchase stores a pending purchase; duplicates return the stored one.
func (s *Store) InsertPurchase(_ context.Context, rec storage.PurchaseRecord) (storage.PurchaseRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.purchases[rec.TxID]; ok {
		return existing, false, nil
	}
	rec.Status = storage.PurchasePending
	rec.Seller = nil
	rec.Price = decimal.NullDecimal{}
	rec.SettlementAmount = decimal.NullDecimal{}
	rec.ConfirmedAt = nil
	s.purchases[rec.TxID] = rec
	s.order = append(s.order, rec.TxID)
	return rec, true, nil
}

// PutPurchase stores rec exactly as given, replacing any record with the
// same transaction id.
func (s *Store) PutPurchase(rec storage.PurchaseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.purchases[rec.TxID]; !ok {
		s.order = append(s.order, rec.TxID)
	}
	s.purchases[rec.TxID] = rec
}

// GetPurchase loads a purchase by transaction id.
func (s *Store) GetPurchase(_ context.Context, txID string) (storage.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.purchases[txID]
	if !ok {
		return storage.PurchaseRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// ConfirmPurchase confirms a pending purchase exactly once.
func (s *Store) ConfirmPurchase(_ context.Context, c storage.PurchaseConfirmation) (storage.PurchaseRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.purchases[c.TxID]
	if !ok {
		return storage.PurchaseRecord{}, false, storage.ErrNotFound
	}
	if rec.Status == storage.PurchaseConfirmed {
		return rec, false, nil
	}

	if c.Seller != nil {
		rec.Seller = c.Seller
	}
	if c.Price.Valid {
		rec.Price = c.Price
	}
	if c.SettlementAmount.Valid {
		rec.SettlementAmount = c.SettlementAmount
	}
	rec.Status = storage.PurchaseConfirmed
	at := c.ConfirmedAt
	rec.ConfirmedAt = &at
	s.purchases[c.TxID] = rec
	return rec, true, nil
}

// ListPurchasesByStatus lists purchases in insertion order.
func (s *Store) ListPurchasesByStatus(_ context.Context, status storage.PurchaseStatus) ([]storage.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.PurchaseRecord, 0)
	for _, id := range s.order {
		if rec := s.purchases[id]; rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

func runKey(run storage.RewardRun) string {
	return run.RunDate.Format(dayLayout) + "/" + string(run.Kind)
}

func copyProfile(p *storage.SubmitterProfile) *storage.SubmitterProfile {
	out := *p
	out.Contracts = make(map[string]struct{}, len(p.Contracts))
	for k := range p.Contracts {
		out.Contracts[k] = struct{}{}
	}
	if p.LastSubmissionAt != nil {
		at := *p.LastSubmissionAt
		out.LastSubmissionAt = &at
	}
	return &out
}

func copyMember(m storage.MemberAccount) storage.MemberAccount {
	m.Badges = append([]string(nil), m.Badges...)
	if m.LastResetDate != nil {
		d := *m.LastResetDate
		m.LastResetDate = &d
	}
	return m
}

var _ storage.LedgerStore = (*Store)(nil)
