package rewards

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"engagement-ledger/internal/holdings"
	"engagement-ledger/internal/storage"
	"engagement-ledger/internal/storage/memstore"
)

func TestAward(t *testing.T) {
	cases := map[int64]int64{
		-3:      0,
		0:       0,
		1:       18,
		4:       18,
		5:       36,
		9:       36,
		10:      54,
		270:     990,
		275:     1000,
		1 << 40: 1000,
	}
	for n, want := range cases {
		if got := Award(n); got != want {
			t.Errorf("Award(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestFormulaCustom(t *testing.T) {
	f := Formula{Base: 10, Step: 2, Max: 0}
	if got := f.Award(3); got != 20 {
		t.Fatalf("expected 20, got %d", got)
	}
	if got := (Formula{Base: 18, Step: 5, Max: 1000}).Award(1 << 62); got != 1000 {
		t.Fatalf("overflow must clamp, got %d", got)
	}
}

type mapOracle struct {
	mu     sync.Mutex
	counts map[string]int64
	errs   map[string]error
	calls  int
}

func (o *mapOracle) HoldingsFor(_ context.Context, holder string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if err := o.errs[holder]; err != nil {
		return 0, err
	}
	return o.counts[holder], nil
}

type bulkOracle struct {
	mapOracle
	bulkCalls int
}

func (o *bulkOracle) AllHoldings(context.Context) (map[string]int64, error) {
	o.bulkCalls++
	return o.counts, nil
}

// failingStore wraps the in-memory store with injected failures.
type failingStore struct {
	*memstore.Store
	listFailures int
	applyErrs    map[string]error
}

func (f *failingStore) ListMembers(ctx context.Context) ([]storage.MemberAccount, error) {
	if f.listFailures > 0 {
		f.listFailures--
		return nil, errors.New("connection reset")
	}
	return f.Store.ListMembers(ctx)
}

func (f *failingStore) ApplyDailyAward(ctx context.Context, award storage.DailyAward) (bool, error) {
	if err := f.applyErrs[award.MemberID]; err != nil {
		return false, err
	}
	return f.Store.ApplyDailyAward(ctx, award)
}

func newTestScheduler(oracle *mapOracle, now time.Time) (*Scheduler, *memstore.Store) {
	store := memstore.New()
	s := NewScheduler(store, oracle, DefaultFormula(), time.UTC, zerolog.Nop())
	s.nowFunc = func() time.Time { return now }
	return s, store
}

func TestAwardDailyHolderPointsOncePerDay(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC)
	oracle := &mapOracle{counts: map[string]int64{"0xaaa": 5, "bob": 1}}
	s, store := newTestScheduler(oracle, now)
	store.PutMember(storage.MemberAccount{MemberID: "alice", Wallet: "0xaaa", Points: 100, PointsToday: 7})
	store.PutMember(storage.MemberAccount{MemberID: "bob"})
	store.PutMember(storage.MemberAccount{MemberID: "carol", IsHolder: true, PointsToday: 3})
	ctx := context.Background()

	summary, err := s.AwardDailyHolderPoints(ctx)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if summary.Skipped || summary.Processed != 3 || summary.Awarded != 2 || summary.PointsAwarded != 54 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	alice, _ := store.GetMember("alice")
	if alice.Points != 136 || alice.PointsToday != 36 || !alice.IsHolder || !alice.IsDAOMember {
		t.Fatalf("unexpected alice %+v", alice)
	}
	carol, _ := store.GetMember("carol")
	if carol.IsHolder || carol.PointsToday != 0 || carol.LastResetDate == nil {
		t.Fatalf("non-holder must lose the flag and be reset: %+v", carol)
	}

	again, err := s.AwardDailyHolderPoints(ctx)
	if err != nil {
		t.Fatalf("second award: %v", err)
	}
	if !again.Skipped {
		t.Fatal("second run on the same day must be skipped")
	}
	alice, _ = store.GetMember("alice")
	if alice.Points != 136 {
		t.Fatalf("points changed on second run: %d", alice.Points)
	}

	run, ok := store.RewardRun(s.Today(), storage.RunHolderAward)
	if !ok || run.FinishedAt == nil || run.PointsAwarded != 54 || run.Processed != 3 {
		t.Fatalf("run not completed: %+v", run)
	}
}

func TestAwardDailyHolderPointsNextDay(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC)
	oracle := &mapOracle{counts: map[string]int64{"alice": 1}}
	s, store := newTestScheduler(oracle, now)
	store.PutMember(storage.MemberAccount{MemberID: "alice"})
	ctx := context.Background()

	if _, err := s.AwardDailyHolderPoints(ctx); err != nil {
		t.Fatalf("award: %v", err)
	}
	s.nowFunc = func() time.Time { return now.Add(24 * time.Hour) }
	summary, err := s.AwardDailyHolderPoints(ctx)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if summary.Skipped {
		t.Fatal("a new day must not be skipped")
	}
	alice, _ := store.GetMember("alice")
	if alice.Points != 36 || alice.PointsToday != 18 {
		t.Fatalf("unexpected alice %+v", alice)
	}
}

func TestAwardDailyHolderPointsIsolatesFailures(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC)
	oracle := &mapOracle{
		counts: map[string]int64{"a": 2, "c": 10},
		errs:   map[string]error{"b": errors.New("rpc timeout")},
	}
	s, store := newTestScheduler(oracle, now)
	for _, id := range []string{"a", "b", "c"} {
		store.PutMember(storage.MemberAccount{MemberID: id})
	}

	summary, err := s.AwardDailyHolderPoints(context.Background())
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if summary.Failed != 1 || summary.Awarded != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	c, _ := store.GetMember("c")
	if c.Points != 54 {
		t.Fatalf("member after the failure not processed: %+v", c)
	}
	b, _ := store.GetMember("b")
	if b.LastResetDate != nil {
		t.Fatalf("failed member must be left untouched: %+v", b)
	}
}

func TestAwardDailyHolderPointsUsesBulkOracle(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC)
	oracle := &bulkOracle{mapOracle: mapOracle{counts: map[string]int64{"a": 5}}}
	store := memstore.New()
	s := NewScheduler(store, oracle, DefaultFormula(), time.UTC, zerolog.Nop())
	s.nowFunc = func() time.Time { return now }
	store.PutMember(storage.MemberAccount{MemberID: "a"})
	store.PutMember(storage.MemberAccount{MemberID: "b"})

	summary, err := s.AwardDailyHolderPoints(context.Background())
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if oracle.bulkCalls != 1 || oracle.calls != 0 {
		t.Fatalf("expected one bulk call, got bulk=%d single=%d", oracle.bulkCalls, oracle.calls)
	}
	if summary.PointsAwarded != 36 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestAwardDailyHolderPointsEmpty(t *testing.T) {
	s, _ := newTestScheduler(&mapOracle{}, time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC))
	summary, err := s.AwardDailyHolderPoints(context.Background())
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if summary.Skipped || summary.Processed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestTodayUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	s := NewScheduler(memstore.New(), &mapOracle{}, DefaultFormula(), loc, zerolog.Nop())
	s.nowFunc = func() time.Time { return time.Date(2024, 5, 1, 17, 0, 0, 0, time.UTC) }
	if got := s.Today().Format(time.DateOnly); got != "2024-05-02" {
		t.Fatalf("expected 2024-05-02, got %s", got)
	}
}

func TestResetDailyCounters(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	s, store := newTestScheduler(&mapOracle{}, now)
	ctx := context.Background()

	updated, err := s.ResetDailyCounters(ctx)
	if err != nil || updated != 0 {
		t.Fatalf("empty reset: %d %v", updated, err)
	}

	yesterday := now.AddDate(0, 0, -1)
	store.PutMember(storage.MemberAccount{MemberID: "a", PointsToday: 40, LastResetDate: &yesterday})
	store.PutMember(storage.MemberAccount{MemberID: "b", PointsToday: 5})

	updated, err = s.ResetDailyCounters(ctx)
	if err != nil || updated != 2 {
		t.Fatalf("reset: %d %v", updated, err)
	}
	a, _ := store.GetMember("a")
	if a.PointsToday != 0 || a.LastResetDate.Format(time.DateOnly) != "2024-05-02" {
		t.Fatalf("unexpected member %+v", a)
	}

	// points earned after the reset survive a second reset on the same day
	a.PointsToday = 12
	store.PutMember(a)
	updated, err = s.ResetDailyCounters(ctx)
	if err != nil || updated != 0 {
		t.Fatalf("second reset: %d %v", updated, err)
	}
	a, _ = store.GetMember("a")
	if a.PointsToday != 12 {
		t.Fatalf("second reset touched an already-reset member: %+v", a)
	}
}

func TestAwardDailyHolderPointsRetriesAfterListFailure(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC)
	store := &failingStore{Store: memstore.New(), listFailures: 1}
	s := NewScheduler(store, &mapOracle{counts: map[string]int64{"alice": 5}}, DefaultFormula(), time.UTC, zerolog.Nop())
	s.nowFunc = func() time.Time { return now }
	store.PutMember(storage.MemberAccount{MemberID: "alice"})
	ctx := context.Background()

	if _, err := s.AwardDailyHolderPoints(ctx); err == nil {
		t.Fatal("expected list failure to surface")
	}
	if _, ok := store.RewardRun(s.Today(), storage.RunHolderAward); ok {
		t.Fatal("an aborted run that touched no member must release the day")
	}

	summary, err := s.AwardDailyHolderPoints(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if summary.Skipped || summary.Awarded != 1 {
		t.Fatalf("retry must award the day, got %+v", summary)
	}
	alice, _ := store.GetMember("alice")
	if alice.Points != 36 {
		t.Fatalf("unexpected alice %+v", alice)
	}

	again, err := s.AwardDailyHolderPoints(ctx)
	if err != nil || !again.Skipped {
		t.Fatalf("completed day must be skipped, got %+v %v", again, err)
	}
}

func TestAwardDailyHolderPointsReleasesCancelledRun(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC)
	s, store := newTestScheduler(&mapOracle{counts: map[string]int64{"alice": 1}}, now)
	store.PutMember(storage.MemberAccount{MemberID: "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.AwardDailyHolderPoints(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if _, ok := store.RewardRun(s.Today(), storage.RunHolderAward); ok {
		t.Fatal("cancelled run must not keep the day claimed")
	}

	summary, err := s.AwardDailyHolderPoints(context.Background())
	if err != nil || summary.Skipped || summary.PointsAwarded != 18 {
		t.Fatalf("unexpected retry %+v %v", summary, err)
	}
}

func TestAwardDailyHolderPointsIsolatesPersistenceFailures(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC)
	store := &failingStore{Store: memstore.New(), applyErrs: map[string]error{"b": errors.New("deadlock detected")}}
	oracle := &mapOracle{counts: map[string]int64{"a": 1, "b": 1, "c": 1}}
	s := NewScheduler(store, oracle, DefaultFormula(), time.UTC, zerolog.Nop())
	s.nowFunc = func() time.Time { return now }
	for _, id := range []string{"a", "b", "c"} {
		store.PutMember(storage.MemberAccount{MemberID: id})
	}

	summary, err := s.AwardDailyHolderPoints(context.Background())
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if summary.Processed != 3 || summary.Failed != 1 || summary.Awarded != 2 || summary.PointsAwarded != 36 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, id := range []string{"a", "c"} {
		m, _ := store.GetMember(id)
		if m.Points != 18 {
			t.Fatalf("member %s not awarded: %+v", id, m)
		}
	}
	b, _ := store.GetMember("b")
	if b.Points != 0 || b.LastResetDate != nil {
		t.Fatalf("failed member must be left untouched: %+v", b)
	}
	run, ok := store.RewardRun(s.Today(), storage.RunHolderAward)
	if !ok || run.FinishedAt == nil || run.Failed != 1 {
		t.Fatalf("run not completed with the failure count: %+v", run)
	}
}

func TestAwardDailyHolderPointsConcurrentTriggers(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC)
	s, store := newTestScheduler(&mapOracle{counts: map[string]int64{"alice": 10}}, now)
	store.PutMember(storage.MemberAccount{MemberID: "alice", Points: 100})

	const workers = 8
	summaries := make([]RunSummary, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summaries[i], errs[i] = s.AwardDailyHolderPoints(context.Background())
		}(i)
	}
	wg.Wait()

	ran := 0
	for i := range summaries {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if !summaries[i].Skipped {
			ran++
		}
	}
	if ran != 1 {
		t.Fatalf("expected exactly one award pass, got %d", ran)
	}
	alice, _ := store.GetMember("alice")
	if alice.Points != 154 || alice.PointsToday != 54 {
		t.Fatalf("balance must grow once: %+v", alice)
	}
}

func TestAwardDailyHolderPointsMemberWithoutWallet(t *testing.T) {
	now := time.Date(2024, 5, 2, 0, 5, 0, 0, time.UTC)
	oracle := holdings.NewChainOracle(holdings.ChainOptions{
		RPCURL:            "http://127.0.0.1:0",
		CollectionAddress: "0x9c8fF314C9Bc7F6e59A9d9225Fb22946427eDC03",
	}, zerolog.Nop())
	defer oracle.Close()

	store := memstore.New()
	s := NewScheduler(store, oracle, DefaultFormula(), time.UTC, zerolog.Nop())
	s.nowFunc = func() time.Time { return now }
	store.PutMember(storage.MemberAccount{MemberID: "caller-7", IsHolder: true, IsDAOMember: true, PointsToday: 18})

	summary, err := s.AwardDailyHolderPoints(context.Background())
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if summary.Failed != 0 || summary.Processed != 1 {
		t.Fatalf("member without a wallet must not count as a failure: %+v", summary)
	}
	m, _ := store.GetMember("caller-7")
	if m.IsHolder || m.PointsToday != 0 || m.LastResetDate == nil {
		t.Fatalf("member without a wallet must lose the holder flag and be reset: %+v", m)
	}
}
