package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"specbot/database"
	"specbot/generator"
	"specbot/lock"
	"specbot/validator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu          sync.Mutex
	balances    map[int64]int
	generations map[int64]database.Generation
	nextID      int64
	saveErr     error
	reasons     []string
	payments    map[string]bool
	ledger      []database.LedgerEntry
	creditErrs  []error // consumed one per Credit call
	credits     int
}

func newFakeStore(balances map[int64]int) *fakeStore {
	return &fakeStore{balances: balances, generations: map[int64]database.Generation{}}
}

func (f *fakeStore) EnsureUser(_ context.Context, id int64, username string, free int) (database.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.balances[id]
	if !ok {
		f.balances[id] = free
	}
	return database.User{ID: id, Username: username, Balance: f.balances[id]}, !ok, nil
}

func (f *fakeStore) Debit(_ context.Context, id int64, amount int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[id]
	if !ok {
		return database.ErrNotFound
	}
	if b < amount {
		return database.ErrInsufficientBalance
	}
	f.balances[id] = b - amount
	f.reasons = append(f.reasons, "-"+reason)
	return nil
}

func (f *fakeStore) Credit(_ context.Context, id int64, amount int, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits++
	if len(f.creditErrs) > 0 {
		err := f.creditErrs[0]
		f.creditErrs = f.creditErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.balances[id] += amount
	f.reasons = append(f.reasons, "+"+reason)
	f.ledger = append(f.ledger, database.LedgerEntry{ID: int64(len(f.ledger) + 1), UserID: id, Delta: amount, Reason: reason})
	return f.balances[id], nil
}

func (f *fakeStore) Balance(_ context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[id]
	if !ok {
		return 0, database.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) Ledger(_ context.Context, id int64, limit int) ([]database.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []database.LedgerEntry{}
	for i := len(f.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if f.ledger[i].UserID == id {
			out = append(out, f.ledger[i])
		}
	}
	return out, nil
}

func (f *fakeStore) RecordPayment(_ context.Context, p database.Payment) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payments == nil {
		f.payments = map[string]bool{}
	}
	if f.payments[p.ExternalID] {
		return f.balances[p.UserID], false, nil
	}
	f.payments[p.ExternalID] = true
	f.balances[p.UserID] += p.Credits
	f.reasons = append(f.reasons, "+payment:"+p.ExternalID)
	return f.balances[p.UserID], true, nil
}

func (f *fakeStore) SaveGeneration(_ context.Context, g *database.Generation) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.nextID++
	g.ID = f.nextID
	f.generations[g.ID] = *g
	return g.ID, nil
}

func (f *fakeStore) GetGeneration(_ context.Context, id int64) (database.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.generations[id]
	if !ok {
		return database.Generation{}, database.ErrNotFound
	}
	return g, nil
}

func (f *fakeStore) UpdateGenerationSpec(_ context.Context, g *database.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.generations[g.ID] = *g
	return nil
}

func (f *fakeStore) ListGenerations(_ context.Context, userID int64, _ int) ([]database.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.Generation
	for _, g := range f.generations {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) balance(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[id]
}

type fakeOrchestrator struct {
	result    generator.Result
	panics    bool
	photos    int
	previous  string
	feedback  string
	started   chan struct{}
	proceed   chan struct{}
	regenRuns int
}

func (f *fakeOrchestrator) Generate(_ context.Context, photos [][]byte, _ string, _ generator.ProgressFunc) generator.Result {
	f.photos = len(photos)
	if f.started != nil {
		close(f.started)
		<-f.proceed
	}
	if f.panics {
		panic("boom")
	}
	return f.result
}

func (f *fakeOrchestrator) Regenerate(_ context.Context, _, _, previous, feedback string, _ generator.ProgressFunc) generator.Result {
	f.regenRuns++
	f.previous, f.feedback = previous, feedback
	return f.result
}

type fakePublisher struct {
	keys   []string
	events []Event
	err    error
}

func (f *fakePublisher) PublishWithRoutingKey(_ context.Context, key string, msg interface{}) error {
	f.keys = append(f.keys, key)
	f.events = append(f.events, msg.(Event))
	return f.err
}

func okResult() generator.Result {
	return generator.Result{
		Success:        true,
		PhotoAnalysis:  "analysis",
		SpecText:       "spec",
		QualityScore:   85,
		Validation:     &validator.Result{IsValid: true, Score: 85},
		Attempts:       1,
		VisionProvider: "gemini",
		TextProvider:   "gemini",
	}
}

func photos(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte("not-an-image")
	}
	return out
}

func newService(store Store, orch Orchestrator, pub EventPublisher) *Service {
	return New(store, orch, lock.NewMemoryLocker(), pub, DefaultConfig())
}

func TestGenerateDebitsAndPersists(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 2})
	pub := &fakePublisher{}
	orch := &fakeOrchestrator{result: okResult()}

	out, err := newService(store, orch, pub).Generate(context.Background(), 1, photos(7), "electronics", nil)

	require.NoError(t, err)
	assert.Equal(t, int64(1), out.GenerationID)
	assert.Equal(t, 1, store.balance(1))
	assert.Equal(t, 5, orch.photos)
	assert.Equal(t, []string{"-generation"}, store.reasons)

	g, err := store.GetGeneration(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "spec", g.SpecText)
	assert.True(t, g.IsValid)

	assert.Equal(t, []string{"generation.completed"}, pub.keys)
	assert.Equal(t, "completed", pub.events[0].Type)
	assert.Equal(t, int64(1), pub.events[0].GenerationID)
}

func TestGenerateRejectsEmptyPhotos(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 2})

	_, err := newService(store, &fakeOrchestrator{}, nil).Generate(context.Background(), 1, nil, "other", nil)

	assert.ErrorIs(t, err, ErrNoPhotos)
	assert.Equal(t, 2, store.balance(1))
}

func TestGenerateWithoutCredits(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 0})
	orch := &fakeOrchestrator{result: okResult()}

	_, err := newService(store, orch, nil).Generate(context.Background(), 1, photos(1), "other", nil)

	assert.ErrorIs(t, err, database.ErrInsufficientBalance)
	assert.Equal(t, 0, orch.photos)
}

func TestFailedGenerationIsRefunded(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 1})
	pub := &fakePublisher{}
	orch := &fakeOrchestrator{result: generator.Result{
		Success: false, ErrorMessage: "photo analysis failed: all vision providers failed", FailedStage: generator.FailedVision,
	}}

	out, err := newService(store, orch, pub).Generate(context.Background(), 1, photos(1), "other", nil)

	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.False(t, out.Result.Success)
	assert.Equal(t, 1, store.balance(1))
	assert.Equal(t, []string{"-generation", "+refund:generation_failed"}, store.reasons)
	assert.True(t, out.Refunded)
	assert.Equal(t, []string{"generation.failed"}, pub.keys)
	assert.Equal(t, "vision", pub.events[0].FailedStage)
}

func visionFailure() generator.Result {
	return generator.Result{Success: false, ErrorMessage: "all vision providers failed", FailedStage: generator.FailedVision}
}

func TestRefundRetriesTransientCreditErrors(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 1})
	store.creditErrs = []error{errors.New("deadlock found"), errors.New("connection reset")}
	cfg := DefaultConfig()
	cfg.RefundDelay = time.Millisecond
	svc := New(store, &fakeOrchestrator{result: visionFailure()}, lock.NewMemoryLocker(), nil, cfg)

	out, err := svc.Generate(context.Background(), 1, photos(1), "other", nil)

	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.NotErrorIs(t, err, ErrRefundFailed)
	assert.True(t, out.Refunded)
	assert.Equal(t, 3, store.credits)
	assert.Equal(t, 1, store.balance(1))
}

func TestRefundGivesUpAfterTimeout(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 1})
	down := errors.New("database down")
	for i := 0; i < 100; i++ {
		store.creditErrs = append(store.creditErrs, down)
	}
	cfg := DefaultConfig()
	cfg.RefundDelay = time.Millisecond
	cfg.RefundTimeout = 20 * time.Millisecond
	svc := New(store, &fakeOrchestrator{result: visionFailure()}, lock.NewMemoryLocker(), nil, cfg)

	out, err := svc.Generate(context.Background(), 1, photos(1), "other", nil)

	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, ErrRefundFailed)
	assert.False(t, out.Refunded)
	assert.Greater(t, store.credits, 1)
	assert.Equal(t, 0, store.balance(1))
}

func TestPersistFailureIsRefunded(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 1})
	store.saveErr = errors.New("disk full")

	_, err := newService(store, &fakeOrchestrator{result: okResult()}, nil).Generate(context.Background(), 1, photos(1), "other", nil)

	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, store.balance(1))
	assert.Equal(t, "+refund:persist_failed", store.reasons[1])
}

func TestPanicIsRefundedAndRepanics(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 1})
	svc := newService(store, &fakeOrchestrator{panics: true}, nil)

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = svc.Generate(context.Background(), 1, photos(1), "other", nil)
	})
	assert.Equal(t, 1, store.balance(1))

	// the lock was released on the way out
	svc.orch = &fakeOrchestrator{result: okResult()}
	_, err := svc.Generate(context.Background(), 1, photos(1), "other", nil)
	assert.NoError(t, err)
}

func TestPublishFailureDoesNotFailGeneration(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 1})
	pub := &fakePublisher{err: errors.New("broker down")}

	_, err := newService(store, &fakeOrchestrator{result: okResult()}, pub).Generate(context.Background(), 1, photos(1), "other", nil)

	assert.NoError(t, err)
	assert.Equal(t, 0, store.balance(1))
}

func TestConcurrentGenerationIsRejected(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 5})
	orch := &fakeOrchestrator{result: okResult(), started: make(chan struct{}), proceed: make(chan struct{})}
	svc := newService(store, orch, nil)

	done := make(chan error)
	go func() {
		_, err := svc.Generate(context.Background(), 1, photos(1), "other", nil)
		done <- err
	}()
	<-orch.started

	_, err := svc.Generate(context.Background(), 1, photos(1), "other", nil)
	assert.ErrorIs(t, err, lock.ErrLocked)

	close(orch.proceed)
	require.NoError(t, <-done)
	assert.Equal(t, 4, store.balance(1))
}

func TestRegenerate(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 2, 2: 2})
	store.generations[9] = database.Generation{ID: 9, UserID: 1, Category: "kids", PhotoAnalysis: "analysis", SpecText: "old"}
	res := okResult()
	res.SpecText = "new"
	orch := &fakeOrchestrator{result: res}
	svc := newService(store, orch, nil)

	_, err := svc.Regenerate(context.Background(), 2, 9, "shorter", nil)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 2, store.balance(2))

	_, err = svc.Regenerate(context.Background(), 1, 404, "", nil)
	assert.ErrorIs(t, err, database.ErrNotFound)

	out, err := svc.Regenerate(context.Background(), 1, 9, "shorter", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9), out.GenerationID)
	assert.Equal(t, "old", orch.previous)
	assert.Equal(t, "shorter", orch.feedback)
	assert.Equal(t, "new", store.generations[9].SpecText)
	assert.Equal(t, 1, store.balance(1))
	assert.Equal(t, 1, orch.regenRuns)
}

func TestRegenerateFailureIsRefunded(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 1})
	store.generations[3] = database.Generation{ID: 3, UserID: 1, PhotoAnalysis: "analysis", SpecText: "old"}
	orch := &fakeOrchestrator{result: generator.Result{ErrorMessage: "specification generation failed: x", FailedStage: generator.FailedText}}

	_, err := newService(store, orch, nil).Regenerate(context.Background(), 1, 3, "", nil)

	assert.ErrorIs(t, err, ErrGenerationFailed)
	assert.Equal(t, 1, store.balance(1))
	assert.Equal(t, "old", store.generations[3].SpecText)
}

func TestGenerationOwnership(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 0})
	store.generations[4] = database.Generation{ID: 4, UserID: 1}
	svc := newService(store, &fakeOrchestrator{}, nil)

	_, err := svc.Generation(context.Background(), 2, 4)
	assert.ErrorIs(t, err, ErrForbidden)

	g, err := svc.Generation(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), g.ID)
}

func TestEnsureUserGrantsFreeCredits(t *testing.T) {
	store := newFakeStore(map[int64]int{})
	u, err := newService(store, &fakeOrchestrator{}, nil).EnsureUser(context.Background(), 77, "vera")
	require.NoError(t, err)
	assert.Equal(t, 3, u.Balance)
}

func TestPurchase(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 1})
	svc := newService(store, &fakeOrchestrator{}, nil)

	balance, pkg, err := svc.Purchase(context.Background(), 1, "optimal")
	require.NoError(t, err)
	assert.Equal(t, 21, balance)
	assert.Equal(t, 20, pkg.Credits)
	assert.Equal(t, "+package:optimal", store.reasons[0])

	_, _, err = svc.Purchase(context.Background(), 1, "gold")
	assert.ErrorIs(t, err, ErrUnknownPackage)

	b, err := svc.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 21, b)
}

func TestLedger(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 0})
	svc := newService(store, &fakeOrchestrator{}, nil)

	_, _, err := svc.Purchase(context.Background(), 1, "start")
	require.NoError(t, err)
	_, err = svc.AddCredits(context.Background(), 1, 2, "support")
	require.NoError(t, err)

	balance, entries, err := svc.Ledger(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, balance)
	require.Len(t, entries, 2)
	assert.Equal(t, "support", entries[0].Reason)
	assert.Equal(t, "package:start", entries[1].Reason)

	_, _, err = svc.Ledger(context.Background(), 99, 10)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestFulfillPaymentIsIdempotent(t *testing.T) {
	store := newFakeStore(map[int64]int{1: 0})
	svc := newService(store, &fakeOrchestrator{}, nil)

	balance, applied, err := svc.FulfillPayment(context.Background(), 1, "start", "cs_1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 5, balance)

	balance, applied, err = svc.FulfillPayment(context.Background(), 1, "start", "cs_1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 5, balance)

	_, _, err = svc.FulfillPayment(context.Background(), 1, "gold", "cs_2")
	assert.ErrorIs(t, err, ErrUnknownPackage)
}
