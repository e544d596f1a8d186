package pantry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovenbird/go-restaurant-pantry/internal/orders"
)

type memRetryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	retries map[int64]*orders.Retry
}

func newMemRetryStore() *memRetryStore {
	return &memRetryStore{retries: map[int64]*orders.Retry{}}
}

func (s *memRetryStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *memRetryStore) Bump(_ context.Context, orderID int64, delays []time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.retries[orderID]
	if rt == nil {
		rt = &orders.Retry{OrderID: orderID}
		s.retries[orderID] = rt
	}
	rt.Attempts++
	if len(delays) > 0 {
		i := rt.Attempts
		if i > len(delays) {
			i = len(delays)
		}
		rt.NextAttemptAt = s.clock().Add(delays[i-1])
	}
	return rt.Attempts, nil
}

func (s *memRetryStore) setNextAttempt(orderID int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt := s.retries[orderID]; rt != nil {
		rt.NextAttemptAt = at
	}
}

func (s *memRetryStore) Delete(_ context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, orderID)
	return nil
}

func (s *memRetryStore) Due(_ context.Context, now time.Time, limit int) ([]orders.Retry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Retry
	for _, rt := range s.retries {
		if !rt.NextAttemptAt.After(now) && len(out) < limit {
			out = append(out, *rt)
		}
	}
	return out, nil
}

type memOrderStore struct {
	mu            sync.Mutex
	setStatusHook func() // runs at SetStatus entry
	orders        map[int64]*orders.Order
}

func newMemOrderStore(os ...orders.Order) *memOrderStore {
	s := &memOrderStore{orders: map[int64]*orders.Order{}}
	for i := range os {
		o := os[i]
		s.orders[o.ID] = &o
	}
	return s
}

func (s *memOrderStore) GetOrder(_ context.Context, orderID int64) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o == nil {
		return orders.Order{}, orders.ErrNotFound
	}
	return *o, nil
}

func (s *memOrderStore) SetStatus(_ context.Context, orderID int64, to orders.Status) (bool, error) {
	if s.setStatusHook != nil {
		s.setStatusHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o == nil {
		return false, orders.ErrNotFound
	}
	if !orders.CanTransition(o.Status, to) {
		return false, nil
	}
	o.Status = to
	return true, nil
}

type stubReserver struct {
	mu      sync.Mutex
	results []Result
	errs    []error
	calls   int
}

func (r *stubReserver) Reserve(context.Context, int64, map[string]int) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	var res Result
	if i < len(r.results) {
		res = r.results[i]
	}
	return res, err
}

func insufficient() Result {
	return Result{Shortfalls: map[string]Shortfall{"meat": {Required: 1, Available: 0}}}
}

func testScheduler(store RetryStore, os OrderStore, r Reserver) *Scheduler {
	return &Scheduler{Store: store, Orders: os, Coordinator: r}
}

func TestDelayTable(t *testing.T) {
	s := &Scheduler{}
	want := []time.Duration{
		30 * time.Second, 60 * time.Second, 120 * time.Second,
		300 * time.Second, 600 * time.Second,
		600 * time.Second, 600 * time.Second, // past the table: last value
	}
	for i, d := range want {
		assert.Equal(t, d, s.delayFor(i+1), "attempt %d", i+1)
	}
}

func TestRecordFailureSchedulesWithBackoff(t *testing.T) {
	store := newMemRetryStore()
	os := newMemOrderStore(orders.Order{ID: 9, Status: orders.StatusPending})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := testScheduler(store, os, nil)
	s.Now = func() time.Time { return now }
	store.now = s.Now

	require.NoError(t, s.RecordFailure(context.Background(), 9))

	st, _ := os.GetOrder(context.Background(), 9)
	assert.Equal(t, orders.StatusWaitingIngredients, st.Status)
	rt := store.retries[9]
	require.NotNil(t, rt)
	assert.Equal(t, 1, rt.Attempts)
	assert.Equal(t, now.Add(30*time.Second), rt.NextAttemptAt)

	require.NoError(t, s.RecordFailure(context.Background(), 9))
	assert.Equal(t, 2, store.retries[9].Attempts)
	assert.Equal(t, now.Add(60*time.Second), store.retries[9].NextAttemptAt)
}

func TestRecordFailureCancelsAtCap(t *testing.T) {
	store := newMemRetryStore()
	os := newMemOrderStore(orders.Order{ID: 4, Status: orders.StatusPending})
	s := testScheduler(store, os, nil)

	for i := 0; i < MaxRetryAttempts; i++ {
		require.NoError(t, s.RecordFailure(context.Background(), 4))
	}

	o, _ := os.GetOrder(context.Background(), 4)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Nil(t, store.retries[4], "counter discarded on cancellation")
}

func TestOrderNeverSatisfiedIsCancelledAfterFiveAttempts(t *testing.T) {
	// meat is out of stock and the market never sells
	store := newMemRetryStore()
	os := newMemOrderStore(orders.Order{
		ID: 1, Status: orders.StatusPending, Ingredients: map[string]int{"meat": 1},
	})
	rsv := &stubReserver{} // zero Result = insufficient forever

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := testScheduler(store, os, rsv)
	s.Now = func() time.Time { return now }
	store.now = s.Now

	// attempt 1 happens on message consumption; its failure is reported here
	require.NoError(t, s.RecordFailure(context.Background(), 1))

	for store.retries[1] != nil {
		now = store.retries[1].NextAttemptAt
		s.attempt(context.Background(), 1)
	}

	o, _ := os.GetOrder(context.Background(), 1)
	assert.Equal(t, orders.StatusCancelled, o.Status)
	assert.Equal(t, MaxRetryAttempts-1, rsv.calls, "scheduler drove the remaining attempts")
}

func TestRetrySuccessPublishesAndDropsCounter(t *testing.T) {
	store := newMemRetryStore()
	os := newMemOrderStore(orders.Order{
		ID: 2, Status: orders.StatusWaitingIngredients, Ingredients: map[string]int{"rice": 2},
	})
	rsv := &stubReserver{results: []Result{{Reserved: true, Available: map[string]int{"rice": 2}}}}

	var published map[string]int
	s := testScheduler(store, os, rsv)
	s.OnReserved = func(_ context.Context, o orders.Order, available map[string]int) {
		published = available
	}
	_, _ = store.Bump(context.Background(), 2, nil)

	s.attempt(context.Background(), 2)

	assert.Equal(t, map[string]int{"rice": 2}, published)
	assert.Nil(t, store.retries[2])
}

func TestTerminalOrderIsNeverRetried(t *testing.T) {
	store := newMemRetryStore()
	_, _ = store.Bump(context.Background(), 3, nil)
	os := newMemOrderStore(orders.Order{ID: 3, Status: orders.StatusCancelled})
	rsv := &stubReserver{}
	s := testScheduler(store, os, rsv)

	s.attempt(context.Background(), 3)

	assert.Zero(t, rsv.calls, "no reservation attempt for a terminal order")
	assert.Nil(t, store.retries[3], "stale counter cleaned up")
}

func TestReserveErrorCountsAsFailedAttempt(t *testing.T) {
	store := newMemRetryStore()
	os := newMemOrderStore(orders.Order{
		ID: 5, Status: orders.StatusPending, Ingredients: map[string]int{"egg": 1},
	})
	rsv := &stubReserver{errs: []error{errors.New("tx aborted")}}
	s := testScheduler(store, os, rsv)

	_, _ = store.Bump(context.Background(), 5, nil)
	s.attempt(context.Background(), 5)

	require.NotNil(t, store.retries[5])
	assert.Equal(t, 2, store.retries[5].Attempts)
}

func TestClaimAllowsOneInflightAttemptPerOrder(t *testing.T) {
	s := &Scheduler{}
	assert.True(t, s.claim(8))
	assert.False(t, s.claim(8))
	s.release(8)
	assert.True(t, s.claim(8))
}

func TestDispatchDueRunsDueOrdersOnly(t *testing.T) {
	store := newMemRetryStore()
	os := newMemOrderStore(
		orders.Order{ID: 10, Status: orders.StatusWaitingIngredients, Ingredients: map[string]int{"rice": 1}},
		orders.Order{ID: 11, Status: orders.StatusWaitingIngredients, Ingredients: map[string]int{"rice": 1}},
	)
	rsv := &stubReserver{results: []Result{
		{Reserved: true, Available: map[string]int{"rice": 1}},
		{Reserved: true, Available: map[string]int{"rice": 1}},
	}}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	done := make(chan int64, 2)
	s := testScheduler(store, os, rsv)
	s.Now = func() time.Time { return now }
	s.OnReserved = func(_ context.Context, o orders.Order, _ map[string]int) { done <- o.ID }

	_, _ = store.Bump(context.Background(), 10, nil)
	store.setNextAttempt(10, now.Add(-time.Second)) // due
	_, _ = store.Bump(context.Background(), 11, nil)
	store.setNextAttempt(11, now.Add(time.Hour)) // not yet

	s.dispatchDue(context.Background())

	select {
	case id := <-done:
		assert.Equal(t, int64(10), id)
	case <-time.After(2 * time.Second):
		t.Fatal("due retry was not attempted")
	}
	select {
	case id := <-done:
		t.Fatalf("order %d attempted before its delay elapsed", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetryNeverFiresBeforeItsDelay(t *testing.T) {
	store := newMemRetryStore()
	os := newMemOrderStore(orders.Order{
		ID: 7, Status: orders.StatusPending, Ingredients: map[string]int{"rice": 1},
	})
	rsv := &stubReserver{}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := testScheduler(store, os, rsv)
	s.Now = func() time.Time { return now }
	store.now = s.Now

	entered := make(chan struct{})
	resume := make(chan struct{})
	os.setStatusHook = func() {
		close(entered)
		<-resume
	}

	done := make(chan error, 1)
	go func() { done <- s.RecordFailure(context.Background(), 7) }()

	// a poll tick lands while the failure is still being recorded
	<-entered
	s.dispatchDue(context.Background())
	close(resume)
	require.NoError(t, <-done)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rsv.calls, "retry fired before its backoff elapsed")
	require.NotNil(t, store.retries[7])
	assert.Equal(t, now.Add(30*time.Second), store.retries[7].NextAttemptAt)
}

func TestClaimBoundsConcurrentAttempts(t *testing.T) {
	s := &Scheduler{MaxInFlight: 2}
	assert.True(t, s.claim(1))
	assert.True(t, s.claim(2))
	assert.False(t, s.claim(3), "over the in-flight cap")
	s.release(1)
	assert.True(t, s.claim(3))
}
