package pantry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovenbird/go-restaurant-pantry/internal/market"
	"github.com/ovenbird/go-restaurant-pantry/internal/orders"
)

// memLedger emulates the stock table with per-ingredient row locks, so
// concurrent reservation attempts serialize the same way Postgres would.
type memLedger struct {
	mu        sync.Mutex
	qty       map[string]int
	rowLocks  map[string]*sync.Mutex
	purchases []orders.Purchase
}

func newMemLedger(initial map[string]int) *memLedger {
	qty := make(map[string]int, len(initial))
	for k, v := range initial {
		qty[k] = v
	}
	return &memLedger{qty: qty, rowLocks: map[string]*sync.Mutex{}}
}

func (l *memLedger) Begin(context.Context) (LedgerTx, error) {
	return &memTx{led: l, staged: map[string]int{}}, nil
}

func (l *memLedger) rowLock(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rowLocks[name] == nil {
		l.rowLocks[name] = &sync.Mutex{}
	}
	return l.rowLocks[name]
}

type memTx struct {
	led       *memLedger
	held      []string
	staged    map[string]int
	purchases []orders.Purchase
	done      bool
}

func (t *memTx) LockQuantity(_ context.Context, name string) (int, error) {
	t.led.rowLock(name).Lock()
	t.held = append(t.held, name)
	t.led.mu.Lock()
	defer t.led.mu.Unlock()
	return t.led.qty[name] + t.staged[name], nil
}

func (t *memTx) AddQuantity(_ context.Context, name string, qty int) error {
	t.staged[name] += qty
	return nil
}

func (t *memTx) Decrement(_ context.Context, name string, qty int) error {
	t.staged[name] -= qty
	return nil
}

func (t *memTx) RecordPurchase(_ context.Context, p orders.Purchase) error {
	t.purchases = append(t.purchases, p)
	return nil
}

func (t *memTx) Commit(context.Context) error {
	t.led.mu.Lock()
	for name, d := range t.staged {
		if t.led.qty[name]+d < 0 {
			t.led.mu.Unlock()
			t.releaseLocks()
			return errors.New("quantity constraint violated: " + name)
		}
		t.led.qty[name] += d
	}
	t.led.purchases = append(t.led.purchases, t.purchases...)
	t.led.mu.Unlock()
	t.releaseLocks()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.releaseLocks()
	return nil
}

func (t *memTx) releaseLocks() {
	if t.done {
		return
	}
	t.done = true
	for _, name := range t.held {
		t.led.rowLock(name).Unlock()
	}
}

// scriptedBuyer sells a fixed sequence of lots per ingredient, recording
// each sale like the real gateway does.
type scriptedBuyer struct {
	mu    sync.Mutex
	sales map[string][]int
}

func (b *scriptedBuyer) Buy(ctx context.Context, ingredient string, needed int, rec market.PurchaseRecorder) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obtained := 0
	for obtained < needed && len(b.sales[ingredient]) > 0 {
		sold := b.sales[ingredient][0]
		b.sales[ingredient] = b.sales[ingredient][1:]
		if sold <= 0 {
			continue
		}
		price := market.PriceFor(ingredient)
		if err := rec.RecordPurchase(ctx, orders.Purchase{
			Ingredient:   ingredient,
			QtyRequested: needed - obtained,
			QtySold:      sold,
			PricePerUnit: price,
			TotalCost:    price * float64(sold),
			PurchasedAt:  time.Now().UTC(),
		}); err != nil {
			return obtained, err
		}
		obtained += sold
	}
	return obtained, nil
}

func noMarket() *scriptedBuyer { return &scriptedBuyer{sales: map[string][]int{}} }

func TestReserveFromStockAlone(t *testing.T) {
	led := newMemLedger(map[string]int{"rice": 5, "egg": 2})
	c := &Coordinator{Ledger: led, Market: noMarket()}

	res, err := c.Reserve(context.Background(), 1, map[string]int{"rice": 2, "egg": 1})
	require.NoError(t, err)
	assert.True(t, res.Reserved)
	assert.Equal(t, map[string]int{"rice": 2, "egg": 1}, res.Available)
	assert.Equal(t, 3, led.qty["rice"])
	assert.Equal(t, 1, led.qty["egg"])
	assert.Empty(t, led.purchases)
}

func TestReserveTopsUpFromMarket(t *testing.T) {
	// stock {tomato:1}, order needs {tomato:2, cheese:1}; market sells one
	// unit per call of each
	led := newMemLedger(map[string]int{"tomato": 1})
	buyer := &scriptedBuyer{sales: map[string][]int{"tomato": {1}, "cheese": {1}}}
	c := &Coordinator{Ledger: led, Market: buyer}

	res, err := c.Reserve(context.Background(), 7, map[string]int{"tomato": 2, "cheese": 1})
	require.NoError(t, err)
	assert.True(t, res.Reserved)
	assert.Equal(t, 0, led.qty["tomato"])
	assert.Equal(t, 0, led.qty["cheese"])
	require.Len(t, led.purchases, 2)
}

func TestReserveAllOrNothing(t *testing.T) {
	led := newMemLedger(map[string]int{"flour": 4, "butter": 0})
	c := &Coordinator{Ledger: led, Market: noMarket()}

	res, err := c.Reserve(context.Background(), 2, map[string]int{"flour": 2, "butter": 1})
	require.NoError(t, err)
	assert.False(t, res.Reserved)
	assert.Equal(t, Shortfall{Required: 1, Available: 0}, res.Shortfalls["butter"])
	// nothing consumed, not even the satisfiable flour
	assert.Equal(t, 4, led.qty["flour"])
	assert.Equal(t, 0, led.qty["butter"])
}

func TestFailedReserveKeepsPurchasedStock(t *testing.T) {
	led := newMemLedger(map[string]int{"meat": 0, "onion": 0})
	buyer := &scriptedBuyer{sales: map[string][]int{"meat": {1}}} // one unit of three needed
	c := &Coordinator{Ledger: led, Market: buyer}

	res, err := c.Reserve(context.Background(), 3, map[string]int{"meat": 3, "onion": 1})
	require.NoError(t, err)
	assert.False(t, res.Reserved)
	assert.Equal(t, Shortfall{Required: 3, Available: 1}, res.Shortfalls["meat"])

	// the top-up and its purchase record survive the failed attempt
	assert.Equal(t, 1, led.qty["meat"])
	require.Len(t, led.purchases, 1)
	assert.Equal(t, "meat", led.purchases[0].Ingredient)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	// two orders race for the only 3 units of rice, each needing 2
	led := newMemLedger(map[string]int{"rice": 3})
	c := &Coordinator{Ledger: led, Market: noMarket()}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Reserve(context.Background(), int64(i+1), map[string]int{"rice": 2})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	reserved := 0
	for _, res := range results {
		if res.Reserved {
			reserved++
		} else {
			assert.Equal(t, Shortfall{Required: 2, Available: 1}, res.Shortfalls["rice"])
		}
	}
	assert.Equal(t, 1, reserved, "exactly one order wins the stock")
	assert.Equal(t, 1, led.qty["rice"])
}

func TestConcurrentDisjointOrdersBothReserve(t *testing.T) {
	led := newMemLedger(map[string]int{"milk": 2, "garlic": 2})
	c := &Coordinator{Ledger: led, Market: noMarket()}

	var wg sync.WaitGroup
	wants := []map[string]int{{"milk": 2}, {"garlic": 2}}
	for i, want := range wants {
		wg.Add(1)
		go func(id int64, want map[string]int) {
			defer wg.Done()
			res, err := c.Reserve(context.Background(), id, want)
			assert.NoError(t, err)
			assert.True(t, res.Reserved)
		}(int64(i+1), want)
	}
	wg.Wait()
	assert.Equal(t, 0, led.qty["milk"])
	assert.Equal(t, 0, led.qty["garlic"])
}

func TestReserveLocksInLexicalOrder(t *testing.T) {
	led := newMemLedger(map[string]int{"b": 1, "a": 1, "c": 1})
	c := &Coordinator{Ledger: led, Market: noMarket()}

	// overlapping ingredient sets in both directions; lexical lock order
	// keeps this from deadlocking
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := c.Reserve(context.Background(), id, map[string]int{"c": 1, "a": 1, "b": 1})
			assert.NoError(t, err)
		}(int64(i + 1))
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reservations deadlocked")
	}

	remaining := []int{led.qty["a"], led.qty["b"], led.qty["c"]}
	sort.Ints(remaining)
	assert.Equal(t, []int{0, 0, 0}, remaining, "the single winner consumed everything")
}
