package pantry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ovenbird/go-restaurant-pantry/internal/orders"
)

const (
	MaxRetryAttempts = 5

	// DefaultMaxInFlight caps concurrent retry attempts; each attempt holds
	// a database connection for its whole market loop, and the pool has
	// eight.
	DefaultMaxInFlight = 8
)

// DefaultRetryDelays is indexed by failed-attempt count; past the end the
// last value repeats.
var DefaultRetryDelays = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

type Reserver interface {
	Reserve(ctx context.Context, orderID int64, required map[string]int) (Result, error)
}

// RetryStore persists attempt counts. Bump must write the next attempt
// time in the same operation so a just-recorded failure is never due
// before its delay elapsed.
type RetryStore interface {
	Bump(ctx context.Context, orderID int64, delays []time.Duration) (int, error)
	Delete(ctx context.Context, orderID int64) error
	Due(ctx context.Context, now time.Time, limit int) ([]orders.Retry, error)
}

type OrderStore interface {
	GetOrder(ctx context.Context, orderID int64) (orders.Order, error)
	SetStatus(ctx context.Context, orderID int64, to orders.Status) (bool, error)
}

// Scheduler re-invokes the coordinator for orders that could not be
// satisfied, with growing delays, and cancels them once the attempt cap is
// reached. State lives in the retry store, so restarts resume where the
// previous process stopped.
type Scheduler struct {
	Store       RetryStore
	Orders      OrderStore
	Coordinator Reserver
	// OnReserved publishes the ready notification for a retry that finally
	// succeeded.
	OnReserved func(ctx context.Context, o orders.Order, available map[string]int)

	MaxAttempts int             // 0 means MaxRetryAttempts
	MaxInFlight int             // 0 means DefaultMaxInFlight
	Delays      []time.Duration // nil means DefaultRetryDelays
	Now         func() time.Time

	mu       sync.Mutex
	inflight map[int64]struct{}
}

func (s *Scheduler) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return MaxRetryAttempts
}

func (s *Scheduler) retryDelays() []time.Duration {
	if len(s.Delays) > 0 {
		return s.Delays
	}
	return DefaultRetryDelays
}

func (s *Scheduler) delayFor(failed int) time.Duration {
	delays := s.retryDelays()
	if failed < 1 {
		failed = 1
	}
	if failed > len(delays) {
		failed = len(delays)
	}
	return delays[failed-1]
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RecordFailure registers one failed reservation attempt. Below the cap the
// order goes to waiting_ingredients and a retry is scheduled after the
// backoff delay; at the cap the order is cancelled and its counter dropped.
func (s *Scheduler) RecordFailure(ctx context.Context, orderID int64) error {
	attempts, err := s.Store.Bump(ctx, orderID, s.retryDelays())
	if err != nil {
		return err
	}

	if attempts >= s.maxAttempts() {
		if _, err := s.Orders.SetStatus(ctx, orderID, orders.StatusCancelled); err != nil {
			return err
		}
		if err := s.Store.Delete(ctx, orderID); err != nil {
			return err
		}
		ordersCancelled.Inc()
		log.Warn().Int64("order_id", orderID).Int("attempts", attempts).Msg("retries exhausted, order cancelled")
		return nil
	}

	// waiting_ingredients is a legal transition only out of pending; on
	// later failures the order is already waiting and SetStatus reports
	// ok=false, which is fine.
	if _, err := s.Orders.SetStatus(ctx, orderID, orders.StatusWaitingIngredients); err != nil {
		return err
	}
	retriesScheduled.Inc()
	log.Info().Int64("order_id", orderID).Int("attempts", attempts).Dur("delay", s.delayFor(attempts)).Msg("retry scheduled")
	return nil
}

// Run polls the store for due retries until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	due, err := s.Store.Due(ctx, s.now(), 64)
	if err != nil {
		log.Error().Err(err).Msg("poll retries")
		return
	}
	for _, rt := range due {
		if !s.claim(rt.OrderID) {
			continue // attempt already in flight untuk order ini
		}
		go func(orderID int64) {
			defer s.release(orderID)
			s.attempt(ctx, orderID)
		}(rt.OrderID)
	}
}

func (s *Scheduler) attempt(ctx context.Context, orderID int64) {
	o, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		log.Error().Err(err).Int64("order_id", orderID).Msg("load order for retry")
		return
	}
	if o.Status.Terminal() {
		// completed/cancelled orders never get another attempt
		_ = s.Store.Delete(ctx, orderID)
		return
	}

	res, err := s.Coordinator.Reserve(ctx, orderID, o.Ingredients)
	if err != nil {
		log.Error().Err(err).Int64("order_id", orderID).Msg("retry reservation failed")
		if err := s.RecordFailure(ctx, orderID); err != nil {
			log.Error().Err(err).Int64("order_id", orderID).Msg("record failure")
		}
		return
	}
	if !res.Reserved {
		if err := s.RecordFailure(ctx, orderID); err != nil {
			log.Error().Err(err).Int64("order_id", orderID).Msg("record failure")
		}
		return
	}

	if err := s.Store.Delete(ctx, orderID); err != nil {
		log.Error().Err(err).Int64("order_id", orderID).Msg("drop retry counter")
	}
	if s.OnReserved != nil {
		s.OnReserved(ctx, o, res.Available)
	}
}

func (s *Scheduler) maxInFlight() int {
	if s.MaxInFlight > 0 {
		return s.MaxInFlight
	}
	return DefaultMaxInFlight
}

func (s *Scheduler) claim(orderID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		s.inflight = make(map[int64]struct{})
	}
	if len(s.inflight) >= s.maxInFlight() {
		return false
	}
	if _, busy := s.inflight[orderID]; busy {
		return false
	}
	s.inflight[orderID] = struct{}{}
	return true
}

func (s *Scheduler) release(orderID int64) {
	s.mu.Lock()
	delete(s.inflight, orderID)
	s.mu.Unlock()
}
