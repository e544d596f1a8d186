// Package kitchen is the order-side consumer: it reacts to ready
// notifications from the pantry and runs the cooking timer to completion.
package kitchen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ovenbird/go-restaurant-pantry/internal/kafka"
	"github.com/ovenbird/go-restaurant-pantry/internal/orders"
	"github.com/ovenbird/go-restaurant-pantry/internal/redisx"
)

type OrderStore interface {
	GetOrder(ctx context.Context, orderID int64) (orders.Order, error)
	SetStatus(ctx context.Context, orderID int64, to orders.Status) (bool, error)
}

// Deduper remembers processed event ids. Mark is called only once the
// event's work is done; a delivery that errors out stays unmarked.
type Deduper interface {
	Seen(ctx context.Context, eventID string) bool
	Mark(ctx context.Context, eventID string)
}

type Service struct {
	Orders OrderStore
	Dedup  Deduper
	Redis  *redis.Client // status cache
}

// HandleIngredientReady moves the order to preparing and schedules its
// completion after the recipe's cook time.
func (s *Service) HandleIngredientReady(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return fmt.Errorf("%w: envelope: %v", kafkax.ErrDiscard, err)
	}
	if env.EventType != orders.EventIngredientReady {
		return nil // ignore
	}
	if s.Dedup.Seen(ctx, env.EventID) {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.IngredientReadyPayload](env.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", kafkax.ErrDiscard, err)
	}

	o, err := s.Orders.GetOrder(ctx, p.OrderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return fmt.Errorf("%w: unknown order %d", kafkax.ErrDiscard, p.OrderID)
		}
		return err
	}

	ok, err := s.Orders.SetStatus(ctx, o.ID, orders.StatusPreparing)
	if err != nil {
		return err
	}
	if !ok {
		// already preparing, completed or cancelled; redelivered ready
		// notifications end here
		s.Dedup.Mark(ctx, env.EventID)
		return nil
	}
	s.cacheStatus(ctx, o.ID, orders.StatusPreparing)
	log.Info().Int64("order_id", o.ID).Str("recipe", o.RecipeName).
		Interface("ingredients", p.AvailableIngredients).Msg("cooking started")

	s.Dedup.Mark(ctx, env.EventID)
	go s.cook(ctx, o)
	return nil
}

// cook waits out the cook time, then completes the order. A process restart
// mid-cook leaves the order preparing; the simulation accepts that.
func (s *Service) cook(ctx context.Context, o orders.Order) {
	cookTime := time.Duration(o.CookSeconds) * time.Second
	timer := time.NewTimer(cookTime)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ok, err := s.Orders.SetStatus(ctx, o.ID, orders.StatusCompleted)
	if err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("complete order")
		return
	}
	if ok {
		s.cacheStatus(ctx, o.ID, orders.StatusCompleted)
		log.Info().Int64("order_id", o.ID).Dur("cook_time", cookTime).Msg("order completed")
	}
}

func (s *Service) cacheStatus(ctx context.Context, orderID int64, st orders.Status) {
	if s.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	body, _ := json.Marshal(map[string]any{"status": st})
	if err := s.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err(); err != nil {
		log.Debug().Err(err).Int64("order_id", orderID).Msg("status cache")
	}
}
