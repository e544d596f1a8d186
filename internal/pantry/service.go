package pantry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ovenbird/go-restaurant-pantry/internal/kafka"
	"github.com/ovenbird/go-restaurant-pantry/internal/orders"
)

type StatusStore interface {
	GetStatus(ctx context.Context, orderID int64) (orders.Status, error)
}

// Deduper remembers processed event ids. Mark is called only once the
// event's work is done; a delivery that errors out stays unmarked.
type Deduper interface {
	Seen(ctx context.Context, eventID string) bool
	Mark(ctx context.Context, eventID string)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Service wires the ingredient-request consumer to the coordinator and the
// retry scheduler.
type Service struct {
	Orders      StatusStore
	Dedup       Deduper
	Coordinator Reserver
	Scheduler   *Scheduler
	Producer    Publisher // publish pantry.ingredients.ready
	ServiceName string
}

// HandleIngredientRequest: dipasang sebagai handler consumer.
func (s *Service) HandleIngredientRequest(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return fmt.Errorf("%w: envelope: %v", kafkax.ErrDiscard, err)
	}
	if env.EventType != orders.EventIngredientRequest {
		return nil // ignore
	}
	if s.Dedup.Seen(ctx, env.EventID) {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.IngredientRequestPayload](env.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", kafkax.ErrDiscard, err)
	}
	if p.OrderID <= 0 || len(p.RecipeSnapshot) == 0 {
		return fmt.Errorf("%w: empty ingredient request for order %d", kafkax.ErrDiscard, p.OrderID)
	}

	// terminal orders never get another attempt, even on redelivery
	status, err := s.Orders.GetStatus(ctx, p.OrderID)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return fmt.Errorf("%w: unknown order %d", kafkax.ErrDiscard, p.OrderID)
		}
		return err
	}
	if status.Terminal() {
		s.Dedup.Mark(ctx, env.EventID)
		return nil
	}

	res, err := s.Coordinator.Reserve(ctx, p.OrderID, p.RecipeSnapshot)
	if err != nil {
		// a failed transaction counts as a persistent shortage for this attempt
		log.Error().Err(err).Int64("order_id", p.OrderID).Msg("reservation attempt failed")
		res = Result{}
	}
	if !res.Reserved {
		if err := s.Scheduler.RecordFailure(ctx, p.OrderID); err != nil {
			return err
		}
		s.Dedup.Mark(ctx, env.EventID)
		return nil
	}

	s.PublishReady(p.RequestID, p.OrderID, res.Available)
	s.Dedup.Mark(ctx, env.EventID)
	return nil
}

// PublishReady emits the ready notification that unblocks the waiting order.
func (s *Service) PublishReady(requestID string, orderID int64, available map[string]int) {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventIngredientReady,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: fmt.Sprint(orderID),
		Payload: kafkax.MustMarshal(orders.IngredientReadyPayload{
			RequestID:            requestID,
			OrderID:              orderID,
			AvailableIngredients: available,
		}),
	}
	s.Producer.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventIngredientReady)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

// NotifyReserved adapts PublishReady for the scheduler's success callback;
// retries mint a fresh request id per attempt.
func (s *Service) NotifyReserved(_ context.Context, o orders.Order, available map[string]int) {
	s.PublishReady(uuid.NewString(), o.ID, available)
}
