// Package pantry implements the ingredient-reservation protocol: the
// transactional coordinator that reserves an order's full ingredient set or
// nothing, and the scheduler that retries unsatisfied orders with backoff.
package pantry

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ovenbird/go-restaurant-pantry/internal/market"
	"github.com/ovenbird/go-restaurant-pantry/internal/stock"
)

// Ledger opens one transaction per reservation attempt.
type Ledger interface {
	Begin(ctx context.Context) (LedgerTx, error)
}

// LedgerTx holds the per-ingredient row locks for one attempt.
type LedgerTx interface {
	market.PurchaseRecorder
	LockQuantity(ctx context.Context, ingredient string) (int, error)
	AddQuantity(ctx context.Context, ingredient string, qty int) error
	Decrement(ctx context.Context, ingredient string, qty int) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Buyer covers the shortfall of one ingredient, recording purchases as it goes.
type Buyer interface {
	Buy(ctx context.Context, ingredient string, needed int, rec market.PurchaseRecorder) (int, error)
}

type Shortfall struct {
	Required  int `json:"required"`
	Available int `json:"available"`
}

type Result struct {
	Reserved   bool
	Available  map[string]int       // quantities consumed, set when Reserved
	Shortfalls map[string]Shortfall // set when not Reserved
}

type Coordinator struct {
	Ledger Ledger
	Market Buyer
}

// pgxLedger adapts the concrete stock ledger to the transaction interface.
type pgxLedger struct{ led *stock.Ledger }

func (l pgxLedger) Begin(ctx context.Context) (LedgerTx, error) { return l.led.Begin(ctx) }

func NewCoordinator(led *stock.Ledger, buyer Buyer) *Coordinator {
	return &Coordinator{Ledger: pgxLedger{led}, Market: buyer}
}

// Reserve attempts to reserve every ingredient of one order atomically.
//
// Rows are locked in lexical ingredient order so two orders with overlapping
// ingredient sets cannot deadlock. Shortages are topped up from the market
// while the row lock is held. Decrements happen only when every ingredient
// reached its required quantity, so a failed attempt never leaves partial
// consumption behind.
//
// Purchases always persist: on an insufficient outcome the transaction still
// commits, keeping the purchase records and their stock effect for the next
// attempt.
func (c *Coordinator) Reserve(ctx context.Context, orderID int64, required map[string]int) (Result, error) {
	tx, err := c.Ledger.Begin(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "begin reservation")
	}
	defer tx.Rollback(ctx) // no-op after commit

	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)

	shortfalls := map[string]Shortfall{}
	for _, name := range names {
		need := required[name]
		have, err := tx.LockQuantity(ctx, name)
		if err != nil {
			return Result{}, errors.Wrapf(err, "lock %s", name)
		}
		if have < need {
			bought, err := c.Market.Buy(ctx, name, need-have, tx)
			if err != nil {
				return Result{}, errors.Wrapf(err, "buy %s", name)
			}
			if bought > 0 {
				if err := tx.AddQuantity(ctx, name, bought); err != nil {
					return Result{}, errors.Wrapf(err, "top up %s", name)
				}
				have += bought
			}
		}
		if have < need {
			shortfalls[name] = Shortfall{Required: need, Available: have}
		}
	}

	if len(shortfalls) > 0 {
		// keep top-ups and purchase records, consume nothing
		if err := tx.Commit(ctx); err != nil {
			return Result{}, errors.Wrap(err, "commit top-ups")
		}
		reservationsTotal.WithLabelValues("insufficient").Inc()
		log.Info().Int64("order_id", orderID).Interface("shortfalls", shortfalls).Msg("reservation insufficient")
		return Result{Shortfalls: shortfalls}, nil
	}

	for _, name := range names {
		if err := tx.Decrement(ctx, name, required[name]); err != nil {
			return Result{}, errors.Wrapf(err, "decrement %s", name)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, errors.Wrap(err, "commit reservation")
	}

	available := make(map[string]int, len(required))
	for name, qty := range required {
		available[name] = qty
	}
	reservationsTotal.WithLabelValues("reserved").Inc()
	log.Info().Int64("order_id", orderID).Msg("ingredients reserved")
	return Result{Reserved: true, Available: available}, nil
}
