// Package market buys ingredient shortfalls from the external market
// endpoint, one partial lot at a time, with exponential backoff between
// unproductive calls.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ovenbird/go-restaurant-pantry/internal/orders"
)

// PurchaseRecorder persists one purchase row. The reservation transaction
// satisfies this, so records land in the same store as the stock top-up.
type PurchaseRecorder interface {
	RecordPurchase(ctx context.Context, p orders.Purchase) error
}

type BuyResponse struct {
	QuantitySold int `json:"quantitySold"`
}

type Gateway struct {
	BaseURL     string
	Client      *http.Client
	CallTimeout time.Duration
	// MaxAttempts bounds one Buy loop. Zero falls back to DefaultMaxAttempts;
	// the market is unreliable, so an uncapped loop could hold row locks
	// forever.
	MaxAttempts int

	// BackoffFloor/BackoffCeiling override the default delay bounds.
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration

	Now func() time.Time // test hook
}

const (
	DefaultMaxAttempts = 20
	backoffFloor       = 500 * time.Millisecond
	backoffCeiling     = 10 * time.Second
)

func NewGateway(baseURL string, callTimeout time.Duration, maxAttempts int) *Gateway {
	return &Gateway{
		BaseURL:     baseURL,
		Client:      &http.Client{},
		CallTimeout: callTimeout,
		MaxAttempts: maxAttempts,
	}
}

// Buy calls the market until needed units are obtained or the attempt cap is
// reached, recording every non-empty lot through rec. The returned total may
// fall short of needed (the caller treats that as insufficient) or exceed it
// (the market sells whole lots; the surplus stays in stock).
//
// Backoff doubles from the floor on every failed or empty call, capped at
// the ceiling, and resets to the floor on any sale.
func (g *Gateway) Buy(ctx context.Context, ingredient string, needed int, rec PurchaseRecorder) (int, error) {
	maxAttempts := g.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	floor, ceiling := g.BackoffFloor, g.BackoffCeiling
	if floor <= 0 {
		floor = backoffFloor
	}
	if ceiling <= 0 {
		ceiling = backoffCeiling
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = floor
	bo.MaxInterval = ceiling
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	obtained := 0
	for attempt := 1; obtained < needed; attempt++ {
		if attempt > maxAttempts {
			log.Warn().Str("ingredient", ingredient).Int("needed", needed).Int("obtained", obtained).
				Msg("market attempts exhausted, returning partial result")
			return obtained, nil
		}

		sold, err := g.call(ctx, ingredient)
		if err != nil {
			if ctx.Err() != nil {
				return obtained, ctx.Err()
			}
			log.Debug().Err(err).Str("ingredient", ingredient).Msg("market call failed")
			sold = 0
		}

		if sold > 0 {
			if err := g.record(ctx, rec, ingredient, needed-obtained, sold); err != nil {
				return obtained, err
			}
			obtained += sold
			bo.Reset()
			continue
		}

		marketEmptyCalls.WithLabelValues(ingredient).Inc()
		select {
		case <-ctx.Done():
			return obtained, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return obtained, nil
}

func (g *Gateway) call(ctx context.Context, ingredient string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.CallTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/buy?ingredient=%s", g.BaseURL, url.QueryEscape(ingredient))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("market returned %s", resp.Status)
	}

	var body BuyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, errors.Wrap(err, "decode market response")
	}
	if body.QuantitySold < 0 {
		return 0, errors.Errorf("market sold negative quantity %d", body.QuantitySold)
	}
	return body.QuantitySold, nil
}

func (g *Gateway) record(ctx context.Context, rec PurchaseRecorder, ingredient string, requested, sold int) error {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	price := PriceFor(ingredient)
	p := orders.Purchase{
		Ingredient:   ingredient,
		QtyRequested: requested,
		QtySold:      sold,
		PricePerUnit: price,
		TotalCost:    price * float64(sold),
		PurchasedAt:  now().UTC(),
	}
	if err := rec.RecordPurchase(ctx, p); err != nil {
		return errors.Wrap(err, "record purchase")
	}
	purchasesTotal.WithLabelValues(ingredient).Inc()
	purchasedUnits.WithLabelValues(ingredient).Add(float64(sold))
	log.Info().Str("ingredient", ingredient).Int("sold", sold).Float64("cost", p.TotalCost).Msg("market purchase")
	return nil
}
