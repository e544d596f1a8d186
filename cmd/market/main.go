// The market is a mock supplier: every /buy call sells a random lot of the
// requested ingredient, sometimes nothing, which exercises the pantry's
// backoff and retry paths.
package main

import (
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ovenbird/go-restaurant-pantry/internal/market"
)

type seller struct {
	sellProb float64 // probability a call sells anything
	maxLot   int     // most units sold in one call
	delayMax time.Duration
}

func (s *seller) buy(w http.ResponseWriter, r *http.Request) {
	ingredient := r.URL.Query().Get("ingredient")
	if ingredient == "" {
		http.Error(w, `{"error":"missing ingredient"}`, http.StatusBadRequest)
		return
	}

	if s.delayMax > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(s.delayMax)))) // imitasi kerja
	}

	sold := 0
	if rand.Float64() < s.sellProb {
		sold = 1 + rand.Intn(s.maxLot)
	}
	log.Info().Str("ingredient", ingredient).Int("sold", sold).
		Float64("price", market.PriceFor(ingredient)).Msg("buy")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"quantitySold":` + strconv.Itoa(sold) + `}`))
}

func main() {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	s := &seller{
		sellProb: getEnvFloat("MARKET_SELL_PROBABILITY", 0.8),
		maxLot:   getEnvInt("MARKET_MAX_LOT", 3),
		delayMax: getEnvDur("MARKET_DELAY_MAX", 300*time.Millisecond),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/buy", s.buy)

	addr := getEnv("HTTP_ADDR", ":8083")
	log.Info().Str("addr", addr).Float64("sell_prob", s.sellProb).Int("max_lot", s.maxLot).Msg("market listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return def
}

func getEnvFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return def
}

func getEnvDur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	return def
}
