package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ovenbird/go-restaurant-pantry/internal/config"
	"github.com/ovenbird/go-restaurant-pantry/internal/httpx"
	kafkax "github.com/ovenbird/go-restaurant-pantry/internal/kafka"
	"github.com/ovenbird/go-restaurant-pantry/internal/market"
	"github.com/ovenbird/go-restaurant-pantry/internal/orders"
	"github.com/ovenbird/go-restaurant-pantry/internal/pantry"
	"github.com/ovenbird/go-restaurant-pantry/internal/postgres"
	"github.com/ovenbird/go-restaurant-pantry/internal/redisx"
	"github.com/ovenbird/go-restaurant-pantry/internal/stock"
)

func main() {
	_ = godotenv.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Producer: ready notifications ke kitchen
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicIngredientReady, 1024)
	prod.Start(ctx)

	ledger := &stock.Ledger{DB: db}
	gateway := market.NewGateway(cfg.MarketBaseURL, cfg.MarketCallTimeout, cfg.MarketMaxAttempts)
	coord := pantry.NewCoordinator(ledger, gateway)

	repo := &orders.Repo{DB: db}
	sched := &pantry.Scheduler{
		Store:       &orders.RetryRepo{DB: db},
		Orders:      repo,
		Coordinator: coord,
	}

	svc := &pantry.Service{
		Orders:      repo,
		Dedup:       redisx.Dedup{R: rdb, Service: "pantry"},
		Coordinator: coord,
		Scheduler:   sched,
		Producer:    prod,
		ServiceName: cfg.ServiceName,
	}
	sched.OnReserved = svc.NotifyReserved

	go sched.Run(ctx, cfg.RetryTick)

	// Consumer: ingredient requests dari kitchen
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ServiceName, orders.TopicIngredientRequest)
	go func() {
		log.Info().Str("topic", orders.TopicIngredientRequest).Msg("pantry consumer started")
		cons.Start(ctx, svc.HandleIngredientRequest)
	}()

	// HTTP admin + metrics
	router := httpx.NewRouter()
	ph := &httpx.PantryHandler{Ledger: ledger}
	ph.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()
	cancel()
	prod.WaitClosed()
}
