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
	"github.com/ovenbird/go-restaurant-pantry/internal/kitchen"
	"github.com/ovenbird/go-restaurant-pantry/internal/orders"
	"github.com/ovenbird/go-restaurant-pantry/internal/postgres"
	"github.com/ovenbird/go-restaurant-pantry/internal/redisx"
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

	// Kafka producer: ingredient requests ke pantry
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicIngredientRequest, 1024)
	prod.Start(ctx)

	repo := &orders.Repo{DB: db}

	// Consumer: ready notifications dari pantry
	svc := &kitchen.Service{
		Orders: repo,
		Dedup:  redisx.Dedup{R: rdb, Service: "kitchen"},
		Redis:  rdb,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ServiceName, orders.TopicIngredientReady)
	go func() {
		log.Info().Str("topic", orders.TopicIngredientReady).Msg("kitchen consumer started")
		cons.Start(ctx, svc.HandleIngredientReady)
	}()

	// HTTP
	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Repo:     repo,
		Producer: prod,
		Redis:    rdb,
		Service:  cfg.ServiceName,
	}
	oh.Register(router)

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
	prod.Close()      // tutup inbox -> flush & close writer
	cancel()          // stop consumer + producer loop
	prod.WaitClosed() // drain
}
