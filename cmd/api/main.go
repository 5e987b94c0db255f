package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/workoutsync/internal/api"
	"example.com/workoutsync/internal/auth"
	"example.com/workoutsync/internal/broker"
	"example.com/workoutsync/internal/config"
	"example.com/workoutsync/internal/docstore"
	"example.com/workoutsync/internal/outbox"
	httptransport "example.com/workoutsync/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	store := docstore.NewPostgresStore(pool, docstore.WithOutboxTopic(cfg.OutboxTopic))
	producer := broker.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	dispatcher := outbox.NewDispatcher(pool, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Start(ctx)

	authCfg := auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}
	authMiddleware := auth.NewMiddleware(authCfg, auth.SkipPaths(api.PublicPaths()...))
	issuer := auth.NewIssuer(authCfg, cfg.WearableTokenTTL)

	handler := api.NewHandler(store, issuer, authMiddleware)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	server := httptransport.NewServer("workoutsync api", httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, logger(authMiddleware.Wrap(mux)))
	metricsSrv := httptransport.NewServer("api metrics", httptransport.ServerConfig{
		Address: cfg.MetricsAddress,
	}, promhttp.Handler())

	go func() {
		if err := metricsSrv.Serve(ctx); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdownCh
		log.Println("api shutdown requested")
		cancel()
	}()

	if err := server.Serve(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	dispatcher.Wait()
}
