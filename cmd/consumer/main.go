package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/workoutsync/internal/broker"
	"example.com/workoutsync/internal/config"
	"example.com/workoutsync/internal/consumer"
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

	handler := consumer.NewEventLogHandler(pool)

	metricsSrv := httptransport.NewServer("consumer metrics", httptransport.ServerConfig{
		Address:         cfg.MetricsAddress,
		ShutdownTimeout: 10 * time.Second,
	}, promhttp.Handler())

	metricsDone := make(chan struct{})
	go func() {
		defer close(metricsDone)
		if err := metricsSrv.Serve(ctx); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           cfg.OutboxTopic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})
	proc := broker.NewProcessor(reader, handler, broker.WithRetry(3, 500*time.Millisecond))

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer reader.Close()

		log.Printf("event log consumer started (topic=%s, group=%s)", cfg.OutboxTopic, cfg.ConsumerGroupID)
		if err := proc.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("consumer stopped with error (topic=%s): %v", cfg.OutboxTopic, err)
		}
	}()

	<-stop
	log.Println("consumer shutdown requested")
	cancel()

	<-metricsDone
	<-done
}
