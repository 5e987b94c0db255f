package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"example.com/workoutsync/internal/broker"
	"example.com/workoutsync/internal/celebration"
	"example.com/workoutsync/internal/devicestore"
	"example.com/workoutsync/internal/orchestrator"
	"example.com/workoutsync/internal/protocol"
	"example.com/workoutsync/internal/sensor"
	httptransport "example.com/workoutsync/internal/transport/http"
)

var runHeadless bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the device runtime",
	Long: `Start the device runtime.

The runtime listens for peer commands on its Kafka inbox, publishes heartbeats, flushes the offline
queue periodically and serves Prometheus metrics on METRICS_ADDRESS. Unless --headless is set it
also reads console commands from stdin; type 'help' for the list.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDevice(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "do not read console commands from stdin")
	rootCmd.AddCommand(runCmd)
}

func runDevice(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	l, err := openLocal(ctx, cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	producer := broker.NewKafkaProducer(cfg.KafkaBrokers,
		broker.WithBatchTimeout(10*time.Millisecond),
		broker.WithAutoTopicCreation(),
	)
	defer producer.Close()

	transport := protocol.NewKafkaTransport(protocol.KafkaConfig{
		TopicPrefix:    cfg.TopicPrefix,
		DeviceID:       cfg.DeviceID,
		PeerID:         cfg.PeerDeviceID,
		PresenceWindow: cfg.PeerPresenceWindow,
		RequestTTL:     cfg.RequestTimeout,
	}, producer)

	orch, err := orchestrator.New(orchestrator.Config{
		Role:             l.role,
		UserID:           cfg.UserID,
		MaxHeartRate:     float64(cfg.MaxHeartRate),
		RequestTimeout:   cfg.RequestTimeout,
		CommandStaleness: cfg.CommandStaleness,
	}, orchestrator.Deps{
		Platform:    sensor.NewSimulator(),
		Transport:   transport,
		Ledger:      l.ledger,
		Recorder:    l.recorder,
		Queue:       l.queue,
		Tokens:      l.tokens,
		Credentials: l.credentials,
	})
	if err != nil {
		return err
	}

	metricsSrv := httptransport.NewServer("device metrics", httptransport.ServerConfig{
		Address:         cfg.MetricsAddress,
		ShutdownTimeout: 10 * time.Second,
	}, promhttp.Handler())

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.Printf("%s stopped", name)
		}()
	}

	inbox := protocol.NewInboxReader(cfg.KafkaBrokers, cfg.TopicPrefix, cfg.DeviceID)
	run("inbox", func() {
		defer inbox.Close()
		if err := quietCancel(transport.Run(ctx, inbox)); err != nil {
			log.Printf("inbox reader stopped with error: %v", err)
		}
	})
	run("heartbeat", func() { transport.RunHeartbeat(ctx, cfg.HeartbeatInterval) })
	run("flush loop", func() { orch.RunFlushLoop(ctx, cfg.FlushInterval) })
	run("celebrations", func() { _ = l.tracker.Run(ctx) })
	run("ledger pruning", func() { pruneLedger(ctx, l.ledger, cfg.CommandStaleness) })

	run("metrics server", func() {
		if err := metricsSrv.Serve(ctx); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	})

	log.Printf("%s device %s paired with %s", l.role, cfg.DeviceID, cfg.PeerDeviceID)
	orch.OnForeground(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	consoleDone := make(chan struct{})
	if !runHeadless {
		go func() {
			defer close(consoleDone)
			newConsole(orch, os.Stdin, os.Stdout).Run(ctx)
		}()
	}

	select {
	case <-stop:
	case <-consoleDone:
	}
	log.Println("device shutdown requested")
	orch.SetForeground(false)
	cancel()

	wg.Wait()
	return nil
}

// quietCancel drops the error a loop returns once its context is cancelled, however it was wrapped.
func quietCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pruneLedger drops consumed command ids older than twice the staleness bound, past which the router
// rejects the command on age alone.
func pruneLedger(ctx context.Context, ledger *devicestore.Ledger, staleness time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.Prune(ctx, time.Now().Add(-2*staleness))
			if err != nil {
				log.Printf("prune command ledger: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("pruned %d consumed commands", n)
			}
		}
	}
}

type logAcknowledger struct{}

func (logAcknowledger) Acknowledge(_ context.Context, c celebration.Celebration) {
	log.Printf("*tap* %s", c.Title)
}

type logPresenter struct{}

func (logPresenter) Present(ctx context.Context, c celebration.Celebration) error {
	log.Printf("celebration: %s (%s %s)", c.Title, c.Window, c.WindowID)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return nil
	}
}
