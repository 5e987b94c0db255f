package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"example.com/workoutsync/internal/accounting"
	"example.com/workoutsync/internal/celebration"
	"example.com/workoutsync/internal/config"
	"example.com/workoutsync/internal/devicestore"
	"example.com/workoutsync/internal/docstore"
	"example.com/workoutsync/internal/offlinequeue"
	"example.com/workoutsync/internal/orchestrator"
	"example.com/workoutsync/internal/tokenclient"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "device",
	Short: "Workout runtime for one device of a primary/wearable pair",
	Long: `Runs the workout session for one device and keeps it in sync with its peer.

Configuration is read from the environment:

  DEVICE_ID, PEER_DEVICE_ID, DEVICE_ROLE (primary|wearable), USER_ID
  KAFKA_BROKERS, TOPIC_PREFIX, BACKEND_URL, AUTH_TOKEN (primary only)
  DEVICE_DB_PATH, MAX_HEART_RATE, FLUSH_INTERVAL, HEARTBEAT_INTERVAL

COMMANDS:

  run      Start the device runtime with an interactive console
  queue    Inspect, flush or clear workouts waiting to be saved`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if err := cfg.ValidateDevice(); err != nil {
			return fmt.Errorf("invalid device configuration: %w", err)
		}
		return nil
	},
}

// local is the part of the device that works without the peer: the on-device database, the
// document store client and the accounting pipeline that the offline queue flushes into.
type local struct {
	db          *devicestore.DB
	role        orchestrator.Role
	credentials *tokenclient.CredentialSource
	tokens      orchestrator.TokenIssuer
	tracker     *celebration.Tracker
	recorder    *orchestrator.Recorder
	queue       *offlinequeue.Queue
	ledger      *devicestore.Ledger
}

func openLocal(ctx context.Context, cfg config.Config) (*local, error) {
	db, err := devicestore.Open(ctx, cfg.DeviceDBPath)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate device store: %w", err)
	}

	l := &local{db: db, role: orchestrator.Role(cfg.DeviceRole), ledger: devicestore.NewLedger(db)}

	var httpClient *http.Client
	if l.role == orchestrator.RoleWearable {
		l.credentials = tokenclient.NewCredentialSource(time.Now)
		httpClient = l.credentials.Client(context.WithoutCancel(ctx))
	} else {
		httpClient = tokenclient.StaticClient(context.WithoutCancel(ctx), cfg.AuthToken)
		l.tokens = tokenclient.New(cfg.BackendURL, httpClient)
	}
	httpClient.Timeout = cfg.RequestTimeout

	store := docstore.NewHTTPClient(cfg.BackendURL, httpClient)
	l.tracker = celebration.NewTracker(devicestore.NewMarkerStore(db), logAcknowledger{}, logPresenter{})
	l.recorder = orchestrator.NewRecorder(store, accounting.NewEngine(nil), l.tracker)
	l.queue = offlinequeue.New(devicestore.NewQueueStore(db), l.recorder.Sink())
	return l, nil
}

func (l *local) Close() error {
	return l.db.Close()
}
