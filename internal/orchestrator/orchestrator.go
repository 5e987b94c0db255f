// Package orchestrator binds the cross-device command protocol to the device's own workout session.
//
// Each device owns its session exclusively. Commands from the peer are translated into local session
// transitions, and local transitions are announced to the peer as best-effort notifications that only
// update the peer's cached belief.
//
// A device process may be woken by a peer message, so services are built in a fixed order and the
// transport is bound last:
//
//  1. docstore.Store, accounting.Engine and celebration.Tracker
//  2. Recorder over those three
//  3. offlinequeue.Queue with Recorder.Sink as its sink
//  4. Orchestrator, which builds the session and router and then binds the transport
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"example.com/workoutsync/internal/accounting"
	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/offlinequeue"
	"example.com/workoutsync/internal/protocol"
	"example.com/workoutsync/internal/session"
	"example.com/workoutsync/internal/tokenclient"
)

// Role identifies which side of the pair a device is.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleWearable Role = "wearable"
)

// Placement reports where a requested workout ended up running.
type Placement string

const (
	PlacementPeer  Placement = "peer"
	PlacementLocal Placement = "local"
)

// Delivery reports how a command reached the peer.
type Delivery string

const (
	DeliveryImmediate Delivery = "immediate"
	DeliveryQueued    Delivery = "queued"
)

// Transport is a protocol transport that can route inbound traffic to a receiver.
type Transport interface {
	protocol.Transport
	Bind(r protocol.Receiver)
}

// TokenIssuer mints wearable credentials. The primary device implements it with tokenclient.Client.
type TokenIssuer interface {
	Issue(ctx context.Context) (tokenclient.Credential, error)
}

// Config holds per-device settings.
type Config struct {
	Role             Role
	UserID           string
	MaxHeartRate     float64
	RequestTimeout   time.Duration
	CommandStaleness time.Duration
}

// Deps are the services an Orchestrator is built over. Tokens is used on the primary device and
// Credentials on the wearable.
type Deps struct {
	Platform    session.Platform
	Transport   Transport
	Ledger      protocol.Ledger
	Recorder    *Recorder
	Queue       *offlinequeue.Queue
	Tokens      TokenIssuer
	Credentials *tokenclient.CredentialSource
}

// Outcome is the user-visible result of saving a workout. A workout that could not be persisted is
// still complete; it is Queued for a later flush.
type Outcome struct {
	Activity   domain.Activity
	Result     *session.WorkoutResult
	Accounting accounting.Result
	Duplicate  bool
	Queued     bool
	// Celebrated lists the keys of celebrations that fired for this save.
	Celebrated []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the orchestrator logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithClock injects the clock shared by the session, router and peer.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// Orchestrator coordinates one device.
type Orchestrator struct {
	cfg         Config
	session     *session.Session
	peer        *protocol.Peer
	router      *protocol.Router
	recorder    *Recorder
	queue       *offlinequeue.Queue
	tokens      TokenIssuer
	credentials *tokenclient.CredentialSource
	clock       func() time.Time
	logger      *log.Logger

	foreground atomic.Bool
	refreshing atomic.Bool

	beliefMu   sync.RWMutex
	belief     PeerBelief
	beliefAsOf time.Time
}

// New validates cfg, builds the session and router, and binds the transport.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	var errs []error
	if cfg.Role != RolePrimary && cfg.Role != RoleWearable {
		errs = append(errs, fmt.Errorf("unknown role %q", cfg.Role))
	}
	if cfg.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if deps.Platform == nil {
		errs = append(errs, errors.New("sensor platform is required"))
	}
	if deps.Transport == nil {
		errs = append(errs, errors.New("transport is required"))
	}
	if deps.Recorder == nil {
		errs = append(errs, errors.New("recorder is required"))
	}
	if deps.Queue == nil {
		errs = append(errs, errors.New("offline queue is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		cfg:         cfg,
		recorder:    deps.Recorder,
		queue:       deps.Queue,
		tokens:      deps.Tokens,
		credentials: deps.Credentials,
		clock:       time.Now,
		logger:      log.New(log.Writer(), "[orchestrator] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.Role == RoleWearable && o.credentials == nil {
		o.credentials = tokenclient.NewCredentialSource(o.clock)
	}
	ledger := deps.Ledger
	if ledger == nil {
		ledger = protocol.NewMemoryLedger()
	}

	o.session = session.New(deps.Platform,
		session.WithClock(o.clock),
		session.WithMaxHeartRate(cfg.MaxHeartRate),
		session.WithListener(o.onTransition),
	)
	o.peer = protocol.NewPeer(deps.Transport,
		protocol.WithRequestTimeout(cfg.RequestTimeout),
		protocol.WithPeerClock(o.clock),
		protocol.WithPeerLogger(o.logger),
	)
	o.router = protocol.NewRouter(ledger,
		protocol.WithStaleness(cfg.CommandStaleness),
		protocol.WithRouterClock(o.clock),
		protocol.WithRouterLogger(o.logger),
	)
	o.register()
	deps.Transport.Bind(o.router)
	return o, nil
}

// Role returns the configured role.
func (o *Orchestrator) Role() Role { return o.cfg.Role }

// State returns the local session state.
func (o *Orchestrator) State() session.State { return o.session.State() }

// LiveMetrics rebuilds the local metrics snapshot.
func (o *Orchestrator) LiveMetrics() session.LiveMetrics { return o.session.Snapshot() }

// Start runs a workout on this device.
func (o *Orchestrator) Start(ctx context.Context, cfg session.Config) error {
	if strings.TrimSpace(cfg.ActivityType) == "" {
		return fmt.Errorf("activity type is required: %w", domain.ErrInvalidRequest)
	}
	return o.session.Start(ctx, cfg)
}

// StartOnPeer asks the peer to run the workout and falls back to running it locally when the peer
// cannot be reached. Errors reported by a reachable peer are returned without a fallback.
func (o *Orchestrator) StartOnPeer(ctx context.Context, cfg session.Config) (Placement, error) {
	msg := protocol.NewMessage(protocol.ActionStartWorkout, map[string]any{
		keyActivityType: cfg.ActivityType,
		keyLocationHint: cfg.LocationHint,
	})
	_, err := o.peer.Send(ctx, msg)
	if err == nil {
		recordPeerCommand(protocol.ActionStartWorkout, string(DeliveryImmediate))
		return PlacementPeer, nil
	}
	if !errors.Is(err, domain.ErrPeerUnreachable) {
		recordPeerCommand(protocol.ActionStartWorkout, "rejected")
		return "", err
	}

	o.logger.Printf("peer unreachable, starting %s on this device: %v", cfg.ActivityType, err)
	recordPeerCommand(protocol.ActionStartWorkout, "fallback")
	if err := o.Start(ctx, cfg); err != nil {
		return PlacementLocal, err
	}
	return PlacementLocal, nil
}

// Pause pauses the local session.
func (o *Orchestrator) Pause() error { return o.session.Pause() }

// Resume resumes the local session.
func (o *Orchestrator) Resume() error { return o.session.Resume() }

// Cancel discards the local session. It never writes to any store and is safe to repeat.
func (o *Orchestrator) Cancel() { o.session.Cancel() }

// EndWorkout ends the local session and saves the activity. A save failure queues the activity and is
// not returned; an error is returned only when the session could not be ended or the activity could
// be neither saved nor queued, in which case the Outcome still describes the finished workout.
func (o *Orchestrator) EndWorkout(ctx context.Context) (Outcome, error) {
	result, err := o.session.End(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out, err := o.save(ctx, o.activityFrom(result))
	out.Result = &result
	return out, err
}

// LogManualActivity saves an activity entered by hand.
func (o *Orchestrator) LogManualActivity(ctx context.Context, activity domain.Activity) (Outcome, error) {
	if strings.TrimSpace(activity.Type) == "" {
		return Outcome{}, fmt.Errorf("activity type is required: %w", domain.ErrInvalidRequest)
	}
	now := o.clock()
	if activity.ID == "" {
		activity.ID = domain.NewActivityID()
	}
	if activity.StartedAt.IsZero() {
		activity.StartedAt = now
	}
	if activity.Date == "" {
		activity.Date = domain.DayID(activity.StartedAt)
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = now
	}
	activity.Source = domain.SourceManual
	return o.save(ctx, activity)
}

// EndOnPeer ends the peer's workout, queueing the command in the durable context when the peer is
// unreachable.
func (o *Orchestrator) EndOnPeer(ctx context.Context) (Delivery, error) {
	return o.commandPeer(ctx, protocol.ActionEndWorkout, true)
}

// CancelOnPeer cancels the peer's workout, queueing the command when the peer is unreachable.
func (o *Orchestrator) CancelOnPeer(ctx context.Context) (Delivery, error) {
	return o.commandPeer(ctx, protocol.ActionCancelWorkout, true)
}

// PausePeer pauses the peer's workout. Pauses are never queued.
func (o *Orchestrator) PausePeer(ctx context.Context) error {
	_, err := o.commandPeer(ctx, protocol.ActionPauseWorkout, false)
	return err
}

// ResumePeer resumes the peer's workout. Resumes are never queued.
func (o *Orchestrator) ResumePeer(ctx context.Context) error {
	_, err := o.commandPeer(ctx, protocol.ActionResumeWorkout, false)
	return err
}

// PeerMetrics fetches the peer's live metrics and refreshes the peer belief from them.
func (o *Orchestrator) PeerMetrics(ctx context.Context) (RemoteMetrics, error) {
	reply, err := o.peer.Send(ctx, protocol.NewMessage(protocol.ActionGetMetrics, nil))
	if err != nil {
		return RemoteMetrics{}, err
	}
	m := metricsFromReply(reply)
	o.observePeer(PeerBelief{Running: m.Running(), ActivityType: m.ActivityType, Since: m.StartedAt}, m.At)
	return m, nil
}

// PeerBelief returns the cached view of the peer's session.
func (o *Orchestrator) PeerBelief() PeerBelief {
	o.beliefMu.RLock()
	defer o.beliefMu.RUnlock()
	return o.belief
}

// SetForeground records whether celebrations may show a visual overlay.
func (o *Orchestrator) SetForeground(v bool) { o.foreground.Store(v) }

// OnForeground marks the UI visible and flushes the offline queue.
func (o *Orchestrator) OnForeground(ctx context.Context) offlinequeue.FlushReport {
	o.SetForeground(true)
	return o.flush(ctx)
}

// OnReconnect flushes the offline queue once connectivity returns.
func (o *Orchestrator) OnReconnect(ctx context.Context) offlinequeue.FlushReport {
	return o.flush(ctx)
}

// RunFlushLoop flushes the offline queue every interval until ctx is cancelled.
func (o *Orchestrator) RunFlushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.flush(ctx)
		}
	}
}

// RefreshCredential asks the primary device for a new wearable credential.
func (o *Orchestrator) RefreshCredential(ctx context.Context) error {
	if o.credentials == nil {
		return fmt.Errorf("%s device holds no wearable credential: %w", o.cfg.Role, domain.ErrInvalidRequest)
	}
	reply, err := o.peer.Send(ctx, protocol.NewMessage(protocol.ActionRequestToken, nil))
	if err != nil {
		recordCredentialRefresh("error")
		return fmt.Errorf("request wearable credential: %w", err)
	}
	cred := tokenclient.Credential{Token: reply.Field(keyToken), ExpiresAt: parseTime(reply.Field(keyExpiresAt))}
	if cred.Token == "" || cred.ExpiresAt.IsZero() {
		recordCredentialRefresh("invalid")
		return fmt.Errorf("peer returned an incomplete credential: %w", domain.ErrInvalidRequest)
	}
	o.credentials.Set(cred)
	recordCredentialRefresh("ok")
	o.logger.Printf("wearable credential refreshed until %s", cred.ExpiresAt.Format(time.RFC3339))
	return nil
}

// EnsureCredential refreshes the wearable credential when none is held or it expired.
func (o *Orchestrator) EnsureCredential(ctx context.Context) error {
	if o.credentials == nil || o.credentials.Valid() {
		return nil
	}
	return o.RefreshCredential(ctx)
}

func (o *Orchestrator) commandPeer(ctx context.Context, action string, queueable bool) (Delivery, error) {
	_, err := o.peer.Send(ctx, protocol.NewMessage(action, nil))
	switch {
	case err == nil:
		recordPeerCommand(action, string(DeliveryImmediate))
		return DeliveryImmediate, nil
	case !queueable || !errors.Is(err, domain.ErrPeerUnreachable):
		recordPeerCommand(action, "rejected")
		return "", err
	}

	if _, qerr := o.peer.QueueCommand(ctx, action); qerr != nil {
		recordPeerCommand(action, "rejected")
		return "", errors.Join(err, qerr)
	}
	o.logger.Printf("peer unreachable, queued %s for its next connection", action)
	recordPeerCommand(action, string(DeliveryQueued))
	return DeliveryQueued, nil
}

func (o *Orchestrator) save(ctx context.Context, activity domain.Activity) (Outcome, error) {
	out := Outcome{Activity: activity}
	rec, err := o.recorder.Record(ctx, o.cfg.UserID, activity, o.foreground.Load())
	if err == nil {
		out.Accounting = rec.Accounting
		out.Duplicate = rec.Duplicate
		out.Celebrated = rec.Celebrated
		if rec.Duplicate {
			recordSave("duplicate")
		} else {
			recordSave("recorded")
		}
		return out, nil
	}

	o.logger.Printf("save %s failed, queued for retry: %v", activity.ID, err)
	if qerr := o.queue.Enqueue(context.WithoutCancel(ctx), o.cfg.UserID, activity); qerr != nil {
		recordSave("lost")
		return out, fmt.Errorf("queue activity %s: %w", activity.ID, errors.Join(err, qerr))
	}
	out.Queued = true
	recordSave("queued")
	if errors.Is(err, tokenclient.ErrCredentialExpired) {
		o.refreshAndFlush(context.WithoutCancel(ctx))
	}
	return out, nil
}

// refreshAndFlush renews the credential in the background and retries the queue. Only one runs at a time.
func (o *Orchestrator) refreshAndFlush(ctx context.Context) {
	if !o.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer o.refreshing.Store(false)
		if err := o.RefreshCredential(ctx); err != nil {
			o.logger.Printf("credential refresh failed: %v", err)
			return
		}
		o.queue.Flush(ctx)
	}()
}

func (o *Orchestrator) flush(ctx context.Context) offlinequeue.FlushReport {
	n, err := o.queue.Len(ctx)
	if err != nil {
		o.logger.Printf("read offline queue: %v", err)
		return offlinequeue.FlushReport{}
	}
	if n == 0 {
		return offlinequeue.FlushReport{}
	}
	if err := o.EnsureCredential(ctx); err != nil {
		o.logger.Printf("flush without a fresh credential: %v", err)
	}
	return o.queue.Flush(ctx)
}

func (o *Orchestrator) activityFrom(result session.WorkoutResult) domain.Activity {
	source := domain.SourcePrimary
	if o.cfg.Role == RoleWearable {
		source = domain.SourceWearable
	}
	return domain.Activity{
		ID:              domain.NewActivityID(),
		Type:            result.ActivityType,
		Date:            domain.DayID(result.StartedAt),
		StartedAt:       result.StartedAt,
		DurationSeconds: int(result.Elapsed.Round(time.Second) / time.Second),
		Calories:        result.EnergyKcal,
		AvgHeartRate:    result.AvgHeartRate,
		MaxHeartRate:    result.MaxHeartRate,
		DistanceMeters:  result.DistanceMeters,
		Source:          source,
		CreatedAt:       result.EndedAt,
	}
}

// onTransition announces local transitions to the peer. It runs outside the session lock.
func (o *Orchestrator) onTransition(tr session.Transition) {
	ctx := context.Background()
	switch {
	case tr.From == session.StateStarting && tr.To == session.StateActive:
		snap := o.session.Snapshot()
		fields := map[string]any{keyActivityType: snap.ActivityType, keyAt: formatTime(tr.At)}
		if !snap.StartedAt.IsZero() {
			fields[keyStartedAt] = formatTime(snap.StartedAt)
		}
		o.peer.Notify(ctx, protocol.NewMessage(protocol.ActionWorkoutStarted, fields))
	case tr.To == session.StateFinished:
		fields := map[string]any{keyReason: ReasonFinished, keyAt: formatTime(tr.At)}
		if tr.Result != nil {
			fields[keyActivityType] = tr.Result.ActivityType
			fields[keyElapsed] = tr.Result.Elapsed.Seconds()
		}
		o.peer.Notify(ctx, protocol.NewMessage(protocol.ActionWorkoutEnded, fields))
	case tr.To == session.StateCancelled:
		reason := ReasonCancelled
		if tr.Err != nil {
			reason = ReasonFailed
			o.logger.Printf("workout cancelled after platform failure: %v", tr.Err)
		}
		o.peer.Notify(ctx, protocol.NewMessage(protocol.ActionWorkoutEnded, map[string]any{keyReason: reason, keyAt: formatTime(tr.At)}))
	}
}

// observePeer replaces the belief unless asOf is older than what it already reflects.
func (o *Orchestrator) observePeer(b PeerBelief, asOf time.Time) {
	o.beliefMu.Lock()
	defer o.beliefMu.Unlock()
	if !asOf.IsZero() && asOf.Before(o.beliefAsOf) {
		return
	}
	if !asOf.IsZero() {
		o.beliefAsOf = asOf
	}
	b.UpdatedAt = o.clock()
	o.belief = b
}
