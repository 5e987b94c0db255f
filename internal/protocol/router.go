package protocol

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/workoutsync/internal/domain"
)

// DefaultStaleness is the maximum age at which a queued command is still executed.
const DefaultStaleness = 10 * time.Minute

// HandlerFunc executes one immediate command and returns its result payload.
type HandlerFunc func(ctx context.Context, msg Message) (map[string]any, error)

// NotificationFunc consumes a fire-and-forget message.
type NotificationFunc func(ctx context.Context, msg Message)

// Ledger remembers consumed queued commands. Consume returns false for a command seen before.
type Ledger interface {
	Consume(ctx context.Context, commandID, action string, issuedAt time.Time) (bool, error)
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithStaleness overrides the queued command age bound.
func WithStaleness(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.staleness = d
		}
	}
}

// WithRouterClock injects the clock used for staleness checks.
func WithRouterClock(clock func() time.Time) RouterOption {
	return func(r *Router) { r.clock = clock }
}

// WithRouterLogger overrides the router logger.
func WithRouterLogger(logger *log.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// Router dispatches inbound traffic by action name. It implements Receiver.
type Router struct {
	ledger    Ledger
	staleness time.Duration
	clock     func() time.Time
	logger    *log.Logger

	mu            sync.RWMutex
	handlers      map[string]HandlerFunc
	notifications map[string]NotificationFunc
}

// NewRouter constructs a Router. ledger guards queued commands against re-execution.
func NewRouter(ledger Ledger, opts ...RouterOption) *Router {
	r := &Router{
		ledger:        ledger,
		staleness:     DefaultStaleness,
		clock:         time.Now,
		logger:        log.New(log.Writer(), "[protocol] ", log.LstdFlags|log.Lshortfile),
		handlers:      make(map[string]HandlerFunc),
		notifications: make(map[string]NotificationFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers fn for an immediate action.
func (r *Router) Handle(action string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = fn
}

// OnNotification registers fn for a fire-and-forget action.
func (r *Router) OnNotification(action string, fn NotificationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[action] = fn
}

// HandleMessage implements Receiver. Every message yields a reply; unknown actions get unknown_action.
func (r *Router) HandleMessage(ctx context.Context, msg Message) Reply {
	action := msg.Action()
	payload, err := r.dispatch(ctx, msg)
	if err != nil {
		recordDispatch(action, domain.ErrorCode(err))
		return ErrorReply(err)
	}
	recordDispatch(action, "ok")
	return OK(payload)
}

// HandleNotification implements Receiver.
func (r *Router) HandleNotification(ctx context.Context, msg Message) {
	action := msg.Action()
	r.mu.RLock()
	fn, ok := r.notifications[action]
	r.mu.RUnlock()
	if !ok {
		r.logger.Printf("unknown notification %q", action)
		recordDispatch(action, domain.CodeUnknownAction)
		return
	}
	fn(ctx, msg)
	recordDispatch(action, "ok")
}

// HandleContext implements Receiver. A queued command is executed only when it is no older than the
// staleness bound and has not been consumed before.
func (r *Router) HandleContext(ctx context.Context, values map[string]any) error {
	cmd, ok, err := pendingCommandFrom(values)
	if !ok {
		return nil
	}
	if err != nil {
		recordContext("invalid")
		return fmt.Errorf("pending command: %w", err)
	}

	age := r.clock().Sub(cmd.IssuedAt)
	if age > r.staleness {
		r.logger.Printf("ignoring stale %s (id=%s, age=%s)", cmd.Action, cmd.ID, age.Round(time.Second))
		recordContext("stale")
		return fmt.Errorf("%s issued %s ago: %w", cmd.Action, age.Round(time.Second), domain.ErrStaleCommand)
	}

	fresh, err := r.ledger.Consume(ctx, cmd.ID, cmd.Action, cmd.IssuedAt)
	if err != nil {
		recordContext("error")
		return fmt.Errorf("consume %s: %w", cmd.ID, err)
	}
	if !fresh {
		recordContext("duplicate")
		return nil
	}

	recordContext("executed")
	if _, err := r.dispatch(ctx, NewMessage(cmd.Action, map[string]any{KeyCommandID: cmd.ID})); err != nil {
		r.logger.Printf("queued %s failed: %v", cmd.Action, err)
		return err
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, msg Message) (map[string]any, error) {
	action := msg.Action()
	r.mu.RLock()
	fn, ok := r.handlers[action]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", action, domain.ErrUnknownAction)
	}
	return fn(ctx, msg)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

// Consume implements Ledger.
func (l *MemoryLedger) Consume(_ context.Context, commandID, _ string, _ time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[commandID]; ok {
		return false, nil
	}
	l.seen[commandID] = struct{}{}
	return true, nil
}
