// Package celebration announces milestone events at most once per day or week window.
package celebration

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/workoutsync/internal/domain"
)

// Window is the dedupe period for a celebration key.
type Window string

const (
	Daily  Window = "day"
	Weekly Window = "week"
)

// ID returns the identifier of the window containing t.
func (w Window) ID(t time.Time) string {
	if w == Daily {
		return domain.DayID(t)
	}
	return domain.WeekID(t)
}

// Celebration is one user-facing announcement.
type Celebration struct {
	Key      string
	Window   Window
	WindowID string
	Title    string
}

// MarkerStore persists which keys already fired in the current window.
// Claim replaces the stored window when windowID differs, then records key.
// It returns false when key was already recorded for windowID.
type MarkerStore interface {
	Claim(ctx context.Context, window Window, windowID, key string) (bool, error)
}

// Acknowledger plays the non-visual acknowledgment such as a haptic tap.
type Acknowledger interface {
	Acknowledge(ctx context.Context, c Celebration)
}

// Presenter shows the visual overlay and returns once it is dismissed.
type Presenter interface {
	Present(ctx context.Context, c Celebration) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger overrides the tracker logger.
func WithLogger(logger *log.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithClock injects the clock used to compute the current window.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// Tracker gates celebrations by window and serializes overlays.
type Tracker struct {
	store     MarkerStore
	ack       Acknowledger
	presenter Presenter
	clock     func() time.Time
	logger    *log.Logger

	mu      sync.Mutex
	pending []Celebration
	signal  chan struct{}
}

// NewTracker wires a Tracker. ack and presenter may be nil.
func NewTracker(store MarkerStore, ack Acknowledger, presenter Presenter, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		ack:       ack,
		presenter: presenter,
		clock:     time.Now,
		logger:    log.New(log.Writer(), "[celebration] ", log.LstdFlags|log.Lshortfile),
		signal:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Trigger acknowledges the celebration and, the first time key fires in the current window, records it
// and queues the overlay when foreground is true. It reports whether the celebration fired.
func (t *Tracker) Trigger(ctx context.Context, key string, window Window, title string, foreground bool) (bool, error) {
	c := Celebration{Key: key, Window: window, WindowID: window.ID(t.clock()), Title: title}
	if t.ack != nil {
		t.ack.Acknowledge(ctx, c)
	}
	recordAcknowledged(window)

	fired, err := t.store.Claim(ctx, window, c.WindowID, key)
	if err != nil {
		return false, fmt.Errorf("claim celebration %s: %w", key, err)
	}
	if !fired {
		recordSuppressed(window)
		return false, nil
	}
	recordFired(window, foreground)
	if foreground {
		t.enqueue(c)
	}
	return true, nil
}

// Pending returns the number of overlays waiting to be shown.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Run presents queued overlays one after another until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		c, ok := t.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.signal:
				continue
			}
		}
		if t.presenter == nil {
			continue
		}
		if err := t.presenter.Present(ctx, c); err != nil {
			t.logger.Printf("present %s: %v", c.Key, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (t *Tracker) enqueue(c Celebration) {
	t.mu.Lock()
	t.pending = append(t.pending, c)
	t.mu.Unlock()
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *Tracker) next() (Celebration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return Celebration{}, false
	}
	c := t.pending[0]
	t.pending = t.pending[1:]
	return c, true
}

// MemoryStore is an in-process MarkerStore.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[Window]string
	keys    map[Window]map[string]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[Window]string),
		keys:    make(map[Window]map[string]struct{}),
	}
}

// Claim implements MarkerStore.
func (m *MemoryStore) Claim(_ context.Context, window Window, windowID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windows[window] != windowID {
		m.windows[window] = windowID
		m.keys[window] = make(map[string]struct{})
	}
	if _, ok := m.keys[window][key]; ok {
		return false, nil
	}
	m.keys[window][key] = struct{}{}
	return true, nil
}
