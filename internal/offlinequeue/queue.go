// Package offlinequeue keeps activities that could not reach the document store until a later flush succeeds.
package offlinequeue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"example.com/workoutsync/internal/domain"
)

// Entry is one queued activity and the user it belongs to.
type Entry struct {
	UserID   string          `json:"user_id"`
	Activity domain.Activity `json:"activity"`
	Attempts int             `json:"attempts"`
}

// Store persists the whole queue atomically.
type Store interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, entries []Entry) error
}

// Sink is the backing write that a flush retries.
type Sink interface {
	Persist(ctx context.Context, entry Entry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry Entry) error

// Persist implements Sink.
func (f SinkFunc) Persist(ctx context.Context, entry Entry) error { return f(ctx, entry) }

// FlushReport summarises one flush pass.
type FlushReport struct {
	Attempted int
	Persisted int
	Failed    int
	Skipped   bool
}

// Option configures the Queue.
type Option func(*Queue)

// WithLogger overrides the queue logger.
func WithLogger(logger *log.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// Queue deduplicates activities by ID and retries them against a Sink.
type Queue struct {
	store  Store
	sink   Sink
	logger *log.Logger

	mu       sync.Mutex
	entries  []Entry
	loaded   bool
	flushing atomic.Bool
}

// New constructs a Queue backed by store that flushes into sink.
func New(store Store, sink Sink, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		sink:   sink,
		logger: log.New(log.Writer(), "[offlinequeue] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends the activity unless an entry with the same ID is already queued.
func (q *Queue) Enqueue(ctx context.Context, userID string, activity domain.Activity) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return err
	}
	for _, e := range q.entries {
		if e.Activity.ID == activity.ID {
			recordEnqueue(true)
			return nil
		}
	}
	next := append(append([]Entry(nil), q.entries...), Entry{UserID: userID, Activity: activity})
	if err := q.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save offline queue: %w", err)
	}
	q.entries = next
	recordEnqueue(false)
	queueDepth.Set(float64(len(q.entries)))
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return 0, err
	}
	return len(q.entries), nil
}

// Entries returns a copy of the queued entries.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(ctx); err != nil {
		return nil, err
	}
	return append([]Entry(nil), q.entries...), nil
}

// Flush tries every queued entry once. A flush already in progress makes this call return immediately.
// Failures stay queued and are only logged.
func (q *Queue) Flush(ctx context.Context) FlushReport {
	if !q.flushing.CompareAndSwap(false, true) {
		recordFlush("skipped")
		return FlushReport{Skipped: true}
	}
	defer q.flushing.Store(false)

	q.mu.Lock()
	if err := q.loadLocked(ctx); err != nil {
		q.mu.Unlock()
		q.logger.Printf("load queue: %v", err)
		recordFlush("error")
		return FlushReport{}
	}
	snapshot := append([]Entry(nil), q.entries...)
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return FlushReport{}
	}

	report := FlushReport{Attempted: len(snapshot)}
	done := make(map[string]struct{}, len(snapshot))
	failed := make(map[string]struct{})
	for _, entry := range snapshot {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := q.sink.Persist(ctx, entry); err != nil {
			q.logger.Printf("flush activity %s (user=%s): %v", entry.Activity.ID, entry.UserID, err)
			failed[entry.Activity.ID] = struct{}{}
			report.Failed++
			continue
		}
		done[entry.Activity.ID] = struct{}{}
		report.Persisted++
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	remaining := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if _, ok := done[e.Activity.ID]; ok {
			continue
		}
		if _, ok := failed[e.Activity.ID]; ok {
			e.Attempts++
		}
		remaining = append(remaining, e)
	}
	if err := q.store.Save(ctx, remaining); err != nil {
		// entries stay in the store and are retried; the sink dedupes by ID
		q.logger.Printf("save queue after flush: %v", err)
		recordFlush("error")
		return report
	}
	q.entries = remaining
	queueDepth.Set(float64(len(q.entries)))
	switch {
	case report.Failed == 0:
		recordFlush("ok")
	case report.Persisted == 0:
		recordFlush("failed")
	default:
		recordFlush("partial")
	}
	return report
}

// ClearAll drops every queued entry without persisting it.
func (q *Queue) ClearAll(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Save(ctx, nil); err != nil {
		return fmt.Errorf("clear offline queue: %w", err)
	}
	q.entries = nil
	q.loaded = true
	queueDepth.Set(0)
	return nil
}

func (q *Queue) loadLocked(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	entries, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}
	q.entries = entries
	q.loaded = true
	queueDepth.Set(float64(len(entries)))
	return nil
}

// MemoryStore keeps the queue in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// Load implements Store.
func (m *MemoryStore) Load(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]Entry(nil), entries...)
	return nil
}
