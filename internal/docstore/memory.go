package docstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"example.com/workoutsync/internal/events"
)

// MemoryStore keeps documents in process memory. Published events are collected for inspection.
type MemoryStore struct {
	mu        sync.Mutex
	docs      map[string]Document
	published []any
	clock     func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document), clock: time.Now}
}

// Get implements Store. Unknown users get an empty document.
func (m *MemoryStore) Get(_ context.Context, userID string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.docOf(userID))
}

// Apply implements Store.
func (m *MemoryStore) Apply(_ context.Context, userID string, update Update) error {
	if err := update.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, err := clone(m.docOf(userID))
	if err != nil {
		return err
	}
	if err := checkVersion(update, doc.Version); err != nil {
		return err
	}
	for _, a := range merge(&doc, update) {
		m.published = append(m.published, recordedEvent(userID, a, update.Categories))
	}
	for _, ms := range update.Milestones {
		m.published = append(m.published, ms)
	}
	doc.Version++
	doc.UpdatedAt = m.clock().UTC()
	m.docs[userID] = doc
	return nil
}

// AttachLinkedRecord implements Store.
func (m *MemoryStore) AttachLinkedRecord(_ context.Context, userID, activityID, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docOf(userID)
	if err := linkRecord(&doc, activityID, recordID); err != nil {
		return err
	}
	doc.Version++
	m.docs[userID] = doc
	return nil
}

// DeleteActivity implements Store.
func (m *MemoryStore) DeleteActivity(_ context.Context, userID, activityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docOf(userID)
	if err := removeActivity(&doc, activityID); err != nil {
		return err
	}
	doc.Version++
	m.docs[userID] = doc
	return nil
}

// Published returns the events recorded so far.
func (m *MemoryStore) Published() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.published...)
}

// Recorded returns the WorkoutRecorded events published so far.
func (m *MemoryStore) Recorded() []events.WorkoutRecorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.WorkoutRecorded
	for _, e := range m.published {
		if r, ok := e.(events.WorkoutRecorded); ok {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemoryStore) docOf(userID string) Document {
	doc, ok := m.docs[userID]
	if !ok {
		doc = Document{UserID: userID}
	}
	return doc
}

// clone deep-copies through JSON so callers never share slices or maps with the store.
func clone(doc Document) (Document, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return Document{}, err
	}
	var out Document
	err = json.Unmarshal(body, &out)
	return out, err
}
