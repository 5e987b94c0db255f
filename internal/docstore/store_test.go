package docstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/events"
)

func testActivity(id string) domain.Activity {
	started := time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC)
	return domain.Activity{
		ID:              id,
		Type:            "strength",
		Date:            "2026-10-14",
		StartedAt:       started,
		DurationSeconds: 1800,
		Calories:        domain.Float(220),
		Source:          domain.SourcePrimary,
	}
}

func TestUpdateValidate(t *testing.T) {
	cases := []struct {
		name   string
		update Update
		ok     bool
	}{
		{name: "empty mask", update: Update{}},
		{name: "unknown field", update: Update{Mask: []Field{"profile"}}},
		{name: "goals without value", update: Update{Mask: []Field{FieldGoals}}},
		{name: "activity without id", update: Update{Mask: []Field{FieldActivities}, AppendActivities: []domain.Activity{{Type: "run"}}}},
		{name: "streaks", update: Update{Mask: []Field{FieldStreaks}, Streaks: &domain.Streaks{}}, ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.update.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidUpdate)
		})
	}
}

func TestMemoryStorePreservesUnmaskedFields(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	goals := domain.Goals{Weekly: map[domain.Category]int{domain.CategoryLifts: 4}}
	require.NoError(t, store.Apply(ctx, "u1", Update{Mask: []Field{FieldGoals}, Goals: &goals}))

	streaks := domain.Streaks{Master: domain.Streak{Count: 2, LastWeek: "2026-W41"}}
	require.NoError(t, store.Apply(ctx, "u1", Update{
		Mask:             []Field{FieldActivities, FieldStreaks},
		AppendActivities: []domain.Activity{testActivity("a1")},
		Streaks:          &streaks,
	}))

	doc, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 4, doc.Goals.WeeklyTarget(domain.CategoryLifts))
	require.Equal(t, 2, doc.Streaks.Master.Count)
	require.Len(t, doc.Activities, 1)
}

func TestMemoryStoreAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	update := Update{
		Mask:             []Field{FieldActivities},
		AppendActivities: []domain.Activity{testActivity("a1")},
		Categories:       map[string]string{"a1": "lifts"},
	}
	require.NoError(t, store.Apply(ctx, "u1", update))
	require.NoError(t, store.Apply(ctx, "u1", update))

	doc, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, doc.Activities, 1)

	recorded := store.Recorded()
	require.Len(t, recorded, 1)
	require.Equal(t, "lifts", recorded[0].Category)
}

func TestMemoryStoreGetUnknownUser(t *testing.T) {
	doc, err := NewMemoryStore().Get(context.Background(), "nobody")
	require.NoError(t, err)
	require.Equal(t, "nobody", doc.UserID)
	require.Empty(t, doc.Activities)
}

func TestMemoryStoreLinkAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Apply(ctx, "u1", Update{Mask: []Field{FieldActivities}, AppendActivities: []domain.Activity{testActivity("a1")}}))

	require.NoError(t, store.AttachLinkedRecord(ctx, "u1", "a1", "health-123"))
	doc, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "health-123", doc.Activities[0].LinkedRecordID)

	require.ErrorIs(t, store.AttachLinkedRecord(ctx, "u1", "missing", "x"), domain.ErrNotFound)
	require.NoError(t, store.DeleteActivity(ctx, "u1", "a1"))
	require.ErrorIs(t, store.DeleteActivity(ctx, "u1", "a1"), domain.ErrNotFound)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Apply(ctx, "u1", Update{Mask: []Field{FieldActivities}, AppendActivities: []domain.Activity{testActivity("a1")}}))

	doc, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	doc.Activities[0].Type = "mutated"

	again, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "strength", again.Activities[0].Type)
}

func TestMemoryStorePublishesMilestones(t *testing.T) {
	store := NewMemoryStore()
	ms := events.MilestoneReached{UserID: "u1", Kind: "category-goal-met", Category: "lifts", Window: "2026-W42"}
	require.NoError(t, store.Apply(context.Background(), "u1", Update{
		Mask:             []Field{FieldActivities},
		AppendActivities: []domain.Activity{testActivity("a1")},
		Milestones:       []events.MilestoneReached{ms},
	}))
	require.Contains(t, store.Published(), any(ms))
}

func TestHTTPClientRoundTrip(t *testing.T) {
	backing := NewMemoryStore()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/users/{id}/document", func(w http.ResponseWriter, r *http.Request) {
		doc, _ := backing.Get(r.Context(), r.PathValue("id"))
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("PATCH /v1/users/{id}/document", func(w http.ResponseWriter, r *http.Request) {
		var update Update
		require.NoError(t, json.NewDecoder(r.Body).Decode(&update))
		require.NoError(t, backing.Apply(r.Context(), r.PathValue("id"), update))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /v1/users/{id}/activities/{aid}", func(w http.ResponseWriter, r *http.Request) {
		if err := backing.DeleteActivity(r.Context(), r.PathValue("id"), r.PathValue("aid")); err != nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"type":"not_found","detail":"activity not found"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	client := NewHTTPClient(server.URL+"/", server.Client())
	require.NoError(t, client.Apply(ctx, "u1", Update{Mask: []Field{FieldActivities}, AppendActivities: []domain.Activity{testActivity("a1")}}))

	doc, err := client.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, doc.HasActivity("a1"))

	require.NoError(t, client.DeleteActivity(ctx, "u1", "a1"))
	err = client.DeleteActivity(ctx, "u1", "a1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "not_found", apiErr.Type)
}

func TestMemoryStoreVersionPrecondition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Apply(ctx, "u1", Update{Mask: []Field{FieldActivities}, AppendActivities: []domain.Activity{testActivity("a1")}}))
	doc, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.Version)

	stale := int64(0)
	streaks := domain.Streaks{Master: domain.Streak{Count: 1, LastWeek: "2026-W42"}}
	err = store.Apply(ctx, "u1", Update{Mask: []Field{FieldStreaks}, Streaks: &streaks, ExpectVersion: &stale})
	require.ErrorIs(t, err, ErrVersionConflict)

	current := doc.Version
	require.NoError(t, store.Apply(ctx, "u1", Update{Mask: []Field{FieldStreaks}, Streaks: &streaks, ExpectVersion: &current}))
	require.NoError(t, store.DeleteActivity(ctx, "u1", "a1"))

	doc, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(3), doc.Version)
	require.Equal(t, 1, doc.Streaks.Master.Count)
}

func TestHTTPClientSendsIfMatch(t *testing.T) {
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /v1/users/{id}/document", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("If-Match"))
		if r.Header.Get("If-Match") == ETag(4) {
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = w.Write([]byte(`{"type":"precondition_failed","detail":"document version conflict"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	client := NewHTTPClient(server.URL, server.Client())
	update := Update{Mask: []Field{FieldActivities}, AppendActivities: []domain.Activity{testActivity("a1")}}
	require.NoError(t, client.Apply(ctx, "u1", update))

	stale := int64(4)
	update.ExpectVersion = &stale
	err := client.Apply(ctx, "u1", update)
	require.ErrorIs(t, err, ErrVersionConflict)
	require.Equal(t, []string{"", `"4"`}, seen)
}

func TestETagRoundTrip(t *testing.T) {
	v, err := ParseETag(ETag(42))
	require.NoError(t, err)
	require.Equal(t, int64(42), v)

	_, err = ParseETag("42")
	require.Error(t, err)
}
