package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/workoutsync/internal/auth"
	"example.com/workoutsync/internal/docstore"
	"example.com/workoutsync/internal/domain"
)

var testAuth = auth.Config{Secret: "test-secret", Issuer: "workoutsync-test"}

func newTestServer(t *testing.T) (http.Handler, *docstore.MemoryStore, *auth.Issuer) {
	t.Helper()
	store := docstore.NewMemoryStore()
	issuer := auth.NewIssuer(testAuth, time.Hour)
	authn := auth.NewMiddleware(testAuth, auth.SkipPaths(PublicPaths()...))

	mux := http.NewServeMux()
	NewHandler(store, issuer, authn).RegisterRoutes(mux)
	return authn.Wrap(mux), store, issuer
}

func bearer(t *testing.T, issuer *auth.Issuer, subject string, scopes ...string) string {
	t.Helper()
	token, _, err := issuer.Issue(subject, "", scopes...)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func TestWearableTokenRejectsNonPost(t *testing.T) {
	handler, _, _ := newTestServer(t)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(method, WearableTokenPath, nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405 got %d", method, rr.Code)
		}
	}
}

func TestWearableTokenRequiresValidBearer(t *testing.T) {
	handler, _, _ := newTestServer(t)

	for name, header := range map[string]string{
		"missing":   "",
		"malformed": "Token abc",
		"invalid":   "Bearer not-a-jwt",
	} {
		req := httptest.NewRequest(http.MethodPost, WearableTokenPath, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 got %d", name, rr.Code)
		}
	}
}

func TestWearableTokenIssuesScopedCredential(t *testing.T) {
	handler, _, issuer := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, WearableTokenPath, nil)
	req.Header.Set("Authorization", bearer(t, issuer, "user-1", auth.ScopeDocumentsWrite))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp TokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	claims, err := auth.Parse(resp.Token, testAuth)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Subject != "user-1" || !claims.HasScope(auth.ScopeWearable) {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !resp.ExpiresAt.After(time.Now()) {
		t.Fatalf("expires_at %s is not in the future", resp.ExpiresAt)
	}

	// a wearable credential cannot mint another one
	req = httptest.NewRequest(http.MethodPost, WearableTokenPath, nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestDocumentPatchAndGet(t *testing.T) {
	handler, store, issuer := newTestServer(t)
	token := bearer(t, issuer, "user-1", auth.ScopeDocumentsRead, auth.ScopeDocumentsWrite)

	update := docstore.Update{
		Mask: []docstore.Field{docstore.FieldActivities},
		AppendActivities: []domain.Activity{{
			ID:              "act-1",
			Type:            "running",
			Date:            "2026-10-14",
			StartedAt:       time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC),
			DurationSeconds: 1200,
			Source:          domain.SourceWearable,
		}},
	}
	body, _ := json.Marshal(update)
	req := httptest.NewRequest(http.MethodPatch, "/v1/users/user-1/document", bytes.NewReader(body))
	req.Header.Set("Authorization", token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d: %s", rr.Code, rr.Body.String())
	}
	if len(store.Recorded()) != 1 {
		t.Fatalf("expected one workout.recorded event, got %d", len(store.Recorded()))
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/users/user-1/document", nil)
	req.Header.Set("Authorization", token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var doc docstore.Document
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !doc.HasActivity("act-1") {
		t.Fatalf("activity missing from document: %+v", doc)
	}
}

func TestDocumentRejectsOtherSubjects(t *testing.T) {
	handler, _, issuer := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/users/user-2/document", nil)
	req.Header.Set("Authorization", bearer(t, issuer, "user-1", auth.ScopeDocumentsRead))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestDocumentPatchValidatesMask(t *testing.T) {
	handler, _, issuer := newTestServer(t)

	req := httptest.NewRequest(http.MethodPatch, "/v1/users/user-1/document", bytes.NewReader([]byte(`{"mask":["goals"]}`)))
	req.Header.Set("Authorization", bearer(t, issuer, "user-1", auth.ScopeDocumentsWrite))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestDeleteUnknownActivity(t *testing.T) {
	handler, _, issuer := newTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/v1/users/user-1/activities/nope", nil)
	req.Header.Set("Authorization", bearer(t, issuer, "user-1", auth.ScopeDocumentsWrite))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestHealthzSkipsAuth(t *testing.T) {
	handler, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
}

func TestDocumentPatchHonoursIfMatch(t *testing.T) {
	handler, _, issuer := newTestServer(t)
	token := bearer(t, issuer, "user-1", auth.ScopeDocumentsRead, auth.ScopeDocumentsWrite)

	patch := func(ifMatch string) *httptest.ResponseRecorder {
		body := []byte(`{"mask":["goals"],"goals":{"weekly":{"lifts":3}}}`)
		req := httptest.NewRequest(http.MethodPatch, "/v1/users/user-1/document", bytes.NewReader(body))
		req.Header.Set("Authorization", token)
		if ifMatch != "" {
			req.Header.Set("If-Match", ifMatch)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := patch(docstore.ETag(0)); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := patch(docstore.ETag(0)); rr.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for a stale version got %d", rr.Code)
	}
	if rr := patch("not-a-tag"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed If-Match got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/users/user-1/document", nil)
	req.Header.Set("Authorization", token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("ETag"); got != docstore.ETag(1) {
		t.Fatalf("expected ETag %s got %s", docstore.ETag(1), got)
	}
}
