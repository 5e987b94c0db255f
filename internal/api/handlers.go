// Package api exposes the backend HTTP endpoints: user documents and the wearable token exchange.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"example.com/workoutsync/internal/auth"
	"example.com/workoutsync/internal/docstore"
	"example.com/workoutsync/internal/domain"
)

// WearableTokenPath is the token exchange endpoint. It authenticates the caller itself so that a
// wrong method is reported before a missing credential.
const WearableTokenPath = "/v1/devices/wearable-token"

// Handler coordinates HTTP requests with the document store and token issuer.
type Handler struct {
	store  docstore.Store
	issuer *auth.Issuer
	authn  auth.Middleware
	logger *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(store docstore.Store, issuer *auth.Issuer, authn auth.Middleware) *Handler {
	return &Handler{
		store:  store,
		issuer: issuer,
		authn:  authn,
		logger: log.New(log.Writer(), "[api] ", log.LstdFlags|log.Lshortfile),
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(WearableTokenPath, h.wearableToken)
	mux.HandleFunc("/v1/users/{id}/document", h.document)
	mux.HandleFunc("/v1/users/{id}/activities/{aid}", h.activity)
	mux.HandleFunc("/v1/users/{id}/activities/{aid}/link", h.linkActivity)
	mux.HandleFunc("/healthz", healthz)
}

// PublicPaths lists the paths the auth middleware must let through unauthenticated.
func PublicPaths() []string {
	return []string{"/healthz", WearableTokenPath}
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// TokenResponse is returned by the wearable token exchange.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) wearableToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, err := h.authn.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if claims.HasScope(auth.ScopeWearable) {
		writeError(w, http.StatusForbidden, "forbidden", "wearable credentials cannot mint tokens")
		return
	}

	token, expiresAt, err := h.issuer.IssueWearable(claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	h.logger.Printf("issued wearable token for %s until %s", claims.Subject, expiresAt.Format(time.RFC3339))
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt})
}

func (h *Handler) document(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getDocument(w, r)
	case http.MethodPatch:
		h.patchDocument(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if _, ok := authorize(w, r, userID, auth.ScopeDocumentsRead); !ok {
		return
	}

	doc, err := h.store.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.Header().Set("ETag", docstore.ETag(doc.Version))
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) patchDocument(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if _, ok := authorize(w, r, userID, auth.ScopeDocumentsWrite); !ok {
		return
	}

	var update docstore.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := update.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if match := r.Header.Get("If-Match"); match != "" {
		version, err := docstore.ParseETag(match)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		update.ExpectVersion = &version
	}
	for i := range update.Milestones {
		update.Milestones[i].UserID = userID
	}

	if err := h.store.Apply(r.Context(), userID, update); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) activity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	userID := r.PathValue("id")
	if _, ok := authorize(w, r, userID, auth.ScopeDocumentsWrite); !ok {
		return
	}

	if err := h.store.DeleteActivity(r.Context(), userID, r.PathValue("aid")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) linkActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	userID := r.PathValue("id")
	if _, ok := authorize(w, r, userID, auth.ScopeDocumentsWrite); !ok {
		return
	}

	var req docstore.LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if req.RecordID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "record_id is required")
		return
	}

	if err := h.store.AttachLinkedRecord(r.Context(), userID, r.PathValue("aid"), req.RecordID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorize checks that the bearer owns userID and carries scope. It writes the error response itself.
func authorize(w http.ResponseWriter, r *http.Request, userID, scope string) (*auth.Claims, bool) {
	claims, err := auth.Authorize(r.Context(), userID, scope)
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return nil, false
	case err != nil:
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return nil, false
	}
	return claims, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if errors.Is(err, docstore.ErrVersionConflict) {
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "server_error", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
