// Package tokenclient moves short-lived wearable credentials from the backend to the wearable.
// The primary device calls Issue with its own session token; the wearable keeps the result in a
// CredentialSource and authenticates through oauth2.
package tokenclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// TokenPath is the backend token exchange endpoint.
const TokenPath = "/v1/devices/wearable-token"

// ErrCredentialExpired is returned when the wearable has no usable credential and must ask the
// primary device for a new one.
var ErrCredentialExpired = errors.New("wearable credential expired")

// Credential is a handed-off bearer token.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client requests wearable credentials from the backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client. httpClient must authenticate as the primary device, see StaticClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Issue asks the backend to mint a wearable credential for the caller.
func (c *Client) Issue(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+TokenPath, nil)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("request wearable token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var problem struct {
			Type   string `json:"type"`
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&problem)
		return Credential{}, fmt.Errorf("request wearable token: status %d %s %s", resp.StatusCode, problem.Type, problem.Detail)
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return Credential{}, fmt.Errorf("decode wearable token: %w", err)
	}
	if cred.Token == "" {
		return Credential{}, errors.New("backend returned an empty token")
	}
	return cred, nil
}

// StaticClient returns an HTTP client that sends a fixed bearer token.
func StaticClient(ctx context.Context, token string) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

// CredentialSource holds the credential handed off to the wearable. It implements oauth2.TokenSource.
type CredentialSource struct {
	mu   sync.RWMutex
	cred Credential
	now  func() time.Time
}

// NewCredentialSource constructs an empty CredentialSource.
func NewCredentialSource(now func() time.Time) *CredentialSource {
	if now == nil {
		now = time.Now
	}
	return &CredentialSource{now: now}
}

// Set replaces the held credential.
func (s *CredentialSource) Set(cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
}

// Valid reports whether a non-expired credential is held.
func (s *CredentialSource) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

func (s *CredentialSource) validLocked() bool {
	return s.cred.Token != "" && s.now().Before(s.cred.ExpiresAt)
}

// Token implements oauth2.TokenSource.
func (s *CredentialSource) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.validLocked() {
		return nil, ErrCredentialExpired
	}
	return &oauth2.Token{AccessToken: s.cred.Token, TokenType: "Bearer", Expiry: s.cred.ExpiresAt}, nil
}

// Client returns an HTTP client that authenticates with the held credential.
func (s *CredentialSource) Client(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, s)
}
