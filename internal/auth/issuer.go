package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultWearableTTL bounds how long a handed-off wearable credential stays valid.
const DefaultWearableTTL = time.Hour

// Issuer mints HS256 tokens verifiable by Parse with the same Config.
type Issuer struct {
	cfg Config
	ttl time.Duration
	now func() time.Time
}

// IssuerOption customises an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerClock overrides the time source used for iat/exp.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer constructs an Issuer. A non-positive ttl falls back to DefaultWearableTTL.
func NewIssuer(cfg Config, ttl time.Duration, opts ...IssuerOption) *Issuer {
	if ttl <= 0 {
		ttl = DefaultWearableTTL
	}
	i := &Issuer{cfg: cfg, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue signs a token for subject carrying scopes.
func (i *Issuer) Issue(subject, tenantID string, scopes ...string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("issue token: subject is required")
	}
	now := i.now().UTC()
	expiresAt := now.Add(i.ttl)

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		TenantID: tenantID,
		Scopes:   scopes,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	issuedCounter.WithLabelValues(scopeLabel(scopes)).Inc()
	return signed, time.Unix(expiresAt.Unix(), 0).UTC(), nil
}

// IssueWearable mints a wearable credential for the owner of parent.
func (i *Issuer) IssueWearable(parent *Claims) (string, time.Time, error) {
	if parent == nil {
		return "", time.Time{}, ErrMissingToken
	}
	return i.Issue(parent.Subject, parent.TenantID, ScopeDocumentsRead, ScopeDocumentsWrite, ScopeWearable)
}

func scopeLabel(scopes []string) string {
	for _, s := range scopes {
		if s == ScopeWearable {
			return ScopeWearable
		}
	}
	return "standard"
}
