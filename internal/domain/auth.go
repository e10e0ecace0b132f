package domain

import (
	"context"
	"time"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReadOnly Role = "readonly"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleReadOnly:
		return true
	}
	return false
}

// Principal is a stored identity. SecretHash is the salted PBKDF2 digest of
// the principal's secret; Workspaces is the set of workspace IDs the
// principal may touch.
type Principal struct {
	ID         string
	Username   string
	SecretHash string
	Role       Role
	Active     bool
	Workspaces []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AuthContext is the cache-resident authorization context minted on login
// and resolved from a bearer token on every subsequent request.
type AuthContext struct {
	PrincipalID string    `json:"principal_id"`
	Username    string    `json:"username"`
	Role        Role      `json:"role"`
	Workspaces  []string  `json:"workspaces"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a AuthContext) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

func (a AuthContext) InScope(workspaceID string) bool {
	for _, ws := range a.Workspaces {
		if ws == workspaceID {
			return true
		}
	}
	return false
}

// Credential is the sum of the two ways a caller identifies itself. Exactly
// one implementation is presented per request.
type Credential interface {
	credential()
}

type SecretCredential struct {
	Username string
	Secret   string
}

type TokenCredential struct {
	Token string
}

func (SecretCredential) credential() {}
func (TokenCredential) credential()  {}

type PrincipalStore interface {
	GetByUsername(ctx context.Context, username string) (*Principal, error)
}

// SessionStore maps opaque tokens to authorization contexts. The backing
// store's TTL is authoritative for token validity; a lookup failure must
// surface as an error, never as a silent miss.
type SessionStore interface {
	Get(ctx context.Context, token string) (*AuthContext, bool, error)
	Put(ctx context.Context, token string, auth AuthContext, ttl time.Duration) error
	Invalidate(ctx context.Context, token string) error
}

// SecretVerifier compares a presented secret against a stored hash in
// constant time.
type SecretVerifier interface {
	Verify(secret, hash string) bool
}
