package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowgate/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Authenticator resolves a request's credential into an authorization
// context. Token credentials hit only the session store; secret credentials
// go through the principal store and the slow hash, then mint a fresh
// token. All secret-path failures look identical to the caller, so an
// attacker cannot tell an unknown username from a wrong secret.
type Authenticator struct {
	Principals domain.PrincipalStore
	Verifier   domain.SecretVerifier
	Sessions   domain.SessionStore
	TokenTTL   time.Duration
	DummyHash  string
	Logger     *zap.Logger
	Now        func() time.Time
}

// AuthResult carries the resolved context; Token is set only when a fresh
// login minted one.
type AuthResult struct {
	Context domain.AuthContext
	Token   string
}

func (a *Authenticator) Authenticate(ctx context.Context, cred domain.Credential) (*AuthResult, error) {
	switch c := cred.(type) {
	case domain.TokenCredential:
		return a.authenticateToken(ctx, c.Token)
	case domain.SecretCredential:
		return a.authenticateSecret(ctx, c.Username, c.Secret)
	default:
		return nil, domain.ErrUnauthenticated
	}
}

func (a *Authenticator) authenticateToken(ctx context.Context, token string) (*AuthResult, error) {
	if token == "" {
		return nil, domain.ErrUnauthenticated
	}
	auth, ok, err := a.Sessions.Get(ctx, token)
	if err != nil {
		// Fail closed: an unreachable session store never grants access.
		a.logger().Error("session lookup failed", zap.Error(err))
		return nil, fmt.Errorf("%w: session store: %v", domain.ErrUnauthenticated, err)
	}
	if !ok {
		return nil, domain.ErrUnauthenticated
	}
	return &AuthResult{Context: *auth}, nil
}

func (a *Authenticator) authenticateSecret(ctx context.Context, username, secretValue string) (*AuthResult, error) {
	if a.Principals == nil {
		// No credential store configured; only token credentials can work.
		return nil, domain.ErrUnauthenticated
	}
	principal, err := a.Principals.GetByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger().Error("principal lookup failed", zap.Error(err))
			return nil, fmt.Errorf("%w: principal store: %v", domain.ErrUnauthenticated, err)
		}
		// Burn a hash comparison anyway so the unknown-principal path costs
		// the same as a mismatch.
		a.Verifier.Verify(secretValue, a.DummyHash)
		return nil, domain.ErrUnauthenticated
	}
	if !a.Verifier.Verify(secretValue, principal.SecretHash) {
		a.logger().Warn("secret mismatch", zap.String("username", username))
		return nil, domain.ErrUnauthenticated
	}
	if !principal.Active {
		a.logger().Warn("inactive principal", zap.String("username", username))
		return nil, domain.ErrUnauthenticated
	}

	now := a.now()
	token := uuid.NewString()
	auth := domain.AuthContext{
		PrincipalID: principal.ID,
		Username:    principal.Username,
		Role:        principal.Role,
		Workspaces:  principal.Workspaces,
		IssuedAt:    now,
		ExpiresAt:   now.Add(a.TokenTTL),
	}
	if err := a.Sessions.Put(ctx, token, auth, a.TokenTTL); err != nil {
		a.logger().Error("session store put failed", zap.Error(err))
		return nil, fmt.Errorf("%w: session store: %v", domain.ErrUnauthenticated, err)
	}
	a.logger().Info("login",
		zap.String("username", principal.Username),
		zap.String("role", string(principal.Role)),
	)
	return &AuthResult{Context: auth, Token: token}, nil
}

func (a *Authenticator) Logout(ctx context.Context, token string) error {
	if token == "" {
		return domain.ErrUnauthenticated
	}
	return a.Sessions.Invalidate(ctx, token)
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *Authenticator) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}
