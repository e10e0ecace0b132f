package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flowgate/internal/config"
	"flowgate/internal/domain"
	"flowgate/internal/infra/cache"
	"flowgate/internal/infra/ratelimit"
	"flowgate/internal/infra/secret"
	"flowgate/internal/infra/session"
	"flowgate/internal/infra/upstream"
	"flowgate/internal/policy"
	"flowgate/internal/usecase"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memPrincipalStore struct {
	principals map[string]domain.Principal
}

func (m *memPrincipalStore) GetByUsername(_ context.Context, username string) (*domain.Principal, error) {
	p, ok := m.principals[username]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

// brokenKV simulates an unreachable cache backend.
type brokenKV struct{ err error }

func (b *brokenKV) Get(context.Context, string) (string, bool, error) { return "", false, b.err }
func (b *brokenKV) Set(context.Context, string, string, time.Duration) error {
	return b.err
}
func (b *brokenKV) Del(context.Context, string) error                   { return b.err }
func (b *brokenKV) Expire(context.Context, string, time.Duration) error { return b.err }

type testGateway struct {
	server   *Server
	upstream *httptest.Server
}

func newTestGateway(t *testing.T, cfg config.Config, upstreamHandler http.HandlerFunc) *testGateway {
	t.Helper()
	if upstreamHandler == nil {
		upstreamHandler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":{"flow_run":[]}}`))
		}
	}
	upstreamSrv := httptest.NewServer(upstreamHandler)
	t.Cleanup(upstreamSrv.Close)

	verifier := secret.NewVerifier(1000)
	hash := func(s string) string {
		h, err := verifier.Hash(s)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		return h
	}
	principals := &memPrincipalStore{principals: map[string]domain.Principal{
		"alice": {
			ID: "p-alice", Username: "alice", SecretHash: hash("alice-secret"),
			Role: domain.RoleOperator, Active: true, Workspaces: []string{"ws1"},
		},
		"bob": {
			ID: "p-bob", Username: "bob", SecretHash: hash("bob-secret"),
			Role: domain.RoleReadOnly, Active: true, Workspaces: []string{"ws1"},
		},
		"root": {
			ID: "p-root", Username: "root", SecretHash: hash("root-secret"),
			Role: domain.RoleAdmin, Active: true,
		},
	}}

	kv := cache.NewMemory()
	sessions := session.NewStore(kv, 0)
	auth := &usecase.Authenticator{
		Principals: principals,
		Verifier:   verifier,
		Sessions:   sessions,
		TokenTTL:   time.Hour,
		DummyHash:  verifier.DummyHash(),
	}

	timeout := 2 * time.Second
	if cfg.UpstreamTimeoutSeconds > 0 {
		timeout = cfg.UpstreamTimeout()
	}
	forwarder, err := upstream.NewClient(upstreamSrv.URL, timeout, 4)
	if err != nil {
		t.Fatalf("upstream client: %v", err)
	}

	handle := policy.NewHandle(policy.Default())
	inspector := &usecase.Inspector{
		Policy: handle,
		Ownership: &usecase.OwnershipChecker{
			Forwarder: forwarder,
			Cache:     kv,
			TTL:       time.Minute,
		},
	}
	proxy := &usecase.Proxy{Auth: auth, Inspector: inspector, Forwarder: forwarder}

	var limiter domain.RateLimiter
	if cfg.LoginRateLimitAttempts > 0 {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{})
	}

	srv := NewServerWithDeps(cfg, ServerDeps{
		Auth:        auth,
		Proxy:       proxy,
		Policy:      handle,
		RateLimiter: limiter,
	}, zap.NewNop())
	return &testGateway{server: srv, upstream: upstreamSrv}
}

func (g *testGateway) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) login(t *testing.T, username, secretValue string) string {
	t.Helper()
	rec := g.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username,
		"secret":   secretValue,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body)
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login returned no token")
	}
	return resp.Token
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	rec := g.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestLoginAndProxyInScope(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	token := g.login(t, "alice", "alice-secret")

	rec := g.do(t, http.MethodPost, "/proxy", token, domain.GraphQLRequest{
		Query: `query { flow_run(where: {workspace_id: {_eq: "ws1"}}) { id } }`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"flow_run"`) {
		t.Fatalf("body %s", rec.Body)
	}
}

func TestProxyWorkspaceScopedPassThrough(t *testing.T) {
	var upstreamQuery string
	g := newTestGateway(t, config.Config{}, func(w http.ResponseWriter, r *http.Request) {
		var req domain.GraphQLRequest
		json.NewDecoder(r.Body).Decode(&req)
		upstreamQuery = req.Query
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"workspace":{"flows":[]}}}`))
	})
	token := g.login(t, "alice", "alice-secret")

	query := `query { workspace(id: "ws1") { flows } }`
	rec := g.do(t, http.MethodPost, "/proxy", token, domain.GraphQLRequest{Query: query})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if upstreamQuery != query {
		t.Fatalf("upstream saw %q, want the query unchanged", upstreamQuery)
	}
}

func TestProxyOutOfScopeWorkspace(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	token := g.login(t, "alice", "alice-secret")

	rec := g.do(t, http.MethodPost, "/proxy", token, domain.GraphQLRequest{
		Query: `query { workspace(id: "ws2") { id } }`,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error response: %v", err)
	}
	if resp.Code != "FORBIDDEN" {
		t.Fatalf("code %q", resp.Code)
	}
	if _, ok := resp.Details["violations"]; !ok {
		t.Fatalf("details %+v lack violations", resp.Details)
	}
}

func TestProxyRewritesForUpstream(t *testing.T) {
	var upstreamQuery string
	g := newTestGateway(t, config.Config{}, func(w http.ResponseWriter, r *http.Request) {
		var req domain.GraphQLRequest
		json.NewDecoder(r.Body).Decode(&req)
		upstreamQuery = req.Query
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"flow_run":[]}}`))
	})
	token := g.login(t, "alice", "alice-secret")

	rec := g.do(t, http.MethodPost, "/proxy", token, domain.GraphQLRequest{
		Query: `query { flow_run { id } }`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(upstreamQuery, "workspace_id") || !strings.Contains(upstreamQuery, `"ws1"`) {
		t.Fatalf("upstream saw %q, want injected workspace filter", upstreamQuery)
	}
}

func TestProxyReadOnlyMutationRejected(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	token := g.login(t, "bob", "bob-secret")

	rec := g.do(t, http.MethodPost, "/proxy", token, domain.GraphQLRequest{
		Query: `mutation { delete_flow_run(where: {}) { affected_rows } }`,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
}

func TestProxyWithoutToken(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	rec := g.do(t, http.MethodPost, "/proxy", "", domain.GraphQLRequest{Query: `query { hello }`})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestProxyWithStaleToken(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	token := g.login(t, "alice", "alice-secret")

	rec := g.do(t, http.MethodPost, "/auth/logout", token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status %d", rec.Code)
	}

	rec = g.do(t, http.MethodPost, "/proxy", token, domain.GraphQLRequest{Query: `query { hello }`})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
}

func TestProxyMalformedQuery(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	token := g.login(t, "alice", "alice-secret")

	rec := g.do(t, http.MethodPost, "/proxy", token, domain.GraphQLRequest{Query: `query {`})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
}

func TestProxyUpstreamTimeout(t *testing.T) {
	g := newTestGateway(t, config.Config{UpstreamTimeoutSeconds: 1}, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1500 * time.Millisecond)
	})
	token := g.login(t, "alice", "alice-secret")

	rec := g.do(t, http.MethodPost, "/proxy", token, domain.GraphQLRequest{
		Query: `query { flow_run(where: {workspace_id: {_eq: "ws1"}}) { id } }`,
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("502 should carry Retry-After")
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error response: %v", err)
	}
	if resp.Code != "UPSTREAM_UNAVAILABLE" {
		t.Fatalf("code %q", resp.Code)
	}
}

func TestLoginFailureIsUniform(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	for _, body := range []map[string]string{
		{"username": "nobody", "secret": "x"},
		{"username": "alice", "secret": "wrong"},
	} {
		rec := g.do(t, http.MethodPost, "/auth/login", "", body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d for %v", rec.Code, body)
		}
		var resp errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("error response: %v", err)
		}
		if resp.Code != "INVALID_CREDENTIALS" || resp.Message != "invalid credentials" {
			t.Fatalf("response %+v leaks the failure cause", resp)
		}
	}
}

func TestLoginRateLimited(t *testing.T) {
	g := newTestGateway(t, config.Config{
		LoginRateLimitAttempts:      2,
		LoginRateLimitWindowSeconds: 60,
	}, nil)

	body := map[string]string{"username": "alice", "secret": "wrong"}
	for i := 0; i < 2; i++ {
		if rec := g.do(t, http.MethodPost, "/auth/login", "", body); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status %d", i, rec.Code)
		}
	}
	rec := g.do(t, http.MethodPost, "/auth/login", "", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 should carry Retry-After")
	}
}

func TestAdminRequiresAdminRole(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)

	rec := g.do(t, http.MethodGet, "/admin/principals", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status %d", rec.Code)
	}

	operatorToken := g.login(t, "alice", "alice-secret")
	rec = g.do(t, http.MethodGet, "/admin/principals", operatorToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("operator status %d", rec.Code)
	}

	adminToken := g.login(t, "root", "root-secret")
	rec = g.do(t, http.MethodGet, "/admin/principals", adminToken, nil)
	// no database behind this gateway, so the admin surface reports
	// unavailability rather than forbidding
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("admin status %d body %s", rec.Code, rec.Body)
	}
}

func TestPolicyReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("subscriptions: deny\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	g := newTestGateway(t, config.Config{PolicyPath: path}, nil)
	adminToken := g.login(t, "root", "root-secret")

	before := g.server.policyHandle.Current()
	rec := g.do(t, http.MethodPost, "/admin/policy/reload", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if g.server.policyHandle.Current() == before {
		t.Fatal("reload should swap the rule table")
	}

	// a broken file leaves the running rules untouched
	if err := os.WriteFile(path, []byte("subscriptions: [broken\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	current := g.server.policyHandle.Current()
	rec = g.do(t, http.MethodPost, "/admin/policy/reload", adminToken, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if g.server.policyHandle.Current() != current {
		t.Fatal("failed reload must not swap the rules")
	}
}

func TestUnknownRoute(t *testing.T) {
	g := newTestGateway(t, config.Config{}, nil)
	rec := g.do(t, http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestProxySessionOutageHidesBackendDetail(t *testing.T) {
	kv := &brokenKV{err: errors.New("dial tcp 10.0.0.5:6379: connect: connection refused")}
	auth := &usecase.Authenticator{Sessions: session.NewStore(kv, 0)}
	srv := NewServerWithDeps(config.Config{}, ServerDeps{
		Auth:   auth,
		Proxy:  &usecase.Proxy{Auth: auth},
		Policy: policy.NewHandle(policy.Default()),
	}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(`{"query":"query { hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "UNAUTHORIZED" || resp.Message != "unauthenticated" {
		t.Fatalf("body %s", rec.Body)
	}
	if strings.Contains(rec.Body.String(), "6379") {
		t.Fatal("backend detail leaked to the client")
	}
}
