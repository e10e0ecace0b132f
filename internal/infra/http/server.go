package http

import (
	"context"
	"net/http"
	"time"

	"flowgate/internal/config"
	"flowgate/internal/domain"
	"flowgate/internal/infra/cache"
	"flowgate/internal/infra/db"
	"flowgate/internal/infra/policyopa"
	"flowgate/internal/infra/ratelimit"
	"flowgate/internal/infra/secret"
	"flowgate/internal/infra/session"
	"flowgate/internal/infra/upstream"
	"flowgate/internal/policy"
	"flowgate/internal/usecase"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.Config
	store  *db.Store
	r      *gin.Engine
	logger *zap.Logger

	auth         *usecase.Authenticator
	proxy        *usecase.Proxy
	policyHandle *policy.Handle

	principals *db.PrincipalRepository
	workspaces *db.WorkspaceRepository
	hasher     *secret.Verifier

	rateLimiter         domain.RateLimiter
	loginRateAttempts   int
	loginRateWindow     time.Duration
	rateLimitFailClosed bool

	cacheMode string
	initErr   error
}

func NewServer(cfg config.Config, store *db.Store, logger *zap.Logger) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{cfg: cfg, store: store, r: r, logger: logger}
	s.initDeps()
	s.routes()
	return s
}

// ServerDeps lets tests assemble a server from fakes without touching
// Postgres, Redis, or a live upstream.
type ServerDeps struct {
	Auth        *usecase.Authenticator
	Proxy       *usecase.Proxy
	Policy      *policy.Handle
	Principals  *db.PrincipalRepository
	Workspaces  *db.WorkspaceRepository
	Hasher      *secret.Verifier
	RateLimiter domain.RateLimiter
}

func NewServerWithDeps(cfg config.Config, deps ServerDeps, logger *zap.Logger) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:          cfg,
		r:            r,
		logger:       logger,
		auth:         deps.Auth,
		proxy:        deps.Proxy,
		policyHandle: deps.Policy,
		principals:   deps.Principals,
		workspaces:   deps.Workspaces,
		hasher:       deps.Hasher,
		rateLimiter:  deps.RateLimiter,
		cacheMode:    "memory",
	}
	if s.hasher == nil {
		s.hasher = secret.NewVerifier(0)
	}
	s.loginRateAttempts = cfg.LoginRateLimitAttempts
	s.loginRateWindow = cfg.LoginRateLimitWindow()
	s.rateLimitFailClosed = cfg.RateLimitFailClosed
	s.routes()
	return s
}

func (s *Server) initDeps() {
	var kv cache.KV
	s.cacheMode = "memory"
	if s.cfg.RedisAddr != "" {
		redisKV, err := cache.NewRedis(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB)
		if err == nil {
			kv = redisKV
			s.cacheMode = "redis"
		}
	}
	if kv == nil {
		kv = cache.NewMemory()
	}

	refresh := time.Duration(0)
	if s.cfg.SessionRefreshTTL {
		refresh = s.cfg.TokenTTL()
	}
	sessions := session.NewStore(kv, refresh)

	s.hasher = secret.NewVerifier(0)

	rules := policy.Default()
	if s.cfg.PolicyPath != "" {
		loaded, err := policy.Load(s.cfg.PolicyPath)
		if err != nil {
			s.initErr = err
			return
		}
		rules = loaded
	}
	s.policyHandle = policy.NewHandle(rules)

	var principalStore domain.PrincipalStore
	if s.store != nil {
		s.principals = db.NewPrincipalRepository(s.store.DB)
		s.workspaces = db.NewWorkspaceRepository(s.store.DB)
		principalStore = s.principals
	}

	s.auth = &usecase.Authenticator{
		Principals: principalStore,
		Verifier:   s.hasher,
		Sessions:   sessions,
		TokenTTL:   s.cfg.TokenTTL(),
		DummyHash:  s.hasher.DummyHash(),
		Logger:     s.logger,
	}

	forwarder, err := upstream.NewClient(s.cfg.UpstreamURL, s.cfg.UpstreamTimeout(), s.cfg.UpstreamMaxConns)
	if err != nil {
		s.initErr = err
		return
	}

	inspector := &usecase.Inspector{
		Policy: s.policyHandle,
		Ownership: &usecase.OwnershipChecker{
			Forwarder: forwarder,
			Cache:     kv,
			TTL:       s.cfg.OwnershipCacheTTL(),
			Logger:    s.logger,
		},
		Logger: s.logger,
	}
	if s.cfg.PolicyBundlePath != "" {
		engine, err := policyopa.NewEngineFromBundlePath(context.Background(), s.cfg.PolicyBundlePath)
		if err != nil {
			s.initErr = err
			return
		}
		inspector.Engine = engine
	}

	s.proxy = &usecase.Proxy{
		Auth:      s.auth,
		Inspector: inspector,
		Forwarder: forwarder,
		Logger:    s.logger,
	}

	s.initRateLimit()
}

func (s *Server) initRateLimit() {
	if s.rateLimiter == nil && s.cfg.LoginRateLimitAttempts > 0 {
		if s.cfg.RedisAddr != "" {
			if limiter, err := ratelimit.NewRedisLimiter(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB, nil); err == nil {
				s.rateLimiter = limiter
			}
		}
		if s.rateLimiter == nil {
			s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
				MaxKeys: s.cfg.RateLimitMaxKeys,
			})
		}
	}
	s.loginRateAttempts = s.cfg.LoginRateLimitAttempts
	s.loginRateWindow = s.cfg.LoginRateLimitWindow()
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		dbMode := "no-db"
		if s.store != nil && s.store.DB != nil {
			dbMode = "db"
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "db": dbMode, "cache": s.cacheMode})
	})

	s.r.POST("/auth/login", s.handleLogin)
	s.r.POST("/auth/logout", s.handleLogout)
	s.r.POST("/proxy", s.handleProxy)

	admin := s.r.Group("/admin")
	{
		admin.GET("/principals", s.handleListPrincipals)
		admin.POST("/principals", s.handleCreatePrincipal)
		admin.GET("/principals/:id", s.handleGetPrincipal)
		admin.PATCH("/principals/:id", s.handleUpdatePrincipal)
		admin.DELETE("/principals/:id", s.handleDeletePrincipal)
		admin.POST("/principals/:id/workspaces/:workspace_id", s.handleAddPrincipalWorkspace)
		admin.DELETE("/principals/:id/workspaces/:workspace_id", s.handleRemovePrincipalWorkspace)

		admin.GET("/workspaces", s.handleListWorkspaces)
		admin.POST("/workspaces", s.handleCreateWorkspace)
		admin.DELETE("/workspaces/:id", s.handleDeleteWorkspace)

		admin.POST("/policy/reload", s.handlePolicyReload)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) Run() error {
	if s.initErr != nil {
		return s.initErr
	}
	return s.r.Run(s.cfg.HTTPAddr)
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.r
}
