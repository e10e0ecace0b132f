package http

import (
	"errors"
	"net/http"
	"time"

	"flowgate/internal/domain"
	"flowgate/internal/infra/db"
	"flowgate/internal/policy"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// upstreamRetryAfterSeconds is the hint clients get when the upstream is
// unreachable or timing out.
const upstreamRetryAfterSeconds = "2"

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type loginResponse struct {
	Token      string    `json:"token"`
	Role       string    `json:"role"`
	Workspaces []string  `json:"workspaces"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type principalRequest struct {
	Username   string   `json:"username"`
	Secret     string   `json:"secret"`
	Role       string   `json:"role"`
	Active     *bool    `json:"active,omitempty"`
	Workspaces []string `json:"workspaces,omitempty"`
}

type principalResponse struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	Active     bool      `json:"active"`
	Workspaces []string  `json:"workspaces"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type workspaceRequest struct {
	Slug string `json:"slug"`
}

type workspaceResponse struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if req.Username == "" || req.Secret == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_CREDENTIALS_FORMAT", "username and secret are required")
		return
	}
	if !s.enforceLoginRateLimit(c, req.Username) {
		return
	}
	result, err := s.auth.Authenticate(c.Request.Context(), domain.SecretCredential{
		Username: req.Username,
		Secret:   req.Secret,
	})
	if err != nil {
		// One failure shape for unknown user, bad secret, and inactive
		// principal alike.
		writeErrorCode(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}
	c.JSON(http.StatusOK, loginResponse{
		Token:      result.Token,
		Role:       string(result.Context.Role),
		Workspaces: result.Context.Workspaces,
		ExpiresAt:  result.Context.ExpiresAt,
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return
	}
	if err := s.auth.Logout(c.Request.Context(), token); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleProxy(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return
	}
	var req domain.GraphQLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if req.Query == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_OPERATION", "query is required")
		return
	}
	resp, err := s.proxy.Execute(c.Request.Context(), token, req)
	if err != nil {
		writeError(c, err)
		return
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.Status, contentType, resp.Body)
}

func (s *Server) handleListPrincipals(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.principals == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "principal store not configured")
		return
	}
	principals, err := s.principals.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]principalResponse, 0, len(principals))
	for _, p := range principals {
		out = append(out, toPrincipalResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"principals": out})
}

func (s *Server) handleCreatePrincipal(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.principals == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "principal store not configured")
		return
	}
	var req principalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if req.Username == "" || req.Secret == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_PRINCIPAL", "username and secret are required")
		return
	}
	role := domain.Role(req.Role)
	if !role.Valid() {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ROLE", "role must be admin, operator, or readonly")
		return
	}
	hash, err := s.hasher.Hash(req.Secret)
	if err != nil {
		writeError(c, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	now := time.Now().UTC()
	principal := domain.Principal{
		ID:         uuid.NewString(),
		Username:   req.Username,
		SecretHash: hash,
		Role:       role,
		Active:     active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.principals.Create(c.Request.Context(), principal); err != nil {
		writeError(c, err)
		return
	}
	for _, ws := range req.Workspaces {
		if err := s.principals.AddWorkspace(c.Request.Context(), principal.ID, ws); err != nil {
			writeError(c, err)
			return
		}
		principal.Workspaces = append(principal.Workspaces, ws)
	}
	s.logger.Info("principal created",
		zap.String("principal_id", principal.ID),
		zap.String("username", principal.Username),
		zap.String("role", string(principal.Role)))
	c.JSON(http.StatusCreated, toPrincipalResponse(principal))
}

func (s *Server) handleGetPrincipal(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.principals == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "principal store not configured")
		return
	}
	principal, err := s.principals.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPrincipalResponse(*principal))
}

func (s *Server) handleUpdatePrincipal(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.principals == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "principal store not configured")
		return
	}
	existing, err := s.principals.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req principalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	updated := *existing
	if req.Secret != "" {
		hash, err := s.hasher.Hash(req.Secret)
		if err != nil {
			writeError(c, err)
			return
		}
		updated.SecretHash = hash
	}
	if req.Role != "" {
		role := domain.Role(req.Role)
		if !role.Valid() {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_ROLE", "role must be admin, operator, or readonly")
			return
		}
		updated.Role = role
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if err := s.principals.Update(c.Request.Context(), updated); err != nil {
		writeError(c, err)
		return
	}
	updated.UpdatedAt = time.Now().UTC()
	c.JSON(http.StatusOK, toPrincipalResponse(updated))
}

func (s *Server) handleDeletePrincipal(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.principals == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "principal store not configured")
		return
	}
	if err := s.principals.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAddPrincipalWorkspace(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.principals == nil || s.workspaces == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "principal store not configured")
		return
	}
	principalID, workspaceID := c.Param("id"), c.Param("workspace_id")
	if _, err := s.principals.GetByID(c.Request.Context(), principalID); err != nil {
		writeError(c, err)
		return
	}
	if _, err := s.workspaces.GetByID(c.Request.Context(), workspaceID); err != nil {
		writeError(c, err)
		return
	}
	if err := s.principals.AddWorkspace(c.Request.Context(), principalID, workspaceID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRemovePrincipalWorkspace(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.principals == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "principal store not configured")
		return
	}
	if err := s.principals.RemoveWorkspace(c.Request.Context(), c.Param("id"), c.Param("workspace_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListWorkspaces(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.workspaces == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "workspace store not configured")
		return
	}
	workspaces, err := s.workspaces.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]workspaceResponse, 0, len(workspaces))
	for _, ws := range workspaces {
		out = append(out, workspaceResponse{ID: ws.ID, Slug: ws.Slug, CreatedAt: ws.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": out})
}

func (s *Server) handleCreateWorkspace(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.workspaces == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "workspace store not configured")
		return
	}
	var req workspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if req.Slug == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_WORKSPACE", "slug is required")
		return
	}
	model := db.WorkspaceModel{
		ID:        uuid.NewString(),
		Slug:      req.Slug,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.workspaces.Create(c.Request.Context(), model); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, workspaceResponse{ID: model.ID, Slug: model.Slug, CreatedAt: model.CreatedAt})
}

func (s *Server) handleDeleteWorkspace(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.workspaces == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "workspace store not configured")
		return
	}
	if err := s.workspaces.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePolicyReload re-reads the rule file and swaps it in atomically. A
// file that fails to parse leaves the running rules untouched.
func (s *Server) handlePolicyReload(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	if s.cfg.PolicyPath == "" {
		writeErrorCode(c, http.StatusConflict, "POLICY_STATIC", "no policy file configured")
		return
	}
	rules, err := policy.Load(s.cfg.PolicyPath)
	if err != nil {
		writeErrorCode(c, http.StatusUnprocessableEntity, "POLICY_INVALID", err.Error())
		return
	}
	s.policyHandle.Swap(rules)
	s.logger.Info("policy reloaded", zap.String("path", s.cfg.PolicyPath))
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func toPrincipalResponse(p domain.Principal) principalResponse {
	workspaces := p.Workspaces
	if workspaces == nil {
		workspaces = []string{}
	}
	return principalResponse{
		ID:         p.ID,
		Username:   p.Username,
		Role:       string(p.Role),
		Active:     p.Active,
		Workspaces: workspaces,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

func writeError(c *gin.Context, err error) {
	var inspection *domain.InspectionError
	if errors.As(err, &inspection) {
		c.JSON(http.StatusForbidden, errorResponse{
			Code:    "FORBIDDEN",
			Message: inspection.Error(),
			Details: map[string]any{"violations": inspection.Violations},
		})
		return
	}
	// Infrastructure failures get a fixed message: the wrapped error names
	// which backend broke, and that detail stays in the server log.
	status, code, message := http.StatusInternalServerError, "INTERNAL", "internal error"
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		status, code, message = http.StatusUnauthorized, "UNAUTHORIZED", "unauthenticated"
	case errors.Is(err, domain.ErrForbidden):
		status, code, message = http.StatusForbidden, "FORBIDDEN", err.Error()
	case errors.Is(err, domain.ErrInvalidOperation):
		status, code, message = http.StatusBadRequest, "INVALID_OPERATION", err.Error()
	case errors.Is(err, domain.ErrUpstreamTimeout), errors.Is(err, domain.ErrUpstreamUnreachable):
		c.Header("Retry-After", upstreamRetryAfterSeconds)
		status, code, message = http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "upstream unavailable"
	case errors.Is(err, domain.ErrCacheUnavailable):
		status, code, message = http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "cache unavailable"
	case errors.Is(err, domain.ErrNotFound):
		status, code, message = http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.Is(err, domain.ErrInternal):
		status, code, message = http.StatusInternalServerError, "INTERNAL", "internal error"
	}
	writeErrorCode(c, status, code, message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
