package http

import (
	"net/http"
	"strings"

	"flowgate/internal/domain"

	"github.com/gin-gonic/gin"
)

func (s *Server) requireAuth(c *gin.Context) (domain.AuthContext, bool) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
		return domain.AuthContext{}, false
	}
	result, err := s.auth.Authenticate(c.Request.Context(), domain.TokenCredential{Token: token})
	if err != nil {
		writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
		return domain.AuthContext{}, false
	}
	return result.Context, true
}

func (s *Server) requireAdmin(c *gin.Context) (domain.AuthContext, bool) {
	auth, ok := s.requireAuth(c)
	if !ok {
		return domain.AuthContext{}, false
	}
	if auth.Role != domain.RoleAdmin {
		writeErrorCode(c, http.StatusForbidden, "FORBIDDEN", "admin role required")
		return domain.AuthContext{}, false
	}
	return auth, true
}

func extractBearerToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
