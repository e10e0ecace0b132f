package http

import (
	"net/http"
	"strconv"
	"time"

	"flowgate/internal/domain"

	"github.com/gin-gonic/gin"
)

// enforceLoginRateLimit throttles credential attempts per username and per
// client address so one noisy caller cannot lock out everyone else. Limiter
// backend failures fall open unless configured otherwise.
func (s *Server) enforceLoginRateLimit(c *gin.Context, username string) bool {
	if s.rateLimiter == nil || s.loginRateAttempts <= 0 {
		return true
	}
	key := "login:" + username + ":" + c.ClientIP()
	decision, err := s.rateLimiter.Allow(c.Request.Context(), key, s.loginRateAttempts, s.loginRateWindow)
	if err != nil {
		if s.rateLimitFailClosed {
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
			return false
		}
		return true
	}
	writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many login attempts")
		return false
	}
	return true
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}
