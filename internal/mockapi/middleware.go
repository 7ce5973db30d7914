package mockapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rcourtman/pagegen/internal/logging"
	"github.com/rcourtman/pagegen/internal/metrics"
)

const (
	productHeader   = "X-Product-ID"
	requestIDHeader = "X-Request-ID"
	callerKey       = "mockapi.user_id"
)

func callerID(c *gin.Context) string {
	return c.GetString(callerKey)
}

// requireAuth validates the bearer token and stores the caller id.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			message(c, http.StatusUnauthorized, "Authentication required")
			return
		}
		id, err := s.parseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			message(c, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		c.Set(callerKey, id)
		c.Next()
	}
}

// requestLogger logs each request with its X-Request-ID and counts it.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		ctx, requestID := logging.WithRequestID(c.Request.Context(), c.GetHeader(requestIDHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RecordMockRequest(route, strconv.Itoa(status))

		logging.Ctx(ctx).Debug().
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", time.Since(started)).
			Msg("Mock request served")
	}
}
