package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const internalAPIKeyHeader = "X-Internal-Api-Key"

// InternalAPIKeyRequired gates service-to-service endpoints. The compare is
// constant-time so the key cannot be probed byte by byte.
func (s *Server) InternalAPIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.InternalAPIKey)
		if expected == "" {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		presented := strings.TrimSpace(c.GetHeader(internalAPIKeyHeader))
		if presented == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Next()
	}
}
