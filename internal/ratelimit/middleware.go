package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SubjectFunc extracts the limited subject from a request, usually the client
// IP or the authenticated user ID.
type SubjectFunc func(c *gin.Context) string

// ByIP keys a bucket on the client address.
func ByIP(c *gin.Context) string { return c.ClientIP() }

// ByUser keys a bucket on the authenticated user, falling back to the client
// address for unauthenticated requests.
func ByUser(c *gin.Context) string {
	if id, ok := c.Get("user_id"); ok {
		return id.(string)
	}
	return c.ClientIP()
}

// Middleware enforces one bucket on a route group. Over-limit requests get a
// 429 with a Retry-After header and the standard error envelope.
func (l *Limiter) Middleware(b Bucket, subject SubjectFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter, _ := l.Allow(c.Request.Context(), b, subject(c))
		if !ok {
			c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate limit exceeded, slow down",
				"code":    "rate_limited",
			})
			return
		}
		c.Next()
	}
}
