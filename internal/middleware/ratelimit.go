package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/charlesng35/cosession/pkg/errors"
	"github.com/charlesng35/cosession/pkg/logger"
	"github.com/charlesng35/cosession/pkg/response"
)

// RateLimitConfig bounds requests per (clientIP, route) within a fixed window.
type RateLimitConfig struct {
	Store    RateStore
	Requests int
	Window   time.Duration
}

// RateLimit returns a middleware that enforces cfg. A non-positive limit disables it.
// Store failures let the request through rather than failing closed.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Store == nil || cfg.Requests <= 0 || cfg.Window <= 0 {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := "ratelimit:" + c.ClientIP() + "|" + c.Request.Method + " " + route

		count, resetIn, err := cfg.Store.Increment(c.Request.Context(), key, cfg.Window)
		if err != nil {
			logger.WithModule("http").Warn("rate limit store unavailable", zap.Error(err))
			c.Next()
			return
		}

		remaining := cfg.Requests - count
		if remaining < 0 {
			remaining = 0
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(resetIn.Seconds())))

		if count > cfg.Requests {
			c.Header("Retry-After", strconv.Itoa(int(resetIn.Seconds())+1))
			response.Error(c, appErrors.ErrRateLimit)
			return
		}

		c.Next()
	}
}
