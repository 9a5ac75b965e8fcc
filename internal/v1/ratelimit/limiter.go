// Package ratelimit implements connection rate limiting for the WebSocket
// accept path.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/roomgrid/roomgrid/internal/v1/logging"
	"github.com/roomgrid/roomgrid/internal/v1/metrics"
)

// Limiter enforces a per-IP connection budget in front of the upgrader.
type Limiter struct {
	wsIP *limiter.Limiter
}

// NewLimiter creates a Limiter from a formatted rate such as "100-M".
func NewLimiter(wsIPRate string) (*Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	store := memory.NewStore()
	return &Limiter{wsIP: limiter.New(store, rate)}, nil
}

// CheckWebSocket checks if a WebSocket connection should be allowed.
// Returns true if allowed, false if the limit is exceeded (and writes the
// error response).
func (rl *Limiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true // fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}
