// Package ratelimit throttles the two room-lifecycle HTTP endpoints with an
// in-memory token-bucket store. There is no second instance of this
// service to share limiter state with, so unlike the Redis-backed limiter
// this codebase normally wires, this one never leaves the process.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/watchsync/server/internal/config"
	"github.com/watchsync/server/internal/logging"
	"github.com/watchsync/server/internal/metrics"
)

// Limiter enforces per-IP rate limits on room creation and room joins.
type Limiter struct {
	roomCreate *limiter.Limiter
	roomJoin   *limiter.Limiter
}

// New builds a Limiter from the rate formats in cfg (e.g. "5-M" for five
// per minute), backed by an in-process memory store.
func New(cfg *config.Config) (*Limiter, error) {
	store := memory.NewStore()

	createRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRoomCreate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid room-create rate: %w", err)
	}
	joinRate, err := limiter.NewRateFromFormatted(cfg.RateLimitRoomJoin)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid room-join rate: %w", err)
	}

	return &Limiter{
		roomCreate: limiter.New(store, createRate),
		roomJoin:   limiter.New(store, joinRate),
	}, nil
}

// RoomCreate is gin middleware enforcing the room-create rate limit, keyed
// by client IP.
func (l *Limiter) RoomCreate() gin.HandlerFunc {
	return l.middleware(l.roomCreate, "/room/create")
}

// RoomJoin is gin middleware enforcing the room-join rate limit, keyed by
// client IP.
func (l *Limiter) RoomJoin() gin.HandlerFunc {
	return l.middleware(l.roomJoin, "/room/join")
}

func (l *Limiter) middleware(lim *limiter.Limiter, endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		result, err := lim.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed, failing open")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))

		if result.Reached {
			metrics.RateLimitExceeded.WithLabelValues(endpoint, "ip").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": result.Reset,
			})
			return
		}

		c.Next()
	}
}
