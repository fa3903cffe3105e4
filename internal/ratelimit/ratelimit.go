// Package ratelimit throttles requests with a fixed window counter in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iurnickita/groupbuy/internal/auth"
)

type Limiter struct {
	rdb    *redis.Client
	scope  string
	limit  int
	window time.Duration
	zaplog *zap.Logger
}

func NewLimiter(rdb *redis.Client, scope string, limit int, window time.Duration, zaplog *zap.Logger) *Limiter {
	return &Limiter{rdb: rdb, scope: scope, limit: limit, window: window, zaplog: zaplog}
}

// Allow counts one hit for key in the current window.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("rate_limit:%s:%s", l.scope, key)

	current, err := l.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if current == 1 {
		if err := l.rdb.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return false, err
		}
	}
	return current <= int64(l.limit), nil
}

// Middleware keys the counter by the authenticated actor, falling back to the remote address.
// A Redis failure lets the request through.
func (l *Limiter) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if actor, ok := auth.ActorFrom(r.Context()); ok && actor.ID != "" {
			key = actor.ID
		}

		ok, err := l.Allow(r.Context(), key)
		if err != nil {
			l.zaplog.Warn("rate limiter unavailable", zap.Error(err))
			h(w, r)
			return
		}
		if !ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", l.window.Seconds()))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		h(w, r)
	}
}
