package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/stixforge/internal/config"
	"github.com/lvonguyen/stixforge/internal/observability"
)

// RateLimiter limits conversion requests per client and minute with a
// Redis counter shared by every replica.
type RateLimiter struct {
	redis   *redis.Client
	logger  *zap.Logger
	config  config.RateLimitConfig
	prefix  string
	metrics *observability.Metrics
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

var incrementScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[2])
	if current == tonumber(ARGV[2]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient *redis.Client, cfg config.RateLimitConfig, prefix string, metrics *observability.Metrics, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 120
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:   redisClient,
		logger:  logger,
		config:  cfg,
		prefix:  prefix,
		metrics: metrics,
	}
}

func (rl *RateLimiter) cost(method, route string) int {
	if c, ok := rl.config.EndpointCost[method+":"+route]; ok && c > 0 {
		return c
	}
	return 1
}

// Check counts one request of clientID against route. Redis failures allow
// the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID, method, route string) (*RateLimitResult, error) {
	limit := rl.config.RequestsPerMinute
	key := fmt.Sprintf("%s:ratelimit:%s:minute", rl.prefix, clientID)
	now := time.Now()

	current, err := incrementScript.Run(ctx, rl.redis, []string{key}, 60000, rl.cost(method, route)).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}, nil
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}

	result := &RateLimitResult{
		Allowed:   current <= limit,
		Remaining: max(limit-current, 0),
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
	}
	return result, nil
}

// Middleware rejects clients over their limit with 429. Clients are keyed by
// the request's remote host, so it belongs after middleware.RealIP. Mount it
// with r.With on the endpoint so the full route pattern is known.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		result, err := rl.Check(r.Context(), clientID(r), r.Method, route)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		if rl.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			if rl.metrics != nil {
				rl.metrics.RateLimited.Inc()
			}
			retryAfter := int(result.RetryAfter.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate_limit_exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientID(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
