package server

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles mutating requests per actor using a fixed
// window counter in Redis. Read requests are never throttled, and a
// Redis outage fails open.
type RateLimiter struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
}

// NewRateLimiter connects to Redis at the given URL. An empty URL
// disables rate limiting.
func NewRateLimiter(redisURL string, limit int, window time.Duration) (*RateLimiter, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		Client: redis.NewClient(opts),
		Limit:  limit,
		Window: window,
	}, nil
}

func (rl *RateLimiter) Middleware(basePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions {
				next.ServeHTTP(w, req)
				return
			}
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			key := rl.keyFor(req)
			count, err := rl.Client.Incr(req.Context(), key).Result()
			if err != nil {
				log.Printf("ratelimit: redis unavailable, failing open: %v", err)
				next.ServeHTTP(w, req)
				return
			}
			if count == 1 {
				rl.Client.Expire(req.Context(), key, rl.Window)
			}
			if count > int64(rl.Limit) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.Window.Seconds())))
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited",
					fmt.Sprintf("rate limit of %d requests per %s exceeded", rl.Limit, rl.Window), nil))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (rl *RateLimiter) keyFor(req *http.Request) string {
	actor := "anonymous"
	if p, ok := principalFromContext(req.Context()); ok && p.ActorID != "" {
		actor = p.ActorID
	}
	window := time.Now().Unix() / int64(rl.Window.Seconds())
	return fmt.Sprintf("stageline:ratelimit:%s:%d", actor, window)
}
