package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/myeline/careauth/internal/http/response"
	"github.com/myeline/careauth/internal/observability"
)

// Policy allows Limit requests per key within any Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) normalized() Policy {
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	return p
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy Policy) (Decision, error)
}

// FailureMode decides what a limiter does when its backend cannot answer.
type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// KeyFunc names the budget a request draws from. An empty key falls back to
// the client IP.
type KeyFunc func(r *http.Request) string

type RateLimitOptions struct {
	Scope  string
	Policy Policy
	Mode   FailureMode
	Key    KeyFunc
}

type RateLimiter struct {
	limiter Limiter
	policy  Policy
	mode    FailureMode
	scope   string
	key     KeyFunc
}

func NewRateLimiter(limiter Limiter, opts RateLimitOptions) *RateLimiter {
	if opts.Scope == "" {
		opts.Scope = "api"
	}
	if opts.Mode == "" {
		opts.Mode = FailClosed
	}
	if opts.Key == nil {
		opts.Key = ClientIPKey
	}
	return &RateLimiter{
		limiter: limiter,
		policy:  opts.Policy.normalized(),
		mode:    opts.Mode,
		scope:   opts.Scope,
		key:     opts.Key,
	}
}

// NewLocalRateLimiter keys by client IP and keeps its counters in process.
func NewLocalRateLimiter(scope string, limit int, window time.Duration) *RateLimiter {
	return NewRateLimiter(NewMemoryLimiter(), RateLimitOptions{
		Scope:  scope,
		Policy: Policy{Limit: limit, Window: window},
	})
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := rl.key(r)
			if key == "" {
				key = ClientIPKey(r)
			}
			kind := keyKind(key)

			reason := "window"
			decision, err := rl.limiter.Allow(ctx, key, rl.policy)
			if err != nil {
				observability.RecordRateLimitDecision(ctx, rl.scope, "backend_error", string(rl.mode), kind)
				if rl.mode == FailOpen {
					slog.WarnContext(ctx, "rate limiter backend unavailable, allowing request",
						"scope", rl.scope,
						"error", err,
					)
					next.ServeHTTP(w, r)
					return
				}
				reason = "backend"
				decision = Decision{RetryAfter: rl.policy.Window, ResetAt: time.Now().Add(rl.policy.Window)}
			}

			rl.writeHeaders(w.Header(), decision)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(ctx, rl.scope, "deny", string(rl.mode), kind)
				observability.RecordRateLimitRetryAfter(ctx, rl.scope, reason, decision.RetryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(decision.RetryAfter)))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			observability.RecordRateLimitDecision(ctx, rl.scope, "allow", string(rl.mode), kind)
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) writeHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(rl.policy.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

func ceilSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	return max(s, 1)
}

// MemoryLimiter keeps a sliding log of hits per key. It is exact but only
// sees the requests of one process.
type MemoryLimiter struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	now       func() time.Time
	nextSweep time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, policy Policy) (Decision, error) {
	policy = policy.normalized()
	now := l.now()
	cutoff := now.Add(-policy.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextSweep) {
		for k, hits := range l.hits {
			if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
				delete(l.hits, k)
			}
		}
		l.nextSweep = now.Add(policy.Window)
	}

	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= policy.Limit {
		l.hits[key] = hits
		resetAt := hits[0].Add(policy.Window)
		return Decision{RetryAfter: resetAt.Sub(now), ResetAt: resetAt}, nil
	}
	hits = append(hits, now)
	l.hits[key] = hits
	return Decision{
		Allowed:   true,
		Remaining: policy.Limit - len(hits),
		ResetAt:   hits[0].Add(policy.Window),
	}, nil
}
