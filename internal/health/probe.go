package health

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type CheckResult struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type Checker interface {
	Check(ctx context.Context) CheckResult
}

type CheckerFunc func(ctx context.Context) CheckResult

func (f CheckerFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

// ProbeRunner runs readiness checks concurrently under a shared timeout. A
// positive cacheTTL reuses the last verdict so probes do not hammer backends.
type ProbeRunner struct {
	timeout  time.Duration
	cacheTTL time.Duration
	checkers []Checker

	mu       sync.Mutex
	cachedAt time.Time
	ready    bool
	results  []CheckResult
}

func NewProbeRunner(timeout, cacheTTL time.Duration, checkers ...Checker) *ProbeRunner {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeRunner{timeout: timeout, cacheTTL: cacheTTL, checkers: checkers}
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cacheTTL > 0 && !p.cachedAt.IsZero() && time.Since(p.cachedAt) < p.cacheTTL {
		return p.ready, p.results
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	results := make([]CheckResult, len(p.checkers))
	var wg sync.WaitGroup
	for i, c := range p.checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = c.Check(ctx)
		}(i, c)
	}
	wg.Wait()

	ready := true
	for _, r := range results {
		if !r.Healthy {
			ready = false
		}
	}
	p.ready, p.results, p.cachedAt = ready, results, time.Now()
	return ready, results
}

func DBChecker(db *gorm.DB) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		start := time.Now()
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		return result("db", start, err)
	})
}

func RedisChecker(client redis.UniversalClient) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		start := time.Now()
		return result("redis", start, client.Ping(ctx).Err())
	})
}

func result(name string, start time.Time, err error) CheckResult {
	r := CheckResult{Name: name, Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
