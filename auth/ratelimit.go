package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// IP-KEYED RATE LIMITING
// ============================================================================
// Five buckets, one per traffic class, each keyed on client IP. Buckets are
// token buckets sized to the configured window, held in process memory.
// Distributed deployments need a shared store instead; that collaborator is
// out of scope here.

// Bucket names used by the API layer.
const (
	BucketDefault = "default"
	BucketAuth    = "auth"
	BucketSync    = "sync"
	BucketExport  = "export"
	BucketBackup  = "backup"
)

// BucketConfig sizes one traffic class: Requests per Window per client IP.
type BucketConfig struct {
	Name     string
	Requests int
	Window   time.Duration
}

// DefaultBucketConfigs returns the standard five classes.
func DefaultBucketConfigs() []BucketConfig {
	return []BucketConfig{
		{Name: BucketDefault, Requests: 100, Window: time.Minute},
		{Name: BucketAuth, Requests: 5, Window: time.Minute},
		{Name: BucketSync, Requests: 10, Window: 5 * time.Minute},
		{Name: BucketExport, Requests: 20, Window: 5 * time.Minute},
		{Name: BucketBackup, Requests: 5, Window: 10 * time.Minute},
	}
}

// Decision is the outcome of one admission check, with everything the API
// layer needs for the X-RateLimit-* and Retry-After headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// RateLimiter admits requests for one bucket. Idle IPs are evicted after
// three windows to bound memory.
type RateLimiter struct {
	cfg BucketConfig

	mu      sync.Mutex
	clients map[string]*rateClient
}

type rateClient struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const maxTrackedClients = 4096

func NewRateLimiter(cfg BucketConfig) *RateLimiter {
	return &RateLimiter{cfg: cfg, clients: make(map[string]*rateClient)}
}

// Allow consumes one token for ip and reports the decision.
func (l *RateLimiter) Allow(ip string) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.evictIdle(now)
		}
		perToken := l.cfg.Window / time.Duration(l.cfg.Requests)
		c = &rateClient{lim: rate.NewLimiter(rate.Every(perToken), l.cfg.Requests)}
		l.clients[ip] = c
	}
	c.lastSeen = now

	d := Decision{Limit: l.cfg.Requests}
	res := c.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		d.RetryAfter = delay
		d.Reset = now.Add(delay)
		return d
	}

	d.Allowed = true
	remaining := int(c.lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	d.Remaining = remaining
	perToken := l.cfg.Window / time.Duration(l.cfg.Requests)
	d.Reset = now.Add(time.Duration(l.cfg.Requests-remaining) * perToken)
	return d
}

// evictIdle drops clients quiet for three windows. Caller holds the lock.
func (l *RateLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-3 * l.cfg.Window)
	for ip, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
		}
	}
}
