package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute bounds failed auth attempts per client IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs caps the tracking map so an attacker rotating
	// source addresses cannot grow it without bound.
	DefaultMaxTrackedIPs = 10000

	sweepInterval  = time.Minute
	staleThreshold = 5 * time.Minute
)

type tracked struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter throttles repeated authentication failures per client IP.
// Successful requests are never counted; an IP with no recorded failures
// always passes.
type RateLimiter struct {
	mu            sync.Mutex
	byIP          map[string]*tracked
	maxPerMinute  int
	maxTrackedIPs int
	cancel        context.CancelFunc
}

// NewRateLimiter starts a per-IP failure limiter allowing maxPerMinute
// failed attempts per minute (0 means DefaultMaxAttemptsPerMinute). A
// background sweep drops IPs idle for more than staleThreshold.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		byIP:          make(map[string]*tracked),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		cancel:        cancel,
	}
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.removeStale()
			}
		}
	}()
	return rl
}

// Allow reports whether ip may make another auth attempt.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	t, ok := rl.byIP[ip]
	if !ok {
		return true
	}
	t.seen = time.Now()
	return t.limiter.Allow()
}

// RecordFailure consumes one attempt token for ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.trackLocked(ip).limiter.Allow()
}

// RecordFailureAndAllow consumes one attempt token for ip and reports
// whether the attempt was still within the limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.trackLocked(ip).limiter.Allow()
}

// Stop terminates the background sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) trackLocked(ip string) *tracked {
	t, ok := rl.byIP[ip]
	if ok {
		t.seen = time.Now()
		return t
	}
	if len(rl.byIP) >= rl.maxTrackedIPs {
		rl.evictOldestLocked()
	}
	t = &tracked{
		limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		seen:    time.Now(),
	}
	rl.byIP[ip] = t
	return t
}

func (rl *RateLimiter) evictOldestLocked() {
	oldestIP := ""
	var oldestSeen time.Time
	for ip, t := range rl.byIP {
		if oldestIP == "" || t.seen.Before(oldestSeen) {
			oldestIP, oldestSeen = ip, t.seen
		}
	}
	if oldestIP != "" {
		delete(rl.byIP, oldestIP)
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-staleThreshold)
	for ip, t := range rl.byIP {
		if t.seen.Before(cutoff) {
			delete(rl.byIP, ip)
		}
	}
}

// ExtractIP strips the port from a RemoteAddr value. Bare IPs pass through
// unchanged.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
