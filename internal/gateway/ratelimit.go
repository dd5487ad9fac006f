package gateway

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// connLimiterMaxTracked bounds the number of tracked IPs, mirroring the
// teacher's channels.WebhookRateLimiter bounded-map eviction style so a
// client rotating source IPs can't grow this map without bound.
const connLimiterMaxTracked = 4096

// ConnectionRateLimiter bounds new-connection rate per source IP using a
// token bucket per IP, grounded in original_source/apps/daemon/src/ipc/
// mod.rs's ConnectionRateLimiter (a tumbling per-minute window there; here a
// continuously-refilled bucket — see DESIGN.md for the accepted relaxation).
// Loopback addresses are always allowed, matching the original.
type ConnectionRateLimiter struct {
	mu      sync.Mutex
	perMin  int
	buckets map[string]*rate.Limiter
}

func NewConnectionRateLimiter(perMinute int) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{perMin: perMinute, buckets: make(map[string]*rate.Limiter)}
}

// Allow reports whether a new connection from ip should be accepted.
func (c *ConnectionRateLimiter) Allow(ip net.IP) bool {
	if c.perMin <= 0 || ip == nil || ip.IsLoopback() {
		return true
	}
	key := ip.String()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buckets) >= connLimiterMaxTracked {
		for k := range c.buckets {
			delete(c.buckets, k)
			break
		}
	}
	lim, ok := c.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(c.perMin)/60.0), c.perMin)
		c.buckets[key] = lim
	}
	return lim.Allow()
}

// RpcRateLimiter bounds RPC call rate for a single connection, grounded in
// ipc/mod.rs's RpcRateLimiter. Loopback connections are never limited.
type RpcRateLimiter struct {
	limiter    *rate.Limiter
	isLoopback bool
}

func NewRpcRateLimiter(perMinute int, isLoopback bool) *RpcRateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RpcRateLimiter{
		limiter:    rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		isLoopback: isLoopback,
	}
}

// Allow reports whether the next RPC call should be processed.
func (r *RpcRateLimiter) Allow() bool {
	if r.isLoopback {
		return true
	}
	return r.limiter.Allow()
}
