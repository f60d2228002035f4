package relay

import (
	"context"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// HeaderLimiter throttles source IPs that have already failed to
// produce a valid decrypted address header, so a peer fishing for a
// working key/method combination cannot burn server CPU faster than the
// auto-ban registry can catch up and block it. IPs with no recorded
// failure are never throttled; a bucket exists only for offenders. One
// limiter is shared by all connections from a server listener.
type HeaderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	rps   rate.Limit
	burst int
}

// NewHeaderLimiter builds a limiter allowing rps malformed-header events
// per second, per offending source IP, with the given burst.
func NewHeaderLimiter(rps float64, burst int) *HeaderLimiter {
	return &HeaderLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until ip is permitted another header attempt, or ctx is
// done. An IP with no recorded failures passes immediately: ordinary
// multi-connection clients never touch a bucket.
func (h *HeaderLimiter) Wait(ctx context.Context, ip net.IP) error {
	h.mu.Lock()
	l, ok := h.limiters[ip.String()]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}

// RecordFailure charges a malformed-header event against ip, creating
// its bucket on the first offense. Each event consumes a token, so an
// IP that keeps failing accumulates debt that Wait makes it sleep off.
func (h *HeaderLimiter) RecordFailure(ip net.IP) {
	h.limiterFor(ip.String()).Reserve()
}

func (h *HeaderLimiter) limiterFor(key string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[key]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.limiters[key] = l
	}
	return l
}

// Forget drops the limiter state for ip. Wired to the banlist's on-ban
// callback: a banned IP is dropped before the header path, so keeping
// its bucket around would only grow memory.
func (h *HeaderLimiter) Forget(ip net.IP) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.limiters, ip.String())
}
