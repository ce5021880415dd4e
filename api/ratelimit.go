package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Per-client rejection backoff
// ---------------------------------------------------------------------------

// rejectionLimiter tracks rejected CMP requests per client address and
// enforces exponential backoff once a client keeps failing. An
// authenticated request clears the record.
type rejectionLimiter struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// maxRejections is the number of consecutive rejections before lockout.
	maxRejections = 20
	// baseLockout is the initial lockout duration once maxRejections is hit.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 30 * time.Minute
	// attemptExpiry is how long after the last rejection before the record
	// is garbage-collected.
	attemptExpiry = 1 * time.Hour
)

func newRejectionLimiter() *rejectionLimiter {
	return &rejectionLimiter{
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

// check reports whether client is locked out and for how long.
func (rl *rejectionLimiter) check(client string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[client]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, client)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure increments the rejection counter and applies exponential
// backoff once maxRejections is reached.
func (rl *rejectionLimiter) recordFailure(client string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[client]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[client] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= maxRejections {
		// baseLockout * 2^(failures - maxRejections)
		shift := rec.failures - maxRejections
		lockout := baseLockout
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

// recordSuccess resets the counter for client.
func (rl *rejectionLimiter) recordSuccess(client string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, client)
}

// sweep removes expired records.
func (rl *rejectionLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for id, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, id)
		}
	}
}

// ---------------------------------------------------------------------------
// Per-client token bucket
// ---------------------------------------------------------------------------

const limiterIdleExpiry = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// requestLimiter bounds the request rate of each client address regardless
// of outcome.
type requestLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
}

func newRequestLimiter(perSecond float64, burst int) *requestLimiter {
	if burst < 1 {
		burst = 1
	}
	return &requestLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// reserve takes a token for client. When none is available it returns the
// wait until the next one without consuming it.
func (rl *requestLimiter) reserve(client string) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	c, found := rl.clients[client]
	if !found {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = c
	}
	c.lastSeen = now

	res := c.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweep drops limiters idle for longer than limiterIdleExpiry.
func (rl *requestLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-limiterIdleExpiry)
	for id, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, id)
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration, msg string) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, r, http.StatusTooManyRequests, msg)
}

func retryAfterString(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

// clientIP returns the client address using the API's trusted proxies.
func (a *API) clientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges. Otherwise RemoteAddr is returned.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(strings.TrimSpace(param[4:])); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

// ParseTrustedProxies parses CIDR strings, accepting bare addresses as
// single-host prefixes.
func ParseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}
