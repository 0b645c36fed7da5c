package dashboard

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// lockoutThreshold failed auth attempts within lockoutWindow lock the
	// source IP out for the remainder of the window.
	lockoutThreshold = 10
	lockoutWindow    = 2 * time.Minute

	requestsPerMinute = 30
	burstSize         = 10
)

type failureRecord struct {
	count       int
	windowStart time.Time
	lockedUntil time.Time
}

// ipGuard enforces the per-IP request budget and the brute-force lockout.
type ipGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	failures map[string]*failureRecord
	clock    func() time.Time
}

func newIPGuard() *ipGuard {
	return &ipGuard{
		limiters: make(map[string]*rate.Limiter),
		failures: make(map[string]*failureRecord),
		clock:    time.Now,
	}
}

// allow consumes one request slot for the IP.
func (g *ipGuard) allow(ip string) bool {
	g.mu.Lock()
	lim, ok := g.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(requestsPerMinute)/60, burstSize)
		g.limiters[ip] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}

// locked reports whether the IP is serving a lockout.
func (g *ipGuard) locked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.failures[ip]
	return ok && g.clock().Before(rec.lockedUntil)
}

// recordFailure counts one bad credential. Crossing the threshold inside
// the window starts a lockout.
func (g *ipGuard) recordFailure(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	rec, ok := g.failures[ip]
	if !ok || now.Sub(rec.windowStart) > lockoutWindow {
		rec = &failureRecord{windowStart: now}
		g.failures[ip] = rec
	}
	rec.count++
	if rec.count >= lockoutThreshold {
		rec.lockedUntil = now.Add(lockoutWindow)
	}
}

// clearFailures forgets the IP's failure history after a good login.
func (g *ipGuard) clearFailures(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, ip)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for WebSocket clients that cannot
// set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func tokenMatches(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
