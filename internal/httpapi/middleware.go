package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// responseRecorder captures what a handler wrote so the route wrapper can
// feed metrics and the access log.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Bytes() int64 { return r.bytes }

// ipRateLimiter holds one token bucket per client IP. Buckets idle longer
// than staleAfter are swept whenever a new IP shows up, so the map stays
// bounded by the set of recently active clients.
type ipRateLimiter struct {
	mu         sync.Mutex
	perIP      map[string]*ipBucket
	limit      rate.Limit
	burst      int
	staleAfter time.Duration
}

type ipBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter builds a limiter from a requests-per-minute budget. Either
// knob at zero disables limiting (nil limiter allows everything).
func newIPRateLimiter(perMin, burst int) *ipRateLimiter {
	if perMin <= 0 || burst <= 0 {
		return nil
	}
	return &ipRateLimiter{
		perIP:      make(map[string]*ipBucket),
		limit:      rate.Limit(float64(perMin) / 60),
		burst:      burst,
		staleAfter: 5 * time.Minute,
	}
}

func (l *ipRateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.perIP[ip]
	if !ok {
		l.sweep(now)
		b = &ipBucket{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.perIP[ip] = b
	}
	b.lastSeen = now
	return b.bucket.Allow()
}

func (l *ipRateLimiter) sweep(now time.Time) {
	for ip, b := range l.perIP {
		if now.Sub(b.lastSeen) > l.staleAfter {
			delete(l.perIP, ip)
		}
	}
}

func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if p := strings.TrimSpace(part); p != "" {
				return p
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// corsPolicy is a strict origin allow-list for the read-only JSON endpoints.
// A nil policy emits no CORS headers at all.
type corsPolicy struct {
	allowAll bool
	allowed  map[string]bool
}

func newCORSPolicy(origins []string) *corsPolicy {
	p := &corsPolicy{allowed: make(map[string]bool)}
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		switch o {
		case "":
		case "*":
			return &corsPolicy{allowAll: true}
		default:
			p.allowed[o] = true
		}
	}
	if len(p.allowed) == 0 {
		return nil
	}
	return p
}

func (c *corsPolicy) isAllowed(origin string) bool {
	if c == nil {
		return false
	}
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return false
	}
	return c.allowAll || c.allowed[origin]
}

// handlePreflight answers OPTIONS requests that carry an Origin. Reports true
// when the request was terminated here.
func (c *corsPolicy) handlePreflight(w http.ResponseWriter, r *http.Request) bool {
	if c == nil || r.Method != http.MethodOptions {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if !c.isAllowed(origin) {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Add("Vary", "Origin")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// applyHeaders adds CORS headers to a non-preflight response. Returns false
// when the Origin is present but not allowed.
func (c *corsPolicy) applyHeaders(w http.ResponseWriter, r *http.Request) bool {
	if c == nil {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if !c.isAllowed(origin) {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	return true
}
