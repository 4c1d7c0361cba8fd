package httpx

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateScope names what a budget is counted against.
type rateScope string

const (
	scopeProcessModel rateScope = "process_model"
	scopeReader       rateScope = "reader"
	scopeClient       rateScope = "client"
)

type rateKey struct {
	scope rateScope
	id    string
}

func (k rateKey) String() string {
	return string(k.scope) + ":" + k.id
}

// rateKeyFunc derives the budget a request draws from. ok is false when the
// request carries nothing to key on; the client address is used then.
type rateKeyFunc func(*http.Request) (key rateKey, ok bool)

// recordRateKey charges recording requests to their process model.
func recordRateKey(req *http.Request) (rateKey, bool) {
	path, ok := parseRecordPath(req.URL.EscapedPath())
	if !ok {
		return rateKey{}, false
	}
	return rateKey{scope: scopeProcessModel, id: path.processModelID}, true
}

func readerRateKey(req *http.Request) (rateKey, bool) {
	if info, ok := authInfoFromContext(req.Context()); ok && info.Subject != "" {
		return rateKey{scope: scopeReader, id: info.Subject}, true
	}
	return rateKey{}, false
}

func clientRateKey(req *http.Request) rateKey {
	ip := clientIP(req)
	if ip == "" {
		ip = "unknown"
	}
	return rateKey{scope: scopeClient, id: ip}
}

func (r *Router) withRateLimit(route string, limit int, keyFn rateKeyFunc, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		key, ok := keyFn(req)
		if !ok {
			key = clientRateKey(req)
		}
		decision := r.limiter.Allow(route+"|"+key.String(), limit, r.cfg.RateWindow)
		r.applyRateHeaders(w, limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(route, key.scope)
			writeError(w, http.StatusTooManyRequests, fmt.Sprintf("rate limit exceeded for %s %s", key.scope, key.id))
			return
		}
		next(w, req)
	}
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if decision.windowEnd.IsZero() {
		return
	}
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	if !decision.allowed {
		wait := time.Until(decision.windowEnd)
		secs := int(wait.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		headers.Set("Retry-After", strconv.Itoa(secs))
	}
}

// memoryRateLimiter keeps windows in process. Expired windows are swept during
// Allow at most once per rateLimiterSweepInterval.
type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindow
	lastSweep time.Time
	now       func() time.Time
}

type rateWindow struct {
	count int
	end   time.Time
}

// NewMemoryRateLimiter returns a process local RateLimiter.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{windows: make(map[string]*rateWindow), lastSweep: now(), now: now}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastSweep) >= rateLimiterSweepInterval {
		rl.sweepLocked(now)
	}

	win, ok := rl.windows[key]
	if !ok || now.After(win.end) {
		win = &rateWindow{end: now.Add(window)}
		rl.windows[key] = win
	}
	if win.count >= limit {
		return rateDecision{allowed: false, count: win.count, windowEnd: win.end}
	}
	win.count++
	return rateDecision{allowed: true, count: win.count, windowEnd: win.end}
}

func (rl *memoryRateLimiter) sweepLocked(now time.Time) {
	for key, win := range rl.windows {
		if now.After(win.end) {
			delete(rl.windows, key)
		}
	}
	rl.lastSweep = now
}

// Close drops every window.
func (rl *memoryRateLimiter) Close() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	clear(rl.windows)
}
