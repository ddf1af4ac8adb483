package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"psst/metrics"
	"psst/svc/util"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	remoteTimeout   = 100 * time.Millisecond
	adaptiveFor     = 60 * time.Second
	keyPrefix       = "psst:rl:"
)

// Window is a shared fixed-window counter. *db.Redis implements it.
type Window interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, time.Duration, error)
}

type Config struct {
	Requests       int
	Window         time.Duration
	TrustedProxies []string
}

// Limiter enforces Requests per Window for each client IP and endpoint.
// The shared window is used when present; otherwise, or when it fails, a
// local token bucket per key takes over.
type Limiter struct {
	remote         Window
	requests       int
	window         time.Duration
	trustedProxies []string
	detector       *AnomalyDetector
	adaptiveUntil  int64
	localLimiters  map[string]*limiterEntry
	mu             sync.Mutex
	quit           chan struct{}
	stopOnce       sync.Once
	evictionSem    chan struct{}
	now            func() time.Time
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfter is the number of whole seconds until the window resets.
func (r *Result) RetryAfter(now time.Time) int {
	secs := int(r.Reset.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func New(c Config, remote Window) (*Limiter, error) {
	if c.Requests <= 0 || c.Window <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d per %s", c.Requests, c.Window)
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, fmt.Errorf("invalid CIDR in trusted proxies: %s: %w", proxy, err)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, fmt.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	l := &Limiter{
		remote:         remote,
		requests:       c.Requests,
		window:         c.Window,
		trustedProxies: c.TrustedProxies,
		localLimiters:  make(map[string]*limiterEntry),
		quit:           make(chan struct{}),
		evictionSem:    make(chan struct{}, 1),
		now:            time.Now,
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	return l, nil
}

// Start runs the error-rate detector and the idle limiter cleanup.
func (l *Limiter) Start() {
	l.detector.Start(time.Minute)
	go l.cleanupLoop()
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
			if !l.isAdaptiveMode() {
				metrics.AdaptiveMode.Set(0)
			}
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpiredLimiters() int {
	now := l.now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
	return evicted
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveUntil, l.now().Add(adaptiveFor).UnixNano())
	metrics.AdaptiveMode.Set(1)
}

func (l *Limiter) isAdaptiveMode() bool {
	return l.now().UnixNano() < atomic.LoadInt64(&l.adaptiveUntil)
}

// Record feeds a finished response into the anomaly detector.
func (l *Limiter) Record(status int) {
	l.detector.Record(status >= http.StatusInternalServerError)
}

func (l *Limiter) limit() int {
	if l.isAdaptiveMode() {
		if half := l.requests / 2; half >= 1 {
			return half
		}
		return 1
	}
	return l.requests
}

// CheckRequest resolves the client address of r and counts one hit.
func (l *Limiter) CheckRequest(r *http.Request, endpoint string) *Result {
	return l.Check(r.Context(), GetRealIP(r, l.trustedProxies), endpoint)
}

func (l *Limiter) Check(ctx context.Context, ip, endpoint string) *Result {
	limit := l.limit()
	res := l.check(ctx, ip, endpoint, limit)
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return res
}

func (l *Limiter) check(ctx context.Context, ip, endpoint string, limit int) *Result {
	if l.remote == nil {
		return l.local(ip, endpoint, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	usage, ttl, err := l.remote.RateLimit(ctx, keyPrefix+endpoint+":"+ip, limit, l.window)
	if err != nil {
		util.Warn().Err(err).Msg("shared rate limit unavailable, using local fallback")
		return l.local(ip, endpoint, limit)
	}
	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   usage <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     l.now().Add(ttl),
	}
}

func (l *Limiter) local(ip, endpoint string, limit int) *Result {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.localLimiters) >= (maxLimiters*9)/10 {
		if toEvict := len(l.localLimiters) / 10; toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.asyncEvictOldest(toEvict)
				}()
			default:
			}
		}
	}
	key := ip + ":" + endpoint
	entry, exists := l.localLimiters[key]
	if !exists {
		if len(l.localLimiters) >= maxLimiters {
			util.Warn().
				Int("limiters", len(l.localLimiters)).
				Str("ip", ip).
				Msg("rate limiter at capacity, rejecting request")
			return &Result{Allowed: false, Limit: limit, Reset: now.Add(l.window)}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(limit)), limit)}
		l.localLimiters[key] = entry
	}
	entry.lastAccess = now
	if entry.limiter.Burst() != limit {
		entry.limiter.SetBurstAt(now, limit)
		entry.limiter.SetLimitAt(now, rate.Every(l.window/time.Duration(limit)))
	}
	if !entry.limiter.AllowN(now, 1) {
		return &Result{Allowed: false, Limit: limit, Reset: now.Add(l.window / time.Duration(limit))}
	}
	remaining := int(entry.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: true, Limit: limit, Remaining: remaining, Reset: now.Add(l.window)}
}

func (l *Limiter) asyncEvictOldest(count int) {
	l.mu.Lock()
	if len(l.localLimiters) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.localLimiters[entries[i].key]; exists {
			delete(l.localLimiters, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

// GetRealIP returns the client address. X-Forwarded-For is only honoured
// when the direct peer is a trusted proxy, and is walked right to left until
// the first untrusted hop.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	const maxHops = 100
	for i, seen := len(hops)-1, 0; i >= 0 && seen < maxHops; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		seen++
		if net.ParseIP(hop) == nil {
			util.Warn().Str("ip", hop).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(hop, trustedProxies) {
			return hop
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsed := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if _, subnet, err := net.ParseCIDR(proxy); err == nil && parsed != nil && subnet.Contains(parsed) {
			return true
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
