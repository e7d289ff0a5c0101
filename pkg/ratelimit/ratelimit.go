package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key
type Limiter struct {
	limit   rate.Limit
	burst   int
	clients map[string]*client
	mu      sync.Mutex
	logger  *logrus.Logger
	now     func() time.Time
}

type client struct {
	bucket     *rate.Limiter
	lastSeen   time.Time
	blockUntil time.Time
}

// Config holds SIP rate limiting configuration
type Config struct {
	// Enabled determines if rate limiting is active
	Enabled bool `json:"enabled" env:"RATE_LIMIT_SIP_ENABLED" default:"false"`

	// REGISTER refreshes per source address
	RegistersPerSecond float64 `json:"registers_per_second" env:"RATE_LIMIT_SIP_REGISTER_RPS" default:"5"`
	RegisterBurst      int     `json:"register_burst" env:"RATE_LIMIT_SIP_REGISTER_BURST" default:"20"`

	InvitesPerSecond float64 `json:"invites_per_second" env:"RATE_LIMIT_SIP_INVITE_RPS" default:"10"`
	InviteBurst      int     `json:"invite_burst" env:"RATE_LIMIT_SIP_INVITE_BURST" default:"50"`

	// Every other method, keep-alive OPTIONS included
	RequestsPerSecond float64 `json:"requests_per_second" env:"RATE_LIMIT_SIP_RPS" default:"100"`
	RequestBurst      int     `json:"request_burst" env:"RATE_LIMIT_SIP_REQUEST_BURST" default:"200"`

	// Sources idle this long are forgotten
	IdleTTL time.Duration `json:"idle_ttl" env:"RATE_LIMIT_IDLE_TTL" default:"10m"`

	// WhitelistedIPs bypass rate limiting; CIDR ranges are accepted
	WhitelistedIPs []string `json:"whitelisted_ips" env:"RATE_LIMIT_WHITELIST_IPS"`
}

// DefaultConfig returns sensible defaults for rate limiting
func DefaultConfig() *Config {
	return &Config{
		Enabled:            false,
		RegistersPerSecond: 5,
		RegisterBurst:      20,
		InvitesPerSecond:   10,
		InviteBurst:        50,
		RequestsPerSecond:  100,
		RequestBurst:       200,
		IdleTTL:            10 * time.Minute,
		WhitelistedIPs:     []string{"127.0.0.1", "::1"},
	}
}

// NewLimiter creates a limiter allowing perSecond events per key with the
// given burst
func NewLimiter(perSecond float64, burst int, logger *logrus.Logger) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*client),
		logger:  logger,
		now:     time.Now,
	}
}

func (l *Limiter) get(key string, now time.Time) *client {
	c, ok := l.clients[key]
	if !ok {
		c = &client{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c
}

// Allow reports whether one event for key may happen now
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN reports whether n events for key may happen now
func (l *Limiter) AllowN(key string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c := l.get(key, now)
	if now.Before(c.blockUntil) {
		return false
	}
	return c.bucket.AllowN(now, n)
}

// Block rejects every event for key during duration
func (l *Limiter) Block(key string, duration time.Duration) {
	l.mu.Lock()
	now := l.now()
	c := l.get(key, now)
	c.blockUntil = now.Add(duration)
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"key":         key,
			"block_until": c.blockUntil,
		}).Warn("Client blocked due to rate limit violation")
	}
}

// IsBlocked checks if a client is currently blocked
func (l *Limiter) IsBlocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	return ok && l.now().Before(c.blockUntil)
}

// Tokens returns the tokens currently available to key
func (l *Limiter) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		return float64(l.burst)
	}
	return c.bucket.TokensAt(l.now())
}

// ClientCount returns the number of tracked keys
func (l *Limiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Prune forgets keys idle for longer than ttl that are not blocked and
// returns how many went
func (l *Limiter) Prune(ttl time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > ttl && !now.Before(c.blockUntil) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Reset removes all tracked keys
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients = make(map[string]*client)
}
