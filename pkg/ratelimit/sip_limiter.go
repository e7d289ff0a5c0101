package ratelimit

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/errors"
)

// SIPLimiter throttles SIP requests per source address. REGISTER, INVITE
// and everything else draw from separate buckets.
type SIPLimiter struct {
	registerLimiter *Limiter
	inviteLimiter   *Limiter
	requestLimiter  *Limiter
	config          *Config
	logger          *logrus.Logger

	mu              sync.RWMutex
	whitelistedIPs  map[string]bool
	whitelistedNets []*net.IPNet

	// OnLimited is called for every rejected request
	OnLimited func(clientIP, method string)
}

// NewSIPLimiter creates a new SIP rate limiter
func NewSIPLimiter(config *Config, logger *logrus.Logger) *SIPLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}

	s := &SIPLimiter{
		registerLimiter: NewLimiter(config.RegistersPerSecond, config.RegisterBurst, logger),
		inviteLimiter:   NewLimiter(config.InvitesPerSecond, config.InviteBurst, logger),
		requestLimiter:  NewLimiter(config.RequestsPerSecond, config.RequestBurst, logger),
		config:          config,
		logger:          logger,
		whitelistedIPs:  make(map[string]bool),
	}

	for _, ip := range config.WhitelistedIPs {
		if err := s.AddToWhitelist(ip); err != nil {
			logger.WithError(err).WithField("entry", ip).Warn("Ignoring invalid rate limit whitelist entry")
		}
	}

	logger.WithFields(logrus.Fields{
		"enabled":      config.Enabled,
		"register_rps": config.RegistersPerSecond,
		"invite_rps":   config.InvitesPerSecond,
		"request_rps":  config.RequestsPerSecond,
		"whitelisted":  len(s.whitelistedIPs) + len(s.whitelistedNets),
	}).Info("SIP rate limiter initialized")

	return s
}

// AllowRequest checks if a SIP request from clientIP should be allowed
func (s *SIPLimiter) AllowRequest(clientIP, method string) bool {
	if !s.config.Enabled || s.isWhitelisted(clientIP) {
		return true
	}

	var allowed bool
	switch strings.ToUpper(method) {
	case "ACK":
		// never answered, so never throttled
		return true
	case "REGISTER":
		allowed = s.registerLimiter.Allow(clientIP)
	case "INVITE":
		allowed = s.inviteLimiter.Allow(clientIP)
	default:
		allowed = s.requestLimiter.Allow(clientIP)
	}

	if !allowed {
		s.logger.WithFields(logrus.Fields{
			"client_ip": clientIP,
			"method":    method,
		}).Warn("SIP rate limit exceeded")
		if s.OnLimited != nil {
			s.OnLimited(clientIP, method)
		}
	}
	return allowed
}

// BlockClient temporarily blocks a client from all SIP requests
func (s *SIPLimiter) BlockClient(clientIP string, duration time.Duration) {
	s.registerLimiter.Block(clientIP, duration)
	s.inviteLimiter.Block(clientIP, duration)
	s.requestLimiter.Block(clientIP, duration)
}

// IsBlocked checks if a client is currently blocked
func (s *SIPLimiter) IsBlocked(clientIP string) bool {
	return s.registerLimiter.IsBlocked(clientIP) ||
		s.inviteLimiter.IsBlocked(clientIP) ||
		s.requestLimiter.IsBlocked(clientIP)
}

// Prune forgets idle sources and returns how many entries went
func (s *SIPLimiter) Prune() int {
	return s.registerLimiter.Prune(s.config.IdleTTL) +
		s.inviteLimiter.Prune(s.config.IdleTTL) +
		s.requestLimiter.Prune(s.config.IdleTTL)
}

// GetStats returns current rate limiter statistics
func (s *SIPLimiter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"enabled":          s.config.Enabled,
		"register_clients": s.registerLimiter.ClientCount(),
		"invite_clients":   s.inviteLimiter.ClientCount(),
		"request_clients":  s.requestLimiter.ClientCount(),
	}
}

func (s *SIPLimiter) isWhitelisted(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.whitelistedIPs[ip] {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipNet := range s.whitelistedNets {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

// AddToWhitelist adds an IP or CIDR to the whitelist
func (s *SIPLimiter) AddToWhitelist(ip string) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.Contains(ip, "/") {
		_, ipNet, err := net.ParseCIDR(ip)
		if err != nil {
			return errors.Wrap(err, "invalid whitelist range", map[string]interface{}{"entry": ip})
		}
		s.whitelistedNets = append(s.whitelistedNets, ipNet)
		return nil
	}
	if net.ParseIP(ip) == nil {
		return errors.NewInvalidInput("invalid whitelist address", map[string]interface{}{"entry": ip})
	}
	s.whitelistedIPs[ip] = true
	return nil
}

// Reset clears all rate limit tracking
func (s *SIPLimiter) Reset() {
	s.registerLimiter.Reset()
	s.inviteLimiter.Reset()
	s.requestLimiter.Reset()
}
