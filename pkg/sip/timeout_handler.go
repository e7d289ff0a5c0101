package sip

import (
	"time"

	sipparser "github.com/emiago/sipgo/sip"
)

// TimeoutConfig bounds how long a relayed client transaction may wait for
// a final response.
type TimeoutConfig struct {
	InviteTimeout  time.Duration // RFC 3261 Timer B plus margin for provisional responses
	OptionsTimeout time.Duration // keep-alive probes fail fast
	DefaultTimeout time.Duration // Timer F for other non-INVITE methods
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		InviteTimeout:  3 * time.Minute,
		OptionsTimeout: 5 * time.Second,
		DefaultTimeout: 32 * time.Second,
	}
}

// MethodTimeout returns the relay timeout for method.
func (c *TimeoutConfig) MethodTimeout(method sipparser.RequestMethod) time.Duration {
	if c == nil {
		c = DefaultTimeoutConfig()
	}
	var d time.Duration
	switch method {
	case sipparser.INVITE:
		d = c.InviteTimeout
	case sipparser.OPTIONS:
		d = c.OptionsTimeout
	default:
		d = c.DefaultTimeout
	}
	if d <= 0 {
		d = 32 * time.Second
	}
	return d
}
