package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/events"
)

// ConfigValidator handles configuration validation
type ConfigValidator struct {
	logger   *logrus.Logger
	errors   []ValidationError
	warnings []ValidationWarning
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value"`
	Rule    string      `json:"rule"`
	Message string      `json:"message"`
}

// ValidationWarning represents a configuration validation warning
type ValidationWarning struct {
	Field      string      `json:"field"`
	Value      interface{} `json:"value"`
	Message    string      `json:"message"`
	Suggestion string      `json:"suggestion,omitempty"`
}

// ValidationResult represents the result of configuration validation
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Errors   []ValidationError   `json:"errors,omitempty"`
	Warnings []ValidationWarning `json:"warnings,omitempty"`
	Summary  string              `json:"summary"`
}

// NewConfigValidator creates a new configuration validator
func NewConfigValidator(logger *logrus.Logger) *ConfigValidator {
	return &ConfigValidator{
		logger:   logger,
		errors:   make([]ValidationError, 0),
		warnings: make([]ValidationWarning, 0),
	}
}

// ValidateConfig validates the entire configuration
func (v *ConfigValidator) ValidateConfig(config *Config) *ValidationResult {
	v.errors = make([]ValidationError, 0)
	v.warnings = make([]ValidationWarning, 0)

	v.validateNetworkConfig(config)
	v.validateOutboundConfig(config)
	v.validateRegistrarConfig(config)
	v.validateTimeoutsConfig(config)
	v.validateRateLimitConfig(config)
	v.validateHTTPConfig(config)
	v.validateEventSinks(config)
	v.validateTracingConfig(config)
	v.validateLoggingConfig(config)

	result := &ValidationResult{
		Valid:    len(v.errors) == 0,
		Errors:   v.errors,
		Warnings: v.warnings,
	}
	result.Summary = v.generateSummary()

	if len(v.errors) > 0 {
		v.logger.WithField("error_count", len(v.errors)).Error("Configuration validation failed")
		for _, err := range v.errors {
			v.logger.WithFields(logrus.Fields{
				"field": err.Field,
				"value": err.Value,
				"rule":  err.Rule,
			}).Error(err.Message)
		}
	}

	if len(v.warnings) > 0 {
		v.logger.WithField("warning_count", len(v.warnings)).Warning("Configuration validation completed with warnings")
		for _, warning := range v.warnings {
			v.logger.WithFields(logrus.Fields{
				"field": warning.Field,
				"value": warning.Value,
			}).Warning(warning.Message)
		}
	}

	return result
}

func (v *ConfigValidator) validateNetworkConfig(config *Config) {
	n := config.Network

	if len(n.UDPPorts) == 0 && len(n.TCPPorts) == 0 && !n.EnableTLS {
		v.addError("sip_ports", nil, "required", "At least one SIP listener must be configured")
	}

	if n.Host != "" && net.ParseIP(n.Host) == nil {
		v.addError("sip_host", n.Host, "format", "Listen host must be an IP address")
	}

	if n.AdvertisedHost != "" {
		if ip := net.ParseIP(n.AdvertisedHost); ip != nil && ip.IsUnspecified() {
			v.addError("sip_advertised_host", n.AdvertisedHost, "format", "Advertised host cannot be a wildcard address")
		}
	}

	for _, port := range append(append([]int(nil), n.UDPPorts...), n.TCPPorts...) {
		if port < 1024 && os.Getuid() != 0 {
			v.addWarning("sip_ports", port, fmt.Sprintf("Port %d requires root privileges", port), "Consider using ports > 1024")
		}
	}

	if n.EnableTLS {
		if !v.isValidPort(n.TLSPort) {
			v.addError("sip_tls_port", n.TLSPort, "range", fmt.Sprintf("Invalid TLS port %d (must be 1-65535)", n.TLSPort))
		}
		for _, port := range n.TCPPorts {
			if port == n.TLSPort {
				v.addError("sip_tls_port", n.TLSPort, "conflict", fmt.Sprintf("TLS port %d conflicts with a TCP listener", port))
			}
		}
		if !v.fileExists(n.TLS.CertFile) || !v.fileExists(n.TLS.KeyFile) {
			v.addError("sip_tls_cert_file", n.TLS.CertFile, "required", "TLS enabled but certificate or key file is missing")
		}
	}

	for _, stunServer := range n.STUNServers {
		if !v.isValidHostPort(stunServer) {
			v.addError("stun_servers", stunServer, "format", "Invalid STUN server format (should be host:port)")
		}
	}

	for _, domain := range n.Domains {
		if strings.ContainsAny(domain, " :;@") {
			v.addError("sip_domains", domain, "format", "Invalid SIP domain")
		}
	}
}

func (v *ConfigValidator) validateOutboundConfig(config *Config) {
	o := config.Outbound

	if o.KeyRetain < 1 {
		v.addError("outbound_key_retain", o.KeyRetain, "range", "At least one secret must be retained")
	}
	if o.KeyRotationInterval < 0 {
		v.addError("outbound_key_rotation_interval", o.KeyRotationInterval.String(), "range", "Rotation interval cannot be negative")
	}
	if o.Clustered && o.KeyRotationInterval > 0 {
		v.addWarning("outbound_key_rotation_interval", o.KeyRotationInterval.String(),
			"Key rotation is disabled on clustered nodes", "Unset OUTBOUND_KEY_ROTATION_INTERVAL")
	}
	if o.KeyStorePath != "" && !o.Clustered && !v.directoryExists(o.KeyStorePath) {
		v.addWarning("outbound_key_store_path", o.KeyStorePath, "Key store directory does not exist", "Directory will be created on start")
	}
}

func (v *ConfigValidator) validateRegistrarConfig(config *Config) {
	r := config.Registrar

	if r.MinExpires <= 0 || r.DefaultExpires <= 0 || r.MaxExpires <= 0 {
		v.addError("registrar_expires", map[string]string{
			"min":     r.MinExpires.String(),
			"default": r.DefaultExpires.String(),
			"max":     r.MaxExpires.String(),
		}, "range", "Registrar expiries must be positive")
		return
	}
	if r.MinExpires > r.MaxExpires {
		v.addError("registrar_min_expires", r.MinExpires.String(), "range", "REGISTRAR_MIN_EXPIRES must not exceed REGISTRAR_MAX_EXPIRES")
	}
	if r.DefaultExpires > r.MaxExpires || r.DefaultExpires < r.MinExpires {
		v.addWarning("registrar_default_expires", r.DefaultExpires.String(),
			"Default expiry is outside the min/max range and will be clamped", "")
	}
	if r.MaintenanceInterval <= 0 {
		v.addError("maintenance_interval", r.MaintenanceInterval.String(), "range", "Maintenance interval must be positive")
	}
}

func (v *ConfigValidator) validateTimeoutsConfig(config *Config) {
	t := config.Timeouts
	checks := []struct {
		field string
		value time.Duration
	}{
		{"sip_invite_timeout", t.Invite},
		{"sip_options_timeout", t.Options},
		{"sip_transaction_timeout", t.Default},
	}
	for _, c := range checks {
		if c.value <= 0 {
			v.addError(c.field, c.value.String(), "range", "Transaction timeout must be positive")
		}
	}
}

func (v *ConfigValidator) validateRateLimitConfig(config *Config) {
	r := config.RateLimit
	if !r.Enabled {
		return
	}

	rates := []struct {
		field string
		rate  float64
		burst int
	}{
		{"rate_limit_sip_register", r.RegistersPerSecond, r.RegisterBurst},
		{"rate_limit_sip_invite", r.InvitesPerSecond, r.InviteBurst},
		{"rate_limit_sip_request", r.RequestsPerSecond, r.RequestBurst},
	}
	for _, c := range rates {
		if c.rate <= 0 {
			v.addError(c.field+"_rps", c.rate, "range", "Rate must be positive when rate limiting is enabled")
		}
		if c.burst < 1 {
			v.addError(c.field+"_burst", c.burst, "range", "Burst must be at least 1")
		}
	}

	for _, entry := range r.WhitelistedIPs {
		if net.ParseIP(entry) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(entry); err != nil {
			v.addError("rate_limit_whitelist_ips", entry, "format", "Whitelist entries must be IP addresses or CIDR ranges")
		}
	}
}

func (v *ConfigValidator) validateHTTPConfig(config *Config) {
	h := config.HTTP
	if !h.Enabled {
		return
	}

	if !v.isValidPort(h.Port) {
		v.addError("http_port", h.Port, "range", fmt.Sprintf("Invalid HTTP port %d (must be 1-65535)", h.Port))
	}
	for _, port := range config.Network.TCPPorts {
		if port == h.Port {
			v.addError("http_port", h.Port, "conflict", fmt.Sprintf("port conflict: SIP port %d conflicts with HTTP port", port))
		}
	}
	if config.Network.EnableTLS && config.Network.TLSPort == h.Port {
		v.addError("http_port", h.Port, "conflict", fmt.Sprintf("port conflict: TLS port %d conflicts with HTTP port", h.Port))
	}
}

func (v *ConfigValidator) validateEventSinks(config *Config) {
	if raw := config.Messaging.AMQPUrl; raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
			v.addError("amqp_url", raw, "format", "AMQP URL must use the amqp or amqps scheme")
		}
		if strings.TrimSpace(config.Messaging.AMQPQueueName) == "" {
			v.addError("amqp_queue_name", config.Messaging.AMQPQueueName, "required", "AMQP queue name is required when AMQP_URL is set")
		}
	}

	for _, endpoint := range config.Webhook.Endpoints {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.addError("webhook_endpoints", endpoint, "format", "Webhook endpoint must be an http(s) URL")
		}
	}
	for aor, endpoints := range config.Webhook.AOREndpoints {
		for _, endpoint := range endpoints {
			u, err := url.Parse(endpoint)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				v.addError("webhook_aor_endpoints", aor+"="+endpoint, "format", "Webhook endpoint must be an http(s) URL")
			}
		}
	}

	known := []string{
		string(events.KindRegistered),
		string(events.KindUnregistered),
		string(events.KindIncoming),
		string(events.KindOutgoing),
		string(events.KindTampered),
		string(events.KindFlowFailed),
		string(events.KindKeyRotated),
	}
	for _, kind := range config.Webhook.Events {
		if !v.contains(known, kind) {
			v.addError("webhook_events", kind, "supported", "Unknown flow event kind")
		}
	}
}

func (v *ConfigValidator) validateTracingConfig(config *Config) {
	t := config.Tracing
	if !t.Enabled {
		return
	}
	if t.Endpoint == "" {
		v.addWarning("tracing_endpoint", t.Endpoint, "Tracing enabled without an endpoint", "Set TRACING_ENDPOINT or the exporter default is used")
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		v.addError("tracing_sample_ratio", t.SampleRatio, "range", "Sample ratio must be between 0 and 1")
	}
}

func (v *ConfigValidator) validateLoggingConfig(config *Config) {
	validLevels := []string{"trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"}
	if config.Logging.Level != "" && !v.contains(validLevels, strings.ToLower(config.Logging.Level)) {
		v.addError("log_level", config.Logging.Level, "supported", "Invalid log level")
	}

	validFormats := []string{"text", "json"}
	if config.Logging.Format != "" && !v.contains(validFormats, strings.ToLower(config.Logging.Format)) {
		v.addError("log_format", config.Logging.Format, "supported", "Invalid log format")
	}

	if config.Logging.OutputFile != "" {
		logDir := filepath.Dir(config.Logging.OutputFile)
		if !v.directoryExists(logDir) {
			v.addWarning("log_file", config.Logging.OutputFile, "Log directory does not exist", "Create the directory before starting")
		}
	}
}

// Helper validation functions

func (v *ConfigValidator) isValidPort(port int) bool {
	return port > 0 && port <= 65535
}

func (v *ConfigValidator) isValidHostPort(hostport string) bool {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil || host == "" {
		return false
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return false
	}
	return v.isValidPort(p)
}

func (v *ConfigValidator) fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (v *ConfigValidator) directoryExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (v *ConfigValidator) contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func (v *ConfigValidator) addError(field string, value interface{}, rule, message string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Rule:    rule,
		Message: message,
	})
}

func (v *ConfigValidator) addWarning(field string, value interface{}, message, suggestion string) {
	v.warnings = append(v.warnings, ValidationWarning{
		Field:      field,
		Value:      value,
		Message:    message,
		Suggestion: suggestion,
	})
}

func (v *ConfigValidator) generateSummary() string {
	if len(v.errors) == 0 && len(v.warnings) == 0 {
		return "Configuration validation passed successfully"
	}

	summary := ""
	if len(v.errors) > 0 {
		summary += fmt.Sprintf("%d validation error(s)", len(v.errors))
	}

	if len(v.warnings) > 0 {
		if summary != "" {
			summary += " and "
		}
		summary += fmt.Sprintf("%d warning(s)", len(v.warnings))
	}

	return summary + " found"
}
