package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/ratelimit"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Network   NetworkConfig    `json:"network"`
	Outbound  OutboundConfig   `json:"outbound"`
	Registrar RegistrarConfig  `json:"registrar"`
	Timeouts  TimeoutsConfig   `json:"timeouts"`
	RateLimit ratelimit.Config `json:"rate_limit"`
	HTTP      HTTPConfig       `json:"http"`
	Messaging MessagingConfig  `json:"messaging"`
	Webhook   WebhookConfig    `json:"webhook"`
	Tracing   TracingConfig    `json:"tracing"`
	Logging   LoggingConfig    `json:"logging"`
}

// NetworkConfig holds the SIP listener configuration
type NetworkConfig struct {
	// Listen host for every SIP listener
	Host string `json:"host" env:"SIP_HOST" default:"0.0.0.0"`

	// Host written into Path and Record-Route when listening on a wildcard
	AdvertisedHost string `json:"advertised_host" env:"SIP_ADVERTISED_HOST"`

	UDPPorts []int `json:"udp_ports" env:"SIP_UDP_PORTS" default:"5060"`
	TCPPorts []int `json:"tcp_ports" env:"SIP_TCP_PORTS" default:"5060"`

	// TLS listener
	EnableTLS bool      `json:"enable_tls" env:"SIP_ENABLE_TLS" default:"false"`
	TLSPort   int       `json:"tls_port" env:"SIP_TLS_PORT" default:"5061"`
	TLS       TLSConfig `json:"tls"`

	// STUN servers queried when no advertised host is configured
	STUNServers []string `json:"stun_servers" env:"STUN_SERVERS"`

	// Domains served by the registrar
	Domains []string `json:"domains" env:"SIP_DOMAINS"`

	UserAgent string `json:"user_agent" env:"SIP_USER_AGENT"`
}

// OutboundConfig holds the flow token settings
type OutboundConfig struct {
	// One extra Via is allowed on direct requests when a proxy fronts the node
	FrontedByProxy bool `json:"fronted_by_proxy" env:"OUTBOUND_FRONTED_BY_PROXY" default:"false"`

	// Clustered nodes start with an empty key ring
	Clustered bool `json:"clustered" env:"OUTBOUND_CLUSTERED" default:"false"`

	KeyStorePath        string        `json:"key_store_path" env:"OUTBOUND_KEY_STORE_PATH"`
	KeyRotationInterval time.Duration `json:"key_rotation_interval" env:"OUTBOUND_KEY_ROTATION_INTERVAL" default:"0"`
	KeyRetain           int           `json:"key_retain" env:"OUTBOUND_KEY_RETAIN" default:"3"`
}

// RegistrarConfig holds the location service limits
type RegistrarConfig struct {
	DefaultExpires time.Duration `json:"default_expires" env:"REGISTRAR_DEFAULT_EXPIRES" default:"3600"`
	MinExpires     time.Duration `json:"min_expires" env:"REGISTRAR_MIN_EXPIRES" default:"60"`
	MaxExpires     time.Duration `json:"max_expires" env:"REGISTRAR_MAX_EXPIRES" default:"3600"`

	// Expired bindings and idle connections are swept this often
	MaintenanceInterval   time.Duration `json:"maintenance_interval" env:"MAINTENANCE_INTERVAL" default:"30s"`
	ConnectionIdleTimeout time.Duration `json:"connection_idle_timeout" env:"CONNECTION_IDLE_TIMEOUT" default:"10m"`
}

// TimeoutsConfig bounds relayed client transactions
type TimeoutsConfig struct {
	Invite  time.Duration `json:"invite" env:"SIP_INVITE_TIMEOUT" default:"3m"`
	Options time.Duration `json:"options" env:"SIP_OPTIONS_TIMEOUT" default:"5s"`
	Default time.Duration `json:"default" env:"SIP_TRANSACTION_TIMEOUT" default:"32s"`
}

// HTTPConfig holds the HTTP server configuration
type HTTPConfig struct {
	// HTTP port
	Port int `json:"port" env:"HTTP_PORT" default:"8080"`

	// Whether HTTP server is enabled
	Enabled bool `json:"enabled" env:"HTTP_ENABLED" default:"true"`

	// Whether metrics endpoint is enabled
	EnableMetrics bool `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`

	ReadTimeout  time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`
}

// MessagingConfig holds the flow event audit publisher configuration
type MessagingConfig struct {
	AMQPUrl       string `json:"amqp_url" env:"AMQP_URL"`
	AMQPQueueName string `json:"amqp_queue_name" env:"AMQP_QUEUE_NAME" default:"flowedge.events"`
}

// WebhookConfig holds the flow event webhook configuration
type WebhookConfig struct {
	Endpoints []string      `json:"endpoints" env:"WEBHOOK_ENDPOINTS"`
	Events    []string      `json:"events" env:"WEBHOOK_EVENTS"`
	Timeout   time.Duration `json:"timeout" env:"WEBHOOK_TIMEOUT" default:"3s"`

	// AOREndpoints only receive events of their address-of-record
	AOREndpoints map[string][]string `json:"aor_endpoints" env:"WEBHOOK_AOR_ENDPOINTS"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" env:"TRACING_ENABLED" default:"false"`
	Endpoint    string  `json:"endpoint" env:"TRACING_ENDPOINT"`
	Insecure    bool    `json:"insecure" env:"TRACING_INSECURE" default:"false"`
	ServiceName string  `json:"service_name" env:"TRACING_SERVICE_NAME" default:"flowedge"`
	SampleRatio float64 `json:"sample_ratio" env:"TRACING_SAMPLE_RATIO" default:"1.0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Log level
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// Load reads .env (if present) and the environment into a validated Config.
func Load(logger *logrus.Logger) (*Config, error) {
	loadEnvFile(logger)

	config := &Config{}

	if err := loadNetworkConfig(logger, &config.Network); err != nil {
		return nil, errors.Wrap(err, "failed to load network configuration")
	}
	loadOutboundConfig(logger, &config.Outbound)
	loadRegistrarConfig(&config.Registrar)
	loadTimeoutsConfig(&config.Timeouts)
	loadRateLimitConfig(&config.RateLimit)
	loadHTTPConfig(&config.HTTP)
	loadMessagingConfig(&config.Messaging)
	loadWebhookConfig(&config.Webhook)
	loadTracingConfig(&config.Tracing)
	loadLoggingConfig(logger, &config.Logging)

	result := NewConfigValidator(logger).ValidateConfig(config)
	if !result.Valid {
		return nil, errors.NewInvalidInput("invalid configuration", map[string]interface{}{
			"summary": result.Summary,
			"errors":  result.Errors,
		})
	}

	return config, nil
}

func loadEnvFile(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		logger.WithField("path", absPath).Debug("Attempting to load .env file")
		if loadErr := godotenv.Load(envFile); loadErr == nil {
			loadedFrom = absPath
			break
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}
}

func loadNetworkConfig(logger *logrus.Logger, config *NetworkConfig) error {
	config.Host = getEnv("SIP_HOST", "0.0.0.0")
	config.AdvertisedHost = getEnv("SIP_ADVERTISED_HOST", "")

	var err error
	if config.UDPPorts, err = parsePorts(getEnv("SIP_UDP_PORTS", "5060"), "SIP_UDP_PORTS"); err != nil {
		return err
	}
	if config.TCPPorts, err = parsePorts(getEnv("SIP_TCP_PORTS", "5060"), "SIP_TCP_PORTS"); err != nil {
		return err
	}

	config.EnableTLS = getEnvBool("SIP_ENABLE_TLS", false)
	config.TLSPort = getEnvInt("SIP_TLS_PORT", 5061)
	config.TLS = TLSConfig{
		Enabled:    config.EnableTLS,
		CertFile:   getEnv("SIP_TLS_CERT_FILE", ""),
		KeyFile:    getEnv("SIP_TLS_KEY_FILE", ""),
		CAFile:     getEnv("SIP_TLS_CA_FILE", ""),
		ClientAuth: getEnv("SIP_TLS_CLIENT_AUTH", "none"),
		MinVersion: getEnv("SIP_TLS_MIN_VERSION", "1.2"),
	}

	config.STUNServers = getEnvList("STUN_SERVERS")
	config.Domains = getEnvList("SIP_DOMAINS")
	config.UserAgent = getEnv("SIP_USER_AGENT", "")

	if config.AdvertisedHost == "" && len(config.STUNServers) == 0 {
		logger.Debug("No advertised host or STUN servers configured, a local address will be advertised")
	}
	return nil
}

func loadOutboundConfig(logger *logrus.Logger, config *OutboundConfig) {
	config.FrontedByProxy = getEnvBool("OUTBOUND_FRONTED_BY_PROXY", false)
	config.Clustered = getEnvBool("OUTBOUND_CLUSTERED", false)
	config.KeyStorePath = getEnv("OUTBOUND_KEY_STORE_PATH", "")
	config.KeyRotationInterval = getEnvDuration("OUTBOUND_KEY_ROTATION_INTERVAL", 0)
	config.KeyRetain = getEnvInt("OUTBOUND_KEY_RETAIN", 3)

	if config.Clustered && config.KeyStorePath != "" {
		logger.Warn("OUTBOUND_KEY_STORE_PATH is ignored on clustered nodes")
	}
}

func loadRegistrarConfig(config *RegistrarConfig) {
	config.DefaultExpires = getEnvSeconds("REGISTRAR_DEFAULT_EXPIRES", time.Hour)
	config.MinExpires = getEnvSeconds("REGISTRAR_MIN_EXPIRES", time.Minute)
	config.MaxExpires = getEnvSeconds("REGISTRAR_MAX_EXPIRES", time.Hour)
	config.MaintenanceInterval = getEnvDuration("MAINTENANCE_INTERVAL", 30*time.Second)
	config.ConnectionIdleTimeout = getEnvDuration("CONNECTION_IDLE_TIMEOUT", 10*time.Minute)
}

func loadTimeoutsConfig(config *TimeoutsConfig) {
	config.Invite = getEnvDuration("SIP_INVITE_TIMEOUT", 3*time.Minute)
	config.Options = getEnvDuration("SIP_OPTIONS_TIMEOUT", 5*time.Second)
	config.Default = getEnvDuration("SIP_TRANSACTION_TIMEOUT", 32*time.Second)
}

func loadRateLimitConfig(config *ratelimit.Config) {
	defaults := ratelimit.DefaultConfig()
	config.Enabled = getEnvBool("RATE_LIMIT_SIP_ENABLED", false)
	config.RegistersPerSecond = getEnvFloat("RATE_LIMIT_SIP_REGISTER_RPS", defaults.RegistersPerSecond)
	config.RegisterBurst = getEnvInt("RATE_LIMIT_SIP_REGISTER_BURST", defaults.RegisterBurst)
	config.InvitesPerSecond = getEnvFloat("RATE_LIMIT_SIP_INVITE_RPS", defaults.InvitesPerSecond)
	config.InviteBurst = getEnvInt("RATE_LIMIT_SIP_INVITE_BURST", defaults.InviteBurst)
	config.RequestsPerSecond = getEnvFloat("RATE_LIMIT_SIP_RPS", defaults.RequestsPerSecond)
	config.RequestBurst = getEnvInt("RATE_LIMIT_SIP_REQUEST_BURST", defaults.RequestBurst)
	config.IdleTTL = getEnvDuration("RATE_LIMIT_IDLE_TTL", defaults.IdleTTL)
	config.WhitelistedIPs = getEnvList("RATE_LIMIT_WHITELIST_IPS")
	if len(config.WhitelistedIPs) == 0 {
		config.WhitelistedIPs = defaults.WhitelistedIPs
	}
}

func loadHTTPConfig(config *HTTPConfig) {
	config.Port = getEnvInt("HTTP_PORT", 8080)
	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)
	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
}

func loadMessagingConfig(config *MessagingConfig) {
	config.AMQPUrl = getEnv("AMQP_URL", "")
	config.AMQPQueueName = getEnv("AMQP_QUEUE_NAME", "flowedge.events")
}

func loadWebhookConfig(config *WebhookConfig) {
	config.Endpoints = getEnvList("WEBHOOK_ENDPOINTS")
	config.Events = getEnvList("WEBHOOK_EVENTS")
	config.AOREndpoints = getEnvAOREndpoints("WEBHOOK_AOR_ENDPOINTS")
	config.Timeout = getEnvDuration("WEBHOOK_TIMEOUT", 3*time.Second)
}

func loadTracingConfig(config *TracingConfig) {
	config.Enabled = getEnvBool("TRACING_ENABLED", false)
	config.Endpoint = getEnv("TRACING_ENDPOINT", "")
	config.Insecure = getEnvBool("TRACING_INSECURE", false)
	config.ServiceName = getEnv("TRACING_SERVICE_NAME", "flowedge")
	config.SampleRatio = getEnvFloat("TRACING_SAMPLE_RATIO", 1.0)
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) {
	config.Level = getEnv("LOG_LEVEL", "info")
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

// ApplyLogging applies the logging section to logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to parse comma-separated port list
func parsePorts(portsStr, envName string) ([]int, error) {
	portsStr = strings.TrimSpace(portsStr)
	if portsStr == "" {
		return nil, nil
	}

	var ports []int
	for _, portStr := range strings.Split(portsStr, ",") {
		portStr = strings.TrimSpace(portStr)
		if portStr == "" {
			continue
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("invalid port in %s: %s", envName, portStr))
		}

		if port < 1 || port > 65535 {
			return nil, errors.New(fmt.Sprintf("port out of range in %s: %d", envName, port))
		}

		ports = append(ports, port)
	}

	return ports, nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma separated variable, dropping empty items
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvAOREndpoints parses aor=url pairs. An address-of-record may appear
// more than once.
func getEnvAOREndpoints(key string) map[string][]string {
	out := make(map[string][]string)
	for _, item := range getEnvList(key) {
		aor, endpoint, ok := strings.Cut(item, "=")
		aor, endpoint = strings.TrimSpace(aor), strings.TrimSpace(endpoint)
		if !ok || aor == "" {
			continue
		}
		out[aor] = append(out[aor], endpoint)
	}
	return out
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvSeconds reads a SIP expiry given as plain seconds or as a duration
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return getEnvDuration(key, defaultValue)
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}
