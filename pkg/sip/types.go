package sip

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	sipparser "github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/events"
	"flowedge-server/pkg/flowtoken"
	"flowedge-server/pkg/metrics"
	"flowedge-server/pkg/ratelimit"
	"flowedge-server/pkg/version"
)

// Handler is the edge proxy and registrar. It owns the sipgo user agent and
// the outbound processing state.
type Handler struct {
	Logger *logrus.Logger
	UA     *sipgo.UserAgent
	Server *sipgo.Server
	Client *sipgo.Client
	Config *Config

	Points    *ListeningPoints
	Processor *OutboundProcessor
	Registrar *Registrar
	Conns     *ConnectionTable
	Events    *events.Bus

	// Limiter is nil when per-source rate limiting is off.
	Limiter *ratelimit.SIPLimiter

	// pending holds relayed INVITEs awaiting a final response.
	pending *ShardedMap[*sipparser.Request]

	monitorCtx    context.Context
	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

// Config defines SIP handler configuration
type Config struct {
	// FrontedByProxy allows one extra Via hop on "direct" requests.
	FrontedByProxy bool

	// Domains are served by the registrar in addition to the listening
	// addresses themselves.
	Domains []string

	Registrar RegistrarConfig

	// Idle stream connections and expired bindings are swept this often.
	MaintenanceInterval   time.Duration
	ConnectionIdleTimeout time.Duration

	// Timeouts bound relayed transactions; nil uses the defaults.
	Timeouts *TimeoutConfig

	// RateLimit throttles requests per source address when enabled.
	RateLimit *ratelimit.Config

	UserAgent string
}

// NewHandler creates the handler and its sipgo stack. keys is shared with
// the rotation service; points must be populated before requests arrive.
func NewHandler(logger *logrus.Logger, config *Config, keys flowtoken.Keys, points *ListeningPoints, bus *events.Bus) (*Handler, error) {
	if config.MaintenanceInterval == 0 {
		config.MaintenanceInterval = 30 * time.Second
	}
	if config.ConnectionIdleTimeout == 0 {
		config.ConnectionIdleTimeout = 10 * time.Minute
	}
	if config.UserAgent == "" {
		config.UserAgent = version.UserAgent()
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(config.UserAgent))
	if err != nil {
		return nil, err
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, err
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, err
	}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())

	h := &Handler{
		Logger:        logger,
		UA:            ua,
		Server:        server,
		Client:        client,
		Config:        config,
		Points:        points,
		Processor:     NewOutboundProcessor(keys, points, config.FrontedByProxy, logger),
		Registrar:     NewRegistrar(config.Registrar, logger),
		Conns:         NewConnectionTable(logger),
		Events:        bus,
		pending:       NewShardedMap[*sipparser.Request](16),
		monitorCtx:    monitorCtx,
		monitorCancel: monitorCancel,
	}

	if config.RateLimit != nil && config.RateLimit.Enabled {
		h.Limiter = ratelimit.NewSIPLimiter(config.RateLimit, logger)
		h.Limiter.OnLimited = func(_, method string) {
			metrics.RecordSIPRateLimited(method)
		}
	}

	h.monitorWG.Add(1)
	go func() {
		defer h.monitorWG.Done()
		h.runMaintenance()
	}()

	return h, nil
}

// runMaintenance periodically drops expired bindings and idle connections.
func (h *Handler) runMaintenance() {
	ticker := time.NewTicker(h.Config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.monitorCtx.Done():
			return
		case <-ticker.C:
			bindings := h.Registrar.Prune()
			conns := h.Conns.Prune(h.Config.ConnectionIdleTimeout)
			if h.Limiter != nil {
				h.Limiter.Prune()
			}
			if bindings > 0 || conns > 0 {
				h.Logger.WithFields(logrus.Fields{
					"expired_bindings": bindings,
					"idle_connections": conns,
				}).Debug("Maintenance sweep")
			}
		}
	}
}

// ListenAndServe serves SIP on one listener until ctx is done. The address
// must already be registered in the handler's listening points.
func (h *Handler) ListenAndServe(ctx context.Context, transport, address string, tlsConfig *tls.Config) error {
	network := strings.ToLower(transport)
	h.Logger.WithFields(logrus.Fields{
		"transport": network,
		"address":   address,
	}).Info("SIP listener starting")

	if network == "tls" {
		return h.Server.ListenAndServeTLS(ctx, network, address, tlsConfig)
	}
	return h.Server.ListenAndServe(ctx, network, address)
}

// Shutdown stops background work and closes the user agent.
func (h *Handler) Shutdown() error {
	h.monitorCancel()
	h.monitorWG.Wait()
	return h.UA.Close()
}
