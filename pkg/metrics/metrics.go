package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     atomic.Bool
	initialized        atomic.Bool

	// Flow token metrics
	FlowTokensEncoded    *prometheus.CounterVec
	FlowTokensDecoded    *prometheus.CounterVec
	OutboundClassified   *prometheus.CounterVec
	FlowDeliveryFailures *prometheus.CounterVec
	KeyRotations         prometheus.Counter
	ActiveRegistrations  prometheus.Gauge

	// SIP metrics
	SIPRequestsTotal *prometheus.CounterVec
	SIPRateLimited   *prometheus.CounterVec

	// Event sink metrics
	EventsPublished      *prometheus.CounterVec
	WebSocketClients     prometheus.Gauge
	AMQPConnectionStatus prometheus.Gauge
)

func init() {
	metricsEnabled.Store(true)
}

// Init initializes all metrics and registers them with a private registry
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		FlowTokensEncoded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowedge_flow_tokens_encoded_total",
				Help: "Total number of flow tokens minted",
			},
			[]string{"transport"},
		)

		FlowTokensDecoded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowedge_flow_tokens_decoded_total",
				Help: "Total number of flow token decode attempts by result",
			},
			[]string{"result"},
		)

		OutboundClassified = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowedge_outbound_classification_total",
				Help: "Total number of requests classified by direction",
			},
			[]string{"direction"},
		)

		FlowDeliveryFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowedge_flow_delivery_failures_total",
				Help: "Total number of requests that could not be delivered over their flow",
			},
			[]string{"reason"},
		)

		KeyRotations = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowedge_key_rotations_total",
				Help: "Total number of flow token key rotations",
			},
		)

		ActiveRegistrations = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowedge_registrations_active",
				Help: "Number of live registrar bindings",
			},
		)

		SIPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowedge_sip_requests_total",
				Help: "Total number of SIP requests",
			},
			[]string{"method", "status"},
		)

		SIPRateLimited = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowedge_sip_rate_limited_total",
				Help: "Total number of SIP requests rejected by the per-source rate limiter",
			},
			[]string{"method"},
		)

		EventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowedge_events_published_total",
				Help: "Total number of flow events handed to a sink",
			},
			[]string{"sink", "status"},
		)

		WebSocketClients = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowedge_websocket_clients",
				Help: "Number of connected flow event websocket clients",
			},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowedge_amqp_connection_status",
				Help: "AMQP connection status (1 = connected, 0 = disconnected)",
			},
		)

		registry.MustRegister(
			FlowTokensEncoded,
			FlowTokensDecoded,
			OutboundClassified,
			FlowDeliveryFailures,
			KeyRotations,
			ActiveRegistrations,
			SIPRequestsTotal,
			SIPRateLimited,
			EventsPublished,
			WebSocketClients,
			AMQPConnectionStatus,
		)
		initialized.Store(true)

		if logger != nil {
			logger.Info("Prometheus metrics initialized")
		}
	})
}

// EnableMetrics enables or disables metrics collection
func EnableMetrics(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// Handler returns the HTTP handler serving the registry, or nil before Init.
func Handler() http.Handler {
	if !initialized.Load() {
		return nil
	}
	return promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if !IsMetricsEnabled() {
		return
	}
	if h := Handler(); h != nil {
		mux.Handle(defaultMetricsPath, h)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		EnableMetrics(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	EnableMetrics(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

func active() bool {
	return initialized.Load() && metricsEnabled.Load()
}

// RecordFlowTokenEncoded records a minted flow token
func RecordFlowTokenEncoded(transport string) {
	if active() {
		FlowTokensEncoded.WithLabelValues(transport).Inc()
	}
}

// RecordFlowTokenDecoded records a decode result: valid, tampered or not_token
func RecordFlowTokenDecoded(result string) {
	if active() {
		FlowTokensDecoded.WithLabelValues(result).Inc()
	}
}

// RecordOutboundClassification records the direction a request was classified as
func RecordOutboundClassification(direction string) {
	if active() {
		OutboundClassified.WithLabelValues(direction).Inc()
	}
}

// RecordFlowDeliveryFailure records why a request could not use its flow
func RecordFlowDeliveryFailure(reason string) {
	if active() {
		FlowDeliveryFailures.WithLabelValues(reason).Inc()
	}
}

// RecordKeyRotation records a key ring rotation
func RecordKeyRotation() {
	if active() {
		KeyRotations.Inc()
	}
}

// SetActiveRegistrations sets the number of live bindings
func SetActiveRegistrations(n int) {
	if active() {
		ActiveRegistrations.Set(float64(n))
	}
}

// RecordSIPRequest records a SIP request
func RecordSIPRequest(method, status string) {
	if active() {
		SIPRequestsTotal.WithLabelValues(method, status).Inc()
	}
}

// RecordSIPRateLimited records a request rejected by the rate limiter
func RecordSIPRateLimited(method string) {
	if active() {
		SIPRateLimited.WithLabelValues(method).Inc()
	}
}

// RecordEventPublished records a flow event handed to sink
func RecordEventPublished(sink, status string) {
	if active() {
		EventsPublished.WithLabelValues(sink, status).Inc()
	}
}

// SetWebSocketClients sets the websocket client gauge
func SetWebSocketClients(n int) {
	if active() {
		WebSocketClients.Set(float64(n))
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if !active() {
		return
	}
	if connected {
		AMQPConnectionStatus.Set(1)
	} else {
		AMQPConnectionStatus.Set(0)
	}
}
