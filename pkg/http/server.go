package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/flowtoken"
	"flowedge-server/pkg/metrics"
	"flowedge-server/pkg/sip"
	"flowedge-server/pkg/version"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RegistrationService is the registrar view the API needs
type RegistrationService interface {
	Lookup(aor string) ([]sip.Binding, error)
	Count() int
}

// ConnectionChecker reports broker connectivity for health checks
type ConnectionChecker interface {
	IsConnected() bool
}

// Server serves health checks, metrics, the flow event stream and the
// registration API
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time

	registrar  RegistrationService
	keys       flowtoken.Keys
	clustered  bool
	flowHub    *FlowHub
	amqpClient ConnectionChecker
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	server := &Server{
		config:    config,
		logger:    logger,
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}

	mux := server.mux
	mux.HandleFunc("/health", addServerHeader(server.HealthHandler))
	mux.HandleFunc("/health/live", addServerHeader(server.LivenessHandler))
	mux.HandleFunc("/health/ready", addServerHeader(server.ReadinessHandler))
	mux.HandleFunc("/status", addServerHeader(server.statusHandler))
	mux.Handle("/api/registrations", traced("api.registrations", server.handleRegistrations))
	mux.Handle("/api/flows/decode", traced("api.flows.decode", server.handleDecodeToken))
	mux.HandleFunc("/ws/flows", server.handleFlowStream)

	if config.EnableMetrics {
		mux.HandleFunc(config.MetricsPath, addServerHeader(func(w http.ResponseWriter, r *http.Request) {
			handler := metrics.Handler()
			if handler == nil {
				http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
				return
			}
			handler.ServeHTTP(w, r)
		}))
		logger.WithField("path", config.MetricsPath).Info("Prometheus metrics endpoint enabled")
	} else {
		logger.Info("Metrics endpoints disabled")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server
}

func addServerHeader(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.ServerHeader())
		next(w, r)
	}
}

// traced adds the Server header and an OpenTelemetry server span
func traced(operation string, next http.HandlerFunc) http.Handler {
	return otelhttp.NewHandler(addServerHeader(next), operation)
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetRegistrar sets the registrar used by the API and readiness checks
func (s *Server) SetRegistrar(registrar RegistrationService) {
	s.registrar = registrar
}

// SetKeyRing sets the flow token keys. A clustered node may run with an
// empty ring.
func (s *Server) SetKeyRing(keys flowtoken.Keys, clustered bool) {
	s.keys = keys
	s.clustered = clustered
}

// SetFlowHub sets the WebSocket hub serving /ws/flows
func (s *Server) SetFlowHub(hub *FlowHub) {
	s.flowHub = hub
}

// SetAMQPClient sets the AMQP client reference for health checks
func (s *Server) SetAMQPClient(client ConnectionChecker) {
	s.amqpClient = client
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind HTTP listener").WithField("addr", s.httpServer.Addr)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.WithField("addr", listener.Addr().String()).Info("HTTP server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "HTTP server failed")
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleFlowStream(w http.ResponseWriter, r *http.Request) {
	if s.flowHub == nil || !s.flowHub.IsRunning() {
		http.Error(w, "flow event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	s.logger.WithField("remote_addr", r.RemoteAddr).Debug("WebSocket connection request received")
	s.flowHub.ServeWs(w, r)
}

// statusHandler handles the /status endpoint
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).String(),
		"version":    version.Version,
		"started_at": s.startTime.Format(time.RFC3339),
	}
	if s.registrar != nil {
		status["registrations"] = s.registrar.Count()
	}
	if s.keys != nil {
		status["secrets"] = s.keys.Len()
	}
	if s.flowHub != nil {
		status["websocket_clients"] = s.flowHub.ClientCount()
	}

	writeJSON(w, http.StatusOK, status)
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Debug("HTTP error response sent")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
