package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"flowedge-server/pkg/config"
	"flowedge-server/pkg/encryption"
	"flowedge-server/pkg/events"
	http_server "flowedge-server/pkg/http"
	"flowedge-server/pkg/messaging"
	"flowedge-server/pkg/metrics"
	"flowedge-server/pkg/sip"
	"flowedge-server/pkg/telemetry/tracing"
	"flowedge-server/pkg/version"
)

var (
	logger     = logrus.New()
	appConfig  *config.Config
	keyRing    *encryption.KeyRing
	rotation   *encryption.RotationService
	eventBus   *events.Bus
	flowHub    *http_server.FlowHub
	amqpClient *messaging.AMQPClient
	webhooks   *events.WebhookNotifier
	sipHandler *sip.Handler
	httpServer *http_server.Server
	tlsConfig  *tls.Config

	tracingShutdown = func(ctx context.Context) error { return nil }
)

type listener struct {
	transport string
	address   string
}

func main() {
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listeners, err := initialize(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	logger.WithFields(logrus.Fields{
		"version":    version.Version,
		"listeners":  len(listeners),
		"advertised": sipHandler.Points.Advertised(),
		"clustered":  appConfig.Outbound.Clustered,
	}).Info("flowedge started")

	g, gctx := errgroup.WithContext(ctx)

	for _, l := range listeners {
		l := l
		g.Go(func() error {
			if err := sipHandler.ListenAndServe(gctx, l.transport, l.address, tlsConfig); err != nil {
				return fmt.Errorf("%s listener %s: %w", l.transport, l.address, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		flowHub.Run(gctx)
		return nil
	})

	if appConfig.HTTP.Enabled {
		g.Go(func() error {
			return httpServer.ListenAndServe(gctx)
		})
	} else {
		logger.Info("HTTP server is disabled by configuration")
	}

	if err := rotation.Start(gctx); err != nil {
		logger.WithError(err).Error("Failed to start key rotation service")
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		logger.WithError(err).Error("Server stopped with error")
	} else {
		logger.Info("Received shutdown signal, cleaning up...")
	}

	shutdown()
	if err != nil {
		os.Exit(1)
	}
}

// initialize loads configuration and builds every component. It returns the
// SIP listeners to serve.
func initialize(ctx context.Context) ([]listener, error) {
	var err error
	appConfig, err = config.Load(logger)
	if err != nil {
		return nil, err
	}
	if err := appConfig.ApplyLogging(logger); err != nil {
		logger.WithError(err).Warn("Failed to apply logging configuration, using defaults")
	}

	metrics.StartMetrics(logger, appConfig.HTTP.EnableMetrics)

	shutdownTracing, err := tracing.Init(ctx, appConfig.Tracing, logger)
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled")
	} else {
		tracingShutdown = shutdownTracing
	}

	if err := initializeKeyRing(); err != nil {
		return nil, err
	}

	initializeEvents()

	tlsConfig, err = appConfig.Network.TLS.GetTLSConfig(logger)
	if err != nil {
		return nil, err
	}

	advertised := sip.DiscoverAdvertisedHost(ctx, appConfig.Network.AdvertisedHost, appConfig.Network.STUNServers, logger)
	points := sip.NewListeningPoints(advertised, logger)
	listeners, err := addListeningPoints(points)
	if err != nil {
		return nil, err
	}

	sipHandler, err = sip.NewHandler(logger, sipConfig(appConfig), keyRing, points, eventBus)
	if err != nil {
		return nil, fmt.Errorf("failed to create SIP handler: %w", err)
	}
	sipHandler.SetupHandlers()

	httpServer = http_server.NewServer(logger, &http_server.Config{
		Port:          appConfig.HTTP.Port,
		Enabled:       appConfig.HTTP.Enabled,
		EnableMetrics: appConfig.HTTP.EnableMetrics,
		ReadTimeout:   appConfig.HTTP.ReadTimeout,
		WriteTimeout:  appConfig.HTTP.WriteTimeout,
	})
	httpServer.SetRegistrar(sipHandler.Registrar)
	httpServer.SetKeyRing(keyRing, appConfig.Outbound.Clustered)
	httpServer.SetFlowHub(flowHub)
	if amqpClient != nil {
		httpServer.SetAMQPClient(amqpClient)
	}

	return listeners, nil
}

// initializeKeyRing opens the key ring, persisted when a key store path is
// configured, and prepares its rotation service.
func initializeKeyRing() error {
	ringConfig := encryption.KeyRingConfig{
		Clustered:        appConfig.Outbound.Clustered,
		KeyStorePath:     appConfig.Outbound.KeyStorePath,
		RotationInterval: appConfig.Outbound.KeyRotationInterval,
		Retain:           appConfig.Outbound.KeyRetain,
	}

	var store encryption.KeyStore
	if ringConfig.KeyStorePath != "" {
		fileStore, err := encryption.NewFileKeyStore(ringConfig.KeyStorePath, logger)
		if err != nil {
			return fmt.Errorf("failed to open key store: %w", err)
		}
		store = fileStore
	}

	var err error
	keyRing, err = encryption.OpenKeyRing(ringConfig, store, logger)
	if err != nil {
		return fmt.Errorf("failed to open key ring: %w", err)
	}

	rotation = encryption.NewRotationService(keyRing, store, ringConfig, logger)
	rotation.OnRotate = func(secret encryption.Secret) {
		metrics.RecordKeyRotation()
		evt := events.NewFlowEvent(events.KindKeyRotated, "", nil)
		evt.Details = map[string]interface{}{"secret_id": secret.ID}
		eventBus.Publish(evt)
	}
	return nil
}

// initializeEvents registers the WebSocket hub, the webhook notifier and the
// AMQP publisher on the event bus.
func initializeEvents() {
	eventBus = events.NewBus(logger)

	flowHub = http_server.NewFlowHub(logger)
	eventBus.Register(flowHub)

	if len(appConfig.Webhook.Endpoints) > 0 || len(appConfig.Webhook.AOREndpoints) > 0 {
		kinds := make([]events.Kind, 0, len(appConfig.Webhook.Events))
		for _, k := range appConfig.Webhook.Events {
			kinds = append(kinds, events.Kind(k))
		}
		webhooks = events.NewWebhookNotifier(logger, appConfig.Webhook.Endpoints, kinds, appConfig.Webhook.Timeout)
		for aor, endpoints := range appConfig.Webhook.AOREndpoints {
			for _, endpoint := range endpoints {
				webhooks.RegisterAOREndpoint(aor, endpoint)
			}
		}
		eventBus.Register(webhooks)
		logger.WithField("endpoints", len(appConfig.Webhook.Endpoints)).Info("Webhook notifications enabled")
	}

	if appConfig.Messaging.AMQPUrl != "" {
		client := messaging.NewAMQPClient(logger, messaging.AMQPConfig{
			URL:       appConfig.Messaging.AMQPUrl,
			QueueName: appConfig.Messaging.AMQPQueueName,
		})
		if err := client.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable, flow events will not be queued")
			return
		}
		amqpClient = client
		eventBus.Register(amqpClient)
	}
}

func addListeningPoints(points *sip.ListeningPoints) ([]listener, error) {
	host := appConfig.Network.Host
	var listeners []listener

	add := func(transport string, port int) error {
		address := net.JoinHostPort(host, strconv.Itoa(port))
		if _, err := points.Add(transport, address); err != nil {
			return fmt.Errorf("failed to add %s listening point %s: %w", transport, address, err)
		}
		listeners = append(listeners, listener{transport: transport, address: address})
		return nil
	}

	for _, port := range appConfig.Network.UDPPorts {
		if err := add("udp", port); err != nil {
			return nil, err
		}
	}
	for _, port := range appConfig.Network.TCPPorts {
		if err := add("tcp", port); err != nil {
			return nil, err
		}
	}
	if appConfig.Network.EnableTLS && tlsConfig != nil {
		if err := add("tls", appConfig.Network.TLSPort); err != nil {
			return nil, err
		}
	}
	return listeners, nil
}

func sipConfig(cfg *config.Config) *sip.Config {
	return &sip.Config{
		FrontedByProxy: cfg.Outbound.FrontedByProxy,
		Domains:        cfg.Network.Domains,
		Registrar: sip.RegistrarConfig{
			DefaultExpires: cfg.Registrar.DefaultExpires,
			MinExpires:     cfg.Registrar.MinExpires,
			MaxExpires:     cfg.Registrar.MaxExpires,
		},
		MaintenanceInterval:   cfg.Registrar.MaintenanceInterval,
		ConnectionIdleTimeout: cfg.Registrar.ConnectionIdleTimeout,
		Timeouts: &sip.TimeoutConfig{
			InviteTimeout:  cfg.Timeouts.Invite,
			OptionsTimeout: cfg.Timeouts.Options,
			DefaultTimeout: cfg.Timeouts.Default,
		},
		RateLimit: &cfg.RateLimit,
		UserAgent: cfg.Network.UserAgent,
	}
}

func shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if rotation != nil {
		if err := rotation.Stop(); err != nil {
			logger.WithError(err).Error("Error stopping key rotation service")
		}
	}

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Debug("HTTP server already stopped")
		}
	}

	if sipHandler != nil {
		if err := sipHandler.Shutdown(); err != nil {
			logger.WithError(err).Error("Error shutting down SIP server")
		}
	}

	if webhooks != nil {
		webhooks.Close(5 * time.Second)
	}

	if amqpClient != nil {
		amqpClient.Disconnect()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush tracing spans during shutdown")
	}

	logger.Info("Application shut down gracefully")
}
