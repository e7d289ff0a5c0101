package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/circuitbreaker"
	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/metrics"
	"flowedge-server/pkg/util"
	"flowedge-server/pkg/version"
)

// WebhookNotifier POSTs flow events as JSON to HTTP endpoints.
type WebhookNotifier struct {
	logger  *logrus.Logger
	client  *http.Client
	global  []string
	kinds   map[Kind]struct{}
	timeout time.Duration

	// one breaker per endpoint
	breakers *circuitbreaker.Manager
	pool     *util.GoroutinePool

	mu     sync.RWMutex
	perAOR map[string][]string
}

// NewWebhookNotifier creates a notifier for endpoints. An empty kinds list
// forwards every event.
func NewWebhookNotifier(logger *logrus.Logger, endpoints []string, kinds []Kind, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	cleaned := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		if trimmed := strings.TrimSpace(ep); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}

	var filter map[Kind]struct{}
	if len(kinds) > 0 {
		filter = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			filter[k] = struct{}{}
		}
	}

	return &WebhookNotifier{
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		global:  cleaned,
		kinds:   filter,
		timeout: timeout,
		perAOR:  make(map[string][]string),
		pool:    util.NewGoroutinePool("webhook", 4, 256, logger),
		breakers: circuitbreaker.NewManager(&circuitbreaker.Config{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
			MaxTimeout:       5 * time.Minute,
		}, logger),
	}
}

// RegisterAOREndpoint adds an endpoint that only receives events of aor.
func (n *WebhookNotifier) RegisterAOREndpoint(aor, endpoint string) {
	trimmed := strings.TrimSpace(endpoint)
	if aor == "" || trimmed == "" {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.perAOR[aor] = append(n.perAOR[aor], trimmed)
}

// ClearAOREndpoints removes the endpoints registered for aor.
func (n *WebhookNotifier) ClearAOREndpoints(aor string) {
	n.mu.Lock()
	delete(n.perAOR, aor)
	n.mu.Unlock()
}

// PublishFlowEvent sends evt to every matching endpoint in the background.
func (n *WebhookNotifier) PublishFlowEvent(evt FlowEvent) error {
	if n.kinds != nil {
		if _, ok := n.kinds[evt.Kind]; !ok {
			return nil
		}
	}

	endpoints := n.collectEndpoints(evt.AOR)
	if len(endpoints) == 0 {
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "failed to marshal flow event").WithField("event_id", evt.ID)
	}

	dropped := 0
	for _, endpoint := range endpoints {
		endpoint := endpoint
		if !n.pool.Submit(func() { n.send(endpoint, body) }) {
			metrics.RecordEventPublished("webhook", "dropped")
			dropped++
		}
	}
	if dropped > 0 {
		return errors.New("webhook queue is full", map[string]interface{}{
			"event_id": evt.ID,
			"dropped":  dropped,
		})
	}
	return nil
}

// Close stops accepting events and waits up to timeout for queued
// deliveries.
func (n *WebhookNotifier) Close(timeout time.Duration) {
	if !n.pool.Shutdown(timeout) {
		n.logger.Warn("Webhook deliveries still in flight at shutdown")
	}
}

func (n *WebhookNotifier) send(endpoint string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	logger := n.logger.WithField("endpoint", endpoint)
	status := 0
	err := n.breakers.Get(endpoint).Execute(ctx, func(ctx context.Context) error {
		var err error
		status, err = n.post(ctx, endpoint, body)
		return err
	})

	switch {
	case errors.IsErrorType(err, circuitbreaker.ErrOpen):
		logger.Debug("Webhook circuit open, dropping flow event")
		metrics.RecordEventPublished("webhook", "circuit_open")
	case err != nil:
		logger.WithError(err).Warn("Failed to deliver flow event")
		metrics.RecordEventPublished("webhook", "error")
	case status >= 300:
		logger.WithField("status", status).Warn("Webhook returned non-success response")
		metrics.RecordEventPublished("webhook", "rejected")
	default:
		metrics.RecordEventPublished("webhook", "ok")
	}
}

// post delivers body to endpoint. Transport failures and 5xx answers are
// errors; other statuses are returned as is.
func (n *WebhookNotifier) post(ctx context.Context, endpoint string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "failed to create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return resp.StatusCode, errors.New("webhook server error", map[string]interface{}{"status": resp.StatusCode})
	}
	return resp.StatusCode, nil
}

func (n *WebhookNotifier) collectEndpoints(aor string) []string {
	seen := make(map[string]struct{})
	merged := make([]string, 0, len(n.global)+2)

	add := func(endpoint string) {
		if _, ok := seen[endpoint]; !ok {
			seen[endpoint] = struct{}{}
			merged = append(merged, endpoint)
		}
	}

	for _, endpoint := range n.global {
		add(endpoint)
	}
	if aor != "" {
		n.mu.RLock()
		for _, endpoint := range n.perAOR[aor] {
			add(endpoint)
		}
		n.mu.RUnlock()
	}
	return merged
}
