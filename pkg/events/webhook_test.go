package events

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowedge-server/pkg/circuitbreaker"
	"flowedge-server/pkg/flowtoken"
)

func TestWebhookNotifierDeliversEvent(t *testing.T) {
	ch := make(chan FlowEvent, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var evt FlowEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err == nil {
			ch <- evt
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	notifier := NewWebhookNotifier(logger, []string{" ", server.URL}, []Kind{KindRegistered}, time.Second)
	defer notifier.Close(time.Second)
	notifier.RegisterAOREndpoint("sip:alice@example.com", server.URL)

	flow := &flowtoken.Flow{Transport: flowtoken.UDP, RemoteHost: "192.0.2.1", RemotePort: 5060, LocalHost: "192.0.2.10", LocalPort: 5060}
	require.NoError(t, notifier.PublishFlowEvent(NewFlowEvent(KindIncoming, "", flow)))
	require.NoError(t, notifier.PublishFlowEvent(NewFlowEvent(KindRegistered, "sip:alice@example.com", flow)))

	select {
	case evt := <-ch:
		assert.Equal(t, KindRegistered, evt.Kind)
		assert.Equal(t, "sip:alice@example.com", evt.AOR)
		require.NotNil(t, evt.Flow)
		assert.Equal(t, "192.0.2.1:5060", evt.Flow.Remote)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive flow event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second delivery: %s", evt.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWebhookNotifierEndpoints(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	n := NewWebhookNotifier(logger, []string{"http://a"}, nil, 0)
	n.RegisterAOREndpoint("sip:bob@example.com", "http://b")
	n.RegisterAOREndpoint("sip:bob@example.com", "http://a")
	n.RegisterAOREndpoint("", "http://c")

	assert.Equal(t, []string{"http://a", "http://b"}, n.collectEndpoints("sip:bob@example.com"))
	assert.Equal(t, []string{"http://a"}, n.collectEndpoints(""))

	n.ClearAOREndpoints("sip:bob@example.com")
	assert.Equal(t, []string{"http://a"}, n.collectEndpoints("sip:bob@example.com"))
}

func TestWebhookCircuitOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	n := NewWebhookNotifier(logger, []string{server.URL}, nil, time.Second)
	defer n.Close(time.Second)

	for i := 0; i < 8; i++ {
		n.send(server.URL, []byte(`{}`))
	}

	assert.Equal(t, int32(5), hits.Load(), "calls stop once the circuit opens")
	assert.Equal(t, circuitbreaker.StateOpen, n.breakers.Get(server.URL).State())
}

func TestWebhookClientErrorsDoNotTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	n := NewWebhookNotifier(logger, []string{server.URL}, nil, time.Second)

	for i := 0; i < 8; i++ {
		n.send(server.URL, []byte(`{}`))
	}
	assert.Equal(t, circuitbreaker.StateClosed, n.breakers.Get(server.URL).State())
}

func TestWebhookPublishAfterClose(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	n := NewWebhookNotifier(logger, []string{"http://127.0.0.1:1"}, nil, time.Second)
	n.Close(time.Second)

	err := n.PublishFlowEvent(NewFlowEvent(KindRegistered, "sip:alice@example.com", nil))
	assert.Error(t, err)
}
