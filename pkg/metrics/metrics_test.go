package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersBeforeInit(t *testing.T) {
	if initialized.Load() {
		t.Skip("metrics already initialized")
	}
	assert.NotPanics(t, func() {
		RecordFlowTokenEncoded("udp")
		RecordFlowTokenDecoded("valid")
		RecordOutboundClassification("incoming")
		RecordFlowDeliveryFailure("tampered")
		RecordKeyRotation()
		SetActiveRegistrations(3)
		RecordSIPRequest("REGISTER", "200")
		RecordEventPublished("amqp", "ok")
		SetWebSocketClients(1)
		SetAMQPConnectionStatus(true)
	})
	assert.Nil(t, Handler())
}

func TestRecordersAfterInit(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	Init(logger)
	Init(logger)

	RecordFlowTokenEncoded("tcp")
	RecordFlowTokenDecoded("tampered")
	RecordFlowTokenDecoded("tampered")
	RecordFlowDeliveryFailure("no_connection")
	SetActiveRegistrations(4)

	EnableMetrics(false)
	RecordFlowTokenEncoded("tcp")
	EnableMetrics(true)

	mux := http.NewServeMux()
	RegisterHandler(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `flowedge_flow_tokens_encoded_total{transport="tcp"} 1`)
	assert.Contains(t, body, `flowedge_flow_tokens_decoded_total{result="tampered"} 2`)
	assert.Contains(t, body, `flowedge_flow_delivery_failures_total{reason="no_connection"} 1`)
	assert.Contains(t, body, "flowedge_registrations_active 4")
}
