package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"flowedge-server/pkg/encryption"
	"flowedge-server/pkg/flowtoken"
	"flowedge-server/pkg/sip"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testKeys() *encryption.KeyRing {
	return encryption.NewKeyRingWithSecrets(testLogger(), encryption.Secret{
		ID:        "test",
		Algorithm: encryption.DefaultAlgorithm,
		Key:       bytes.Repeat([]byte{0x42}, encryption.SecretSize),
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

var clientFlow = flowtoken.Flow{
	Transport:  flowtoken.TCP,
	RemoteHost: "198.51.100.7",
	RemotePort: 40000,
	LocalHost:  "192.0.2.10",
	LocalPort:  5060,
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// registeredServer returns a server whose registrar holds one outbound
// binding for alice reached over clientFlow.
func registeredServer(t *testing.T) (*Server, string) {
	t.Helper()
	keys := testKeys()
	token, err := flowtoken.Encode(clientFlow, keys)
	require.NoError(t, err)

	contact, err := sip.ParseAddress(sip.KindContact, `<sip:alice@198.51.100.7:40000;transport=tcp;ob>;+sip.instance="<urn:uuid:00000000-0000-1000-8000-000A95A0E128>";reg-id=1`)
	require.NoError(t, err)
	path, err := sip.ParseAddress(sip.KindPath, "<sip:"+token+"@192.0.2.10:5060;transport=tcp;lr;ob>")
	require.NoError(t, err)

	registrar := sip.NewRegistrar(sip.RegistrarConfig{}, testLogger())
	_, err = registrar.Register(sip.RegisterRequest{
		AOR:       "sip:alice@example.com",
		Contacts:  []sip.AddressHeader{contact},
		Path:      []sip.AddressHeader{path},
		Expires:   600,
		Source:    "198.51.100.7:40000",
		Transport: "tcp",
	})
	require.NoError(t, err)

	s := NewServer(testLogger(), nil)
	s.SetRegistrar(registrar)
	s.SetKeyRing(keys, false)
	return s, token
}

func TestHealthUnhealthyWithoutComponents(t *testing.T) {
	s := NewServer(testLogger(), nil)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decodeBody(t, rec)["status"])
	assert.Contains(t, rec.Header().Get("Server"), "flowedge/")

	assert.Equal(t, http.StatusOK, get(t, s, "/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/health/ready").Code)
}

type fakeAMQP struct{ connected bool }

func (f fakeAMQP) IsConnected() bool { return f.connected }

func TestHealthDegradedWithoutHub(t *testing.T) {
	s, _ := registeredServer(t)
	s.SetAMQPClient(fakeAMQP{connected: false})

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "healthy", checks["key_ring"].(map[string]interface{})["status"])
	assert.Equal(t, "degraded", checks["amqp"].(map[string]interface{})["status"])

	assert.Equal(t, http.StatusOK, get(t, s, "/health/ready").Code)
}

func TestReadinessClusteredEmptyRing(t *testing.T) {
	s := NewServer(testLogger(), nil)
	s.SetRegistrar(sip.NewRegistrar(sip.RegistrarConfig{}, testLogger()))

	empty := encryption.NewKeyRingWithSecrets(testLogger())
	s.SetKeyRing(empty, false)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/health/ready").Code)

	s.SetKeyRing(empty, true)
	assert.Equal(t, http.StatusOK, get(t, s, "/health/ready").Code)
}

func TestRegistrationsAPI(t *testing.T) {
	s, _ := registeredServer(t)

	rec := get(t, s, "/api/registrations?aor="+url.QueryEscape("sip:alice@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		AOR      string        `json:"aor"`
		Count    int           `json:"count"`
		Bindings []BindingView `json:"bindings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	b := body.Bindings[0]
	assert.True(t, b.Outbound)
	assert.Equal(t, 1, b.RegID)
	assert.Equal(t, "tcp", b.Transport)
	assert.InDelta(t, 600, b.ExpiresIn, 2)
	require.NotNil(t, b.Flow)
	assert.Equal(t, "198.51.100.7:40000", b.Flow.Remote)
	assert.False(t, b.Flow.Tampered)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/registrations?aor="+url.QueryEscape("sip:bob@example.com")).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/registrations").Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/registrations", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDecodeTokenAPI(t *testing.T) {
	s, token := registeredServer(t)

	rec := get(t, s, "/api/flows/decode?token="+url.QueryEscape(token))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["tampered"])
	assert.Equal(t, "192.0.2.10:5060", body["flow"].(map[string]interface{})["local"])

	other := encryption.NewKeyRingWithSecrets(testLogger(), encryption.Secret{
		ID:  "other",
		Key: bytes.Repeat([]byte{0x17}, encryption.SecretSize),
	})
	s.SetKeyRing(other, false)
	rec = get(t, s, "/api/flows/decode?token="+url.QueryEscape(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["tampered"])

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/flows/decode?token=alice").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/flows/decode").Code)
}

func TestStatusAndStreamUnavailable(t *testing.T) {
	s, _ := registeredServer(t)

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["registrations"])
	assert.Equal(t, float64(1), body["secrets"])

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/ws/flows").Code)
}

func TestAPIRequestsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	defer provider.Shutdown(context.Background())

	s, token := registeredServer(t)
	require.Equal(t, http.StatusOK, get(t, s, "/api/flows/decode?token="+url.QueryEscape(token)).Code)

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "api.flows.decode", spans[len(spans)-1].Name())
}
