package sip

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	sipparser "github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"flowedge-server/pkg/encryption"
	"flowedge-server/pkg/events"
)

const (
	edgeHost   = "192.0.2.10"
	clientAddr = "198.51.100.7:40000"
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

// testPoints registers udp and tcp on 5060 and tls on 5061.
func testPoints(t *testing.T) *ListeningPoints {
	t.Helper()
	points := NewListeningPoints(edgeHost, testLogger())
	_, err := points.Add("udp", "0.0.0.0:5060")
	require.NoError(t, err)
	_, err = points.Add("tcp", "0.0.0.0:5060")
	require.NoError(t, err)
	_, err = points.Add("tls", edgeHost+":5061")
	require.NoError(t, err)
	return points
}

// newRequest builds a request the way the transport layer hands it over.
// Headers are "Name: value" strings.
func newRequest(t *testing.T, method sipparser.RequestMethod, recipient, transport, source string, headers ...string) *sipparser.Request {
	t.Helper()
	var uri sipparser.Uri
	require.NoError(t, sipparser.ParseUri(recipient, &uri))

	req := sipparser.NewRequest(method, uri)
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		require.True(t, ok, h)
		req.AppendHeader(sipparser.NewHeader(strings.TrimSpace(name), strings.TrimSpace(value)))
	}
	req.SetTransport(transport)
	req.SetSource(source)
	req.SetDestination(edgeHost + ":5060")
	return req
}

// parseRequest runs raw lines through the sipgo wire parser, so headers
// such as Via and Route arrive typed the way the server delivers them.
func parseRequest(t *testing.T, transport, source string, lines ...string) *sipparser.Request {
	t.Helper()
	raw := strings.Join(append(lines, "Content-Length: 0", "", ""), "\r\n")
	msg, err := sipparser.ParseMessage([]byte(raw))
	require.NoError(t, err)
	req, ok := msg.(*sipparser.Request)
	require.True(t, ok)

	req.SetTransport(transport)
	req.SetSource(source)
	req.SetDestination(edgeHost + ":5060")
	return req
}

func newTestHandler(t *testing.T, fronted bool) *Handler {
	t.Helper()
	logger := testLogger()
	points := testPoints(t)
	return &Handler{
		Logger:    logger,
		Config:    &Config{FrontedByProxy: fronted},
		Points:    points,
		Processor: NewOutboundProcessor(testKeys(), points, fronted, logger),
		Registrar: NewRegistrar(RegistrarConfig{}, logger),
		Conns:     NewConnectionTable(logger),
		Events:    events.NewBus(logger),
		pending:   NewShardedMap[*sipparser.Request](16),
	}
}

type recordingSink struct {
	events []events.FlowEvent
}

func (s *recordingSink) PublishFlowEvent(evt events.FlowEvent) error {
	s.events = append(s.events, evt)
	return nil
}

type testServerTransaction struct {
	req       *sipparser.Request
	resp      *sipparser.Response
	responses []*sipparser.Response
	done      chan struct{}
	acks      chan *sipparser.Request
}

func newTestServerTransaction(req *sipparser.Request) *testServerTransaction {
	done := make(chan struct{})
	close(done)
	acks := make(chan *sipparser.Request)
	close(acks)
	return &testServerTransaction{req: req, done: done, acks: acks}
}

func (t *testServerTransaction) Key() string { return "test" }

func (t *testServerTransaction) Origin() *sipparser.Request { return t.req }

func (t *testServerTransaction) Done() <-chan struct{} { return t.done }

func (t *testServerTransaction) Err() error { return nil }

func (t *testServerTransaction) Respond(res *sipparser.Response) error {
	t.resp = res
	t.responses = append(t.responses, res)
	return nil
}

func (t *testServerTransaction) Acks() <-chan *sipparser.Request { return t.acks }

func (t *testServerTransaction) OnTerminate(sipparser.FnTxTerminate) bool { return true }

func (t *testServerTransaction) Terminate() {}

// headerStrings returns the values of name on a response.
func headerStrings(res *sipparser.Response, name string) []string {
	var out []string
	for _, h := range res.GetHeaders(name) {
		out = append(out, h.Value())
	}
	return out
}
