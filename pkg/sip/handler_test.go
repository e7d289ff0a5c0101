package sip

import (
	"testing"

	sipparser "github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowedge-server/pkg/events"
	"flowedge-server/pkg/flowtoken"
	"flowedge-server/pkg/ratelimit"
)

func TestHandleOptionsAdvertisesOutbound(t *testing.T) {
	h := newTestHandler(t, false)
	req := newRequest(t, sipparser.OPTIONS, "sip:192.0.2.10", "TCP", clientAddr,
		"Via: SIP/2.0/TCP 198.51.100.7:40000;branch=z9hG4bK-o",
		"Supported: outbound")
	require.True(t, h.addressedToSelf(req))

	tx := newTestServerTransaction(req)
	h.handleOptions(req, tx)

	require.NotNil(t, tx.resp)
	assert.Equal(t, 200, tx.resp.StatusCode)
	assert.Contains(t, headerStrings(tx.resp, "Supported"), "outbound, path")
	assert.Equal(t, 1, h.Conns.Count(), "keep-alive refreshes the connection")
}

func TestAddressedToSelf(t *testing.T) {
	h := newTestHandler(t, false)
	h.Config.Domains = []string{"example.com"}

	assert.True(t, h.addressedToSelf(newRequest(t, sipparser.OPTIONS, "sip:example.com", "UDP", clientAddr)))
	assert.False(t, h.addressedToSelf(newRequest(t, sipparser.OPTIONS, "sip:bob@example.com", "UDP", clientAddr)))
	assert.False(t, h.addressedToSelf(newRequest(t, sipparser.OPTIONS, "sip:example.net", "UDP", clientAddr)))
	assert.False(t, h.addressedToSelf(newRequest(t, sipparser.OPTIONS, "sip:192.0.2.10", "UDP", clientAddr,
		"Route: <sip:proxy.example.net;lr>")))
}

// registerAlice runs an outbound REGISTER for alice through h.
func registerAlice(t *testing.T, h *Handler) *testServerTransaction {
	t.Helper()
	req := registerRequest(t, outboundContact)
	tx := newTestServerTransaction(req)
	h.handleRegister(req, tx)
	require.NotNil(t, tx.resp)
	return tx
}

func TestHandleRegisterCreatesOutboundBinding(t *testing.T) {
	h := newTestHandler(t, false)
	sink := &recordingSink{}
	h.Events.Register(sink)

	tx := registerAlice(t, h)
	assert.Equal(t, 200, tx.resp.StatusCode)
	assert.Equal(t, []string{"outbound"}, headerStrings(tx.resp, "Require"))

	paths := headerStrings(tx.resp, "Path")
	require.Len(t, paths, 1)
	assert.Contains(t, paths[0], "@192.0.2.10:5060;transport=tcp;lr;ob>")

	contacts := headerStrings(tx.resp, "Contact")
	require.Len(t, contacts, 1)
	assert.Contains(t, contacts[0], ";expires=3600")

	bindings, err := h.Registrar.Lookup("sip:alice@example.com")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.True(t, bindings[0].Outbound())
	require.Len(t, bindings[0].Path, 1)

	require.Len(t, sink.events, 1)
	assert.Equal(t, events.KindRegistered, sink.events[0].Kind)
	require.NotNil(t, sink.events[0].Flow)
	assert.Equal(t, clientAddr, sink.events[0].Flow.Remote)
}

func TestHandleRegisterUnregisters(t *testing.T) {
	h := newTestHandler(t, false)
	sink := &recordingSink{}
	h.Events.Register(sink)
	registerAlice(t, h)

	req := registerRequest(t, "*")
	req.AppendHeader(sipparser.NewHeader("Expires", "0"))
	tx := newTestServerTransaction(req)
	h.handleRegister(req, tx)

	require.NotNil(t, tx.resp)
	assert.Equal(t, 200, tx.resp.StatusCode)
	assert.Empty(t, headerStrings(tx.resp, "Contact"))
	assert.Zero(t, h.Registrar.Count())
	assert.Equal(t, events.KindUnregistered, sink.events[len(sink.events)-1].Kind)
}

func TestHandleRegisterRejectsBadRequests(t *testing.T) {
	h := newTestHandler(t, false)

	wildcard := registerRequest(t, "*")
	tx := newTestServerTransaction(wildcard)
	h.handleRegister(wildcard, tx)
	require.NotNil(t, tx.resp)
	assert.Equal(t, 400, tx.resp.StatusCode)

	badExpires := registerRequest(t, outboundContact)
	badExpires.AppendHeader(sipparser.NewHeader("Expires", "soon"))
	tx = newTestServerTransaction(badExpires)
	h.handleRegister(badExpires, tx)
	require.NotNil(t, tx.resp)
	assert.Equal(t, 400, tx.resp.StatusCode)
}

func TestHandleRegisterQueryListsBindings(t *testing.T) {
	h := newTestHandler(t, false)
	registerAlice(t, h)

	query := newRequest(t, sipparser.REGISTER, "sip:example.com", "UDP", "203.0.113.50:5060",
		"Via: SIP/2.0/UDP 203.0.113.50:5060;branch=z9hG4bK-q",
		"To: <sip:alice@example.com>",
		"From: <sip:alice@example.com>;tag=q",
		"Call-ID: query-1",
		"CSeq: 1 REGISTER")
	tx := newTestServerTransaction(query)
	h.handleRegister(query, tx)

	require.NotNil(t, tx.resp)
	assert.Equal(t, 200, tx.resp.StatusCode)
	assert.Len(t, headerStrings(tx.resp, "Contact"), 1)
	assert.Empty(t, headerStrings(tx.resp, "Require"))
}

func inviteForAlice(t *testing.T, headers ...string) *sipparser.Request {
	t.Helper()
	return newRequest(t, sipparser.INVITE, "sip:alice@example.com", "UDP", "203.0.113.50:5060",
		append([]string{
			"Via: SIP/2.0/UDP 203.0.113.50:5060;branch=z9hG4bK-net",
			"From: <sip:bob@example.net>;tag=b",
			"To: <sip:alice@example.com>",
			"Call-ID: term-1",
			"CSeq: 1 INVITE",
			"Contact: <sip:bob@203.0.113.50:5060>",
		}, headers...)...)
}

func TestPrepareForwardTerminatingRequestUsesFlow(t *testing.T) {
	h := newTestHandler(t, false)
	h.Config.Domains = []string{"example.com"}
	registerAlice(t, h)

	out, class, delivery, err := h.prepareForward(inviteForAlice(t))
	require.NoError(t, err)

	assert.Equal(t, DirectionNone, class.Direction)
	assert.Contains(t, out.Recipient.String(), "alice@198.51.100.7:40000")
	assert.Equal(t, "tcp", delivery.Transport)
	assert.Equal(t, clientAddr, delivery.Destination)
	assert.True(t, delivery.Outbound)
	require.NotNil(t, delivery.Local)
	assert.Equal(t, flowtoken.TCP, delivery.Local.Transport)

	assert.Nil(t, out.GetHeader(HeaderDestination))
	assert.Equal(t, clientAddr, out.Destination())
	assert.Equal(t, "TCP", out.Transport())

	rrs, err := ReadAddresses(out, KindRecordRoute)
	require.NoError(t, err)
	require.NotEmpty(t, rrs)
	assert.Equal(t, edgeHost, rrs[0].URI.Host)
}

func TestPrepareForwardUnknownUser(t *testing.T) {
	h := newTestHandler(t, false)
	h.Config.Domains = []string{"example.com"}

	_, _, _, err := h.prepareForward(inviteForAlice(t))
	var fe *forwardError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 404, fe.code)
}

func TestHandleForwardFlowFailedWhenConnectionGone(t *testing.T) {
	h := newTestHandler(t, false)
	h.Config.Domains = []string{"example.com"}
	sink := &recordingSink{}
	h.Events.Register(sink)
	registerAlice(t, h)
	h.Conns.Forget("tcp", clientAddr)

	req := inviteForAlice(t)
	tx := newTestServerTransaction(req)
	h.handleForward(req, tx)

	require.NotNil(t, tx.resp)
	assert.Equal(t, 430, tx.resp.StatusCode)
	assert.Equal(t, "Flow Failed", tx.resp.Reason)
	assert.Equal(t, events.KindFlowFailed, sink.events[len(sink.events)-1].Kind)
}

func TestHandleForwardRejectsTamperedToken(t *testing.T) {
	h := newTestHandler(t, false)
	sink := &recordingSink{}
	h.Events.Register(sink)

	forged, err := flowtoken.Encode(clientFlow, otherKeys())
	require.NoError(t, err)
	req := inDialogRequest(t, clientAddr, "<sip:"+forged+"@192.0.2.10:5060;transport=tcp;lr;ob>")
	tx := newTestServerTransaction(req)
	h.handleForward(req, tx)

	require.NotNil(t, tx.resp)
	assert.Equal(t, 403, tx.resp.StatusCode)
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, events.KindTampered, last.Kind)
	require.NotNil(t, last.Flow)
	assert.True(t, last.Flow.Tampered)
}

func TestPrepareForwardTooManyHops(t *testing.T) {
	h := newTestHandler(t, false)
	req := newRequest(t, sipparser.MESSAGE, "sip:bob@example.net", "UDP", "203.0.113.50:5060",
		"Via: SIP/2.0/UDP 203.0.113.50:5060;branch=z9hG4bK-mf")
	maxForwards := sipparser.MaxForwardsHeader(0)
	req.AppendHeader(&maxForwards)

	_, _, _, err := h.prepareForward(req)
	var fe *forwardError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 483, fe.code)
}

func TestPrepareForwardPopsSelfRoutes(t *testing.T) {
	h := newTestHandler(t, false)
	req := newRequest(t, sipparser.MESSAGE, "sip:bob@example.net", "UDP", "203.0.113.50:5060",
		"Via: SIP/2.0/UDP 203.0.113.50:5060;branch=z9hG4bK-r",
		"Route: <sip:192.0.2.10;lr>, <sip:core.example.net;transport=tcp;lr>")

	out, _, delivery, err := h.prepareForward(req)
	require.NoError(t, err)

	routes, err := ReadAddresses(out, KindRoute)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "core.example.net", routes[0].URI.Host)
	assert.Equal(t, "core.example.net:5060", delivery.Destination)
	assert.Empty(t, out.GetHeaders("Record-Route"), "MESSAGE does not form a dialog")
}

func TestHandleCancelWithoutPendingInvite(t *testing.T) {
	h := newTestHandler(t, false)
	req := newRequest(t, sipparser.CANCEL, "sip:alice@example.com", "UDP", "203.0.113.50:5060",
		"Via: SIP/2.0/UDP 203.0.113.50:5060;branch=z9hG4bK-c",
		"Call-ID: nothing-pending")
	tx := newTestServerTransaction(req)
	h.handleCancel(req, tx)

	require.NotNil(t, tx.resp)
	assert.Equal(t, 481, tx.resp.StatusCode)
}

func TestRecoverMiddlewareAnswers500(t *testing.T) {
	h := newTestHandler(t, false)
	req := newRequest(t, sipparser.MESSAGE, "sip:bob@example.net", "UDP", "203.0.113.50:5060")
	tx := newTestServerTransaction(req)

	wrapped := h.recoverMiddleware(func(*sipparser.Request, sipparser.ServerTransaction) {
		panic("boom")
	})
	assert.NotPanics(t, func() { wrapped(req, tx) })
	require.NotNil(t, tx.resp)
	assert.Equal(t, 500, tx.resp.StatusCode)
}

func TestRateLimitedSourceGets503(t *testing.T) {
	h := newTestHandler(t, false)
	h.Limiter = ratelimit.NewSIPLimiter(&ratelimit.Config{
		Enabled:           true,
		RequestsPerSecond: 0.01,
		RequestBurst:      1,
	}, testLogger())

	handled := 0
	wrapped := h.wrap(func(*sipparser.Request, sipparser.ServerTransaction) { handled++ })

	first := newRequest(t, sipparser.MESSAGE, "sip:bob@example.net", "UDP", "203.0.113.50:5060")
	wrapped(first, newTestServerTransaction(first))
	assert.Equal(t, 1, handled)

	second := newRequest(t, sipparser.MESSAGE, "sip:bob@example.net", "UDP", "203.0.113.50:5060")
	tx := newTestServerTransaction(second)
	wrapped(second, tx)
	assert.Equal(t, 1, handled)
	require.NotNil(t, tx.resp)
	assert.Equal(t, 503, tx.resp.StatusCode)
	assert.Equal(t, []string{"5"}, headerStrings(tx.resp, "Retry-After"))

	other := newRequest(t, sipparser.MESSAGE, "sip:bob@example.net", "UDP", "203.0.113.51:5060")
	wrapped(other, newTestServerTransaction(other))
	assert.Equal(t, 2, handled)
}

func TestDialogForming(t *testing.T) {
	initial := newRequest(t, sipparser.INVITE, "sip:bob@example.net", "UDP", clientAddr, "To: <sip:bob@example.net>")
	reinvite := newRequest(t, sipparser.INVITE, "sip:bob@example.net", "UDP", clientAddr, "To: <sip:bob@example.net>;tag=x")
	bye := newRequest(t, sipparser.BYE, "sip:bob@example.net", "UDP", clientAddr, "To: <sip:bob@example.net>")

	assert.True(t, dialogForming(initial))
	assert.False(t, dialogForming(reinvite))
	assert.False(t, dialogForming(bye))
}
