package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowedge-server/pkg/errors"
)

func TestParseURI(t *testing.T) {
	uri, err := ParseURI("sip:alice:secret@example.com:5070;transport=tcp;lr?subject=hello")
	require.NoError(t, err)

	assert.Equal(t, "sip", uri.Scheme)
	assert.Equal(t, "alice", uri.User)
	assert.Equal(t, "example.com", uri.Host)
	assert.Equal(t, 5070, uri.Port)
	assert.Equal(t, Params{{Name: "transport", Value: "tcp"}, {Name: "lr"}}, uri.Params)
	assert.Equal(t, "subject=hello", uri.Headers)
	assert.Equal(t, "sip:alice@example.com:5070;transport=tcp;lr?subject=hello", uri.String())
	assert.Equal(t, "tcp", uri.Transport())
}

func TestParseURITokenUser(t *testing.T) {
	// base64 user parts carry '+', '/' and '='
	uri, err := ParseURI("sip:aWJtAA+/AQ==@192.0.2.10:5060;transport=tcp;lr;ob")
	require.NoError(t, err)
	assert.Equal(t, "aWJtAA+/AQ==", uri.User)
	assert.True(t, uri.Params.Has("ob"))
}

func TestParseURIIPv6(t *testing.T) {
	uri, err := ParseURI("sip:[2001:db8::1]:5080;transport=TLS")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", uri.Host)
	assert.Equal(t, 5080, uri.Port)
	assert.Equal(t, "[2001:db8::1]:5080", uri.HostPort())
	assert.Equal(t, "tls", uri.Transport())

	bare, err := ParseURI("sip:[2001:db8::2]")
	require.NoError(t, err)
	assert.Equal(t, 0, bare.Port)
	assert.Equal(t, "sip:[2001:db8::2]", bare.String())
}

func TestURIDefaults(t *testing.T) {
	sips, err := ParseURI("sips:bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "tls", sips.Transport())

	plain, err := ParseURI("SIP:Alice@Example.COM:5060;transport=tcp")
	require.NoError(t, err)
	assert.Equal(t, "udp", URI{Scheme: "sip", Host: "x"}.Transport())
	assert.Equal(t, "sip:Alice@example.com", plain.AOR())
}

func TestParseURIErrors(t *testing.T) {
	for _, in := range []string{
		"tel:+15551234",
		"sip:",
		"sip:[2001:db8::1",
		"sip:[2001:db8::1]x",
		"sip:example.com:99999",
		"sip:example.com:port",
	} {
		_, err := ParseURI(in)
		assert.Error(t, err, in)
		assert.True(t, errors.IsErrorType(err, errors.ErrInvalidSIPMessage), in)
	}
}

func TestParams(t *testing.T) {
	params := parseParams("transport=tcp; LR ;ob;+sip.instance=\"<urn:uuid:1>\"")
	require.Len(t, params, 4)

	v, ok := params.Get("lr")
	assert.True(t, ok)
	assert.Empty(t, v)
	v, _ = params.Get("+sip.instance")
	assert.Equal(t, `"<urn:uuid:1>"`, v)

	updated := params.Set("transport", "tls")
	assert.Equal(t, "tcp", params[0].Value, "Set must not modify the receiver")
	assert.Equal(t, "tls", updated[0].Value)

	appended := params.Set("reg-id", "1")
	assert.Equal(t, "reg-id", appended[len(appended)-1].Name)

	assert.False(t, params.Remove("OB").Has("ob"))
	assert.Equal(t, `;transport=tcp;LR;ob;+sip.instance="<urn:uuid:1>"`, params.String())
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "example.com", HostPort("example.com", 0))
	assert.Equal(t, "[2001:db8::1]", HostPort("2001:db8::1", 0))
	assert.Equal(t, "[2001:db8::1]:5060", HostPort("2001:db8::1", 5060))
	assert.Equal(t, "192.0.2.1:5062", HostPort("192.0.2.1", 5062))
}

func TestURISipgo(t *testing.T) {
	uri, err := ParseURI("sip:alice@198.51.100.7:40000;transport=tcp")
	require.NoError(t, err)

	converted, err := uri.Sipgo()
	require.NoError(t, err)
	assert.Equal(t, "alice", converted.User)
	assert.Equal(t, "198.51.100.7", converted.Host)
	assert.Equal(t, 40000, converted.Port)
}
