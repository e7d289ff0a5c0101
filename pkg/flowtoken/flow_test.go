package flowtoken

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowedge-server/pkg/errors"
)

func TestParseTransport(t *testing.T) {
	tests := []struct {
		name     string
		want     Transport
		reliable bool
		param    string
	}{
		{"udp", UDP, false, "udp"},
		{"TCP", TCP, true, "tcp"},
		{"tls", TLS, true, "tcp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTransport(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reliable, got.Reliable())
			assert.Equal(t, tt.param, got.URIParam())
		})
	}

	_, err := ParseTransport("SCTP")
	assert.True(t, errors.IsErrorType(err, errors.ErrUnsupportedTransport))
	assert.Equal(t, "transport(9)", Transport(9).String())
}

func TestFlowEqualIgnoresTampered(t *testing.T) {
	a := Flow{Transport: TCP, RemoteHost: "192.0.2.1", RemotePort: 5060, LocalHost: "192.0.2.2", LocalPort: 5060}
	b := a
	b.Tampered = true

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())

	b.RemotePort = 5061
	assert.False(t, a.Equal(b))

	c := a
	c.ProxyHost, c.ProxyPort = "10.0.0.1", 5060
	assert.False(t, a.Equal(c))
}

func TestFlowAddresses(t *testing.T) {
	f := Flow{
		Transport: UDP, RemoteHost: "2001:db8::1", RemotePort: 5060,
		LocalHost: "192.0.2.2", LocalPort: 5080,
		ProxyHost: "10.0.0.1", ProxyPort: 5070,
		Tampered: true,
	}

	assert.Equal(t, "[2001:db8::1]:5060", f.Remote())
	assert.Equal(t, "192.0.2.2:5080", f.Local())
	assert.True(t, f.HasProxy())
	assert.Equal(t, "UDP [2001:db8::1]:5060->192.0.2.2:5080 via 10.0.0.1:5070 (tampered)", f.String())
}

func TestFlowValidate(t *testing.T) {
	ok := Flow{RemoteHost: "192.0.2.1", LocalHost: "192.0.2.2"}
	assert.NoError(t, ok.Validate())

	hostOnly := ok
	hostOnly.ProxyHost = "10.0.0.1"
	assert.Error(t, hostOnly.Validate())

	portOnly := ok
	portOnly.ProxyPort = 5060
	assert.Error(t, portOnly.Validate())

	outOfRange := ok
	outOfRange.RemotePort = 70000
	err := outOfRange.Validate()
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
}
