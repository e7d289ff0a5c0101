package sip

import (
	"testing"

	sipparser "github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVia(t *testing.T) {
	hop, err := ParseVia("SIP/2.0/tcp 198.51.100.7:40000;branch=z9hG4bK1;rport=40001;received=203.0.113.5")
	require.NoError(t, err)

	assert.Equal(t, "TCP", hop.Transport)
	assert.Equal(t, "198.51.100.7", hop.Host)
	assert.Equal(t, 40000, hop.Port)
	assert.Equal(t, "203.0.113.5", hop.ReceivedHost())
	assert.Equal(t, 40001, hop.ReceivedPort())
}

func TestViaReceivedDefaults(t *testing.T) {
	tests := []struct {
		via  string
		host string
		port int
	}{
		{"SIP/2.0/TLS client.example.com;branch=z9hG4bK2", "client.example.com", 5061},
		{"SIP/2.0/UDP client.example.com;branch=z9hG4bK3", "client.example.com", 5060},
		{"SIP/2.0/UDP [2001:db8::1]:5062;rport;branch=z9hG4bK4", "2001:db8::1", 5062},
		{"SIP/2.0/UDP 10.0.0.1:5062;received=[2001:db8::9];branch=z9hG4bK5", "2001:db8::9", 5062},
	}
	for _, tt := range tests {
		hop, err := ParseVia(tt.via)
		require.NoError(t, err, tt.via)
		assert.Equal(t, tt.host, hop.ReceivedHost(), tt.via)
		assert.Equal(t, tt.port, hop.ReceivedPort(), tt.via)
	}
}

func TestParseViaErrors(t *testing.T) {
	for _, in := range []string{"garbage", "SIP/UDP host", "SIP/2.0/UDP [::1"} {
		_, err := ParseVia(in)
		assert.Error(t, err, in)
	}
}

func TestReadVias(t *testing.T) {
	req := sipparser.NewRequest(sipparser.INVITE, sipparser.Uri{Host: "example.com"})
	req.AppendHeader(sipparser.NewHeader("Via", "SIP/2.0/UDP 10.0.0.1:5070;branch=z9hG4bK-a, SIP/2.0/TCP 198.51.100.7:40000;branch=z9hG4bK-b"))

	vias, err := ReadVias(req)
	require.NoError(t, err)
	require.Len(t, vias, 2)
	assert.Equal(t, "10.0.0.1", vias[0].Host)
	assert.Equal(t, "TCP", vias[1].Transport)
}

func TestReadViasFromParsedMessage(t *testing.T) {
	req := parseRequest(t, "TCP", clientAddr,
		"OPTIONS sip:192.0.2.10 SIP/2.0",
		"Via: SIP/2.0/TCP 10.0.0.6:5070;branch=z9hG4bK-p1;received=10.0.0.9;rport=5071",
		"Via: SIP/2.0/tls [2001:db8::7]:5061;branch=z9hG4bK-c1",
		"From: <sip:alice@example.com>;tag=a",
		"To: <sip:192.0.2.10>",
		"Call-ID: typed-via",
		"CSeq: 1 OPTIONS",
	)
	_, typed := req.GetHeaders("Via")[0].(*sipparser.ViaHeader)
	require.True(t, typed)

	vias, err := ReadVias(req)
	require.NoError(t, err)
	require.Len(t, vias, 2)

	assert.Equal(t, "TCP", vias[0].Transport)
	assert.Equal(t, "10.0.0.9", vias[0].ReceivedHost())
	assert.Equal(t, 5071, vias[0].ReceivedPort())
	branch, ok := vias[0].Params.Get("branch")
	assert.True(t, ok)
	assert.Equal(t, "z9hG4bK-p1", branch)

	assert.Equal(t, "TLS", vias[1].Transport)
	assert.Equal(t, "2001:db8::7", vias[1].Host)
	assert.Equal(t, 5061, vias[1].Port)
}
