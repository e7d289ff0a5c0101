// Package flowtoken encodes network flows into the opaque, MAC protected
// tokens carried in the user part of outbound routing URIs.
package flowtoken

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"flowedge-server/pkg/errors"
)

// Transport is the transport protocol of a flow. Values are the wire bytes.
type Transport uint8

const (
	UDP Transport = 0
	TCP Transport = 1
	TLS Transport = 2
)

// ParseTransport maps a SIP transport name to a Transport.
func ParseTransport(name string) (Transport, error) {
	switch strings.ToUpper(name) {
	case "UDP":
		return UDP, nil
	case "TCP":
		return TCP, nil
	case "TLS":
		return TLS, nil
	}
	return 0, errors.NewUnsupportedTransport(name)
}

func (t Transport) valid() bool {
	return t <= TLS
}

func (t Transport) String() string {
	switch t {
	case UDP:
		return "UDP"
	case TCP:
		return "TCP"
	case TLS:
		return "TLS"
	}
	return "transport(" + strconv.Itoa(int(t)) + ")"
}

// Reliable reports whether t is a stream transport.
func (t Transport) Reliable() bool {
	return t == TCP || t == TLS
}

// URIParam is the value for a URI transport parameter. TLS is written as
// tcp since the secure variant is expressed by the URI scheme.
func (t Transport) URIParam() string {
	if t == UDP {
		return "udp"
	}
	return "tcp"
}

// Flow is one network path used by a client. It is a value type: copies
// never share state.
type Flow struct {
	Transport  Transport
	RemoteHost string
	RemotePort int
	LocalHost  string
	LocalPort  int

	// ProxyHost and ProxyPort are set together when the node sits behind a
	// separating proxy layer.
	ProxyHost string
	ProxyPort int

	// Tampered is set by Decode when the token failed validation.
	Tampered bool
}

// HasProxy reports whether the flow embeds a proxy hop.
func (f Flow) HasProxy() bool {
	return f.ProxyHost != "" && f.ProxyPort != 0
}

// Remote returns host:port of the client end.
func (f Flow) Remote() string {
	return net.JoinHostPort(f.RemoteHost, strconv.Itoa(f.RemotePort))
}

// Local returns host:port of the local end.
func (f Flow) Local() string {
	return net.JoinHostPort(f.LocalHost, strconv.Itoa(f.LocalPort))
}

// Equal compares two flows ignoring Tampered.
func (f Flow) Equal(other Flow) bool {
	return f.Key() == other.Key()
}

// Key is a string identity of the flow that ignores Tampered.
func (f Flow) Key() string {
	key := f.Transport.String() + "|" + f.Remote() + "|" + f.Local()
	if f.HasProxy() {
		key += "|" + net.JoinHostPort(f.ProxyHost, strconv.Itoa(f.ProxyPort))
	}
	return key
}

func (f Flow) String() string {
	s := fmt.Sprintf("%s %s->%s", f.Transport, f.Remote(), f.Local())
	if f.HasProxy() {
		s += " via " + net.JoinHostPort(f.ProxyHost, strconv.Itoa(f.ProxyPort))
	}
	if f.Tampered {
		s += " (tampered)"
	}
	return s
}

// Validate checks the proxy invariant and port ranges.
func (f Flow) Validate() error {
	if (f.ProxyHost == "") != (f.ProxyPort == 0) {
		return errors.NewInvalidInput("proxy host and port must be set together", map[string]interface{}{
			"proxy_host": f.ProxyHost,
			"proxy_port": f.ProxyPort,
		})
	}
	for _, port := range []int{f.RemotePort, f.LocalPort, f.ProxyPort} {
		if port < 0 || port > 0xFFFF {
			return errors.NewInvalidInput("port out of range", map[string]interface{}{"port": port})
		}
	}
	return nil
}
