package flowtoken

import (
	"encoding/base64"
	"encoding/binary"
	"net"
	"net/netip"
	"strings"

	"flowedge-server/pkg/encryption"
	"flowedge-server/pkg/errors"
)

// Token layout, all integers big endian:
//
//	"ibm" | transport(1) |
//	rhostlen(1) | rhost(4|16) | rport(2) |
//	lhostlen(1) | lhost(4|16) | lport(2) |
//	phostlen(1) | phost(0|4|16) | pport(2) |
//	maclen(1) | mac(maclen)
//
// The MAC covers every byte before maclen.
const signature = "ibm"

const (
	ipv4Len = net.IPv4len
	ipv6Len = net.IPv6len

	// signature, transport, three host lengths, three ports, maclen
	fixedLen = len(signature) + 1 + 3*(1+2) + 1
)

// Keys is the view of the key ring the codec needs.
type Keys interface {
	Latest() (encryption.Secret, bool)
	Sign(secret encryption.Secret, data []byte, neededLen int) []byte
	Authenticate(data, claimed []byte) bool
	Len() int
}

// Encode serializes flow and signs it with the newest secret of keys. The
// result is standard base64, usable as a SIP URI user part.
func Encode(flow Flow, keys Keys) (string, error) {
	raw, err := Marshal(flow, keys)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Marshal is Encode without the base64 step.
func Marshal(flow Flow, keys Keys) ([]byte, error) {
	if !flow.Transport.valid() {
		return nil, errors.NewUnsupportedTransport(flow.Transport.String())
	}
	if err := flow.Validate(); err != nil {
		return nil, err
	}

	remote, err := hostBytes(flow.RemoteHost)
	if err != nil {
		return nil, err
	}
	local, err := hostBytes(flow.LocalHost)
	if err != nil {
		return nil, err
	}
	var proxy []byte
	if flow.HasProxy() {
		if proxy, err = hostBytes(flow.ProxyHost); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 0, fixedLen+len(remote)+len(local)+len(proxy)+encryption.SecretSize)
	buf = append(buf, signature...)
	buf = append(buf, byte(flow.Transport))
	buf = appendEndpoint(buf, remote, flow.RemotePort)
	buf = appendEndpoint(buf, local, flow.LocalPort)
	buf = appendEndpoint(buf, proxy, flow.ProxyPort)

	var mac []byte
	if keys != nil {
		if secret, ok := keys.Latest(); ok {
			mac = keys.Sign(secret, buf, 0)
		}
	}
	buf = append(buf, byte(len(mac)))
	buf = append(buf, mac...)

	return buf, nil
}

// Decode parses a token produced by Encode. It returns false when token is
// not a flow token minted by this subsystem. A structurally valid token is
// always returned, with Tampered set when its MAC does not satisfy keys.
func Decode(token string, keys Keys) (*Flow, bool) {
	if len(token) < len(signature) {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, false
	}
	return Unmarshal(raw, keys)
}

// Unmarshal is Decode without the base64 step.
func Unmarshal(raw []byte, keys Keys) (*Flow, bool) {
	r := reader{buf: raw}

	sig, ok := r.next(len(signature))
	if !ok || string(sig) != signature {
		return nil, false
	}

	tb, ok := r.octet()
	if !ok || !Transport(tb).valid() {
		return nil, false
	}
	flow := &Flow{Transport: Transport(tb)}

	if flow.RemoteHost, flow.RemotePort, ok = r.endpoint(false); !ok {
		return nil, false
	}
	if flow.LocalHost, flow.LocalPort, ok = r.endpoint(false); !ok {
		return nil, false
	}
	if flow.ProxyHost, flow.ProxyPort, ok = r.endpoint(true); !ok {
		return nil, false
	}
	if (flow.ProxyHost == "") != (flow.ProxyPort == 0) {
		return nil, false
	}

	header := raw[:r.off]

	// a missing length byte counts as an unsigned token
	macLen, _ := r.octet()

	flow.Tampered = tampered(&r, header, int(macLen), keys)
	return flow, true
}

func tampered(r *reader, header []byte, macLen int, keys Keys) bool {
	haveSecrets := keys != nil && keys.Len() > 0

	if macLen == 0 {
		// signing policy must agree on both ends
		return haveSecrets
	}
	if !haveSecrets {
		return true
	}

	mac, ok := r.next(macLen)
	if !ok {
		return true
	}
	return !keys.Authenticate(header, mac)
}

func hostBytes(host string) ([]byte, error) {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	ip := net.ParseIP(host)

	if strings.Contains(host, ":") {
		if ip == nil {
			return nil, errors.NewInvalidAddress(host)
		}
		return ip.To16(), nil
	}

	if ip4 := ip.To4(); ip4 != nil {
		return ip4, nil
	}
	return nil, errors.NewInvalidAddress(host)
}

func appendEndpoint(buf, host []byte, port int) []byte {
	buf = append(buf, byte(len(host)))
	buf = append(buf, host...)
	return binary.BigEndian.AppendUint16(buf, uint16(port))
}

// reader walks a token buffer; every read is bounds checked.
type reader struct {
	buf []byte
	off int
}

func (r *reader) next(n int) ([]byte, bool) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *reader) octet() (byte, bool) {
	b, ok := r.next(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (r *reader) endpoint(optional bool) (string, int, bool) {
	n, ok := r.octet()
	if !ok {
		return "", 0, false
	}

	var host string
	switch {
	case n == ipv4Len:
		b, ok := r.next(ipv4Len)
		if !ok {
			return "", 0, false
		}
		host = netip.AddrFrom4([4]byte(b)).String()
	case n == ipv6Len:
		// 16 bytes always render as IPv6, ::ffff:a.b.c.d included
		b, ok := r.next(ipv6Len)
		if !ok {
			return "", 0, false
		}
		host = netip.AddrFrom16([16]byte(b)).String()
	case n == 0 && optional:
	default:
		return "", 0, false
	}

	p, ok := r.next(2)
	if !ok {
		return "", 0, false
	}
	return host, int(binary.BigEndian.Uint16(p)), true
}
