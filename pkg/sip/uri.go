package sip

import (
	"net"
	"strconv"
	"strings"

	sipparser "github.com/emiago/sipgo/sip"

	"flowedge-server/pkg/errors"
)

// Param is one ;name[=value] parameter. An empty Value is a flag.
type Param struct {
	Name  string
	Value string
}

// Params keeps parameters in wire order. Names compare case-insensitively.
type Params []Param

func (p Params) index(name string) int {
	for i, param := range p {
		if strings.EqualFold(param.Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value of name.
func (p Params) Get(name string) (string, bool) {
	if i := p.index(name); i >= 0 {
		return p[i].Value, true
	}
	return "", false
}

// Has reports whether name is present, with or without a value.
func (p Params) Has(name string) bool {
	return p.index(name) >= 0
}

// Set replaces name in place or appends it.
func (p Params) Set(name, value string) Params {
	if i := p.index(name); i >= 0 {
		out := p.Clone()
		out[i].Value = value
		return out
	}
	return append(p.Clone(), Param{Name: name, Value: value})
}

// Remove drops every occurrence of name.
func (p Params) Remove(name string) Params {
	out := make(Params, 0, len(p))
	for _, param := range p {
		if !strings.EqualFold(param.Name, name) {
			out = append(out, param)
		}
	}
	return out
}

// SameSet reports whether p and other carry the same parameters in any
// order. Names and values compare case-insensitively.
func (p Params) SameSet(other Params) bool {
	if len(p) != len(other) {
		return false
	}
	for _, param := range p {
		value, ok := other.Get(param.Name)
		if !ok || !strings.EqualFold(value, param.Value) {
			return false
		}
	}
	return true
}

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return append(Params(nil), p...)
}

func (p Params) String() string {
	var sb strings.Builder
	for _, param := range p {
		sb.WriteByte(';')
		sb.WriteString(param.Name)
		if param.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(param.Value)
		}
	}
	return sb.String()
}

func parseParams(s string) Params {
	var out Params
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		out = append(out, Param{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return out
}

// URI is a sip or sips URI. Parameters keep their wire order so a rewritten
// Route or Path reads the same as the one received.
type URI struct {
	Scheme  string
	User    string
	Host    string
	Port    int
	Params  Params
	Headers string
}

// ParseURI parses sip:user@host:port;params?headers.
func ParseURI(s string) (URI, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	scheme = strings.ToLower(scheme)
	if !ok || (scheme != "sip" && scheme != "sips") {
		return URI{}, errors.NewInvalidSIP("unsupported URI scheme", map[string]interface{}{"uri": s})
	}
	uri := URI{Scheme: scheme}

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, uri.Headers = rest[:i], rest[i+1:]
	}
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		uri.User, rest = rest[:at], rest[at+1:]
		// password is not kept
		if i := strings.IndexByte(uri.User, ':'); i >= 0 {
			uri.User = uri.User[:i]
		}
	}

	hostport := rest
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		hostport, uri.Params = rest[:i], parseParams(rest[i+1:])
	}

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return URI{}, errors.Wrap(err, "invalid URI host").WithField("uri", s)
	}
	uri.Host, uri.Port = host, port
	return uri, nil
}

// splitHostPort accepts host, host:port, [v6] and [v6]:port. IPv6 hosts are
// returned without brackets.
func splitHostPort(s string) (string, int, error) {
	if s == "" {
		return "", 0, errors.NewInvalidSIP("empty host")
	}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", 0, errors.NewInvalidSIP("unterminated IPv6 reference", map[string]interface{}{"host": s})
		}
		host, tail := s[1:end], s[end+1:]
		if tail == "" {
			return host, 0, nil
		}
		if tail[0] != ':' {
			return "", 0, errors.NewInvalidSIP("garbage after IPv6 reference", map[string]interface{}{"host": s})
		}
		port, err := parsePort(tail[1:])
		return host, port, err
	}

	if strings.Count(s, ":") > 1 {
		// bare IPv6 literal
		return s, 0, nil
	}
	host, portStr, found := strings.Cut(s, ":")
	if !found {
		return host, 0, nil
	}
	port, err := parsePort(portStr)
	return host, port, err
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 0xFFFF {
		return 0, errors.NewInvalidSIP("invalid port", map[string]interface{}{"port": s})
	}
	return port, nil
}

// HostPort renders host[:port], bracketing IPv6 hosts.
func HostPort(host string, port int) string {
	if port == 0 {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// HostPort returns the host[:port] part of the URI.
func (u URI) HostPort() string {
	return HostPort(u.Host, u.Port)
}

// Transport returns the lower case transport parameter, defaulting to udp
// for sip and tls for sips.
func (u URI) Transport() string {
	if t, ok := u.Params.Get("transport"); ok && t != "" {
		return strings.ToLower(t)
	}
	if u.Scheme == "sips" {
		return "tls"
	}
	return "udp"
}

// AOR is the address-of-record form: scheme, user and host only.
func (u URI) AOR() string {
	aor := u.Scheme + ":"
	if u.User != "" {
		aor += u.User + "@"
	}
	return aor + strings.ToLower(HostPort(u.Host, 0))
}

func (u URI) String() string {
	var sb strings.Builder
	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	sb.WriteString(scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(u.HostPort())
	sb.WriteString(u.Params.String())
	if u.Headers != "" {
		sb.WriteByte('?')
		sb.WriteString(u.Headers)
	}
	return sb.String()
}

// Sipgo converts the URI into the sipgo representation used for
// Request-URIs of forwarded requests.
func (u URI) Sipgo() (sipparser.Uri, error) {
	var out sipparser.Uri
	if err := sipparser.ParseUri(u.String(), &out); err != nil {
		return sipparser.Uri{}, errors.Wrap(err, "sipgo rejected URI").WithField("uri", u.String())
	}
	return out, nil
}
