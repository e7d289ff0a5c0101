package sip

import (
	"strings"

	sipparser "github.com/emiago/sipgo/sip"

	"flowedge-server/pkg/errors"
)

// AddressKind tags the header an AddressHeader was read from.
type AddressKind int

const (
	KindRoute AddressKind = iota
	KindRecordRoute
	KindPath
	KindContact
)

// HeaderName is the canonical SIP header name for the kind.
func (k AddressKind) HeaderName() string {
	switch k {
	case KindRoute:
		return "Route"
	case KindRecordRoute:
		return "Record-Route"
	case KindPath:
		return "Path"
	case KindContact:
		return "Contact"
	}
	return ""
}

func (k AddressKind) String() string {
	return k.HeaderName()
}

// AddressHeader is one name-addr entry of a Route, Record-Route, Path or
// Contact header.
type AddressHeader struct {
	Kind        AddressKind
	DisplayName string
	URI         URI
	Params      Params

	// Wildcard is the Contact: * form.
	Wildcard bool
}

// ParseAddress parses a single name-addr or addr-spec value.
func ParseAddress(kind AddressKind, value string) (AddressHeader, error) {
	value = strings.TrimSpace(value)
	addr := AddressHeader{Kind: kind}

	if value == "*" && kind == KindContact {
		addr.Wildcard = true
		return addr, nil
	}

	lt := strings.IndexByte(value, '<')
	if lt < 0 {
		// addr-spec: anything after the first ; belongs to the header
		uriPart, params, _ := strings.Cut(value, ";")
		uri, err := ParseURI(uriPart)
		if err != nil {
			return AddressHeader{}, err
		}
		addr.URI = uri
		addr.Params = parseParams(params)
		return addr, nil
	}

	gt := strings.IndexByte(value[lt:], '>')
	if gt < 0 {
		return AddressHeader{}, errors.NewInvalidSIP("unterminated name-addr", map[string]interface{}{
			"header": kind.HeaderName(),
			"value":  value,
		})
	}
	gt += lt

	addr.DisplayName = strings.Trim(strings.TrimSpace(value[:lt]), `"`)
	uri, err := ParseURI(value[lt+1 : gt])
	if err != nil {
		return AddressHeader{}, err
	}
	addr.URI = uri
	addr.Params = parseParams(value[gt+1:])
	return addr, nil
}

func (a AddressHeader) String() string {
	if a.Wildcard {
		return "*"
	}
	var sb strings.Builder
	if a.DisplayName != "" {
		sb.WriteByte('"')
		sb.WriteString(a.DisplayName)
		sb.WriteString(`" `)
	}
	sb.WriteByte('<')
	sb.WriteString(a.URI.String())
	sb.WriteByte('>')
	sb.WriteString(a.Params.String())
	return sb.String()
}

// SameURI compares the routing part of two addresses field by field. Scheme
// and host ignore case; parameters may appear in any order.
func (a AddressHeader) SameURI(other AddressHeader) bool {
	u, o := a.URI, other.URI
	return strings.EqualFold(u.Scheme, o.Scheme) &&
		u.User == o.User &&
		strings.EqualFold(strings.Trim(u.Host, "[]"), strings.Trim(o.Host, "[]")) &&
		u.Port == o.Port &&
		u.Params.SameSet(o.Params) &&
		u.Headers == o.Headers
}

// splitHeaderValues splits a header value on commas that are outside quotes
// and angle brackets.
func splitHeaderValues(value string) []string {
	var (
		out     []string
		quoted  bool
		bracket bool
		start   int
	)
	for i := 0; i < len(value); i++ {
		switch c := value[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"':
			quoted = !quoted
		case c == '<' && !quoted:
			bracket = true
		case c == '>' && !quoted:
			bracket = false
		case c == ',' && !quoted && !bracket:
			if part := strings.TrimSpace(value[start:i]); part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	if part := strings.TrimSpace(value[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

// headerValues returns every comma separated value of name, in order.
func headerValues(msg *sipparser.Request, name string) []string {
	var out []string
	for _, h := range msg.GetHeaders(name) {
		out = append(out, splitHeaderValues(h.Value())...)
	}
	return out
}

// ReadAddresses parses every entry of the kind's header in msg.
func ReadAddresses(msg *sipparser.Request, kind AddressKind) ([]AddressHeader, error) {
	values := headerValues(msg, kind.HeaderName())
	out := make([]AddressHeader, 0, len(values))
	for _, v := range values {
		addr, err := ParseAddress(kind, v)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// candidateAddress is one parseable entry among the top values of a header.
type candidateAddress struct {
	// Index is the position of the raw value in the header.
	Index   int
	Address AddressHeader
}

// topAddresses parses the first n values of the kind's header one by one.
// Values that fail to parse are reported to skip and left out.
func topAddresses(msg *sipparser.Request, kind AddressKind, n int, skip func(value string, err error)) []candidateAddress {
	values := headerValues(msg, kind.HeaderName())
	if len(values) > n {
		values = values[:n]
	}
	out := make([]candidateAddress, 0, len(values))
	for i, v := range values {
		addr, err := ParseAddress(kind, v)
		if err != nil {
			if skip != nil {
				skip(v, err)
			}
			continue
		}
		out = append(out, candidateAddress{Index: i, Address: addr})
	}
	return out
}

// removeHeaderValue drops the value at index from the comma separated
// values of name. The remaining values are written back untouched.
func removeHeaderValue(msg *sipparser.Request, name string, index int) {
	values := headerValues(msg, name)
	if index < 0 || index >= len(values) {
		return
	}
	removeHeaders(msg, name)
	for i, v := range values {
		if i != index {
			msg.AppendHeader(sipparser.NewHeader(name, v))
		}
	}
}

// WriteAddresses replaces the kind's header in msg with list, one header
// line per entry.
func WriteAddresses(msg *sipparser.Request, kind AddressKind, list []AddressHeader) {
	removeHeaders(msg, kind.HeaderName())
	for _, addr := range list {
		msg.AppendHeader(sipparser.NewHeader(kind.HeaderName(), addr.String()))
	}
}

// PrependAddress pushes addr on top of its header.
func PrependAddress(msg *sipparser.Request, addr AddressHeader) error {
	current, err := ReadAddresses(msg, addr.Kind)
	if err != nil {
		return err
	}
	WriteAddresses(msg, addr.Kind, append([]AddressHeader{addr}, current...))
	return nil
}

func removeHeaders(msg *sipparser.Request, name string) {
	for n := len(msg.GetHeaders(name)); n > 0; n-- {
		msg.RemoveHeader(name)
	}
}

func setHeader(msg *sipparser.Request, name, value string) {
	removeHeaders(msg, name)
	msg.AppendHeader(sipparser.NewHeader(name, value))
}

func headerValue(msg *sipparser.Request, name string) string {
	if h := msg.GetHeader(name); h != nil {
		return strings.TrimSpace(h.Value())
	}
	return ""
}

// hasOptionTag reports whether an option-tag list header such as Supported
// or Require carries tag.
func hasOptionTag(msg *sipparser.Request, name, tag string) bool {
	for _, v := range headerValues(msg, name) {
		if strings.EqualFold(strings.TrimSpace(v), tag) {
			return true
		}
	}
	return false
}
