package sip

import (
	"sort"
	"strconv"
	"strings"

	sipparser "github.com/emiago/sipgo/sip"

	"flowedge-server/pkg/errors"
)

// ViaHop is one entry of the Via header.
type ViaHop struct {
	Transport string
	Host      string
	Port      int
	Params    Params
}

var parseViaValue = sipparser.DefaultHeadersParser()["via"]

// ParseVia parses a single "SIP/2.0/UDP host:port;params" value with the
// sipgo Via parser.
func ParseVia(value string) (ViaHop, error) {
	value = strings.TrimSpace(value)
	h, err := parseViaValue("via", value)
	if err != nil {
		return ViaHop{}, errors.Wrap(err, "malformed Via").WithField("via", value)
	}
	via, ok := h.(*sipparser.ViaHeader)
	if !ok {
		return ViaHop{}, errors.NewInvalidSIP("malformed Via", map[string]interface{}{"via": value})
	}
	return viaHop(via)
}

// viaHop converts a sipgo Via header. sipgo leaves IPv6 brackets on the host
// and does not reject an empty one, so both are checked here.
func viaHop(via *sipparser.ViaHeader) (ViaHop, error) {
	host := strings.TrimSpace(via.Host)
	if strings.HasPrefix(host, "[") {
		if !strings.HasSuffix(host, "]") {
			return ViaHop{}, errors.NewInvalidSIP("malformed Via host", map[string]interface{}{"host": host})
		}
		host = host[1 : len(host)-1]
	}
	if host == "" || via.Transport == "" {
		return ViaHop{}, errors.NewInvalidSIP("malformed Via sent-by", map[string]interface{}{"via": via.Value()})
	}
	if via.Port < 0 || via.Port > 0xFFFF {
		return ViaHop{}, errors.NewInvalidSIP("invalid Via port", map[string]interface{}{"port": via.Port})
	}

	hop := ViaHop{
		Transport: strings.ToUpper(via.Transport),
		Host:      host,
		Port:      via.Port,
	}
	keys := via.Params.Keys()
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := via.Params.Get(k)
		hop.Params = append(hop.Params, Param{Name: k, Value: v})
	}
	return hop, nil
}

// ReceivedHost is the received parameter, falling back to the sent-by host.
func (v ViaHop) ReceivedHost() string {
	if received, ok := v.Params.Get("received"); ok && received != "" {
		return strings.Trim(received, "[]")
	}
	return v.Host
}

// ReceivedPort is the rport value when the proxy filled it in, then the
// sent-by port, then the default port of the transport.
func (v ViaHop) ReceivedPort() int {
	if rport, ok := v.Params.Get("rport"); ok && rport != "" {
		if port, err := strconv.Atoi(rport); err == nil && port > 0 && port <= 0xFFFF {
			return port
		}
	}
	if v.Port > 0 {
		return v.Port
	}
	if v.Transport == "TLS" {
		return 5061
	}
	return 5060
}

// ReadVias returns the Via hops of req, topmost first. Headers the sipgo
// parser already typed are converted directly; generic ones are split and
// parsed value by value.
func ReadVias(req *sipparser.Request) ([]ViaHop, error) {
	var out []ViaHop
	for _, h := range req.GetHeaders("Via") {
		if via, ok := h.(*sipparser.ViaHeader); ok {
			hop, err := viaHop(via)
			if err != nil {
				return nil, err
			}
			out = append(out, hop)
			continue
		}
		for _, v := range splitHeaderValues(h.Value()) {
			hop, err := ParseVia(v)
			if err != nil {
				return nil, err
			}
			out = append(out, hop)
		}
	}
	return out, nil
}
