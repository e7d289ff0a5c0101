package sip

import (
	"strconv"
	"strings"

	sipparser "github.com/emiago/sipgo/sip"

	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/flowtoken"
	"flowedge-server/pkg/metrics"
)

// Delivery is where and how a forwarded request leaves the node.
type Delivery struct {
	// Transport is lower case: udp, tcp or tls.
	Transport   string
	Destination string
	// Outbound is set when the destination is a stream flow whose
	// connection must be reused.
	Outbound bool
	// Local is the listening point to send from, when one was pinned.
	Local *ListeningPoint
	// Proxy is the fronting proxy's internal host:port recorded in the
	// flow. The request still goes to Destination, the proxy's side of the
	// flow; Proxy is reported with the delivery for tracing.
	Proxy string
}

// Response status for delivery errors.
const (
	StatusForbiddenFlow = 403
	StatusFlowFailed    = 430

	ReasonForbiddenFlow = "Forbidden Flow"
	ReasonFlowFailed    = "Flow Failed"
)

// ResolveDelivery picks the next hop of req. The classifier's IBM-Destination
// and IBM-PO headers take precedence over the top Route and Request-URI and
// are removed from req. Flow errors wrap errors.ErrFlowTampered or
// errors.ErrFlowFailed.
func ResolveDelivery(req *sipparser.Request, points *ListeningPoints, conns *ConnectionTable) (*Delivery, error) {
	destValue := headerValue(req, HeaderDestination)
	poValue := headerValue(req, HeaderPreferredPort)
	removeHeaders(req, HeaderDestination)
	removeHeaders(req, HeaderPreferredPort)

	if destValue == "" {
		return plainDelivery(req)
	}

	dest, err := ParseAddress(KindRoute, destValue)
	if err != nil {
		return nil, errors.Wrap(err, "invalid destination header")
	}

	d := &Delivery{
		Transport:   dest.URI.Transport(),
		Destination: dest.URI.HostPort(),
		Outbound:    dest.URI.Params.Has(ParamOutbound),
	}
	fields := map[string]interface{}{
		"destination": d.Destination,
		"transport":   d.Transport,
	}

	if proxy, ok := proxyHint(dest.URI.Params); ok {
		d.Proxy = proxy
		fields["proxy"] = proxy
	}

	if dest.URI.Params.Has(ParamTampered) {
		metrics.RecordFlowDeliveryFailure("tampered")
		return nil, errors.NewFlowTampered(fields)
	}

	if poValue != "" {
		index, err := strconv.Atoi(poValue)
		lp, ok := points.ByIndex(index)
		if err == nil && ok && strings.EqualFold(lp.Transport.String(), d.Transport) {
			d.Local = &lp
		} else if d.Outbound && points.Len() > 1 {
			metrics.RecordFlowDeliveryFailure("no_listening_point")
			return nil, errors.NewFlowFailed("preferred listening point unavailable", fields).
				WithField("listening_point", poValue)
		}
	}

	if d.Outbound && isStream(d.Transport) && conns != nil {
		if _, ok := conns.Lookup(d.Transport, d.Destination); !ok {
			metrics.RecordFlowDeliveryFailure("no_connection")
			return nil, errors.NewFlowFailed("connection to client is gone", fields)
		}
	}

	return d, nil
}

// proxyHint reads the ibm-proxy-host and ibm-proxy-port pair.
func proxyHint(params Params) (string, bool) {
	host, ok := params.Get(ParamProxyHost)
	if !ok || host == "" {
		return "", false
	}
	portValue, _ := params.Get(ParamProxyPort)
	port, err := strconv.Atoi(portValue)
	if err != nil || port <= 0 || port > 0xFFFF {
		return "", false
	}
	return HostPort(strings.Trim(host, "[]"), port), true
}

// plainDelivery routes on the top Route, else the Request-URI.
func plainDelivery(req *sipparser.Request) (*Delivery, error) {
	routes, err := ReadAddresses(req, KindRoute)
	if err != nil {
		return nil, err
	}

	var target URI
	if len(routes) > 0 {
		target = routes[0].URI
	} else {
		if target, err = ParseURI(req.Recipient.String()); err != nil {
			return nil, err
		}
	}

	port := target.Port
	if port == 0 {
		port = 5060
		if target.Transport() == "tls" {
			port = 5061
		}
	}
	return &Delivery{
		Transport:   target.Transport(),
		Destination: HostPort(target.Host, port),
	}, nil
}

func isStream(transport string) bool {
	t, err := flowtoken.ParseTransport(transport)
	return err == nil && t.Reliable()
}

// FlowErrorStatus maps a delivery error to the SIP response to send.
func FlowErrorStatus(err error) (int, string) {
	switch {
	case errors.IsErrorType(err, errors.ErrFlowTampered):
		return StatusForbiddenFlow, ReasonForbiddenFlow
	case errors.IsErrorType(err, errors.ErrFlowFailed):
		return StatusFlowFailed, ReasonFlowFailed
	}
	return 500, "Server Internal Error"
}
