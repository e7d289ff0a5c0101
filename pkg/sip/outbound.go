package sip

import (
	"strconv"
	"strings"

	sipparser "github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/flowtoken"
	"flowedge-server/pkg/metrics"
)

// Proprietary headers and parameters used between the classifier and the
// transport side of the node. They never leave the node.
const (
	HeaderDestination   = "IBM-Destination"
	HeaderPreferredPort = "IBM-PO"

	ParamOutbound  = "ibm-ob"
	ParamTampered  = "ibm-tampered"
	ParamProxyHost = "ibm-proxy-host"
	ParamProxyPort = "ibm-proxy-port"

	paramOb    = "ob"
	paramRegID = "reg-id"
)

// Direction is the RFC 5626 §5.3 classification of a forwarded request.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionIncoming
	DirectionOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "incoming"
	case DirectionOutgoing:
		return "outgoing"
	}
	return "none"
}

// Classification is the outcome of ProcessForwarding.
type Classification struct {
	Direction Direction
	Flow      flowtoken.Flow
	// Token is the flow token that was matched or minted.
	Token string
}

// OutboundProcessor applies RFC 5626 edge proxy processing to REGISTER and
// forwarded requests.
type OutboundProcessor struct {
	keys           flowtoken.Keys
	points         *ListeningPoints
	frontedByProxy bool
	logger         *logrus.Logger
}

// NewOutboundProcessor creates a processor. frontedByProxy raises the Via
// threshold for "direct" requests to two.
func NewOutboundProcessor(keys flowtoken.Keys, points *ListeningPoints, frontedByProxy bool, logger *logrus.Logger) *OutboundProcessor {
	return &OutboundProcessor{
		keys:           keys,
		points:         points,
		frontedByProxy: frontedByProxy,
		logger:         logger,
	}
}

func (p *OutboundProcessor) viaLimit() int {
	if p.frontedByProxy {
		return 2
	}
	return 1
}

// direct returns the Via hops of req when it came straight from the client
// (or through the fronting proxy only).
func (p *OutboundProcessor) direct(req *sipparser.Request) ([]ViaHop, bool) {
	vias, err := ReadVias(req)
	if err != nil {
		p.logger.WithError(err).Debug("Unparseable Via, request not treated as direct")
		return nil, false
	}
	return vias, len(vias) > 0 && len(vias) <= p.viaLimit()
}

// captureFlow builds the flow for conn. Behind a fronting proxy the top Via
// is the proxy's internal hop and is embedded in the flow.
func (p *OutboundProcessor) captureFlow(conn Connection, vias []ViaHop) flowtoken.Flow {
	flow := conn.Flow()
	if p.frontedByProxy && len(vias) == 2 {
		flow.ProxyHost = vias[0].ReceivedHost()
		flow.ProxyPort = vias[0].ReceivedPort()
	}
	return flow
}

func (p *OutboundProcessor) mint(flow flowtoken.Flow) (string, bool) {
	token, err := flowtoken.Encode(flow, p.keys)
	if err != nil {
		p.logger.WithError(err).WithField("flow", flow.String()).Warn("Failed to encode flow token")
		return "", false
	}
	metrics.RecordFlowTokenEncoded(flow.Transport.String())
	return token, true
}

// MaybeProcessRegister prepends an outbound Path to a REGISTER that came
// directly from a client and asks for outbound on every Contact. It reports
// whether the Path was added.
func (p *OutboundProcessor) MaybeProcessRegister(req *sipparser.Request, conn Connection) bool {
	if req.Method != sipparser.REGISTER {
		return false
	}

	vias, ok := p.direct(req)
	if !ok {
		return false
	}

	contacts, err := ReadAddresses(req, KindContact)
	if err != nil {
		p.logger.WithError(err).Debug("Unparseable Contact in REGISTER")
		return false
	}
	if len(contacts) == 0 {
		return false
	}
	for _, c := range contacts {
		if c.Wildcard || !c.Params.Has(paramRegID) {
			return false
		}
	}

	flow := p.captureFlow(conn, vias)
	token, ok := p.mint(flow)
	if !ok {
		return false
	}

	path := p.selfAddress(KindPath, token, conn)
	path.URI.Params = path.URI.Params.Set(paramOb, "")
	if err := PrependAddress(req, path); err != nil {
		p.logger.WithError(err).Debug("Unparseable Path in REGISTER")
		return false
	}

	p.logger.WithFields(logrus.Fields{
		"flow": flow.String(),
		"path": path.String(),
	}).Debug("Added outbound Path to REGISTER")
	return true
}

// selfAddress builds <sip:TOKEN@LOCALHOST:LOCALPORT;transport=..;lr>.
func (p *OutboundProcessor) selfAddress(kind AddressKind, token string, conn Connection) AddressHeader {
	return AddressHeader{
		Kind: kind,
		URI: URI{
			Scheme: "sip",
			User:   token,
			Host:   conn.LocalHost,
			Port:   conn.LocalPort,
			Params: Params{
				{Name: "transport", Value: conn.Transport.URIParam()},
				{Name: "lr"},
			},
		},
	}
}

type routeMatch struct {
	route AddressHeader
	flow  *flowtoken.Flow
}

// ProcessForwarding classifies in and mutates out, the copy about to be
// forwarded. recordRoute is the Record-Route this node pushed onto out, or
// nil when none was pushed; it is updated in place and rewritten on out.
func (p *OutboundProcessor) ProcessForwarding(in, out *sipparser.Request, conn Connection, recordRoute *AddressHeader) Classification {
	routes := p.topRoutes(in)

	match := p.findFlowRoute(routes)
	if match != nil && match.flow.Remote() == in.Source() {
		p.applyIncoming(out, match, recordRoute)
		metrics.RecordOutboundClassification(DirectionIncoming.String())
		return Classification{Direction: DirectionIncoming, Flow: *match.flow, Token: match.route.URI.User}
	}

	if c, ok := p.applyOutgoing(in, out, conn, routes, recordRoute); ok {
		metrics.RecordOutboundClassification(DirectionOutgoing.String())
		return c
	}

	metrics.RecordOutboundClassification(DirectionNone.String())
	return Classification{Direction: DirectionNone}
}

// topRoutes parses the top two Route values of req. A malformed value only
// removes itself from the candidates.
func (p *OutboundProcessor) topRoutes(req *sipparser.Request) []candidateAddress {
	return topAddresses(req, KindRoute, 2, func(value string, err error) {
		p.logger.WithError(err).WithField("route", value).Debug("Unparseable Route, skipping candidate")
	})
}

func (p *OutboundProcessor) findFlowRoute(routes []candidateAddress) *routeMatch {
	for _, r := range routes {
		if flow, ok := p.decodeSelf(r.Address); ok {
			return &routeMatch{route: r.Address, flow: flow}
		}
	}
	return nil
}

// decodeSelf decodes the flow token of a route that addresses this node.
func (p *OutboundProcessor) decodeSelf(r AddressHeader) (*flowtoken.Flow, bool) {
	if r.URI.User == "" || !p.points.IsSelf(r.URI) {
		return nil, false
	}
	flow, ok := flowtoken.Decode(r.URI.User, p.keys)
	switch {
	case !ok:
		metrics.RecordFlowTokenDecoded("not_token")
		return nil, false
	case flow.Tampered:
		metrics.RecordFlowTokenDecoded("tampered")
	default:
		metrics.RecordFlowTokenDecoded("valid")
	}
	return flow, true
}

// RouteToFlow points out at the flow recorded in path, a Path entry of a
// registrar binding. This is the terminating side of a registration, so no
// direction test applies.
func (p *OutboundProcessor) RouteToFlow(out *sipparser.Request, path AddressHeader) (*flowtoken.Flow, bool) {
	flow, ok := p.decodeSelf(path)
	if !ok {
		return nil, false
	}
	p.applyIncoming(out, &routeMatch{route: path, flow: flow}, nil)
	return flow, true
}

func (p *OutboundProcessor) applyIncoming(out *sipparser.Request, match *routeMatch, recordRoute *AddressHeader) {
	flow := match.flow
	logger := p.logger.WithField("flow", flow.String())

	p.removeMatchedRoute(out, match.route)

	if out.GetHeader(HeaderDestination) != nil {
		logger.Debug("Destination already set, keeping it")
		return
	}

	setHeader(out, HeaderDestination, destinationAddress(*flow).String())
	if flow.Tampered {
		logger.Warn("Flow token failed validation, marking destination as tampered")
	}

	if lp, ok := p.points.Match(flow.Transport, flow.LocalHost, flow.LocalPort); ok {
		if p.points.Len() != 1 {
			setHeader(out, HeaderPreferredPort, strconv.Itoa(lp.Index))
		}
	} else {
		logger.WithField("local", flow.Local()).Debug("No listening point for flow local address")
	}

	if recordRoute != nil && match.route.URI.Params.Has(paramOb) {
		recordRoute.URI.User = match.route.URI.User
		p.rewriteRecordRoute(out, *recordRoute)
	}
}

// removeMatchedRoute drops the matched entry from the top two Routes of out.
// The other entries are left as received.
func (p *OutboundProcessor) removeMatchedRoute(out *sipparser.Request, matched AddressHeader) {
	for _, r := range p.topRoutes(out) {
		if r.Address.SameURI(matched) {
			removeHeaderValue(out, KindRoute.HeaderName(), r.Index)
			return
		}
	}
}

func (p *OutboundProcessor) applyOutgoing(in, out *sipparser.Request, conn Connection, routes []candidateAddress, recordRoute *AddressHeader) (Classification, bool) {
	if recordRoute == nil {
		return Classification{}, false
	}
	vias, ok := p.direct(in)
	if !ok {
		return Classification{}, false
	}

	wantsOb := false
	if len(routes) > 0 && routes[0].Index == 0 {
		top := routes[0].Address.URI
		wantsOb = p.points.IsSelf(top) && top.Params.Has(paramOb)
	}
	if !wantsOb {
		contacts, err := ReadAddresses(in, KindContact)
		if err != nil {
			p.logger.WithError(err).Debug("Unparseable Contact, outbound not requested")
		}
		wantsOb = len(contacts) > 0 && contacts[0].URI.Params.Has(paramOb)
	}
	if !wantsOb {
		return Classification{}, false
	}

	flow := p.captureFlow(conn, vias)
	token, ok := p.mint(flow)
	if !ok {
		return Classification{}, false
	}

	recordRoute.URI.User = token
	recordRoute.URI.Params = recordRoute.URI.Params.Set(paramOb, "")
	p.rewriteRecordRoute(out, *recordRoute)

	return Classification{Direction: DirectionOutgoing, Flow: flow, Token: token}, true
}

// rewriteRecordRoute replaces the top Record-Route of out with rr.
func (p *OutboundProcessor) rewriteRecordRoute(out *sipparser.Request, rr AddressHeader) {
	rr.Kind = KindRecordRoute
	current, err := ReadAddresses(out, KindRecordRoute)
	if err != nil || len(current) == 0 {
		WriteAddresses(out, KindRecordRoute, []AddressHeader{rr})
		return
	}
	current[0] = rr
	WriteAddresses(out, KindRecordRoute, current)
}

// destinationAddress renders <sip:RHOST:RPORT;transport=T> with the proxy
// and tamper hints. Stream flows also carry ibm-ob so delivery reuses the
// client's connection.
func destinationAddress(flow flowtoken.Flow) AddressHeader {
	params := Params{{Name: "transport", Value: strings.ToLower(flow.Transport.String())}}
	if flow.Transport.Reliable() {
		params = append(params, Param{Name: ParamOutbound})
	}
	if flow.HasProxy() {
		params = append(params,
			Param{Name: ParamProxyHost, Value: HostPort(flow.ProxyHost, 0)},
			Param{Name: ParamProxyPort, Value: strconv.Itoa(flow.ProxyPort)},
		)
	}
	if flow.Tampered {
		params = append(params, Param{Name: ParamTampered})
	}

	return AddressHeader{
		URI: URI{
			Scheme: "sip",
			Host:   flow.RemoteHost,
			Port:   flow.RemotePort,
			Params: params,
		},
	}
}
