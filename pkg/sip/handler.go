package sip

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	sipparser "github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/events"
	"flowedge-server/pkg/flowtoken"
	"flowedge-server/pkg/metrics"
	"flowedge-server/pkg/telemetry/tracing"
)

// SetupHandlers registers the SIP request handlers
func (h *Handler) SetupHandlers() {
	h.Server.OnRequest(sipparser.REGISTER, h.wrap(h.handleRegister))

	h.Server.OnRequest(sipparser.OPTIONS, h.wrap(func(req *sipparser.Request, tx sipparser.ServerTransaction) {
		if h.addressedToSelf(req) {
			h.handleOptions(req, tx)
			return
		}
		h.handleForward(req, tx)
	}))

	h.Server.OnRequest(sipparser.ACK, h.wrap(h.handleAck))
	h.Server.OnRequest(sipparser.CANCEL, h.wrap(h.handleCancel))

	for _, method := range []sipparser.RequestMethod{
		sipparser.INVITE, sipparser.BYE, sipparser.MESSAGE,
		sipparser.SUBSCRIBE, sipparser.NOTIFY, sipparser.INFO, sipparser.UPDATE,
		sipparser.REFER, sipparser.PRACK, sipparser.PUBLISH,
	} {
		h.Server.OnRequest(method, h.wrap(h.handleForward))
	}
	h.Server.OnNoRoute(h.wrap(h.handleForward))
}

// wrap applies the rate limiter and panic recovery to handler
func (h *Handler) wrap(handler func(*sipparser.Request, sipparser.ServerTransaction)) func(*sipparser.Request, sipparser.ServerTransaction) {
	return h.recoverMiddleware(h.limitMiddleware(handler))
}

// limitMiddleware answers 503 with Retry-After to sources over their rate
func (h *Handler) limitMiddleware(handler func(*sipparser.Request, sipparser.ServerTransaction)) func(*sipparser.Request, sipparser.ServerTransaction) {
	if h.Limiter == nil {
		return handler
	}
	return func(req *sipparser.Request, tx sipparser.ServerTransaction) {
		host, _, err := net.SplitHostPort(req.Source())
		if err != nil {
			host = req.Source()
		}
		if !h.Limiter.AllowRequest(host, string(req.Method)) {
			h.respond(tx, req, 503, "Service Unavailable", sipparser.NewHeader("Retry-After", "5"))
			return
		}
		handler(req, tx)
	}
}

// recoverMiddleware wraps a SIP handler with panic recovery
func (h *Handler) recoverMiddleware(handler func(*sipparser.Request, sipparser.ServerTransaction)) func(*sipparser.Request, sipparser.ServerTransaction) {
	return func(req *sipparser.Request, tx sipparser.ServerTransaction) {
		defer func() {
			if r := recover(); r != nil {
				h.Logger.WithFields(logrus.Fields{
					"call_id": callID(req),
					"method":  req.Method,
					"panic":   r,
				}).Error("Recovered from panic in SIP handler")

				if req.Method != sipparser.ACK && tx != nil {
					h.respond(tx, req, 500, "Internal Server Error")
				}
			}
		}()

		handler(req, tx)
	}
}

func callID(req *sipparser.Request) string {
	if id := req.CallID(); id != nil {
		return id.Value()
	}
	return ""
}

func (h *Handler) respond(tx sipparser.ServerTransaction, req *sipparser.Request, code int, reason string, headers ...sipparser.Header) {
	resp := sipparser.NewResponseFromRequest(req, code, reason, nil)
	for _, hdr := range headers {
		resp.AppendHeader(hdr)
	}
	if err := tx.Respond(resp); err != nil {
		h.Logger.WithError(err).WithFields(logrus.Fields{
			"call_id": callID(req),
			"status":  code,
		}).Warn("Failed to send response")
	}
	metrics.RecordSIPRequest(string(req.Method), strconv.Itoa(code))
}

// addressedToSelf reports whether req has no Route and targets this node.
func (h *Handler) addressedToSelf(req *sipparser.Request) bool {
	routes, err := ReadAddresses(req, KindRoute)
	if err == nil && len(routes) > 0 {
		for _, r := range routes {
			if !h.Points.IsSelf(r.URI) {
				return false
			}
		}
	}
	target, err := ParseURI(req.Recipient.String())
	return err == nil && target.User == "" && h.isLocal(target)
}

// handleOptions answers keep-alive and capability probes
func (h *Handler) handleOptions(req *sipparser.Request, tx sipparser.ServerTransaction) {
	if conn, err := ConnectionFor(req, h.Points); err == nil {
		h.Conns.Track(req, conn)
	}

	h.respond(tx, req, 200, "OK",
		sipparser.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS, REGISTER, MESSAGE, SUBSCRIBE, NOTIFY, INFO, UPDATE, REFER, PRACK"),
		sipparser.NewHeader("Supported", "outbound, path"),
	)

	h.Logger.WithField("source", req.Source()).Debug("Responded to OPTIONS request")
}

// handleRegister runs outbound Path processing and acts as the registrar
// for the address-of-record in To.
func (h *Handler) handleRegister(req *sipparser.Request, tx sipparser.ServerTransaction) {
	_, span := tracing.StartSpan(context.Background(), "sip.register")
	defer span.End()

	logger := h.Logger.WithFields(logrus.Fields{
		"call_id": callID(req),
		"source":  req.Source(),
	})

	conn, err := ConnectionFor(req, h.Points)
	if err != nil {
		logger.WithError(err).Warn("Cannot resolve connection for REGISTER")
		h.respond(tx, req, 500, "Server Internal Error")
		return
	}
	h.Conns.Track(req, conn)

	pathAdded := h.Processor.MaybeProcessRegister(req, conn)

	to, err := ParseAddress(KindContact, headerValue(req, "To"))
	if err != nil {
		logger.WithError(err).Debug("Invalid To header")
		h.respond(tx, req, 400, "Bad Request")
		return
	}
	contacts, err := ReadAddresses(req, KindContact)
	if err != nil {
		h.respond(tx, req, 400, "Bad Contact")
		return
	}
	path, err := ReadAddresses(req, KindPath)
	if err != nil {
		h.respond(tx, req, 400, "Bad Path")
		return
	}

	expires := -1
	if v := headerValue(req, "Expires"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.respond(tx, req, 400, "Bad Expires")
			return
		}
		expires = n
	}

	aor := to.URI.AOR()
	span.SetAttributes(attribute.String("sip.aor", aor), attribute.Bool("outbound.path_added", pathAdded))

	var bindings []Binding
	if len(contacts) > 0 {
		bindings, err = h.Registrar.Register(RegisterRequest{
			AOR:       aor,
			Contacts:  contacts,
			Path:      path,
			Expires:   expires,
			Source:    req.Source(),
			Transport: strings.ToLower(req.Transport()),
		})
		if err != nil {
			logger.WithError(err).Info("REGISTER rejected")
			tracing.RecordError(span, err)
			h.respond(tx, req, 400, "Bad Request")
			return
		}
	} else if bindings, err = h.Registrar.Lookup(aor); err != nil && !errors.IsErrorType(err, errors.ErrBindingNotFound) {
		h.respond(tx, req, 500, "Server Internal Error")
		return
	}

	var headers []sipparser.Header
	now := time.Now()
	for _, b := range bindings {
		c := b.Contact
		c.Params = c.Params.Set("expires", strconv.Itoa(int(b.Expires.Sub(now).Round(time.Second)/time.Second)))
		headers = append(headers, sipparser.NewHeader("Contact", c.String()))
	}
	for _, p := range path {
		headers = append(headers, sipparser.NewHeader("Path", p.String()))
	}
	if pathAdded && hasOptionTag(req, "Supported", "outbound") {
		headers = append(headers, sipparser.NewHeader("Require", "outbound"))
	}
	h.respond(tx, req, 200, "OK", headers...)

	kind := events.KindRegistered
	if len(bindings) == 0 {
		kind = events.KindUnregistered
	}
	var flow *flowtoken.Flow
	if pathAdded && len(path) > 0 {
		flow, _ = h.Processor.decodeSelf(path[0])
	}
	h.Events.Publish(events.NewFlowEvent(kind, aor, flow))

	logger.WithFields(logrus.Fields{
		"aor":        aor,
		"bindings":   len(bindings),
		"path_added": pathAdded,
	}).Info("REGISTER processed")
}

// handleAck relays an ACK statelessly. ACKs for 2xx are end to end and
// follow the same routing as any other in-dialog request.
func (h *Handler) handleAck(req *sipparser.Request, _ sipparser.ServerTransaction) {
	out, _, _, err := h.prepareForward(req)
	if err != nil {
		h.Logger.WithError(err).WithField("call_id", callID(req)).Debug("Dropping ACK")
		return
	}
	if err := h.Client.WriteRequest(out, sipgo.ClientRequestAddVia); err != nil {
		h.Logger.WithError(err).WithField("call_id", callID(req)).Warn("Failed to relay ACK")
	}
}

// forwardError is a final response to send instead of forwarding.
type forwardError struct {
	code   int
	reason string
	err    error
}

func (e *forwardError) Error() string {
	if e.err != nil {
		return e.reason + ": " + e.err.Error()
	}
	return e.reason
}

func (e *forwardError) Unwrap() error { return e.err }

// handleForward proxies a request, applying outbound flow processing.
func (h *Handler) handleForward(req *sipparser.Request, tx sipparser.ServerTransaction) {
	ctx, span := tracing.StartSpan(context.Background(), "sip.forward")
	defer span.End()
	span.SetAttributes(attribute.String("sip.method", string(req.Method)))

	logger := h.Logger.WithFields(logrus.Fields{
		"call_id": callID(req),
		"method":  req.Method,
		"source":  req.Source(),
	})

	out, class, delivery, err := h.prepareForward(req)
	if err != nil {
		tracing.RecordError(span, err)
		if fe, ok := err.(*forwardError); ok {
			logger.WithError(err).Info("Request rejected")
			h.respond(tx, req, fe.code, fe.reason)
			return
		}
		logger.WithError(err).Warn("Request could not be forwarded")
		h.respond(tx, req, 500, "Server Internal Error")
		return
	}

	span.SetAttributes(
		attribute.String("outbound.direction", class.Direction.String()),
		attribute.String("sip.next_hop", delivery.Destination),
	)
	if class.Direction != DirectionNone {
		span.SetAttributes(tracing.FlowAttributes(&class.Flow)...)
	}
	if delivery.Proxy != "" {
		span.SetAttributes(attribute.String("outbound.fronting_proxy", delivery.Proxy))
	}
	switch class.Direction {
	case DirectionIncoming:
		h.Events.Publish(events.NewFlowEvent(events.KindIncoming, "", &class.Flow))
	case DirectionOutgoing:
		h.Events.Publish(events.NewFlowEvent(events.KindOutgoing, "", &class.Flow))
	}

	h.relay(ctx, req, out, tx, delivery, logger)
}

// prepareForward builds the request to send and where to send it.
func (h *Handler) prepareForward(req *sipparser.Request) (*sipparser.Request, Classification, *Delivery, error) {
	conn, err := ConnectionFor(req, h.Points)
	if err != nil {
		return nil, Classification{}, nil, err
	}
	h.Conns.Track(req, conn)

	out := req.Clone()

	if mf := out.MaxForwards(); mf != nil {
		if mf.Val() == 0 {
			return nil, Classification{}, nil, &forwardError{code: 483, reason: "Too Many Hops"}
		}
		mf.Dec()
	}

	var recordRoute *AddressHeader
	if dialogForming(req) {
		rr := AddressHeader{
			Kind: KindRecordRoute,
			URI: URI{
				Scheme: "sip",
				Host:   conn.LocalHost,
				Port:   conn.LocalPort,
				Params: Params{
					{Name: "transport", Value: conn.Transport.URIParam()},
					{Name: "lr"},
				},
			},
		}
		if err := PrependAddress(out, rr); err != nil {
			return nil, Classification{}, nil, &forwardError{code: 400, reason: "Bad Record-Route", err: err}
		}
		recordRoute = &rr
	}

	class := h.Processor.ProcessForwarding(req, out, conn, recordRoute)
	if err := h.popSelfRoutes(out); err != nil {
		return nil, class, nil, &forwardError{code: 400, reason: "Bad Route", err: err}
	}

	if err := h.retarget(out); err != nil {
		return nil, class, nil, err
	}

	delivery, err := ResolveDelivery(out, h.Points, h.Conns)
	if err != nil {
		if errors.IsErrorType(err, errors.ErrFlowTampered) || errors.IsErrorType(err, errors.ErrFlowFailed) {
			kind := events.KindFlowFailed
			if errors.IsErrorType(err, errors.ErrFlowTampered) {
				kind = events.KindTampered
			}
			var flow *flowtoken.Flow
			if class.Direction != DirectionNone {
				flow = &class.Flow
			}
			evt := events.NewFlowEvent(kind, "", flow)
			evt.Details = map[string]interface{}{"error": err.Error()}
			h.Events.Publish(evt)

			code, reason := FlowErrorStatus(err)
			return nil, class, nil, &forwardError{code: code, reason: reason, err: err}
		}
		return nil, class, nil, &forwardError{code: 400, reason: "Bad Request", err: err}
	}

	out.SetDestination(delivery.Destination)
	out.SetTransport(strings.ToUpper(delivery.Transport))
	return out, class, delivery, nil
}

// popSelfRoutes removes the Route entries that address this node.
func (h *Handler) popSelfRoutes(out *sipparser.Request) error {
	routes, err := ReadAddresses(out, KindRoute)
	if err != nil {
		return err
	}
	n := 0
	for n < len(routes) && h.Points.IsSelf(routes[n].URI) {
		n++
	}
	if n > 0 {
		WriteAddresses(out, KindRoute, routes[n:])
	}
	return nil
}

// retarget replaces a Request-URI for a registered address-of-record with
// the newest binding's contact, following its flow when it has one.
func (h *Handler) retarget(out *sipparser.Request) error {
	if out.GetHeader(HeaderDestination) != nil {
		return nil
	}
	if routes, err := ReadAddresses(out, KindRoute); err != nil || len(routes) > 0 {
		return nil
	}

	target, err := ParseURI(out.Recipient.String())
	if err != nil {
		return &forwardError{code: 416, reason: "Unsupported URI Scheme", err: err}
	}
	if !h.isLocal(target) {
		return nil
	}

	bindings, err := h.Registrar.Lookup(target.AOR())
	if err != nil {
		if errors.IsErrorType(err, errors.ErrBindingNotFound) {
			return &forwardError{code: 404, reason: "Not Found", err: err}
		}
		return err
	}

	b := bindings[0]
	recipient, err := b.Contact.URI.Sipgo()
	if err != nil {
		return &forwardError{code: 480, reason: "Temporarily Unavailable", err: err}
	}
	out.Recipient = recipient

	if len(b.Path) > 0 {
		if _, ok := h.Processor.RouteToFlow(out, b.Path[0]); ok {
			return nil
		}
		// foreign Path: route through it
		WriteAddresses(out, KindRoute, b.Path)
	}
	return nil
}

// isLocal reports whether uri is served by the registrar.
func (h *Handler) isLocal(uri URI) bool {
	for _, d := range h.Config.Domains {
		if strings.EqualFold(d, uri.Host) {
			return true
		}
	}
	return h.Points.IsSelf(uri)
}

func dialogForming(req *sipparser.Request) bool {
	switch req.Method {
	case sipparser.INVITE, sipparser.SUBSCRIBE, sipparser.REFER:
		return !hasTag(req)
	}
	return false
}

func hasTag(req *sipparser.Request) bool {
	to, err := ParseAddress(KindContact, headerValue(req, "To"))
	return err == nil && to.Params.Has("tag")
}

// relay runs a client transaction for out and passes responses back on tx.
func (h *Handler) relay(ctx context.Context, in, out *sipparser.Request, tx sipparser.ServerTransaction, d *Delivery, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(ctx, h.Config.Timeouts.MethodTimeout(in.Method))
	defer cancel()

	if d.Local != nil {
		logger = logger.WithField("local", d.Local.HostPort())
	}
	if d.Proxy != "" {
		logger = logger.WithField("fronting_proxy", d.Proxy)
	}
	logger = logger.WithFields(logrus.Fields{
		"destination": d.Destination,
		"transport":   d.Transport,
		"outbound":    d.Outbound,
	})

	clTx, err := h.Client.TransactionRequest(ctx, out, sipgo.ClientRequestAddVia)
	if err != nil {
		logger.WithError(err).Warn("Failed to relay request")
		if d.Outbound {
			metrics.RecordFlowDeliveryFailure("write_error")
			h.Conns.Forget(d.Transport, d.Destination)
			h.respond(tx, in, StatusFlowFailed, ReasonFlowFailed)
			return
		}
		h.respond(tx, in, 503, "Service Unavailable")
		return
	}
	defer clTx.Terminate()

	logger.Debug("Request relayed")

	final := false
	if in.Method == sipparser.INVITE {
		key := pendingKey(in)
		h.pending.Store(key, out)
		defer func() {
			h.pending.Delete(key)
			if !final {
				h.cancelDownstream(out, logger)
			}
		}()
	}

	acks := tx.Acks()
	for {
		select {
		case res, more := <-clTx.Responses():
			if !more {
				return
			}
			res.RemoveHeader("Via")
			if err := tx.Respond(res); err != nil {
				logger.WithError(err).Warn("Failed to relay response")
			}
			metrics.RecordSIPRequest(string(in.Method), strconv.Itoa(res.StatusCode))
			if res.StatusCode >= 200 {
				final = true
				return
			}

		case ack, more := <-acks:
			if !more {
				acks = nil
				continue
			}
			if err := h.Client.WriteRequest(ack); err != nil {
				logger.WithError(err).Debug("Failed to relay ACK")
			}

		case <-clTx.Done():
			final = true
			if err := clTx.Err(); err != nil {
				logger.WithError(err).Info("Client transaction ended without final response")
				h.respond(tx, in, 408, "Request Timeout")
			}
			return

		case <-tx.Done():
			return

		case <-ctx.Done():
			h.respond(tx, in, 408, "Request Timeout")
			return
		}
	}
}

// pendingKey matches a CANCEL to the INVITE it cancels.
func pendingKey(req *sipparser.Request) string {
	key := callID(req)
	if cseq := req.CSeq(); cseq != nil {
		key += "|" + strconv.FormatUint(uint64(cseq.SeqNo), 10)
	}
	if vias, err := ReadVias(req); err == nil && len(vias) > 0 {
		branch, _ := vias[0].Params.Get("branch")
		key += "|" + branch
	}
	return key
}

// handleCancel answers a CANCEL hop by hop and cancels the relayed INVITE.
func (h *Handler) handleCancel(req *sipparser.Request, tx sipparser.ServerTransaction) {
	out, ok := h.pending.Load(pendingKey(req))
	if !ok {
		h.respond(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	h.respond(tx, req, 200, "OK")
	h.cancelDownstream(out, h.Logger.WithField("call_id", callID(req)))
}

// cancelDownstream sends a CANCEL for the relayed INVITE out. It reuses the
// Via this node added so the next hop matches the transaction.
func (h *Handler) cancelDownstream(out *sipparser.Request, logger *logrus.Entry) {
	cancel := out.Clone()
	cancel.Method = sipparser.CANCEL
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sipparser.CANCEL
	}
	removeHeaders(cancel, "Record-Route")
	removeHeaders(cancel, "Content-Type")
	cancel.SetBody(nil)
	cancel.SetDestination(out.Destination())
	cancel.SetTransport(out.Transport())

	if err := h.Client.WriteRequest(cancel); err != nil {
		logger.WithError(err).Debug("Failed to relay CANCEL")
		return
	}
	logger.Debug("Relayed CANCEL")
}
