// Package events carries flow lifecycle notifications from the SIP layer to
// the websocket and AMQP sinks.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"flowedge-server/pkg/flowtoken"
)

// Kind names a flow event.
type Kind string

const (
	KindRegistered   Kind = "registered"
	KindUnregistered Kind = "unregistered"
	KindIncoming     Kind = "incoming"
	KindOutgoing     Kind = "outgoing"
	KindTampered     Kind = "tampered"
	KindFlowFailed   Kind = "flow_failed"
	KindKeyRotated   Kind = "key_rotated"
)

// FlowEvent is one notification about a flow.
type FlowEvent struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	AOR       string                 `json:"aor,omitempty"`
	Flow      *FlowView              `json:"flow,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// FlowView is the JSON form of a flow.
type FlowView struct {
	Transport string `json:"transport"`
	Remote    string `json:"remote"`
	Local     string `json:"local"`
	Proxy     string `json:"proxy,omitempty"`
	Tampered  bool   `json:"tampered,omitempty"`
}

// NewFlowEvent stamps a new event. flow may be nil.
func NewFlowEvent(kind Kind, aor string, flow *flowtoken.Flow) FlowEvent {
	return FlowEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		AOR:       aor,
		Flow:      NewFlowView(flow),
		Timestamp: time.Now().UTC(),
	}
}

// NewFlowView returns the JSON form of flow, or nil.
func NewFlowView(flow *flowtoken.Flow) *FlowView {
	if flow == nil {
		return nil
	}
	view := &FlowView{
		Transport: flow.Transport.String(),
		Remote:    flow.Remote(),
		Local:     flow.Local(),
		Tampered:  flow.Tampered,
	}
	if flow.HasProxy() {
		view.Proxy = flowtoken.Flow{RemoteHost: flow.ProxyHost, RemotePort: flow.ProxyPort}.Remote()
	}
	return view
}

// Sink receives flow events. Publish must not block the SIP path for long.
type Sink interface {
	PublishFlowEvent(evt FlowEvent) error
}

// Bus fans events out to every registered sink.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *logrus.Logger
}

// NewBus creates a bus with no sinks.
func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{logger: logger}
}

// Register adds a sink.
func (b *Bus) Register(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish hands evt to every sink. Sink errors are logged, not returned.
func (b *Bus) Publish(evt FlowEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.PublishFlowEvent(evt); err != nil {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"event_id": evt.ID,
				"kind":     string(evt.Kind),
			}).Warn("Failed to publish flow event")
		}
	}
}
