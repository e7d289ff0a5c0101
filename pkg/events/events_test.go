package events

import (
	"fmt"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowedge-server/pkg/flowtoken"
)

type recordingSink struct {
	events []FlowEvent
	err    error
}

func (s *recordingSink) PublishFlowEvent(evt FlowEvent) error {
	s.events = append(s.events, evt)
	return s.err
}

func TestNewFlowEvent(t *testing.T) {
	flow := &flowtoken.Flow{
		Transport: flowtoken.TCP, RemoteHost: "2001:db8::1", RemotePort: 5060,
		LocalHost: "192.0.2.10", LocalPort: 5060,
		ProxyHost: "10.0.0.1", ProxyPort: 5070,
	}

	evt := NewFlowEvent(KindRegistered, "sip:alice@example.com", flow)

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, KindRegistered, evt.Kind)
	require.NotNil(t, evt.Flow)
	assert.Equal(t, "TCP", evt.Flow.Transport)
	assert.Equal(t, "[2001:db8::1]:5060", evt.Flow.Remote)
	assert.Equal(t, "10.0.0.1:5070", evt.Flow.Proxy)

	assert.Nil(t, NewFlowEvent(KindKeyRotated, "", nil).Flow)
}

func TestBusFansOutAndSurvivesSinkErrors(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	failing := &recordingSink{err: fmt.Errorf("broker down")}
	healthy := &recordingSink{}

	bus := NewBus(logger)
	bus.Register(failing)
	bus.Register(nil)
	bus.Register(healthy)

	bus.Publish(NewFlowEvent(KindIncoming, "", nil))

	assert.Len(t, failing.events, 1)
	assert.Len(t, healthy.events, 1)

	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Publish(FlowEvent{}) })
}
