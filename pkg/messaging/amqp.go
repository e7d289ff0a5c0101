package messaging

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"flowedge-server/pkg/errors"
	"flowedge-server/pkg/events"
	"flowedge-server/pkg/metrics"
)

const (
	dialTimeout    = 5 * time.Second
	publishTimeout = 200 * time.Millisecond
	maxReconnects  = 10
)

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL          string
	QueueName    string
	ExchangeName string
	RoutingKey   string
	Durable      bool
	AutoDelete   bool
	// MessageTTL bounds how long an unconsumed event stays queued
	MessageTTL time.Duration
}

// channel is the part of *amqp.Channel the client publishes through
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPClient publishes flow events to a queue. It is an events.Sink.
type AMQPClient struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPClient creates a new AMQP client
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	if config.MessageTTL <= 0 {
		config.MessageTTL = 12 * time.Hour
	}
	config.Durable = true
	config.AutoDelete = false

	return &AMQPClient{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes a connection to the AMQP server and declares the queue
func (c *AMQPClient) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}

	if c.config.URL == "" || c.config.QueueName == "" {
		c.logger.Warn("AMQP_URL or AMQP_QUEUE_NAME not set, AMQP publishing will be disabled")
		return errors.NewInvalidInput("AMQP URL or queue name not configured")
	}

	conn, err := amqp.DialConfig(c.config.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(dialTimeout),
	})
	if err != nil {
		return errors.Wrap(err, "failed to connect to AMQP server", map[string]interface{}{"queue": c.config.QueueName})
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	_, err = ch.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		c.config.AutoDelete,
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return errors.Wrap(err, "failed to declare AMQP queue", map[string]interface{}{"queue": c.config.QueueName})
	}

	c.conn = conn
	c.channel = ch
	c.connected = true
	c.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	c.logger.WithFields(logrus.Fields{
		"queue":    c.config.QueueName,
		"exchange": c.config.ExchangeName,
	}).Info("Connected to AMQP server")

	go c.monitorConnection(conn, c.stopChan)
	return nil
}

// Disconnect closes the AMQP connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
	if !c.connected {
		return
	}

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	metrics.SetAMQPConnectionStatus(false)
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// PublishFlowEvent publishes evt as a persistent JSON message
func (c *AMQPClient) PublishFlowEvent(evt events.FlowEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "failed to marshal flow event", map[string]interface{}{"event_id": evt.ID})
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    evt.ID,
		Type:         string(evt.Kind),
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    evt.Timestamp,
		Expiration:   formatTTL(c.config.MessageTTL),
		Headers: amqp.Table{
			"x-aor":        evt.AOR,
			"x-event-kind": string(evt.Kind),
		},
	}

	done := make(chan error, 1)
	go func() {
		c.connMutex.RLock()
		defer c.connMutex.RUnlock()

		if !c.connected || c.channel == nil {
			done <- errors.Wrap(errors.ErrUnavailable, "not connected to AMQP server")
			return
		}
		done <- c.channel.Publish(c.config.ExchangeName, c.config.RoutingKey, false, false, msg)
	}()

	select {
	case err = <-done:
	case <-time.After(publishTimeout):
		err = errors.New("publishing to AMQP timed out", map[string]interface{}{"timeout": publishTimeout.String()})
	}

	if err != nil {
		metrics.RecordEventPublished("amqp", "error")
		return errors.Wrap(err, "failed to publish flow event to AMQP", map[string]interface{}{
			"event_id": evt.ID,
			"kind":     string(evt.Kind),
		})
	}

	metrics.RecordEventPublished("amqp", "ok")
	c.logger.WithFields(logrus.Fields{
		"event_id": evt.ID,
		"kind":     evt.Kind,
	}).Debug("Published flow event to AMQP")
	return nil
}

// monitorConnection reconnects with exponential backoff when conn closes
func (c *AMQPClient) monitorConnection(conn *amqp.Connection, stop chan struct{}) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-stop:
		return
	case closeErr, ok := <-closeChan:
		if !ok {
			// graceful close from Disconnect
			return
		}
		c.connMutex.Lock()
		c.connected = false
		c.connMutex.Unlock()
		metrics.SetAMQPConnectionStatus(false)
		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")
	}

	for attempt := 1; attempt <= maxReconnects; attempt++ {
		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}

		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}

		if err := c.Connect(); err != nil {
			c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")
			continue
		}
		c.logger.WithField("attempt", attempt).Info("Reconnected to AMQP server")
		return
	}

	c.logger.WithField("attempts", maxReconnects).Error("Giving up on AMQP reconnection")
}

func formatTTL(d time.Duration) string {
	ms := d.Milliseconds()
	if ms <= 0 {
		return ""
	}
	return strconv.FormatInt(ms, 10)
}
