package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/carefarm/internal/state"
)

// Options configures a RealPublisher.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	StateTopic     string
	SystemTopic    string
	ConditionTopic string // empty = no plant condition subscription
	BufferSize     int
	TLS            *tls.Config

	// OnCondition receives every plant condition reported on ConditionTopic.
	OnCondition func(condition string)
}

// RealPublisher publishes to an actual MQTT broker. Messages published
// while the connection is down are buffered and replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	buf       *outbox
	connected bool
	everUp    bool
}

// NewRealPublisher creates a publisher for the given broker. It does not
// wait for the connection: paho keeps retrying in the background.
func NewRealPublisher(o Options, logger *slog.Logger) *RealPublisher {
	if o.StateTopic == "" {
		o.StateTopic = TopicState
	}
	if o.SystemTopic == "" {
		o.SystemTopic = TopicSystem
	}
	p := &RealPublisher{
		opts:   o,
		logger: logger,
		now:    time.Now,
		buf:    newOutbox(o.BufferSize, logger),
	}

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: p.now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(o.SystemTopic, string(will), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.TLS != nil {
		opts.SetTLSConfig(o.TLS)
	}

	p.client = paho.NewClient(opts)
	p.client.Connect()
	return p
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.logger.Info("mqtt connected", "broker", p.opts.Broker)

	if p.opts.ConditionTopic != "" && p.opts.OnCondition != nil {
		token := c.Subscribe(p.opts.ConditionTopic, 1, conditionHandler(p.opts.OnCondition, p.logger))
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			p.logger.Info("subscribed", "topic", p.opts.ConditionTopic)
		} else {
			p.logger.Warn("subscribe failed", "topic", p.opts.ConditionTopic, "error", token.Error(), "err_class", "transport")
		}
	}

	p.mu.Lock()
	p.connected = true
	reconnect := p.everUp
	p.everUp = true
	pending, dropped := p.buf.drain()
	p.mu.Unlock()

	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		p.send(bufferedMsg{topic: p.opts.SystemTopic, payload: payload, qos: 1, retained: true})
	}
	if len(pending) > 0 || dropped > 0 {
		p.logger.Info("replaying buffered messages", "count", len(pending), "dropped", dropped)
	}
	for _, msg := range pending {
		p.send(msg)
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.logger.Warn("mqtt connection lost", "error", err, "err_class", "transport")
}

// conditionHandler decodes analysis results and forwards the condition.
func conditionHandler(apply func(string), logger *slog.Logger) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		c, err := ParseCondition(msg.Payload())
		if err != nil {
			logger.Warn("ignoring analysis result", "topic", msg.Topic(), "error", err, "err_class", "protocol")
			return
		}
		logger.Info("plant condition received", "condition", c)
		apply(c)
	}
}

// PublishState sends a state snapshot to the broker.
func (p *RealPublisher) PublishState(ts time.Time, snap state.Snapshot) error {
	payload, err := FormatStatePayload(ts, snap)
	if err != nil {
		return fmt.Errorf("format state payload: %w", err)
	}
	// QoS 0 (at-most-once), retained so new subscribers see the latest state
	return p.publish(bufferedMsg{topic: p.opts.StateTopic, payload: payload, qos: 0, retained: true, latest: true})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) for lifecycle events
	return p.publish(bufferedMsg{topic: p.opts.SystemTopic, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	p.mu.Lock()
	if !p.connected {
		p.buf.push(msg)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.send(msg)
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
