package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Message is one delivery on a subscribed topic.
type Message struct {
	Topic   string
	Payload []byte
	ack     func()
}

// NewMessage builds a delivery. ack may be nil when the broker acks on receipt.
func NewMessage(topic string, payload []byte, ack func()) Message {
	return Message{Topic: topic, Payload: payload, ack: ack}
}

// Ack confirms the delivery to the broker. It is a no-op unless the client
// runs with ManualAck.
func (m Message) Ack() {
	if m.ack != nil {
		m.ack()
	}
}

// Handler receives one message delivered on a subscribed topic.
type Handler func(msg Message)

// Options configures the broker connection.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	// ManualAck holds QoS 1/2 acknowledgements until the handler calls
	// Message.Ack and keeps the broker session across reconnects, so
	// unacknowledged messages are redelivered.
	ManualAck bool
	Logger    *zerolog.Logger
}

type subscription struct {
	qos     byte
	handler Handler
}

// Client is a thin wrapper over a paho client that restores subscriptions
// after every reconnect.
type Client struct {
	client    paho.Client
	qos       byte
	manualAck bool
	timeout   time.Duration
	logger    zerolog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

// Connect dials the broker and blocks until the session is established.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("mqtt: empty broker url")
	}
	if opts.ClientID == "" {
		return nil, errors.New("mqtt: empty client id")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", opts.QoS)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	c := &Client{
		qos:       opts.QoS,
		manualAck: opts.ManualAck,
		timeout:   opts.ConnectTimeout,
		logger:    log.Logger,
		subs:      make(map[string]subscription),
	}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	}

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetConnectTimeout(opts.ConnectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn().Err(err).Msg("mqtt connection lost")
		})
	if opts.ManualAck {
		clientOpts.SetAutoAckDisabled(true).SetCleanSession(false)
	}
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	c.client = paho.NewClient(clientOpts)

	if err := c.wait(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect %s: %w", opts.BrokerURL, err)
	}
	return c, nil
}

// Publish sends payload to topic with the client's QoS.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c == nil || c.client == nil {
		return errors.New("mqtt: nil client")
	}
	if topic == "" {
		return errors.New("mqtt: empty topic")
	}
	return c.wait(ctx, c.client.Publish(topic, c.qos, false, payload))
}

// Subscribe registers handler for topic. The subscription survives reconnects.
func (c *Client) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if c == nil || c.client == nil {
		return errors.New("mqtt: nil client")
	}
	if topic == "" || handler == nil {
		return errors.New("mqtt: invalid subscription")
	}
	c.mu.Lock()
	c.subs[topic] = subscription{qos: c.qos, handler: handler}
	c.mu.Unlock()
	return c.wait(ctx, c.client.Subscribe(topic, c.qos, c.wrap(handler)))
}

// Close disconnects after giving in-flight work a moment to finish.
func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(250)
}

func (c *Client) onConnect(client paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.mu.Unlock()

	c.logger.Info().Int("subscriptions", len(subs)).Msg("mqtt connected")
	for topic, sub := range subs {
		token := client.Subscribe(topic, sub.qos, c.wrap(sub.handler))
		go func(topic string, token paho.Token) {
			if token.WaitTimeout(c.timeout) && token.Error() != nil {
				c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt resubscribe failed")
			}
		}(topic, token)
	}
}

func (c *Client) wait(ctx context.Context, token paho.Token) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("mqtt: operation timed out")
	}
}

func (c *Client) wrap(handler Handler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		var ack func()
		if c.manualAck {
			ack = msg.Ack
		}
		handler(NewMessage(msg.Topic(), msg.Payload(), ack))
	}
}
