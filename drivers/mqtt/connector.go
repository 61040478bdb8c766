package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/brokerctx/retry"
	"github.com/timzifer/brokerctx/runtime/connections"
)

const disconnectQuiesceMillis = 250

var errNotConnected = errors.New("mqtt: client not connected")

// Connector establishes MQTT client connections.
type Connector struct {
	logger    zerolog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

var _ connections.Connector = (*Connector)(nil)

// NewConnector returns a connector for mqtt, tcp, ssl and websocket broker
// addresses.
func NewConnector(logger zerolog.Logger) *Connector {
	return &Connector{logger: logger, newClient: mqtt.NewClient}
}

// Connect dials the broker at address and waits until the session is
// established or ctx is done. A cancelled attempt is torn down and reported
// with the context's cause.
func (c *Connector) Connect(ctx context.Context, address string, raw json.RawMessage) (connections.Connection, error) {
	settings, err := DecodeSettings(raw)
	if err != nil {
		return nil, err
	}
	opts, err := clientOptions(address, settings, c.logger)
	if err != nil {
		return nil, err
	}

	client := c.newClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect %s: %w", address, context.Cause(ctx))
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", address, err)
	}

	c.logger.Debug().Str("address", address).Str("client_id", settings.ClientID).Msg("mqtt: connected")
	return newConnection(address, client, c.logger), nil
}

// Connection is an established MQTT client session.
type Connection struct {
	address string
	client  mqtt.Client
	logger  zerolog.Logger
	policy  atomic.Pointer[retry.Policy]

	closeOnce sync.Once
}

var _ connections.Connection = (*Connection)(nil)

func newConnection(address string, client mqtt.Client, logger zerolog.Logger) *Connection {
	return &Connection{address: address, client: client, logger: logger}
}

// SetRetryPolicy assigns the policy used by Publish and Subscribe.
func (c *Connection) SetRetryPolicy(policy *retry.Policy) {
	c.policy.Store(policy)
}

// RetryPolicy returns the assigned policy, nil when none was set.
func (c *Connection) RetryPolicy() *retry.Policy {
	return c.policy.Load()
}

// Client exposes the underlying paho client.
func (c *Connection) Client() mqtt.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Address returns the broker address the session was opened for.
func (c *Connection) Address() string {
	return c.address
}

// Publish sends payload to topic, retrying failed attempts according to the
// retry policy.
func (c *Connection) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if topic == "" {
		return errors.New("mqtt: publish topic must not be empty")
	}
	err := c.RetryPolicy().Do(ctx, func() error {
		if !c.client.IsConnectionOpen() {
			return errNotConnected
		}
		return waitToken(ctx, c.client.Publish(topic, qos, retained, payload))
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("address", c.address).Str("topic", topic).Msg("mqtt: publish failed")
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for messages on topic. The returned function
// removes the subscription.
func (c *Connection) Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) (func() error, error) {
	if topic == "" {
		return nil, errors.New("mqtt: subscribe topic must not be empty")
	}
	if handler == nil {
		return nil, errors.New("mqtt: subscribe handler must not be nil")
	}
	callback := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
	err := c.RetryPolicy().Do(ctx, func() error {
		if !c.client.IsConnectionOpen() {
			return errNotConnected
		}
		return waitToken(ctx, c.client.Subscribe(topic, qos, callback))
	})
	if err != nil {
		return nil, fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	return func() error {
		return waitToken(context.Background(), c.client.Unsubscribe(topic))
	}, nil
}

// Close disconnects the client. Later calls do nothing.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if c.client != nil && c.client.IsConnected() {
			c.client.Disconnect(disconnectQuiesceMillis)
		}
		c.logger.Debug().Str("address", c.address).Msg("mqtt: disconnected")
	})
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return retry.Permanent(ctx.Err())
	}
}
