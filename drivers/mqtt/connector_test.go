package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-co/mqtt/server"
	"github.com/mochi-co/mqtt/server/listeners"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/brokerctx/retry"
	"github.com/timzifer/brokerctx/runtime/connections"
)

func TestConnectorPublishesThroughBroker(t *testing.T) {
	address, shutdown := startMockBroker(t)
	defer shutdown()

	subscriber := connectClient(t, address, "subscriber")
	t.Cleanup(func() { subscriber.Disconnect(250) })

	received := make(chan []byte, 1)
	token := subscriber.Subscribe("brokerctx/out", 1, func(_ mqtt.Client, msg mqtt.Message) {
		received <- append([]byte(nil), msg.Payload()...)
	})
	require.True(t, token.WaitTimeout(5*time.Second), "subscribe timeout")
	require.NoError(t, token.Error())

	conn := connect(t, address, `{"client_id":"publisher"}`)
	conn.SetRetryPolicy(retry.New(retry.Options{InitialInterval: 10 * time.Millisecond, MaxRetries: 3}))

	require.NoError(t, conn.Publish(context.Background(), "brokerctx/out", 1, false, []byte("hello")))

	select {
	case payload := <-received:
		require.Equal(t, "hello", string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for published message")
	}
}

func TestConnectionSubscribeReceivesMessages(t *testing.T) {
	address, shutdown := startMockBroker(t)
	defer shutdown()

	conn := connect(t, address, "")
	received := make(chan string, 1)
	unsubscribe, err := conn.Subscribe(context.Background(), "brokerctx/in", 0, func(topic string, payload []byte) {
		received <- topic + "=" + string(payload)
	})
	require.NoError(t, err)

	publisher := connectClient(t, address, "publisher")
	t.Cleanup(func() { publisher.Disconnect(250) })
	token := publisher.Publish("brokerctx/in", 0, false, []byte("21.5"))
	require.True(t, token.WaitTimeout(5*time.Second), "publish timeout")
	require.NoError(t, token.Error())

	select {
	case msg := <-received:
		require.Equal(t, "brokerctx/in=21.5", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for subscribed message")
	}
	require.NoError(t, unsubscribe())
}

func TestConnectionRejectsInvalidArguments(t *testing.T) {
	address, shutdown := startMockBroker(t)
	defer shutdown()

	conn := connect(t, address, "")
	require.Error(t, conn.Publish(context.Background(), "", 0, false, nil))
	_, err := conn.Subscribe(context.Background(), "topic", 0, nil)
	require.Error(t, err)
}

func TestConnectionPublishFailsAfterClose(t *testing.T) {
	address, shutdown := startMockBroker(t)
	defer shutdown()

	conn := connect(t, address, "")
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	require.False(t, conn.Client().IsConnected())

	err := conn.Publish(context.Background(), "brokerctx/out", 0, false, []byte("late"))
	require.ErrorIs(t, err, errNotConnected)
}

func TestConnectorFailsForUnreachableBroker(t *testing.T) {
	address := fmt.Sprintf("tcp://127.0.0.1:%d", freePort(t))
	connector := NewConnector(zerolog.Nop())

	_, err := connector.Connect(context.Background(), address, json.RawMessage(`{"connect_timeout":"500ms"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), address)
}

func TestConnectorHonoursCancelledContext(t *testing.T) {
	address, shutdown := startMockBroker(t)
	defer shutdown()

	ctx, cancel := context.WithCancelCause(context.Background())
	stopping := fmt.Errorf("supervisor stopping")
	cancel(stopping)

	connector := NewConnector(zerolog.Nop())
	connector.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		return &blockingClient{Client: mqtt.NewClient(opts)}
	}
	_, err := connector.Connect(ctx, address, nil)
	require.ErrorIs(t, err, stopping)
}

func TestConnectorRejectsUnsupportedScheme(t *testing.T) {
	connector := NewConnector(zerolog.Nop())
	_, err := connector.Connect(context.Background(), "svc://broker.example/ns", nil)
	require.ErrorContains(t, err, `unsupported scheme "svc"`)
}

func TestConnectorWorksWithConnectionFactory(t *testing.T) {
	address, shutdown := startMockBroker(t)
	defer shutdown()

	factory, err := connections.NewFactory(address, json.RawMessage(`{"client_id":"factory"}`), retry.Never(), NewConnector(zerolog.Nop()))
	require.NoError(t, err)

	sup := &staticSupervisor{stopping: context.Background(), stopped: context.Background()}
	handle := factory.CreateContext(sup)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connCtx, err := handle.Pending().Wait(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = connCtx.Connection().Close() })

	conn, ok := connCtx.Connection().(*Connection)
	require.True(t, ok)
	require.Same(t, factory.RetryPolicy(), conn.RetryPolicy())
	require.True(t, conn.Client().IsConnected())
	require.Equal(t, address, conn.Address())
}

func TestBrokerURL(t *testing.T) {
	cases := map[string]string{
		"mqtt://broker:1883":   "tcp://broker:1883",
		"tcp://broker:1883/ns": "tcp://broker:1883/ns",
		"mqtts://broker:8883":  "ssl://broker:8883",
		"tls://broker:8883":    "ssl://broker:8883",
		"ws://broker:80/mqtt":  "ws://broker:80/mqtt",
	}
	for in, want := range cases {
		got, err := brokerURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := brokerURL("tcp:///nohost")
	require.Error(t, err)
}

type blockingClient struct {
	mqtt.Client
}

func (c *blockingClient) Connect() mqtt.Token {
	return &neverToken{done: make(chan struct{})}
}

func (c *blockingClient) Disconnect(uint) {}

type neverToken struct {
	done chan struct{}
}

func (t *neverToken) Wait() bool                     { <-t.done; return true }
func (t *neverToken) WaitTimeout(time.Duration) bool { return false }
func (t *neverToken) Done() <-chan struct{}          { return t.done }
func (t *neverToken) Error() error                   { return nil }

type staticSupervisor struct {
	stopping context.Context
	stopped  context.Context
}

func (s *staticSupervisor) Stopping() context.Context { return s.stopping }
func (s *staticSupervisor) Stopped() context.Context  { return s.stopped }

func (s *staticSupervisor) RegisterPending(p *connections.Pending[*connections.ConnectionContext]) connections.ContextHandle {
	return pendingHandle{p}
}

func (s *staticSupervisor) RegisterActive(connections.ContextHandle, *connections.Pending[*connections.SharedContext]) connections.ActiveHandle {
	return nil
}

type pendingHandle struct {
	pending *connections.Pending[*connections.ConnectionContext]
}

func (h pendingHandle) Pending() *connections.Pending[*connections.ConnectionContext] {
	return h.pending
}

func connect(t *testing.T, address, settings string) *Connection {
	t.Helper()
	var raw json.RawMessage
	if settings != "" {
		raw = json.RawMessage(settings)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := NewConnector(zerolog.Nop()).Connect(ctx, address, raw)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	mqttConn, ok := conn.(*Connection)
	require.True(t, ok)
	return mqttConn
}

func startMockBroker(t *testing.T) (string, func()) {
	t.Helper()

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	server := mqttserver.NewServer(nil)
	tcp := listeners.NewTCP("test", addr)

	require.NoError(t, server.AddListener(tcp, nil), "add listener")
	require.NoError(t, server.Serve(), "serve")
	require.NoError(t, waitForBroker(addr, 5*time.Second))

	return "tcp://" + addr, func() {
		_ = server.Close()
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForBroker(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("broker at %s did not start", addr)
}

func connectClient(t *testing.T, address, clientID string) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().AddBroker(address).SetClientID(clientID)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "connect timeout")
	require.NoError(t, token.Error())
	return client
}

func TestDecodeSettings(t *testing.T) {
	settings, err := DecodeSettings(json.RawMessage(`{
		"keep_alive": "15s",
		"auth": {"username": "u", "password": "p"},
		"will": {"topic": "status", "payload": "offline", "qos": 1, "retain": true}
	}`))
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, DurationValue(settings.KeepAlive))
	require.True(t, strings.HasPrefix(settings.ClientID, "brokerctx-"))
	require.Equal(t, "offline", string(settings.Will.WillPayload()))
	require.Equal(t, byte(1), settings.Will.QoS)

	other, err := DecodeSettings(nil)
	require.NoError(t, err)
	require.NotEqual(t, settings.ClientID, other.ClientID)

	will := WillSettings{Topic: "status", Payload: json.RawMessage(`{"online":false}`)}
	require.JSONEq(t, `{"online":false}`, string(will.WillPayload()))

	_, err = DecodeSettings(json.RawMessage(`{"unknown": true}`))
	require.Error(t, err)
	_, err = DecodeSettings(json.RawMessage(`{"will": {"payload": "x"}}`))
	require.ErrorContains(t, err, "will.topic")
	_, err = DecodeSettings(json.RawMessage(`{"will": {"topic": "s", "qos": 3}}`))
	require.ErrorContains(t, err, "will.qos")
	_, err = DecodeSettings(json.RawMessage(`{"tls": {"enabled": true, "cert_file": "c.pem"}}`))
	require.ErrorContains(t, err, "tls.cert_file")
	_, err = DecodeSettings(json.RawMessage(`{"keep_alive": "soon"}`))
	require.Error(t, err)
}
