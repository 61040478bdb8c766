package bundle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/brokerctx/config"
	"github.com/timzifer/brokerctx/drivers/websocket"
	"github.com/timzifer/brokerctx/service"
)

func TestOptionsRegisterBothDrivers(t *testing.T) {
	for _, endpoint := range []string{"tcp://broker.example:1883", "wss://broker.example/ns"} {
		cfg, err := config.Parse("bundle.yaml", []byte("endpoint: "+endpoint+"\n"))
		require.NoError(t, err)
		svc, err := service.New(cfg, zerolog.Nop(), Options(zerolog.Nop())...)
		require.NoError(t, err, endpoint)
		require.NoError(t, svc.Close())
	}
}

func TestWebSocketCheckoutThroughService(t *testing.T) {
	upgrader := gorilla.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http")
	cfg, err := config.Parse("bundle.yaml", []byte("endpoint: "+endpoint+"\n"))
	require.NoError(t, err)

	svc, err := service.New(cfg, zerolog.Nop(), WithWebSocket(zerolog.Nop()))
	require.NoError(t, err)

	shared, handle, err := svc.Checkout(context.Background())
	require.NoError(t, err)
	conn, ok := shared.Connection().(*websocket.Connection)
	require.True(t, ok)
	require.NotNil(t, conn.RetryPolicy())
	require.NoError(t, conn.Send(context.Background(), []byte("ping")))

	handle.Release()
	require.NoError(t, svc.Close())

	_, err = conn.Receive(context.Background())
	require.ErrorIs(t, err, websocket.ErrClosed)
}
