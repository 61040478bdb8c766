package bundle

import (
	"github.com/rs/zerolog"

	"github.com/timzifer/brokerctx/drivers/mqtt"
	"github.com/timzifer/brokerctx/drivers/websocket"
	"github.com/timzifer/brokerctx/service"
)

// Options returns service options that register the bundled connectors.
func Options(logger zerolog.Logger) []service.Option {
	return []service.Option{
		WithMQTT(logger),
		WithWebSocket(logger),
	}
}

// WithMQTT registers only the MQTT connector.
func WithMQTT(logger zerolog.Logger) service.Option {
	return service.WithConnector(service.DriverMQTT, mqtt.NewConnector(logger))
}

// WithWebSocket registers only the websocket connector.
func WithWebSocket(logger zerolog.Logger) service.Option {
	return service.WithConnector(service.DriverWebSocket, websocket.NewConnector(logger))
}
