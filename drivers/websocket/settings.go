package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/timzifer/brokerctx/config"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Settings describe the websocket handshake and write behaviour.
type Settings struct {
	Headers          map[string]string `json:"headers,omitempty"`
	BearerToken      string            `json:"bearer_token,omitempty"`
	Subprotocols     []string          `json:"subprotocols,omitempty"`
	HandshakeTimeout *config.Duration  `json:"handshake_timeout,omitempty"`
	WriteTimeout     *config.Duration  `json:"write_timeout,omitempty"`
}

// DecodeSettings parses the opaque connection block.
func DecodeSettings(raw json.RawMessage) (Settings, error) {
	var settings Settings
	if len(bytes.TrimSpace(raw)) == 0 {
		return settings, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("websocket: decode connection settings: %w", err)
	}
	return settings, nil
}

// Header builds the handshake request header.
func (s Settings) Header() http.Header {
	header := http.Header{}
	for key, value := range s.Headers {
		header.Set(key, value)
	}
	if s.BearerToken != "" {
		header.Set("Authorization", "Bearer "+s.BearerToken)
	}
	return header
}

func (s Settings) handshakeTimeout() time.Duration {
	if s.HandshakeTimeout == nil || s.HandshakeTimeout.Duration <= 0 {
		return defaultHandshakeTimeout
	}
	return s.HandshakeTimeout.Duration
}

func (s Settings) writeTimeout() time.Duration {
	if s.WriteTimeout == nil || s.WriteTimeout.Duration <= 0 {
		return defaultWriteTimeout
	}
	return s.WriteTimeout.Duration
}
