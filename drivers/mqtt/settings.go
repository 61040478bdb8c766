package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/timzifer/brokerctx/config"
)

// ConnectionSettings describe how the client connects to the broker named by
// the endpoint address.
type ConnectionSettings struct {
	ClientID       string           `json:"client_id,omitempty"`
	CleanSession   *bool            `json:"clean_session,omitempty"`
	KeepAlive      *config.Duration `json:"keep_alive,omitempty"`
	ConnectTimeout *config.Duration `json:"connect_timeout,omitempty"`
	AutoReconnect  *bool            `json:"auto_reconnect,omitempty"`
	MaxReconnect   *config.Duration `json:"max_reconnect_interval,omitempty"`
	Auth           *AuthSettings    `json:"auth,omitempty"`
	TLS            *TLSSettings     `json:"tls,omitempty"`
	Will           *WillSettings    `json:"will,omitempty"`
}

// AuthSettings capture username/password authentication for MQTT.
type AuthSettings struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TLSSettings allow TLS connections to be configured.
type TLSSettings struct {
	Enabled            bool     `json:"enabled"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify"`
	CAFile             string   `json:"ca_file,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty"`
	ServerName         string   `json:"server_name,omitempty"`
	ALPN               []string `json:"alpn,omitempty"`
}

// WillSettings describe a last will message for the MQTT client. A JSON
// string payload is sent as its text, any other JSON value verbatim.
type WillSettings struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	QoS     byte            `json:"qos,omitempty"`
	Retain  bool            `json:"retain,omitempty"`
}

// DecodeSettings parses the opaque connection block. Empty input yields the
// defaults.
func DecodeSettings(raw json.RawMessage) (ConnectionSettings, error) {
	var settings ConnectionSettings
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&settings); err != nil {
			return ConnectionSettings{}, fmt.Errorf("mqtt: decode connection settings: %w", err)
		}
	}
	if err := settings.Validate(); err != nil {
		return ConnectionSettings{}, err
	}
	if settings.ClientID == "" {
		settings.ClientID = newClientID()
	}
	return settings, nil
}

func newClientID() string {
	return "brokerctx-" + uuid.NewString()[:8]
}

// Validate performs lightweight validation of the settings.
func (s ConnectionSettings) Validate() error {
	if s.Will != nil {
		if s.Will.Topic == "" {
			return fmt.Errorf("mqtt: will.topic is required")
		}
		if s.Will.QoS > 2 {
			return fmt.Errorf("mqtt: will.qos must be 0, 1 or 2, got %d", s.Will.QoS)
		}
	}
	if s.TLS != nil && s.TLS.Enabled {
		if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
			return fmt.Errorf("mqtt: tls.cert_file and tls.key_file must be set together")
		}
	}
	return nil
}

// WillPayload returns the bytes published as last will.
func (w WillSettings) WillPayload() []byte {
	if len(w.Payload) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(w.Payload, &text); err == nil {
		return []byte(text)
	}
	return append([]byte(nil), w.Payload...)
}

// DurationValue converts a config.Duration pointer to time.Duration.
func DurationValue(d *config.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return d.Duration
}
