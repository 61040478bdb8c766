package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDecodesFullConfig(t *testing.T) {
	path := writeConfig(t, `name: orders
endpoint: tcp://broker.example:1883/ns
driver: mqtt
workers: 2
shutdown_timeout: 3s
hot_reload: true
connection:
  client_id: orders-1
  keep_alive: 30s
  auth:
    username: svc
    password: secret
retry:
  initial_interval: 200ms
  max_interval: 5s
  multiplier: 2
  max_retries: 4
logging:
  level: debug
  format: text
telemetry:
  enabled: true
  listen: ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "orders", cfg.Name)
	require.Equal(t, "tcp://broker.example:1883/ns", cfg.Endpoint)
	require.Equal(t, "mqtt", cfg.Driver)
	require.Equal(t, 2, cfg.WorkerSlots())
	require.Equal(t, 3*time.Second, cfg.ShutdownGrace())
	require.Equal(t, 200*time.Millisecond, cfg.Retry.InitialInterval.Duration)
	require.Equal(t, 5*time.Second, cfg.Retry.MaxInterval.Duration)
	require.Equal(t, 2.0, cfg.Retry.Multiplier)
	require.Equal(t, 4, cfg.Retry.MaxRetries)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Telemetry.Enabled)
	require.True(t, cfg.HotReload)
	require.Equal(t, path, cfg.Source)

	raw, err := cfg.ConnectionSettings()
	require.NoError(t, err)
	var settings map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &settings))
	require.Equal(t, "orders-1", settings["client_id"])
	require.Equal(t, "30s", settings["keep_alive"])
	auth, ok := settings["auth"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "svc", auth["username"])
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "endpoint: ws://localhost:8080/stream\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.WorkerSlots())
	require.Equal(t, 10*time.Second, cfg.ShutdownGrace())

	raw, err := cfg.ConnectionSettings()
	require.NoError(t, err)
	require.Nil(t, raw)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `endpoint: tcp://broker:1883
reconnect: always
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "schema")
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := writeConfig(t, `endpoint: tcp://broker:1883
shutdown_timeout: soon
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `endpoint: tcp://broker:1883
driver: amqp
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRequiresEndpoint(t *testing.T) {
	path := writeConfig(t, "workers: 2\n")
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "endpoint is required")
}

func TestLoadRequiresEndpointHost(t *testing.T) {
	path := writeConfig(t, "endpoint: \"tcp://\"\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load("")
	require.Error(t, err)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	require.Equal(t, 90*time.Second, d.Duration)

	require.NoError(t, json.Unmarshal([]byte(`1000`), &d))
	require.Equal(t, time.Microsecond, d.Duration)

	require.Error(t, json.Unmarshal([]byte(`"later"`), &d))

	encoded, err := json.Marshal(Duration{Duration: 2 * time.Second})
	require.NoError(t, err)
	require.JSONEq(t, `"2s"`, string(encoded))
}
