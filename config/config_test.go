package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortressi/sec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  addr: ":9090"
store:
  kind: sqlite
  dsn: "file:sagas.db"
dispatcher:
  kind: redis
  redis:
    addr: "redis:6379"
    streams:
      prefix: orders
      block: 2s
coordinator:
  workers: 4
definitions:
  - id: order
    name: Order fulfilment
    steps:
      - name: ReserveInventory
        command_type: ReserveInventory
        compensation_type: ReleaseInventory
        timeout: 5s
        retry_policy:
          max_attempts: 3
          initial_backoff: 100ms
          multiplier: 2
      - name: ChargePayment
        command_type: ChargePayment
        compensation_type: RefundPayment
        timeout: 10s
        retryable: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Kind)
	assert.Equal(t, "http", cfg.Dispatcher.Kind)
	assert.Equal(t, 8, cfg.Coordinator.Workers)
	assert.Equal(t, []string{"defaults"}, cfg.LoadedFrom)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout, "unset fields keep defaults")
	assert.Equal(t, "sqlite", cfg.Store.Kind)
	assert.Equal(t, "redis:6379", cfg.Dispatcher.Redis.Addr)
	assert.Equal(t, "orders", cfg.Dispatcher.Redis.Streams.Prefix)
	assert.Equal(t, 2*time.Second, cfg.Dispatcher.Redis.Streams.Block)
	assert.Equal(t, 4, cfg.Coordinator.Workers)
	assert.Equal(t, 256, cfg.Coordinator.QueueSize)
	assert.Equal(t, []string{"defaults", path}, cfg.LoadedFrom)

	require.Len(t, cfg.Definitions, 1)
	def := cfg.Definitions[0]
	require.Len(t, def.Steps, 2)
	assert.Equal(t, sec.CommandType("ReleaseInventory"), def.Steps[0].CompensationType)
	assert.Equal(t, 5*time.Second, def.Steps[0].Timeout)
	assert.Equal(t, 3, def.Steps[0].RetryPolicy.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, def.Steps[0].RetryPolicy.InitialBackoff)
	assert.True(t, def.Steps[1].Retryable)

	registry := sec.NewRegistry()
	require.NoError(t, cfg.RegisterDefinitions(registry))
	got, err := registry.Get("order")
	require.NoError(t, err)
	assert.Equal(t, "Order fulfilment", got.Name)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SEC_SERVER_ADDR", ":7070")
	t.Setenv("SEC_STORE_KIND", "file")
	t.Setenv("SEC_STORE_PATH", t.TempDir())
	t.Setenv("SEC_WORKERS", "16")
	t.Setenv("SEC_QUEUE_SIZE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "file", cfg.Store.Kind)
	assert.Equal(t, 16, cfg.Coordinator.Workers)
	assert.Equal(t, 256, cfg.Coordinator.QueueSize, "unparsable numbers are ignored")
	assert.Equal(t, []string{"defaults", "environment"}, cfg.LoadedFrom)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown store", "store:\n  kind: etcd\n"},
		{"sql store without dsn", "store:\n  kind: postgres\n"},
		{"zero workers", "coordinator:\n  workers: 0\n"},
		{"nats without url", "dispatcher:\n  kind: nats\n  nats:\n    url: \"\"\n"},
		{"unknown field", "server:\n  port: 80\n"},
		{"duplicate definition", "definitions:\n  - id: a\n  - id: a\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	log, err := Logging{Level: "debug", Format: "console"}.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = Logging{Level: "loud", Format: "json"}.NewLogger()
	assert.Error(t, err)
}
