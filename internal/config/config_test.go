package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	raw := `
env: production
websocket_port: 9001
graceful_shutdown_timeout: 5s
load_balance_strategy: least_loaded
gateway_mode: ctp
cache:
  host: redis.internal
  port: 6380
catalog:
  segment: qamddata
nats_jetstream:
  url: nats://127.0.0.1:4222
  max_retries: 5
  reconnect_factor: 2
  min_jitter: 100ms
  max_jitter: 1s
connections:
  - connection_id: ctp01
    front_addr: tcp://180.168.146.187:10131
    broker_id: "9999"
    enabled: true
    flow_dir: ./ctpflow/ctp01/
  - connection_id: ctp02
    front_addr: tcp://180.168.146.187:10132
    broker_id: "9999"
    enabled: false
    flow_dir: ./ctpflow/ctp02/
`
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	require.NoError(t, LoadConfig(path))

	assert.Equal(t, "production", Env.Env)
	assert.Equal(t, 9001, Env.WebsocketPort)
	assert.Equal(t, 5*time.Second, Env.GracefulShutdownTimeout)
	assert.Equal(t, "least_loaded", Env.LoadBalanceStrategy)
	assert.Equal(t, "ctp", Env.GatewayMode)
	assert.Equal(t, "redis.internal:6380", Env.Cache.Addr())
	assert.Equal(t, "qamddata", Env.Catalog.Segment)
	assert.Equal(t, "nats://127.0.0.1:4222", Env.NatsJetstream.URL)
	assert.Equal(t, 100*time.Millisecond, Env.NatsJetstream.MinJitter)

	require.Len(t, Env.Connections, 2)
	assert.Equal(t, "ctp01", Env.Connections[0].ConnectionID)
	assert.True(t, Env.Connections[0].Enabled)
	assert.False(t, Env.Connections[1].Enabled)
}

func TestLoadConfigKeepsDefaultsForOmittedKeys(t *testing.T) {
	raw := `
websocket_port: 9100
`
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	require.NoError(t, LoadConfig(path))

	assert.Equal(t, 9100, Env.WebsocketPort)
	assert.Equal(t, "development", Env.Env)
	assert.Equal(t, "round_robin", Env.LoadBalanceStrategy)
	assert.Equal(t, "sim", Env.GatewayMode)
	assert.Equal(t, "127.0.0.1:6379", Env.Cache.Addr())
	assert.Equal(t, 10*time.Second, Env.GracefulShutdownTimeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
	err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLegacyConfigModelsSingleConnectionPool(t *testing.T) {
	cfg := Legacy("tcp://180.168.146.187:10131", "9999", 8765)

	assert.Equal(t, 8765, cfg.WebsocketPort)
	assert.Equal(t, "ctp", cfg.GatewayMode)
	require.Len(t, cfg.Connections, 1)

	conn := cfg.Connections[0]
	assert.Equal(t, "single_ctp", conn.ConnectionID)
	assert.Equal(t, "tcp://180.168.146.187:10131", conn.FrontAddr)
	assert.Equal(t, "9999", conn.BrokerID)
	assert.True(t, conn.Enabled)
}
