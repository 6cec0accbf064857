package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Hub.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Connector.MaxAttempts)
	assert.Len(t, cfg.Connector.Sources, 4)
	assert.Empty(t, cfg.Redis.URI)
	assert.Empty(t, cfg.Kafka.Brokers)

	keys := make([]string, 0, len(cfg.Connector.Sources))
	for _, src := range cfg.Connector.Sources {
		keys = append(keys, src.Key)
		assert.NotEmpty(t, src.URL, "source %s needs an upstream URL", src.Key)
		assert.Positive(t, src.Interval)
		assert.Positive(t, src.TTL)
	}
	assert.Equal(t, []string{"mlb", "nfl", "nba", "ncaa"}, keys)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("BLAZE_PORT", "9090")
	t.Setenv("BLAZE_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("BLAZE_MLB_INTERVAL", "5s")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Hub.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Connector.Sources[0].Interval)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
}
