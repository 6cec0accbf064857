package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Hub       HubConfig
	Connector ConnectorConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type HubConfig struct {
	HeartbeatInterval time.Duration
}

type ConnectorConfig struct {
	FetchTimeout time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	Sources      []SourceConfig
}

type SourceConfig struct {
	Key      string
	URL      string
	Interval time.Duration
	TTL      time.Duration
}

type RedisConfig struct {
	// Empty URI disables snapshot persistence.
	URI string
}

type KafkaConfig struct {
	// Empty broker list disables the audit stream.
	Brokers []string
	Topic   string
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetDefault("BLAZE_PORT", "8080")
	v.SetDefault("BLAZE_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("BLAZE_WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("BLAZE_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("BLAZE_HEARTBEAT_INTERVAL", 30*time.Second)
	v.SetDefault("BLAZE_FETCH_TIMEOUT", 10*time.Second)
	v.SetDefault("BLAZE_FETCH_MAX_ATTEMPTS", 3)
	v.SetDefault("BLAZE_FETCH_BASE_DELAY", 2*time.Second)

	// Upstream cadences differ per league, so each source carries its own
	// interval and TTL.
	v.SetDefault("BLAZE_MLB_URL", "https://site.api.espn.com/apis/site/v2/sports/baseball/mlb/scoreboard")
	v.SetDefault("BLAZE_MLB_INTERVAL", 30*time.Second)
	v.SetDefault("BLAZE_MLB_TTL", 30*time.Second)
	v.SetDefault("BLAZE_NFL_URL", "https://site.api.espn.com/apis/site/v2/sports/football/nfl/scoreboard")
	v.SetDefault("BLAZE_NFL_INTERVAL", 45*time.Second)
	v.SetDefault("BLAZE_NFL_TTL", 45*time.Second)
	v.SetDefault("BLAZE_NBA_URL", "https://site.api.espn.com/apis/site/v2/sports/basketball/nba/scoreboard")
	v.SetDefault("BLAZE_NBA_INTERVAL", 30*time.Second)
	v.SetDefault("BLAZE_NBA_TTL", 30*time.Second)
	v.SetDefault("BLAZE_NCAA_URL", "https://site.api.espn.com/apis/site/v2/sports/football/college-football/scoreboard")
	v.SetDefault("BLAZE_NCAA_INTERVAL", 60*time.Second)
	v.SetDefault("BLAZE_NCAA_TTL", 60*time.Second)

	v.SetDefault("REDIS_URL", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "blaze.source.refresh")

	v.AutomaticEnv()

	sources := make([]SourceConfig, 0, 4)
	for _, key := range []string{"mlb", "nfl", "nba", "ncaa"} {
		prefix := "BLAZE_" + strings.ToUpper(key)
		sources = append(sources, SourceConfig{
			Key:      key,
			URL:      v.GetString(prefix + "_URL"),
			Interval: v.GetDuration(prefix + "_INTERVAL"),
			TTL:      v.GetDuration(prefix + "_TTL"),
		})
	}

	var brokers []string
	if raw := v.GetString("KAFKA_BROKERS"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			brokers = append(brokers, strings.TrimSpace(b))
		}
	}

	return &Config{
		Server: ServerConfig{
			Host:         v.GetString("BLAZE_HOST"),
			Port:         v.GetString("BLAZE_PORT"),
			ReadTimeout:  v.GetDuration("BLAZE_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("BLAZE_WRITE_TIMEOUT"),
			IdleTimeout:  v.GetDuration("BLAZE_IDLE_TIMEOUT"),
		},
		Hub: HubConfig{
			HeartbeatInterval: v.GetDuration("BLAZE_HEARTBEAT_INTERVAL"),
		},
		Connector: ConnectorConfig{
			FetchTimeout: v.GetDuration("BLAZE_FETCH_TIMEOUT"),
			MaxAttempts:  v.GetInt("BLAZE_FETCH_MAX_ATTEMPTS"),
			BaseDelay:    v.GetDuration("BLAZE_FETCH_BASE_DELAY"),
			Sources:      sources,
		},
		Redis: RedisConfig{
			URI: v.GetString("REDIS_URL"),
		},
		Kafka: KafkaConfig{
			Brokers: brokers,
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
	}, nil
}
