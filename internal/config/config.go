package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config lists the tunable parameters for the ResQLink tracker server.
type Config struct {
	HTTPPort     int
	MetricsPort  int
	DatabasePath string
	LogLevel     string

	FeedAddr     string
	FeedUser     string
	FeedFilter   string
	PathCapacity int

	MQTTBroker      string
	MQTTTopicPrefix string
	RedisAddr       string
	GeocodeURL      string
}

const (
	defaultHTTPPort     = 8080
	defaultMetricsPort  = 9090
	defaultDatabasePath = "data/resqlink.db"
	defaultLogLevel     = "info"
	defaultFeedAddr     = "asia.aprs2.net:14580"
	defaultFeedUser     = "GUEST"
	defaultFeedFilter   = "p/DU/DW/DV/DY/DZ"
	defaultPathCapacity = 20
	defaultTopicPrefix  = "resqlink"
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MetricsPort:     defaultMetricsPort,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		FeedAddr:        defaultFeedAddr,
		FeedUser:        defaultFeedUser,
		FeedFilter:      defaultFeedFilter,
		PathCapacity:    defaultPathCapacity,
		MQTTTopicPrefix: defaultTopicPrefix,
	}

	if v := os.Getenv("RESQLINK_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RESQLINK_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("RESQLINK_METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RESQLINK_METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = port
	}

	if v := os.Getenv("RESQLINK_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("RESQLINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("RESQLINK_FEED_ADDR"); v != "" {
		cfg.FeedAddr = v
	}

	if v := os.Getenv("RESQLINK_FEED_USER"); v != "" {
		cfg.FeedUser = v
	}

	if v := os.Getenv("RESQLINK_FEED_FILTER"); v != "" {
		cfg.FeedFilter = v
	}

	if v := os.Getenv("RESQLINK_PATH_CAPACITY"); v != "" {
		capacity, err := strconv.Atoi(v)
		if err != nil || capacity <= 0 {
			return Config{}, fmt.Errorf("invalid RESQLINK_PATH_CAPACITY: %q", v)
		}
		cfg.PathCapacity = capacity
	}

	if v := os.Getenv("RESQLINK_MQTT_BROKER"); v != "" {
		cfg.MQTTBroker = v
	}

	if v := os.Getenv("RESQLINK_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTTTopicPrefix = v
	}

	if v := os.Getenv("RESQLINK_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}

	if v := os.Getenv("RESQLINK_GEOCODE_URL"); v != "" {
		cfg.GeocodeURL = v
	}

	return cfg, nil
}

// SlogLevel maps the configured level name onto slog's scale. Unknown names
// fall back to info rather than failing startup.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
