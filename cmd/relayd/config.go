package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// config is the relayd service configuration, loaded from YAML with
	// defaults for local development.
	config struct {
		HTTP     httpConfig     `yaml:"http"`
		Redis    redisConfig    `yaml:"redis"`
		Mongo    mongoConfig    `yaml:"mongo"`
		Persist  persistConfig  `yaml:"persist"`
		Approval approvalConfig `yaml:"approval"`
	}

	httpConfig struct {
		Addr string `yaml:"addr"`
	}

	redisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// RelayStreams enables cross-process event relay over Pulse
		// streams backed by this Redis.
		RelayStreams bool `yaml:"relay_streams"`
		// StreamMaxLen bounds entries kept per session stream.
		StreamMaxLen int `yaml:"stream_max_len"`
	}

	mongoConfig struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	persistConfig struct {
		Workers      int           `yaml:"workers"`
		MaxAttempts  int           `yaml:"max_attempts"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`
		// WriteRate caps history writes per second. Zero means unlimited.
		WriteRate float64 `yaml:"write_rate"`
		// DrainTimeout bounds the shutdown flush of queued records.
		DrainTimeout time.Duration `yaml:"drain_timeout"`
	}

	approvalConfig struct {
		Timeout time.Duration `yaml:"timeout"`
	}
)

func defaultConfig() config {
	return config{
		HTTP:  httpConfig{Addr: ":8080"},
		Redis: redisConfig{Addr: "localhost:6379"},
		Mongo: mongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "relay",
		},
		Persist: persistConfig{
			Workers:      4,
			MaxAttempts:  5,
			RetryBackoff: 50 * time.Millisecond,
			DrainTimeout: 30 * time.Second,
		},
		Approval: approvalConfig{Timeout: 5 * time.Minute},
	}
}

// loadConfig reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
