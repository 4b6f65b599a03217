package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the acpd service configuration, loaded from a YAML file with
	// environment overrides for connection endpoints.
	Config struct {
		Store  StoreConfig  `yaml:"store"`
		Stream StreamConfig `yaml:"stream"`
		Expiry ExpiryConfig `yaml:"expiry"`
	}

	// StoreConfig selects and configures the run store backend.
	StoreConfig struct {
		// Kind is the backend: "mem" or "mongo".
		Kind  string      `yaml:"kind"`
		Mongo MongoConfig `yaml:"mongo"`
	}

	// MongoConfig configures the MongoDB run store. The ACP_MONGO_URI
	// environment variable overrides URI.
	MongoConfig struct {
		URI        string   `yaml:"uri"`
		Database   string   `yaml:"database"`
		Collection string   `yaml:"collection"`
		Timeout    duration `yaml:"timeout"`
	}

	// StreamConfig selects and configures the lifecycle event transport.
	StreamConfig struct {
		// Kind is the transport: "none", "mem" or "pulse".
		Kind  string      `yaml:"kind"`
		Redis RedisConfig `yaml:"redis"`
	}

	// RedisConfig configures the Redis connection behind Pulse streams. The
	// ACP_REDIS_ADDR environment variable overrides Addr.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// ExpiryConfig configures non-serializable run expiration.
	ExpiryConfig struct {
		TTL           duration `yaml:"ttl"`
		SweepInterval duration `yaml:"sweep_interval"`
	}

	// duration decodes YAML strings like "30s" or "5m" via time.ParseDuration.
	duration time.Duration
)

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) std() time.Duration { return time.Duration(d) }

// defaultConfig returns the configuration used when no file is provided:
// everything in-process, 30 minute TTL, 30 second sweep.
func defaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Kind: "mem",
			Mongo: MongoConfig{
				URI:      "mongodb://localhost:27017",
				Database: "acp",
				Timeout:  duration(5 * time.Second),
			},
		},
		Stream: StreamConfig{
			Kind:  "mem",
			Redis: RedisConfig{Addr: "localhost:6379"},
		},
		Expiry: ExpiryConfig{
			TTL:           duration(30 * time.Minute),
			SweepInterval: duration(30 * time.Second),
		},
	}
}

// loadConfig reads the YAML file at path, falling back to the ACP_CONFIG
// environment variable and then to defaults when no file is named. Values
// absent from the file keep their defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		path = os.Getenv("ACP_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if uri := os.Getenv("ACP_MONGO_URI"); uri != "" {
		cfg.Store.Mongo.URI = uri
	}
	if addr := os.Getenv("ACP_REDIS_ADDR"); addr != "" {
		cfg.Stream.Redis.Addr = addr
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Kind {
	case "mem", "mongo":
	default:
		return fmt.Errorf("unsupported store kind %q (valid: mem, mongo)", c.Store.Kind)
	}
	switch c.Stream.Kind {
	case "none", "mem", "pulse":
	default:
		return fmt.Errorf("unsupported stream kind %q (valid: none, mem, pulse)", c.Stream.Kind)
	}
	if c.Expiry.TTL.std() <= 0 {
		return fmt.Errorf("expiry ttl must be positive")
	}
	if c.Expiry.SweepInterval.std() <= 0 {
		return fmt.Errorf("expiry sweep_interval must be positive")
	}
	return nil
}
