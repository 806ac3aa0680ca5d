// Package config implements the kilnpilot relay config.
//
// Values are resolved in this order, later sources winning: built-in
// defaults, an optional YAML file (-config or CONFIG), environment
// variables, command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/kilnpilot/pkg/suggest"
)

// Config holds all relay configuration.
type Config struct {
	Listen           string        `yaml:"listen"`
	GeminiAPIKey     string        `yaml:"gemini_api_key"`
	Model            string        `yaml:"model"`
	Generator        string        `yaml:"generator"`
	GeneratorTimeout time.Duration `yaml:"generator_timeout"`
	CORSOrigin       string        `yaml:"cors_origin"`
	Storage          string        `yaml:"storage"`
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPassword    string        `yaml:"redis_password"`
	RedisDB          int           `yaml:"redis_db"`
	RedisPrefix      string        `yaml:"redis_prefix"`
	NATSURL          string        `yaml:"nats_url"`
	LogFormat        string        `yaml:"log_format"`
	LogLevel         string        `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Listen:      ":5000",
		Model:       suggest.DefaultGeminiModel,
		Generator:   "gemini",
		CORSOrigin:  "http://localhost:3000",
		Storage:     "memory",
		RedisAddr:   "localhost:6379",
		RedisPrefix: "kilnpilot",
		NATSURL:     "nats://127.0.0.1:4222",
		LogFormat:   "text",
		LogLevel:    "info",
	}
}

// ParseFlags parses os.Args and the environment into a Config.
// Exits with status 1 on invalid configuration.
func ParseFlags() *Config {
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Parse resolves the configuration from args and the environment.
func Parse(args []string) (*Config, error) {
	base := Defaults()
	if path := configPath(args); path != "" {
		if err := loadFile(path, &base); err != nil {
			return nil, err
		}
	}
	// PORT is what most hosting platforms set; LISTEN wins when both are.
	if port := os.Getenv("PORT"); port != "" {
		base.Listen = ":" + port
	}

	cfg := &Config{}
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.String("config", "", "Path to a YAML config file")

	// Server
	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", base.Listen), "HTTP listen address")
	fs.StringVar(&cfg.CORSOrigin, "cors-origin", getEnv("CORS_ORIGIN", base.CORSOrigin), "Allowed browser origin, * for any")

	// Generator
	fs.StringVar(&cfg.Generator, "generator", getEnv("GENERATOR", base.Generator), "Suggestion generator: gemini or offline")
	fs.StringVar(&cfg.GeminiAPIKey, "gemini-api-key", getEnv("GEMINI_API_KEY", base.GeminiAPIKey), "Gemini API key")
	fs.StringVar(&cfg.Model, "model", getEnv("MODEL", base.Model), "Gemini model name")
	fs.DurationVar(&cfg.GeneratorTimeout, "generator-timeout", getEnvDuration("GENERATOR_TIMEOUT", base.GeneratorTimeout), "Generator call timeout, 0 for none")

	// Storage
	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", base.Storage), "Storage backend: memory, redis or nats")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", base.RedisAddr), "Redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", base.RedisPassword), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", base.RedisDB), "Redis database number")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", getEnv("REDIS_PREFIX", base.RedisPrefix), "Redis key prefix")
	fs.StringVar(&cfg.NATSURL, "nats-url", getEnv("NATS_URL", base.NATSURL), "NATS server URL")

	// Logging
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", base.LogFormat), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", base.LogLevel), "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start a relay.
func (c *Config) Validate() error {
	switch c.Generator {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY (or --gemini-api-key) is required with --generator=gemini")
		}
	case "offline":
	default:
		return fmt.Errorf("unknown generator %q (want gemini or offline)", c.Generator)
	}

	switch c.Storage {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("unknown storage %q (want memory, redis or nats)", c.Storage)
	}

	if c.GeneratorTimeout < 0 {
		return fmt.Errorf("generator timeout must not be negative, got %v", c.GeneratorTimeout)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q (want text or json)", c.LogFormat)
	}
	return nil
}

// configPath finds -config in args without parsing the rest, falling back
// to the CONFIG environment variable.
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("CONFIG")
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
