package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the service configuration, loaded from an optional YAML file
	// and overridable through environment variables.
	Config struct {
		HTTP   HTTPConfig   `yaml:"http"`
		Redis  RedisConfig  `yaml:"redis"`
		Mongo  MongoConfig  `yaml:"mongo"`
		OpenAI OpenAIConfig `yaml:"openai"`
		Pulse  PulseConfig  `yaml:"pulse"`
	}

	HTTPConfig struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	OpenAIConfig struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	}

	PulseConfig struct {
		Enabled      bool `yaml:"enabled"`
		StreamMaxLen int  `yaml:"stream_max_len"`
	}
)

// LoadConfig reads the YAML file at path (when non-empty) and applies
// environment overrides. Missing values fall back to local defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		HTTP:  HTTPConfig{Addr: ":8080", ShutdownTimeout: 30 * time.Second},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "writingdesk"},
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	envOverride(&cfg.HTTP.Addr, "WRITINGDESK_HTTP_ADDR")
	envOverride(&cfg.Redis.Addr, "WRITINGDESK_REDIS_ADDR")
	envOverride(&cfg.Redis.Password, "WRITINGDESK_REDIS_PASSWORD")
	envOverride(&cfg.Mongo.URI, "WRITINGDESK_MONGO_URI")
	envOverride(&cfg.Mongo.Database, "WRITINGDESK_MONGO_DATABASE")
	envOverride(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	envOverride(&cfg.OpenAI.BaseURL, "OPENAI_BASE_URL")

	if cfg.OpenAI.APIKey == "" {
		return Config{}, fmt.Errorf("openai api key is required (openai.api_key or OPENAI_API_KEY)")
	}
	return cfg, nil
}

func envOverride(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
