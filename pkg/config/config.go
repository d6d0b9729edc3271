// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the service configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/backoff"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/env"
)

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Polling  PollingConfig  `yaml:"polling"`
	Source   SourceConfig   `yaml:"source"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Sentry   SentryConfig   `yaml:"sentry"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PollingConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MaxWindowDays  int           `yaml:"maxWindowDays"`
	Timezone       string        `yaml:"timezone"`
	RetryAttempts  int           `yaml:"retryAttempts"`
	RetryInitial   time.Duration `yaml:"retryInitial"`
	RetryMax       time.Duration `yaml:"retryMax"`
	CacheSize      int           `yaml:"cacheSize"`
	ReplayOnStart  bool          `yaml:"replayOnStart"`
	ShutdownWindow time.Duration `yaml:"shutdownWindow"`
}

type SourceConfig struct {
	BaseURL           string        `yaml:"baseUrl"`
	Timeout           time.Duration `yaml:"timeout"`
	Token             string        `yaml:"token"`
	ConnectionRetries int           `yaml:"connectionRetries"`
}

// PostgresConfig selects the durable stores. Without a DSN everything is kept
// in memory.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig moves watermarks to redis when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"clientId"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"clientId"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topicPrefix"`
}

type APIConfig struct {
	Listen   string `yaml:"listen"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type MetricsConfig struct {
	Listen       string `yaml:"listen"`
	HealthListen string `yaml:"healthListen"`
}

type SentryConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	retry := backoff.DefaultPolicy()

	return Config{
		Logging: LoggingConfig{Level: "PRODUCTION", Format: "CONSOLE"},
		Polling: PollingConfig{
			Interval:       time.Hour,
			MaxWindowDays:  184,
			Timezone:       "UTC",
			RetryAttempts:  retry.MaxAttempts,
			RetryInitial:   retry.InitialInterval,
			RetryMax:       retry.MaxInterval,
			CacheSize:      1024,
			ReplayOnStart:  true,
			ShutdownWindow: 30 * time.Second,
		},
		Source: SourceConfig{Timeout: 30 * time.Second, ConnectionRetries: 3},
		Redis:  RedisConfig{Prefix: "energy-permissions"},
		Kafka:  KafkaConfig{Topic: "energy.permissions.raw", ClientID: "energy-permissions"},
		MQTT:   MQTTConfig{ClientID: "energy-permissions", TopicPrefix: "energy/permissions"},
		API:    APIConfig{Listen: ":8080"},
		Metrics: MetricsConfig{
			Listen:       ":2112",
			HealthListen: "0.0.0.0:8086",
		},
	}
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	str := func(key string, target *string) {
		v, err := env.GetAsString(key, false, *target)
		errs = append(errs, err)
		*target = v
	}
	integer := func(key string, target *int) {
		v, err := env.GetAsInt(key, false, *target)
		errs = append(errs, err)
		*target = v
	}
	duration := func(key string, target *time.Duration) {
		v, err := env.GetAsDuration(key, false, *target)
		errs = append(errs, err)
		*target = v
	}

	str("LOGGING_LEVEL", &c.Logging.Level)
	str("LOGGING_FORMAT", &c.Logging.Format)

	duration("POLLING_INTERVAL", &c.Polling.Interval)
	integer("POLLING_MAX_WINDOW_DAYS", &c.Polling.MaxWindowDays)
	str("POLLING_TIMEZONE", &c.Polling.Timezone)
	integer("POLLING_RETRY_ATTEMPTS", &c.Polling.RetryAttempts)
	duration("POLLING_RETRY_INITIAL", &c.Polling.RetryInitial)
	duration("POLLING_RETRY_MAX", &c.Polling.RetryMax)
	integer("PERMISSION_CACHE_SIZE", &c.Polling.CacheSize)
	replay, err := env.GetAsBool("REPLAY_ON_START", false, c.Polling.ReplayOnStart)
	errs = append(errs, err)
	c.Polling.ReplayOnStart = replay

	str("SOURCE_BASE_URL", &c.Source.BaseURL)
	duration("SOURCE_TIMEOUT", &c.Source.Timeout)
	str("SOURCE_TOKEN", &c.Source.Token)
	integer("SOURCE_CONNECTION_RETRIES", &c.Source.ConnectionRetries)

	str("POSTGRES_DSN", &c.Postgres.DSN)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)
	str("REDIS_PREFIX", &c.Redis.Prefix)

	brokers, err := env.GetAsStringSlice("KAFKA_BROKERS", false, c.Kafka.Brokers)
	errs = append(errs, err)
	c.Kafka.Brokers = brokers
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("KAFKA_CLIENT_ID", &c.Kafka.ClientID)

	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)

	str("API_LISTEN", &c.API.Listen)
	str("API_USER", &c.API.User)
	str("API_PASSWORD", &c.API.Password)

	str("METRICS_LISTEN", &c.Metrics.Listen)
	str("HEALTH_LISTEN", &c.Metrics.HealthListen)

	str("SENTRY_DSN", &c.Sentry.DSN)

	return errors.Join(errs...)
}

// Validate rejects inconsistent values.
func (c Config) Validate() error {
	var errs []error

	if c.Polling.Interval <= 0 {
		errs = append(errs, fmt.Errorf("polling.interval must be positive, got %s", c.Polling.Interval))
	}
	if c.Polling.MaxWindowDays <= 0 {
		errs = append(errs, fmt.Errorf("polling.maxWindowDays must be positive, got %d", c.Polling.MaxWindowDays))
	}
	if _, err := time.LoadLocation(c.Polling.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("polling.timezone: %w", err))
	}
	if c.Polling.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("polling.retryAttempts must be at least 1, got %d", c.Polling.RetryAttempts))
	}
	if c.Polling.RetryInitial <= 0 || c.Polling.RetryMax < c.Polling.RetryInitial {
		errs = append(errs, fmt.Errorf("polling.retryInitial (%s) must be positive and not above polling.retryMax (%s)",
			c.Polling.RetryInitial, c.Polling.RetryMax))
	}

	if c.Source.BaseURL == "" {
		errs = append(errs, errors.New("source.baseUrl is required"))
	} else if u, err := url.Parse(c.Source.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("source.baseUrl %q is not an absolute url", c.Source.BaseURL))
	}
	if c.Source.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("source.timeout must be positive, got %s", c.Source.Timeout))
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if c.MQTT.Broker != "" && c.MQTT.ClientID == "" {
		errs = append(errs, errors.New("mqtt.clientId is required when a broker is set"))
	}
	if c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required"))
	}
	if (c.API.User == "") != (c.API.Password == "") {
		errs = append(errs, errors.New("api.user and api.password must be set together"))
	}

	return errors.Join(errs...)
}

// Location is the timezone "today" is evaluated in.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Polling.Timezone)
	if err != nil {
		return time.UTC
	}

	return loc
}

func (c Config) MaxWindow() time.Duration {
	return time.Duration(c.Polling.MaxWindowDays) * 24 * time.Hour
}

func (c Config) RetryPolicy() backoff.Policy {
	return backoff.Policy{
		MaxAttempts:     c.Polling.RetryAttempts,
		InitialInterval: c.Polling.RetryInitial,
		MaxInterval:     c.Polling.RetryMax,
	}
}
