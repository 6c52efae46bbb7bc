// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the MQTT agent.
type Config struct {
	Agent         AgentConfig          `yaml:"agent"`
	Broker        BrokerConfig         `yaml:"broker"`
	Reconnect     ReconnectConfig      `yaml:"reconnect"`
	Producers     []ProducerConfig     `yaml:"producers"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Log           LogConfig            `yaml:"log"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
	Health        HealthConfig         `yaml:"health"`
}

// AgentConfig holds command queue and worker settings.
type AgentConfig struct {
	// QueueSize bounds both the command queue and the pending table.
	QueueSize      int           `yaml:"queue_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	DequeueWait    time.Duration `yaml:"dequeue_wait"`
	AckTimeout     time.Duration `yaml:"ack_timeout"` // 0 disables expiry
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// BrokerConfig describes the broker connection and MQTT session.
type BrokerConfig struct {
	URL            string        `yaml:"url"` // tcp, mqtt, ssl, tls, mqtts, ws or wss
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CleanSession   bool          `yaml:"clean_session"`
	Proxy          string        `yaml:"proxy"` // socks5://host:port
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig names client TLS material.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ReconnectConfig throttles reconnect attempts after the connection fails.
type ReconnectConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	Burst            int           `yaml:"burst"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// ProducerConfig describes a periodic publisher.
type ProducerConfig struct {
	Name     string        `yaml:"name"`
	Topic    string        `yaml:"topic"`
	QoS      byte          `yaml:"qos"`
	Retain   bool          `yaml:"retain"`
	Interval time.Duration `yaml:"interval"`
	Payload  string        `yaml:"payload"`
	// Rate caps publishes per second across bursts (0 means unlimited).
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
	// Pace delays a rate-limited publish instead of skipping it.
	Pace bool `yaml:"pace"`
}

// SubscriptionConfig describes a topic filter to subscribe to on connect.
type SubscriptionConfig struct {
	Filter string `yaml:"filter"`
	QoS    byte   `yaml:"qos"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	ExportInterval  time.Duration `yaml:"export_interval"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// HealthConfig holds the status endpoint settings. An empty address
// disables the endpoint.
type HealthConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			QueueSize:      5,
			PollInterval:   500 * time.Millisecond,
			DequeueWait:    10 * time.Millisecond,
			AckTimeout:     30 * time.Second,
			EnqueueTimeout: time.Second,
		},
		Broker: BrokerConfig{
			URL:            "tcp://localhost:1883",
			ClientID:       "mqttagent-" + uuid.NewString(),
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 10 * time.Second,
			CleanSession:   true,
		},
		Reconnect: ReconnectConfig{
			Enabled:          true,
			Interval:         time.Second,
			Burst:            1,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "mqttagent",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  false,
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
		Health: HealthConfig{
			Address:         "",
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file. A missing file yields defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = "mqttagent-" + uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Agent.QueueSize < 1 {
		return fmt.Errorf("agent.queue_size must be at least 1")
	}
	if c.Agent.PollInterval <= 0 {
		return fmt.Errorf("agent.poll_interval must be positive")
	}
	if c.Agent.DequeueWait < 0 {
		return fmt.Errorf("agent.dequeue_wait cannot be negative")
	}
	if c.Agent.AckTimeout < 0 {
		return fmt.Errorf("agent.ack_timeout cannot be negative")
	}

	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url cannot be empty")
	}
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return fmt.Errorf("broker.url is invalid: %w", err)
	}
	validSchemes := map[string]bool{"tcp": true, "mqtt": true, "ssl": true, "tls": true, "mqtts": true, "ws": true, "wss": true}
	if !validSchemes[u.Scheme] {
		return fmt.Errorf("broker.url scheme must be one of: tcp, mqtt, ssl, tls, mqtts, ws, wss")
	}
	if len(c.Broker.ClientID) > 65535 {
		return fmt.Errorf("broker.client_id is too long")
	}
	if c.Broker.ConnectTimeout <= 0 {
		return fmt.Errorf("broker.connect_timeout must be positive")
	}
	if c.Broker.KeepAlive < 0 || c.Broker.KeepAlive > 65535*time.Second {
		return fmt.Errorf("broker.keep_alive must be between 0 and 65535s")
	}
	if (c.Broker.TLS.CertFile == "") != (c.Broker.TLS.KeyFile == "") {
		return fmt.Errorf("broker.tls.cert_file and broker.tls.key_file must be set together")
	}

	if c.Reconnect.Enabled {
		if c.Reconnect.Burst < 1 {
			return fmt.Errorf("reconnect.burst must be at least 1")
		}
		if c.Reconnect.FailureThreshold < 1 {
			return fmt.Errorf("reconnect.failure_threshold must be at least 1")
		}
	}

	names := make(map[string]bool, len(c.Producers))
	for i, p := range c.Producers {
		if p.Name == "" {
			return fmt.Errorf("producers[%d].name cannot be empty", i)
		}
		if names[p.Name] {
			return fmt.Errorf("producers[%d].name %q is duplicated", i, p.Name)
		}
		names[p.Name] = true
		if p.Topic == "" {
			return fmt.Errorf("producers[%d].topic cannot be empty", i)
		}
		if p.QoS > 1 {
			return fmt.Errorf("producers[%d].qos must be 0 or 1", i)
		}
		if p.Interval <= 0 {
			return fmt.Errorf("producers[%d].interval must be positive", i)
		}
		if p.Rate < 0 {
			return fmt.Errorf("producers[%d].rate cannot be negative", i)
		}
	}

	for i, s := range c.Subscriptions {
		if s.Filter == "" {
			return fmt.Errorf("subscriptions[%d].filter cannot be empty", i)
		}
		if s.QoS > 1 {
			return fmt.Errorf("subscriptions[%d].qos must be 0 or 1", i)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.ExportInterval <= 0 {
			return fmt.Errorf("telemetry.export_interval must be positive")
		}
	}

	if c.Health.Address != "" && c.Health.ShutdownTimeout <= 0 {
		return fmt.Errorf("health.shutdown_timeout must be positive")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
