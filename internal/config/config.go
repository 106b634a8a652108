// Copyright 2025 Arion Yau
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

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize when a field is left at its zero value.
const (
	DefaultRedisHost         = "localhost"
	DefaultRedisPort         = 6379
	DefaultRetryCount        = 3
	DefaultRetryIntervalSec  = 5
	DefaultTimeoutSec        = 15
	DefaultNoWaitWorkers     = 8
	DefaultHeartbeatSec      = 10
	DefaultPopTimeoutSec     = 1
	DefaultReplyTTLSec       = 600
	DefaultRedirectCacheSize = 1024
	DefaultMaxRecordSize     = 100
	DefaultGatewayListen     = ":8081"
	DefaultJournalPath       = "cmdbox-journal.db"
	DefaultGatewayClients    = 64
)

// Config represents the cmdbox configuration file
type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	Service ServiceConfig `yaml:"service"`
	Client  ClientConfig  `yaml:"client"`
	Worker  WorkerConfig  `yaml:"worker"`
	Stream  StreamConfig  `yaml:"stream"`
	Gateway GatewayConfig `yaml:"gateway"`
}

// RedisConfig contains broker connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServiceConfig names the worker pool. NodeID is set only for cluster members.
type ServiceConfig struct {
	Name   string `yaml:"name"`
	NodeID string `yaml:"node_id"`
}

// ClientConfig holds the dispatch defaults used by `send` and the gateway
type ClientConfig struct {
	RetryCount       int `yaml:"retry_count"`
	RetryIntervalSec int `yaml:"retry_interval_sec"`
	TimeoutSec       int `yaml:"timeout_sec"`
	NoWaitWorkers    int `yaml:"nowait_workers"`
}

// WorkerConfig holds receive loop settings
type WorkerConfig struct {
	HeartbeatSec      int `yaml:"heartbeat_sec"`
	PopTimeoutSec     int `yaml:"pop_timeout_sec"`
	ReplyTTLSec       int `yaml:"reply_ttl_sec"`
	RedirectCacheSize int `yaml:"redirect_cache_size"`
}

// StreamConfig holds side-channel settings
type StreamConfig struct {
	MaxRecordSize int `yaml:"max_record_size"`
}

// GatewayConfig holds HTTP gateway settings
type GatewayConfig struct {
	Listen      string `yaml:"listen"`
	JournalPath string `yaml:"journal_path"`
	MaxClients  int    `yaml:"max_clients"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Normalize fills zero values with defaults. A zero or negative retry interval
// becomes DefaultRetryIntervalSec.
func (c *Config) Normalize() {
	if c.Redis.Host == "" {
		c.Redis.Host = DefaultRedisHost
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = DefaultRedisPort
	}
	if c.Client.RetryCount == 0 {
		c.Client.RetryCount = DefaultRetryCount
	}
	if c.Client.RetryIntervalSec <= 0 {
		c.Client.RetryIntervalSec = DefaultRetryIntervalSec
	}
	if c.Client.TimeoutSec == 0 {
		c.Client.TimeoutSec = DefaultTimeoutSec
	}
	if c.Client.NoWaitWorkers <= 0 {
		c.Client.NoWaitWorkers = DefaultNoWaitWorkers
	}
	if c.Worker.HeartbeatSec <= 0 {
		c.Worker.HeartbeatSec = DefaultHeartbeatSec
	}
	if c.Worker.PopTimeoutSec <= 0 {
		c.Worker.PopTimeoutSec = DefaultPopTimeoutSec
	}
	if c.Worker.ReplyTTLSec <= 0 {
		c.Worker.ReplyTTLSec = DefaultReplyTTLSec
	}
	if c.Worker.RedirectCacheSize <= 0 {
		c.Worker.RedirectCacheSize = DefaultRedirectCacheSize
	}
	if c.Stream.MaxRecordSize == 0 {
		c.Stream.MaxRecordSize = DefaultMaxRecordSize
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = DefaultGatewayListen
	}
	if c.Gateway.JournalPath == "" {
		c.Gateway.JournalPath = DefaultJournalPath
	}
	if c.Gateway.MaxClients <= 0 {
		c.Gateway.MaxClients = DefaultGatewayClients
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required")
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("redis.port must be between 1 and 65535")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must not be negative")
	}
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if strings.ContainsAny(c.Service.Name, " \t\n") {
		return fmt.Errorf("service.name must not contain whitespace")
	}
	if strings.ContainsAny(c.Service.NodeID, " \t\n-") {
		return fmt.Errorf("service.node_id must not contain whitespace or '-'")
	}
	if c.Client.TimeoutSec < 0 {
		return fmt.Errorf("client.timeout_sec must be positive")
	}
	if c.Stream.MaxRecordSize < 0 {
		return fmt.Errorf("stream.max_record_size must not be negative")
	}
	return nil
}

// RedisAddr returns host:port of the broker
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}

// RetryInterval returns the client retry interval as a duration
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Client.RetryIntervalSec) * time.Second
}

// Timeout returns the client reply timeout as a duration
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Client.TimeoutSec) * time.Second
}

// HeartbeatInterval returns the worker heartbeat interval
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Worker.HeartbeatSec) * time.Second
}

// PopTimeout returns the worker blocking pop timeout
func (c *Config) PopTimeout() time.Duration {
	return time.Duration(c.Worker.PopTimeoutSec) * time.Second
}

// ReplyTTL returns how long an unconsumed reply survives on the broker
func (c *Config) ReplyTTL() time.Duration {
	return time.Duration(c.Worker.ReplyTTLSec) * time.Second
}

// Save saves the configuration to a YAML file
func (c *Config) Save(filepath string) error {
	return SaveConfig(c, filepath)
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewDefaultConfig creates a default configuration template
func NewDefaultConfig() *Config {
	c := &Config{
		Redis: RedisConfig{
			Host: DefaultRedisHost,
			Port: DefaultRedisPort,
		},
		Service: ServiceConfig{
			Name: "cmdbox",
		},
	}
	c.Normalize()
	return c
}
