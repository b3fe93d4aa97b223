// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broker daemon and the embedded
// producer defaults.
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Producer    ProducerConfig    `yaml:"producer"`
	Storage     StorageConfig     `yaml:"storage"`
	Nameserver  NameserverConfig  `yaml:"nameserver"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Transaction TransactionConfig `yaml:"transaction"`
}

// BrokerConfig holds broker identity and send-processing settings.
type BrokerConfig struct {
	BrokerName        string `yaml:"broker_name"`
	BrokerClusterName string `yaml:"broker_cluster_name"`
	BrokerIP          string `yaml:"broker_ip"`
	ListenPort        int    `yaml:"listen_port"`

	// Permission is the broker-wide permission bitset gating all writes.
	Permission int `yaml:"permission"`

	AutoCreateTopicEnable        bool `yaml:"auto_create_topic_enable"`
	AutoCreateSubscriptionGroup  bool `yaml:"auto_create_subscription_group"`
	DefaultTopicQueueNums        int  `yaml:"default_topic_queue_nums"`
	ClusterTopicEnable           bool `yaml:"cluster_topic_enable"`
	BrokerTopicEnable            bool `yaml:"broker_topic_enable"`
	RejectTransactionMessage     bool `yaml:"reject_transaction_message"`
	HighSpeedMode                bool `yaml:"high_speed_mode"`
}

// ProducerConfig holds the client-side send pipeline defaults.
type ProducerConfig struct {
	SendMsgTimeout                   time.Duration `yaml:"send_msg_timeout"`
	CompressMsgBodyOverHowmuch       int           `yaml:"compress_msg_body_over_howmuch"`
	RetryTimesWhenSendFailed         int           `yaml:"retry_times_when_send_failed"`
	RetryAnotherBrokerWhenNotStoreOK bool          `yaml:"retry_another_broker_when_not_store_ok"`
	MaxMessageSize                   int           `yaml:"max_message_size"`
	DefaultTopicQueueNums            int           `yaml:"default_topic_queue_nums"`
	SendMessageWithVIPChannel        bool          `yaml:"send_message_with_vip_channel"`
}

// TransactionConfig sizes the transaction check worker pool.
type TransactionConfig struct {
	CheckThreadPoolSize int `yaml:"check_thread_pool_size"`
	CheckRequestHoldMax int `yaml:"check_request_hold_max"`
}

// StorageConfig selects and configures the message store backend.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	BadgerDir        string `yaml:"badger_dir"`
	BadgerSyncWrites bool   `yaml:"badger_sync_writes"`

	// ConfigDir is where topic/subscription metadata files live.
	ConfigDir string `yaml:"config_dir"`
}

// NameserverConfig configures the etcd-backed route directory.
type NameserverConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RateLimitConfig throttles inbound sends per producer group.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	GroupRate       float64       `yaml:"group_rate"`
	GroupBurst      int           `yaml:"group_burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig enables the OpenTelemetry stats instruments.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			BrokerName:                  "broker-a",
			BrokerClusterName:           "DefaultCluster",
			BrokerIP:                    "127.0.0.1",
			ListenPort:                  10911,
			Permission:                  6, // read + write
			AutoCreateTopicEnable:       true,
			AutoCreateSubscriptionGroup: true,
			DefaultTopicQueueNums:       8,
			ClusterTopicEnable:          true,
			BrokerTopicEnable:           true,
			RejectTransactionMessage:    false,
			HighSpeedMode:               false,
		},
		Producer: ProducerConfig{
			SendMsgTimeout:                   3 * time.Second,
			CompressMsgBodyOverHowmuch:       1024 * 4,
			RetryTimesWhenSendFailed:         2,
			RetryAnotherBrokerWhenNotStoreOK: false,
			MaxMessageSize:                   1024 * 128,
			DefaultTopicQueueNums:            4,
			SendMessageWithVIPChannel:        true,
		},
		Transaction: TransactionConfig{
			CheckThreadPoolSize: 1,
			CheckRequestHoldMax: 2000,
		},
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "/tmp/rocketmq/store",
			ConfigDir: "/tmp/rocketmq/config",
		},
		Nameserver: NameserverConfig{
			Enabled:     false,
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			GroupRate:       10000,
			GroupBurst:      20000,
			CleanupInterval: 10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:     false,
			ServiceName: "mq-broker",
		},
	}
}

// Load reads a YAML config file overlaid onto the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Broker.BrokerName == "" {
		return fmt.Errorf("broker.broker_name must not be empty")
	}
	if c.Broker.DefaultTopicQueueNums <= 0 {
		return fmt.Errorf("broker.default_topic_queue_nums must be positive")
	}
	switch c.Storage.Type {
	case "memory", "badger":
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}
	if c.Producer.RetryTimesWhenSendFailed < 0 {
		return fmt.Errorf("producer.retry_times_when_send_failed must not be negative")
	}
	if c.Transaction.CheckRequestHoldMax <= 0 {
		return fmt.Errorf("transaction.check_request_hold_max must be positive")
	}
	return nil
}

// StoreAddr returns the advertised store host in host:port form.
func (c *Config) StoreAddr() string {
	return fmt.Sprintf("%s:%d", c.Broker.BrokerIP, c.Broker.ListenPort)
}
