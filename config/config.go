// Package config provides configuration loading and management for the
// messaging core. Durations are expressed in milliseconds in the file, the
// way operators tune them, and converted at the component boundary.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/agentcomm/delivery"
	"github.com/c360studio/agentcomm/dlq"
	"github.com/c360studio/agentcomm/failure"
	"github.com/c360studio/agentcomm/protocol"
	"github.com/c360studio/agentcomm/queue"
)

// DefaultRoot is where durable agent files live unless overridden.
const DefaultRoot = ".apm-auto/queues"

// Config is the complete messaging core configuration.
type Config struct {
	// Root is the directory for all per-agent durable files.
	Root         string             `yaml:"root"`
	Queue        QueueConfig        `yaml:"queue"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	ErrorHandler ErrorHandlerConfig `yaml:"errorHandler"`
	DLQ          DLQConfig          `yaml:"dlq"`
	Channel      ChannelConfig      `yaml:"channel"`
}

// QueueConfig configures the durable priority queue.
type QueueConfig struct {
	// MaxSize is the queue capacity before the overflow policy kicks in.
	MaxSize int `yaml:"maxSize"`
	// QueueDir overrides the root for queue logs.
	QueueDir string `yaml:"queueDir"`
	// CompactionInterval is the log compaction period in milliseconds.
	CompactionInterval int64 `yaml:"compactionInterval"`
}

// DeliveryConfig configures the delivery tracker.
type DeliveryConfig struct {
	MaxRetries int `yaml:"maxRetries"`
	// BaseRetryDelay and MaxRetryDelay are in milliseconds.
	BaseRetryDelay int64 `yaml:"baseRetryDelay"`
	MaxRetryDelay  int64 `yaml:"maxRetryDelay"`
	// StateDir overrides the root for delivery snapshots.
	StateDir string `yaml:"stateDir"`
}

// RetryPolicyConfig overrides the send retry policy for one message type.
type RetryPolicyConfig struct {
	MaxRetries int `yaml:"maxRetries"`
	// BaseDelay and MaxDelay are in milliseconds.
	BaseDelay         int64   `yaml:"baseDelay"`
	MaxDelay          int64   `yaml:"maxDelay"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
}

// ErrorHandlerConfig configures the failure handler and circuit breaker.
type ErrorHandlerConfig struct {
	// DLQPath overrides the root for DLQ files and failure artefacts.
	DLQPath string `yaml:"dlqPath"`
	// EnableRetries gates send retries; absent means enabled.
	EnableRetries *bool `yaml:"enableRetries"`
	// RetryPolicies overrides per message type, keyed by type name.
	RetryPolicies           map[string]RetryPolicyConfig `yaml:"retryPolicies"`
	CircuitBreakerThreshold int                          `yaml:"circuitBreakerThreshold"`
	// CircuitBreakerTimeout is in milliseconds.
	CircuitBreakerTimeout int64 `yaml:"circuitBreakerTimeout"`
}

// DLQConfig configures the dead letter queue.
type DLQConfig struct {
	MaxSize           int `yaml:"maxSize"`
	RetentionDays     int `yaml:"retentionDays"`
	WarningThreshold  int `yaml:"warningThreshold"`
	CriticalThreshold int `yaml:"criticalThreshold"`
}

// ChannelConfig configures the inbox tailer.
type ChannelConfig struct {
	// PollInterval is the fallback scan period in milliseconds.
	PollInterval int64 `yaml:"pollInterval"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Root: DefaultRoot,
		Queue: QueueConfig{
			MaxSize:            10000,
			CompactionInterval: 60000,
		},
		Delivery: DeliveryConfig{
			MaxRetries:     3,
			BaseRetryDelay: 1000,
			MaxRetryDelay:  4000,
		},
		ErrorHandler: ErrorHandlerConfig{
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   60000,
		},
		DLQ: DLQConfig{
			MaxSize:           1000,
			RetentionDays:     7,
			WarningThreshold:  10,
			CriticalThreshold: 100,
		},
		Channel: ChannelConfig{
			PollInterval: 500,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.maxSize must be positive")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.maxRetries must not be negative")
	}
	if c.Delivery.BaseRetryDelay <= 0 || c.Delivery.MaxRetryDelay < c.Delivery.BaseRetryDelay {
		return fmt.Errorf("delivery retry delays must satisfy 0 < baseRetryDelay <= maxRetryDelay")
	}
	if c.DLQ.WarningThreshold > c.DLQ.CriticalThreshold {
		return fmt.Errorf("dlq.warningThreshold must not exceed dlq.criticalThreshold")
	}
	for name, p := range c.ErrorHandler.RetryPolicies {
		if !protocol.MessageType(name).Valid() {
			return fmt.Errorf("errorHandler.retryPolicies: unknown message type %q", name)
		}
		if p.BackoffMultiplier < 1 {
			return fmt.Errorf("errorHandler.retryPolicies.%s: backoffMultiplier must be >= 1", name)
		}
	}
	return nil
}

// QueueSettings builds the queue configuration.
func (c *Config) QueueSettings() queue.Config {
	dir := c.Queue.QueueDir
	if dir == "" {
		dir = c.Root
	}
	return queue.Config{
		MaxSize:            c.Queue.MaxSize,
		Dir:                dir,
		CompactionInterval: ms(c.Queue.CompactionInterval),
	}
}

// DeliverySettings builds the delivery tracker configuration.
func (c *Config) DeliverySettings() delivery.Config {
	dir := c.Delivery.StateDir
	if dir == "" {
		dir = c.Root
	}
	return delivery.Config{
		MaxRetries:     c.Delivery.MaxRetries,
		BaseRetryDelay: ms(c.Delivery.BaseRetryDelay),
		MaxRetryDelay:  ms(c.Delivery.MaxRetryDelay),
		StateDir:       dir,
	}
}

// FailureSettings builds the failure handler configuration.
func (c *Config) FailureSettings() failure.Config {
	dir := c.ErrorHandler.DLQPath
	if dir == "" {
		dir = c.Root
	}
	enable := true
	if c.ErrorHandler.EnableRetries != nil {
		enable = *c.ErrorHandler.EnableRetries
	}

	var policies map[protocol.MessageType]failure.RetryPolicy
	if len(c.ErrorHandler.RetryPolicies) > 0 {
		policies = make(map[protocol.MessageType]failure.RetryPolicy, len(c.ErrorHandler.RetryPolicies))
		for name, p := range c.ErrorHandler.RetryPolicies {
			policies[protocol.MessageType(name)] = failure.RetryPolicy{
				MaxRetries:        p.MaxRetries,
				BaseDelay:         ms(p.BaseDelay),
				MaxDelay:          ms(p.MaxDelay),
				BackoffMultiplier: p.BackoffMultiplier,
			}
		}
	}

	return failure.Config{
		ArtifactDir:      dir,
		EnableRetries:    enable,
		BreakerThreshold: c.ErrorHandler.CircuitBreakerThreshold,
		BreakerTimeout:   ms(c.ErrorHandler.CircuitBreakerTimeout),
		RetryPolicies:    policies,
	}
}

// DLQSettings builds the dead letter queue configuration.
func (c *Config) DLQSettings() dlq.Config {
	dir := c.ErrorHandler.DLQPath
	if dir == "" {
		dir = c.Root
	}
	return dlq.Config{
		Dir:               dir,
		MaxSize:           c.DLQ.MaxSize,
		RetentionDays:     c.DLQ.RetentionDays,
		WarningThreshold:  c.DLQ.WarningThreshold,
		CriticalThreshold: c.DLQ.CriticalThreshold,
	}
}

// PollInterval returns the inbox fallback scan interval.
func (c *Config) PollInterval() time.Duration {
	return ms(c.Channel.PollInterval)
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Root != "" {
		c.Root = other.Root
	}

	if other.Queue.MaxSize != 0 {
		c.Queue.MaxSize = other.Queue.MaxSize
	}
	if other.Queue.QueueDir != "" {
		c.Queue.QueueDir = other.Queue.QueueDir
	}
	if other.Queue.CompactionInterval != 0 {
		c.Queue.CompactionInterval = other.Queue.CompactionInterval
	}

	if other.Delivery.MaxRetries != 0 {
		c.Delivery.MaxRetries = other.Delivery.MaxRetries
	}
	if other.Delivery.BaseRetryDelay != 0 {
		c.Delivery.BaseRetryDelay = other.Delivery.BaseRetryDelay
	}
	if other.Delivery.MaxRetryDelay != 0 {
		c.Delivery.MaxRetryDelay = other.Delivery.MaxRetryDelay
	}
	if other.Delivery.StateDir != "" {
		c.Delivery.StateDir = other.Delivery.StateDir
	}

	if other.ErrorHandler.DLQPath != "" {
		c.ErrorHandler.DLQPath = other.ErrorHandler.DLQPath
	}
	if other.ErrorHandler.EnableRetries != nil {
		c.ErrorHandler.EnableRetries = other.ErrorHandler.EnableRetries
	}
	if len(other.ErrorHandler.RetryPolicies) > 0 {
		c.ErrorHandler.RetryPolicies = other.ErrorHandler.RetryPolicies
	}
	if other.ErrorHandler.CircuitBreakerThreshold != 0 {
		c.ErrorHandler.CircuitBreakerThreshold = other.ErrorHandler.CircuitBreakerThreshold
	}
	if other.ErrorHandler.CircuitBreakerTimeout != 0 {
		c.ErrorHandler.CircuitBreakerTimeout = other.ErrorHandler.CircuitBreakerTimeout
	}

	if other.DLQ.MaxSize != 0 {
		c.DLQ.MaxSize = other.DLQ.MaxSize
	}
	if other.DLQ.RetentionDays != 0 {
		c.DLQ.RetentionDays = other.DLQ.RetentionDays
	}
	if other.DLQ.WarningThreshold != 0 {
		c.DLQ.WarningThreshold = other.DLQ.WarningThreshold
	}
	if other.DLQ.CriticalThreshold != 0 {
		c.DLQ.CriticalThreshold = other.DLQ.CriticalThreshold
	}

	if other.Channel.PollInterval != 0 {
		c.Channel.PollInterval = other.Channel.PollInterval
	}
}
