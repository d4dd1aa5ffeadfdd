// Package config provides configuration management for dsngo nodes
package config

import (
	"fmt"
	"time"

	"github.com/najoast/dsngo/core"
	"github.com/najoast/dsngo/network"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Config represents the complete node configuration
type Config struct {
	App       AppConfig       `yaml:"app" json:"app"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Network   NetworkConfig   `yaml:"network" json:"network"`
	RPC       RPCConfig       `yaml:"rpc" json:"rpc"`
	Monitor   MonitorConfig   `yaml:"monitor" json:"monitor"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string      `yaml:"name" json:"name"`
	Version     string      `yaml:"version" json:"version"`
	Environment Environment `yaml:"environment" json:"environment"`
	Debug       bool        `yaml:"debug" json:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level LogLevel `yaml:"level" json:"level"`

	// "console" or "json"
	Format string `yaml:"format" json:"format"`

	// "stdout", "stderr" or a file path
	Output string `yaml:"output" json:"output"`

	Color    bool              `yaml:"color" json:"color"`
	Rotation LogRotationConfig `yaml:"rotation" json:"rotation"`
}

// LogRotationConfig contains file rotation settings, applied when Output is a file
type LogRotationConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Megabytes
	MaxSize    int `yaml:"max_size" json:"max_size"`
	MaxBackups int `yaml:"max_backups" json:"max_backups"`

	// Days
	MaxAge   int  `yaml:"max_age" json:"max_age"`
	Compress bool `yaml:"compress" json:"compress"`
}

// SchedulerConfig describes thread pools and per-task overrides
type SchedulerConfig struct {
	Pools []PoolConfig `yaml:"pools" json:"pools"`

	// AbortOnFailure re-panics after a handler failure in every pool
	AbortOnFailure bool `yaml:"abort_on_failure" json:"abort_on_failure"`

	// Tasks maps a task name to its overrides
	Tasks map[string]TaskConfig `yaml:"tasks" json:"tasks"`
}

// PoolConfig configures one thread pool
type PoolConfig struct {
	Name             string `yaml:"name" json:"name"`
	Workers          int    `yaml:"workers" json:"workers"`
	Partitioned      bool   `yaml:"partitioned" json:"partitioned"`
	FairnessInterval int    `yaml:"fairness_interval" json:"fairness_interval"`
	AbortOnFailure   bool   `yaml:"abort_on_failure" json:"abort_on_failure"`
}

// TaskConfig overrides the registered priority or pool of a task code
type TaskConfig struct {
	Priority string `yaml:"priority" json:"priority"`
	Pool     string `yaml:"pool" json:"pool"`
}

// NetworkConfig contains listener and channel settings
type NetworkConfig struct {
	// Transport kind, "tcp" or "mem"
	Kind    string `yaml:"kind" json:"kind"`
	Address string `yaml:"address" json:"address"`

	// Dynamic header encoding: "cbor", "proto" or "json"
	HeaderFormat string `yaml:"header_format" json:"header_format"`

	BufferSize     int           `yaml:"buffer_size" json:"buffer_size"`
	MaxMessageSize int           `yaml:"max_message_size" json:"max_message_size"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// RPCConfig contains client call settings and server admission control
type RPCConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	MatcherBuckets int           `yaml:"matcher_buckets" json:"matcher_buckets"`

	// ReplyDelay postpones every reply callback, for fault injection
	ReplyDelay time.Duration `yaml:"reply_delay" json:"reply_delay"`

	Admission AdmissionConfig `yaml:"admission" json:"admission"`
}

// AdmissionConfig limits inbound requests per task code. Zero disables a limit.
type AdmissionConfig struct {
	MaxQueueLength int64   `yaml:"max_queue_length" json:"max_queue_length"`
	Rate           float64 `yaml:"rate" json:"rate"`
	Burst          int     `yaml:"burst" json:"burst"`
}

// MonitorConfig contains monitoring configuration
type MonitorConfig struct {
	HTTP HTTPMonitorConfig `yaml:"http" json:"http"`
}

// HTTPMonitorConfig contains the metrics HTTP endpoint configuration
type HTTPMonitorConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Address     string `yaml:"address" json:"address"`
	Port        int    `yaml:"port" json:"port"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
	HealthPath  string `yaml:"health_path" json:"health_path"`
}

// ListenAddress returns the host:port the metrics endpoint binds to
func (h HTTPMonitorConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "dsngo-node",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Debug:       true,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "console",
			Output: "stdout",
			Color:  true,
			Rotation: LogRotationConfig{
				Enabled:    false,
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     7,
				Compress:   true,
			},
		},
		Scheduler: SchedulerConfig{
			Tasks: make(map[string]TaskConfig),
		},
		Network: NetworkConfig{
			Kind:           network.TransportTCP,
			Address:        "127.0.0.1:0",
			HeaderFormat:   network.DefaultHeaderFormat.String(),
			BufferSize:     4096,
			MaxMessageSize: network.DefaultMaxMessageSize,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
		},
		RPC: RPCConfig{
			DefaultTimeout: 5 * time.Second,
			MatcherBuckets: network.DefaultMatcherBuckets,
		},
		Monitor: MonitorConfig{
			HTTP: HTTPMonitorConfig{
				Enabled:     false,
				Address:     "127.0.0.1",
				Port:        9090,
				MetricsPath: "/metrics",
				HealthPath:  "/health",
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	if err := c.Scheduler.validate(); err != nil {
		return err
	}

	// Validate network config
	if c.Network.Kind == "" || c.Network.Address == "" {
		return ErrInvalidListenAddress
	}
	if _, err := network.ParseHeaderFormat(c.Network.HeaderFormat); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeaderFormat, err)
	}
	if c.Network.BufferSize <= 0 {
		return ErrInvalidBufferSize
	}
	if c.Network.MaxMessageSize <= network.HeaderSize {
		return ErrInvalidMaxMessageSize
	}
	if c.Network.ReadTimeout < 0 || c.Network.WriteTimeout < 0 {
		return ErrInvalidTimeout
	}

	// Validate rpc config
	if c.RPC.DefaultTimeout <= 0 || c.RPC.ReplyDelay < 0 {
		return ErrInvalidTimeout
	}
	if c.RPC.MatcherBuckets <= 0 {
		return ErrInvalidMatcherBuckets
	}
	adm := c.RPC.Admission
	if adm.MaxQueueLength < 0 || adm.Rate < 0 || adm.Burst < 0 {
		return ErrInvalidAdmission
	}
	if adm.Rate > 0 && adm.Burst == 0 {
		return fmt.Errorf("%w: rate set without burst", ErrInvalidAdmission)
	}

	// Validate monitor config
	if c.Monitor.HTTP.Enabled {
		if c.Monitor.HTTP.Port < 0 || c.Monitor.HTTP.Port > 65535 {
			return ErrInvalidPort
		}
		if c.Monitor.HTTP.MetricsPath == "" || c.Monitor.HTTP.HealthPath == "" {
			return ErrInvalidMetricsPath
		}
	}

	return nil
}

func (s *SchedulerConfig) validate() error {
	seen := make(map[string]bool, len(s.Pools))
	for _, p := range s.Pools {
		if p.Name == "" {
			return fmt.Errorf("%w: empty name", ErrInvalidPool)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate pool %s", ErrInvalidPool, p.Name)
		}
		seen[p.Name] = true
		if p.Workers <= 0 {
			return fmt.Errorf("%w: pool %s has %d workers", ErrInvalidPool, p.Name, p.Workers)
		}
		if p.FairnessInterval < 0 {
			return fmt.Errorf("%w: pool %s fairness interval %d", ErrInvalidPool, p.Name, p.FairnessInterval)
		}
	}

	for name, t := range s.Tasks {
		if _, err := core.ParsePriority(t.Priority); err != nil {
			return fmt.Errorf("%w: task %s: %v", ErrInvalidTaskOverride, name, err)
		}
		if t.Pool != "" && t.Pool != core.ThreadPoolDefaultName && !seen[t.Pool] {
			return fmt.Errorf("%w: task %s: unknown pool %s", ErrInvalidTaskOverride, name, t.Pool)
		}
	}
	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}
