package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// formatOf determines the format from a file extension
func formatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Loader handles configuration loading from files and the environment.
//
// Values are applied in order: defaults, file, environment.
type Loader struct {
	searchPaths []string
	envPrefix   string

	defaultConfig *Config

	// lookupEnv is os.LookupEnv outside tests
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "./configs", "/etc/dsngo"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".dsngo"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     "DSN",
		defaultConfig: DefaultConfig(),
		lookupEnv:     os.LookupEnv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the configuration file values are merged onto
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load loads configuration from filename. An empty filename searches the
// search paths and falls back to defaults when nothing is found.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.AutoLoad()
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if err == ErrConfigFileNotFound {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// finish applies environment overrides and validates
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"dsngo.yaml", "dsngo.yml",
		"config.yaml", "config.yml",
		"dsngo.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if info, err := os.Stat(fullPath); err == nil && !info.IsDir() {
				return fullPath, nil
			}
		}
	}

	return "", ErrConfigFileNotFound
}

// parseConfig decodes data on top of a copy of the defaults, so keys missing
// from the file keep their default values.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	return config, nil
}

// defaults returns a deep copy of the default configuration
func (l *Loader) defaults() *Config {
	src := l.defaultConfig
	if src == nil {
		src = DefaultConfig()
	}

	c := *src
	c.Scheduler.Pools = append([]PoolConfig(nil), src.Scheduler.Pools...)
	c.Scheduler.Tasks = make(map[string]TaskConfig, len(src.Scheduler.Tasks))
	for k, v := range src.Scheduler.Tasks {
		c.Scheduler.Tasks[k] = v
	}
	return &c
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	str := func(key string, dst *string) {
		if val, ok := l.env(key); ok {
			*dst = val
		}
	}

	var errs []string
	boolean := func(key string, dst *bool) {
		if val, ok := l.env(key); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, l.envPrefix+"_"+key)
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if val, ok := l.env(key); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, l.envPrefix+"_"+key)
				return
			}
			*dst = d
		}
	}

	// App configuration
	str("APP_NAME", &config.App.Name)
	str("APP_VERSION", &config.App.Version)
	if val, ok := l.env("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}
	boolean("APP_DEBUG", &config.App.Debug)

	// Log configuration
	if val, ok := l.env("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	str("LOG_FORMAT", &config.Log.Format)
	str("LOG_OUTPUT", &config.Log.Output)

	// Network configuration
	str("NETWORK_KIND", &config.Network.Kind)
	str("NETWORK_ADDRESS", &config.Network.Address)
	str("NETWORK_HEADER_FORMAT", &config.Network.HeaderFormat)
	duration("NETWORK_READ_TIMEOUT", &config.Network.ReadTimeout)
	duration("NETWORK_WRITE_TIMEOUT", &config.Network.WriteTimeout)

	// RPC configuration
	duration("RPC_DEFAULT_TIMEOUT", &config.RPC.DefaultTimeout)
	duration("RPC_REPLY_DELAY", &config.RPC.ReplyDelay)

	// Monitor configuration
	boolean("MONITOR_ENABLED", &config.Monitor.HTTP.Enabled)
	if val, ok := l.env("MONITOR_PORT"); ok {
		port, err := parsePort(val)
		if err != nil {
			errs = append(errs, l.envPrefix+"_MONITOR_PORT")
		} else {
			config.Monitor.HTTP.Port = port
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrEnvironmentVarError, strings.Join(errs, ", "))
	}
	return nil
}

func (l *Loader) env(key string) (string, bool) {
	lookup := l.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	val, ok := lookup(l.envPrefix + "_" + key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// Helper function to parse port number
func parsePort(val string) (int, error) {
	port, err := strconv.Atoi(val)
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port number: %d", port)
	}
	return port, nil
}
