package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName        = errors.New("invalid application name")
	ErrInvalidEnvironment    = errors.New("invalid environment")
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidLogFormat      = errors.New("invalid log format")
	ErrInvalidPool           = errors.New("invalid thread pool")
	ErrInvalidTaskOverride   = errors.New("invalid task override")
	ErrInvalidListenAddress  = errors.New("invalid listen address")
	ErrInvalidHeaderFormat   = errors.New("invalid header format")
	ErrInvalidBufferSize     = errors.New("invalid buffer size")
	ErrInvalidMaxMessageSize = errors.New("invalid max message size")
	ErrInvalidTimeout        = errors.New("invalid timeout")
	ErrInvalidMatcherBuckets = errors.New("invalid matcher buckets")
	ErrInvalidAdmission      = errors.New("invalid admission limits")
	ErrInvalidPort           = errors.New("invalid port number")
	ErrInvalidMetricsPath    = errors.New("invalid metrics path")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
	ErrEnvironmentVarError = errors.New("environment variable error")
)
