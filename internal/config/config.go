package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// LogLevel defines the minimum severity for log output.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Valid reports whether the level is one of the recognized values.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	}
	return false
}

// Underscore action names accepted in headers_with_underscores_action.
// The session layer maps them onto the codec's enum.
const (
	UnderscoreActionAllow         = "allow"
	UnderscoreActionRejectRequest = "reject_request"
	UnderscoreActionDropHeader    = "drop_header"
)

// Config is the top-level configuration structure.
type Config struct {
	Logging   *LoggingConfig   `json:"logging,omitempty" toml:"logging,omitempty"`
	HTTP3     *HTTP3Config     `json:"http3,omitempty" toml:"http3,omitempty"`
	Simulator *SimulatorConfig `json:"simulator,omitempty" toml:"simulator,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel LogLevel `json:"log_level,omitempty" toml:"log_level,omitempty"`
	// Target is "stdout", "stderr", or a file path. File targets rotate.
	Target   *string         `json:"target,omitempty" toml:"target,omitempty"`
	Rotation *RotationConfig `json:"rotation,omitempty" toml:"rotation,omitempty"`
}

// RotationConfig configures log file rotation. Only meaningful when the
// logging target is a file path.
type RotationConfig struct {
	// MaxSizeMB is the maximum size in megabytes of the log file before it
	// gets rotated.
	MaxSizeMB *int `json:"max_size_mb,omitempty" toml:"max_size_mb,omitempty"`
	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups *int `json:"max_backups,omitempty" toml:"max_backups,omitempty"`
	// MaxAgeDays is the maximum number of days to retain old log files
	// based on the timestamp encoded in their filename.
	MaxAgeDays *int `json:"max_age_days,omitempty" toml:"max_age_days,omitempty"`
	// Compress determines if the rotated log files should be compressed.
	Compress *bool `json:"compress,omitempty" toml:"compress,omitempty"`
}

// HTTP3Config holds per-stream codec settings.
type HTTP3Config struct {
	// OverrideStreamErrorOnInvalidMessage selects the blast radius of an
	// invalid inbound message: true resets only the offending stream,
	// false closes the whole connection.
	OverrideStreamErrorOnInvalidMessage *bool `json:"override_stream_error_on_invalid_message,omitempty" toml:"override_stream_error_on_invalid_message,omitempty"`
	// AllowExtendedConnect permits requests carrying the :protocol
	// pseudo-header.
	AllowExtendedConnect *bool `json:"allow_extended_connect,omitempty" toml:"allow_extended_connect,omitempty"`
	// HeadersWithUnderscoresAction is "allow", "reject_request" or
	// "drop_header".
	HeadersWithUnderscoresAction *string `json:"headers_with_underscores_action,omitempty" toml:"headers_with_underscores_action,omitempty"`
	// MaxRequestHeadersCount bounds the number of fields in a request
	// header block.
	MaxRequestHeadersCount *uint32 `json:"max_request_headers_count,omitempty" toml:"max_request_headers_count,omitempty"`
	// Send buffer watermarks, in bytes.
	SendBufferHighWatermark *int64 `json:"send_buffer_high_watermark,omitempty" toml:"send_buffer_high_watermark,omitempty"`
	SendBufferLowWatermark  *int64 `json:"send_buffer_low_watermark,omitempty" toml:"send_buffer_low_watermark,omitempty"`
	MinSendBufferWatermark  *int64 `json:"min_send_buffer_watermark,omitempty" toml:"min_send_buffer_watermark,omitempty"`
	// FlushTimeout is a duration string, e.g. "10s". Zero disables the
	// timer.
	FlushTimeout *string `json:"flush_timeout,omitempty" toml:"flush_timeout,omitempty"`
}

// SimulatorConfig drives the streamsim binary.
type SimulatorConfig struct {
	// Scenarios names the scripted exchanges to run, in order. Empty means
	// all known scenarios.
	Scenarios []string `json:"scenarios,omitempty" toml:"scenarios,omitempty"`
	// StreamCount is the number of concurrent streams per scenario run.
	StreamCount *int `json:"stream_count,omitempty" toml:"stream_count,omitempty"`
	// Seed fixes the fixture generator for reproducible runs.
	Seed *int64 `json:"seed,omitempty" toml:"seed,omitempty"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultLogLevel                = LogLevelInfo
	DefaultLogTarget               = "stderr"
	DefaultMaxRequestHeadersCount  = uint32(100)
	DefaultSendBufferHighWatermark = int64(1 << 20)
	DefaultSendBufferLowWatermark  = int64(256 << 10)
	DefaultMinSendBufferWatermark  = int64(8 << 10)
	DefaultFlushTimeout            = "10s"
	DefaultStreamCount             = 4
)

// IsFilePath reports whether a logging target names a file rather than a
// standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates a configuration file.
// The format is chosen by extension (.json, .toml); any other extension is
// auto-detected by trying JSON first and TOML second.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %s", path)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse JSON config")
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse TOML config")
		}
	default:
		jsonErr := json.Unmarshal(data, cfg)
		if jsonErr != nil {
			*cfg = Config{}
			tomlErr := toml.Unmarshal(data, cfg)
			if tomlErr != nil {
				return nil, errors.Errorf(
					"failed to auto-detect and parse config file %s: JSON error: %v; TOML error: %v",
					path, jsonErr, tomlErr)
			}
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	return cfg, nil
}

// DefaultConfig returns a fully populated configuration with the documented
// defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.LogLevel == "" {
		c.Logging.LogLevel = DefaultLogLevel
	}
	if c.Logging.Target == nil {
		c.Logging.Target = strPtr(DefaultLogTarget)
	}

	if c.HTTP3 == nil {
		c.HTTP3 = &HTTP3Config{}
	}
	h := c.HTTP3
	if h.OverrideStreamErrorOnInvalidMessage == nil {
		h.OverrideStreamErrorOnInvalidMessage = boolPtr(false)
	}
	if h.AllowExtendedConnect == nil {
		h.AllowExtendedConnect = boolPtr(false)
	}
	if h.HeadersWithUnderscoresAction == nil {
		h.HeadersWithUnderscoresAction = strPtr(UnderscoreActionAllow)
	}
	if h.MaxRequestHeadersCount == nil {
		h.MaxRequestHeadersCount = uint32Ptr(DefaultMaxRequestHeadersCount)
	}
	if h.SendBufferHighWatermark == nil {
		h.SendBufferHighWatermark = int64Ptr(DefaultSendBufferHighWatermark)
	}
	if h.SendBufferLowWatermark == nil {
		h.SendBufferLowWatermark = int64Ptr(DefaultSendBufferLowWatermark)
	}
	if h.MinSendBufferWatermark == nil {
		h.MinSendBufferWatermark = int64Ptr(DefaultMinSendBufferWatermark)
	}
	if h.FlushTimeout == nil {
		h.FlushTimeout = strPtr(DefaultFlushTimeout)
	}

	if c.Simulator == nil {
		c.Simulator = &SimulatorConfig{}
	}
	if c.Simulator.StreamCount == nil {
		c.Simulator.StreamCount = intPtr(DefaultStreamCount)
	}
}

// Validate checks field values and cross-field constraints. Defaults must
// have been applied first.
func (c *Config) Validate() error {
	if c.Logging != nil {
		if !c.Logging.LogLevel.Valid() {
			return errors.Errorf("invalid log_level %q, must be one of DEBUG, INFO, WARNING, ERROR", c.Logging.LogLevel)
		}
		if c.Logging.Target != nil && *c.Logging.Target == "" {
			return errors.New("logging target cannot be empty")
		}
	}

	h := c.HTTP3
	if h == nil {
		return errors.New("http3 section missing after defaulting")
	}
	switch *h.HeadersWithUnderscoresAction {
	case UnderscoreActionAllow, UnderscoreActionRejectRequest, UnderscoreActionDropHeader:
	default:
		return errors.Errorf("invalid headers_with_underscores_action %q", *h.HeadersWithUnderscoresAction)
	}
	if *h.MaxRequestHeadersCount == 0 {
		return errors.New("max_request_headers_count must be positive")
	}
	high, low, minWM := *h.SendBufferHighWatermark, *h.SendBufferLowWatermark, *h.MinSendBufferWatermark
	if high <= 0 || low <= 0 || minWM <= 0 {
		return errors.New("send buffer watermarks must be positive")
	}
	if high <= low {
		return errors.Errorf("send_buffer_high_watermark (%d) must exceed send_buffer_low_watermark (%d)", high, low)
	}
	if high < minWM {
		return errors.Errorf("send_buffer_high_watermark (%d) must be at least min_send_buffer_watermark (%d)", high, minWM)
	}
	if _, err := h.ParsedFlushTimeout(); err != nil {
		return err
	}

	if c.Simulator != nil && c.Simulator.StreamCount != nil && *c.Simulator.StreamCount <= 0 {
		return errors.New("simulator stream_count must be positive")
	}
	return nil
}

// ParsedFlushTimeout parses the flush_timeout duration string. A nil or
// empty value means the timer is disabled.
func (h *HTTP3Config) ParsedFlushTimeout() (time.Duration, error) {
	if h.FlushTimeout == nil || *h.FlushTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(*h.FlushTimeout)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid flush_timeout %q", *h.FlushTimeout)
	}
	if d < 0 {
		return 0, errors.Errorf("flush_timeout %q cannot be negative", *h.FlushTimeout)
	}
	return d, nil
}

func strPtr(s string) *string    { return &s }
func boolPtr(b bool) *bool       { return &b }
func intPtr(i int) *int          { return &i }
func int64Ptr(i int64) *int64    { return &i }
func uint32Ptr(u uint32) *uint32 { return &u }
