// Package config provides configuration management for eos using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/easyott/eos/pkg/duration"
)

// Default configuration values.
const (
	defaultServerPort      = 8010
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultWorkers         = 8
	defaultSampleRate      = 16000
	defaultStreamingLimit  = 180 * time.Second
	defaultLiveRetention   = 140 * time.Second
	defaultDelaySeconds    = 60 * time.Second
	defaultSessionIdleTTL  = 4 * time.Hour
	defaultReaperSchedule  = "@every 1m"
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	App        AppConfig        `mapstructure:"app"`
	Transcribe TranscribeConfig `mapstructure:"transcribe"`
	Delay      DelayConfig      `mapstructure:"delay"`
	Session    SessionConfig    `mapstructure:"session"`
	Google     GoogleConfig     `mapstructure:"google"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StreamingConfig holds the externally advertised address of this proxy.
// Rewritten manifests embed absolute URLs built from these values; when
// Host is empty the incoming request's Host header is used instead.
type StreamingConfig struct {
	Scheme string `mapstructure:"scheme"` // http, https
	Host   string `mapstructure:"host"`   // host[:port], empty = derive from request
}

// AppConfig holds general application configuration.
type AppConfig struct {
	TmpPath    string `mapstructure:"tmp_path"`
	Workers    int    `mapstructure:"workers"`
	FFmpegPath string `mapstructure:"ffmpeg_path"`
}

// TranscribeConfig holds speech-to-text pipeline configuration.
type TranscribeConfig struct {
	// Provider selects the streaming speech-to-text provider; empty
	// disables transcribe sessions.
	Provider string `mapstructure:"provider"`
	// ProviderCommand is the subprocess command line of the "exec"
	// provider.
	ProviderCommand string `mapstructure:"provider_command"`
	// SampleRate is the PCM sample rate fed to the recognizer, in Hz.
	SampleRate int `mapstructure:"sample_rate"`
	// StreamingLimit is the maximum duration of a single recognizer
	// stream before it is restarted and the audio tail replayed.
	StreamingLimit time.Duration `mapstructure:"streaming_limit"`
	// LiveRetention bounds how much subtitle history a live session keeps.
	LiveRetention time.Duration `mapstructure:"live_retention"`
}

// DelayConfig holds live delay buffer configuration.
type DelayConfig struct {
	// Default is the delay applied when the requested language does not
	// declare its own live delay.
	Default time.Duration `mapstructure:"default"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	// IdleTTL is how long a session may go without requests before the
	// reaper closes it.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
	// ReaperSchedule is the cron schedule for the idle-session sweep.
	ReaperSchedule string `mapstructure:"reaper_schedule"`
}

// GoogleConfig holds Google Cloud credentials and model selection.
type GoogleConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	ServiceAccountFile string `mapstructure:"service_account_file"`
	TranslateModel     string `mapstructure:"translate_model"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with EOS_ and use underscores for
// nesting. Example: EOS_SERVER_PORT=8010.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("eos")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/eos")
		v.AddConfigPath("$HOME/.eos")
	}

	// Environment variable settings
	v.SetEnvPrefix("EOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHooks()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// decodeHooks builds the Viper decode hooks. Passing an option replaces
// Viper's default hook set, so the slice hook it normally installs is
// re-added here.
func decodeHooks() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// durationHookFunc decodes string values into time.Duration with the
// extended unit syntax, so fields like session.idle_ttl accept "2d" or
// "1w" alongside the standard Go units.
func durationHookFunc() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != durationType {
			return data, nil
		}
		return duration.Parse(data.(string))
	}
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Streaming address defaults
	v.SetDefault("streaming.scheme", "http")
	v.SetDefault("streaming.host", "")

	// App defaults
	v.SetDefault("app.tmp_path", "/tmp/eos")
	v.SetDefault("app.workers", defaultWorkers)
	v.SetDefault("app.ffmpeg_path", "ffmpeg")

	// Transcribe defaults
	v.SetDefault("transcribe.provider", "")
	v.SetDefault("transcribe.provider_command", "")
	v.SetDefault("transcribe.sample_rate", defaultSampleRate)
	v.SetDefault("transcribe.streaming_limit", defaultStreamingLimit)
	v.SetDefault("transcribe.live_retention", defaultLiveRetention)

	// Delay defaults
	v.SetDefault("delay.default", defaultDelaySeconds)

	// Session defaults
	v.SetDefault("session.idle_ttl", defaultSessionIdleTTL)
	v.SetDefault("session.reaper_schedule", defaultReaperSchedule)

	// Google defaults
	v.SetDefault("google.project_id", "")
	v.SetDefault("google.service_account_file", "")
	v.SetDefault("google.translate_model", "gemini-2.5-flash")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Streaming validation
	if c.Streaming.Scheme != "http" && c.Streaming.Scheme != "https" {
		return fmt.Errorf("streaming.scheme must be http or https")
	}

	// App validation
	if c.App.TmpPath == "" {
		return fmt.Errorf("app.tmp_path is required")
	}
	if c.App.Workers < 1 {
		return fmt.Errorf("app.workers must be at least 1")
	}

	// Transcribe validation
	if c.Transcribe.Provider != "" && c.Transcribe.Provider != "exec" {
		return fmt.Errorf("transcribe.provider must be empty or exec")
	}
	if c.Transcribe.Provider == "exec" && c.Transcribe.ProviderCommand == "" {
		return fmt.Errorf("transcribe.provider_command is required for the exec provider")
	}
	if c.Transcribe.SampleRate < 8000 {
		return fmt.Errorf("transcribe.sample_rate must be at least 8000")
	}
	if c.Transcribe.StreamingLimit <= 0 {
		return fmt.Errorf("transcribe.streaming_limit must be positive")
	}
	if c.Transcribe.LiveRetention <= 0 {
		return fmt.Errorf("transcribe.live_retention must be positive")
	}

	// Delay validation
	if c.Delay.Default <= 0 {
		return fmt.Errorf("delay.default must be positive")
	}

	// Session validation
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("session.idle_ttl must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL returns the advertised base URL of the proxy for a given request
// host. The configured host wins when set.
func (c *StreamingConfig) BaseURL(requestHost string) string {
	host := c.Host
	if host == "" {
		host = requestHost
	}
	return fmt.Sprintf("%s://%s", c.Scheme, host)
}
