package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drblury/callflow"
)

const envPrefix = "CALLFLOW"

// daemonConfig is everything callflowd reads from flags, environment and the
// optional config file.
type daemonConfig struct {
	Addr   string `mapstructure:"addr"`
	Port   string `mapstructure:"port"`
	Target string `mapstructure:"target"`

	ProjectID       string        `mapstructure:"project_id"`
	ProjectNumber   string        `mapstructure:"project_number"`
	TrustAllTokens  bool          `mapstructure:"trust_all_tokens"`
	EnforceAppCheck bool          `mapstructure:"enforce_app_check"`
	IDTokenKeysURL  string        `mapstructure:"id_token_keys_url"`
	AppCheckKeysURL string        `mapstructure:"app_check_keys_url"`
	KeyCacheTTL     time.Duration `mapstructure:"key_cache_ttl"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxRequestBytes   int64         `mapstructure:"max_request_bytes"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`

	MetricsEnabled bool     `mapstructure:"metrics_enabled"`
	MetricsPath    string   `mapstructure:"metrics_path"`
	WebUIEnabled   bool     `mapstructure:"webui_enabled"`
	CORSOrigins    []string `mapstructure:"cors_origins"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Topics lists event types whose events are consumed and logged.
	Topics []string `mapstructure:"topics"`
	// EventSource is the source attribute of events sent by the publish
	// function.
	EventSource string `mapstructure:"event_source"`

	Events callflow.TransportSettings `mapstructure:"events"`
}

var configDefaults = map[string]any{
	"addr":               "",
	"port":               "",
	"target":             "",
	"project_id":         "",
	"project_number":     "",
	"trust_all_tokens":   false,
	"enforce_app_check":  false,
	"id_token_keys_url":  "",
	"app_check_keys_url": "",
	"key_cache_ttl":      time.Duration(0),
	"heartbeat_interval": time.Duration(0),
	"max_request_bytes":  int64(0),
	"shutdown_timeout":   time.Duration(0),
	"metrics_enabled":    true,
	"metrics_path":       "",
	"webui_enabled":      true,
	"cors_origins":       []string{},
	"log_level":          "info",
	"log_format":         "text",
	"topics":             []string{},
	"event_source":       "//callflowd",

	"events.broker":                  "",
	"events.channel_buffer_size":     int64(0),
	"events.kafka_brokers":           []string{},
	"events.kafka_consumer_group":    "",
	"events.kafka_initial_offset":    "",
	"events.rabbitmq_url":            "",
	"events.rabbitmq_consumer_group": "",
	"events.nats_url":                "",
	"events.http_server_address":     "",
	"events.http_publisher_url":      "",
	"events.aws_region":              "",
	"events.aws_account_id":          "",
	"events.aws_access_key_id":       "",
	"events.aws_secret_access_key":   "",
	"events.aws_endpoint":            "",
}

// emulatorEnv maps keys to the variables set by the functions emulator and
// hosting platform, read after the CALLFLOW_ ones.
var emulatorEnv = map[string]string{
	"target":           "FUNCTION_TARGET",
	"project_id":       "GCLOUD_PROJECT",
	"trust_all_tokens": "FUNCTIONS_EMULATOR",
	"port":             "PORT",
}

// newViper returns a viper instance with defaults and environment bindings.
// Nested keys map to variables like CALLFLOW_EVENTS_KAFKA_BROKERS.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}
	for key, env := range emulatorEnv {
		_ = v.BindEnv(key, envPrefix+"_"+strings.ToUpper(key), env)
	}
	return v
}

// loadConfig reads the optional config file and decodes every source into a
// daemonConfig.
func loadConfig(v *viper.Viper, file string) (daemonConfig, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return daemonConfig{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg daemonConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return daemonConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// serverConfig converts the daemon settings into the function server
// configuration. PORT only applies when no address was given.
func (c daemonConfig) serverConfig() *callflow.Config {
	addr := c.Addr
	if addr == "" && c.Port != "" {
		addr = ":" + c.Port
	}
	return &callflow.Config{
		Addr:                    addr,
		Target:                  c.Target,
		ProjectID:               c.ProjectID,
		ProjectNumber:           c.ProjectNumber,
		TrustAllTokens:          c.TrustAllTokens,
		IDTokenKeysURL:          c.IDTokenKeysURL,
		AppCheckKeysURL:         c.AppCheckKeysURL,
		KeyCacheTTL:             c.KeyCacheTTL,
		EnforceAppCheck:         c.EnforceAppCheck,
		HeartbeatInterval:       c.HeartbeatInterval,
		MaxRequestBytes:         c.MaxRequestBytes,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		WebUIEnabled:            c.WebUIEnabled,
		WebUICORSAllowedOrigins: c.CORSOrigins,
		ShutdownTimeout:         c.ShutdownTimeout,
	}
}

func (c daemonConfig) newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
}
