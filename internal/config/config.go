// Package config provides typed configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
)

// EnvPrefix is the prefix of every configuration environment variable.
const EnvPrefix = "MIDKNIGHT"

// Config holds all application configuration.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot" json:"bot"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage" json:"storage"`
	Plugins   PluginsConfig   `mapstructure:"plugins" json:"plugins"`
	Transport TransportConfig `mapstructure:"transport" json:"transport"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry"`
	Health    HealthConfig    `mapstructure:"health" json:"health"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
}

// BotConfig holds the bot identity and behaviour switches.
type BotConfig struct {
	Name                string   `mapstructure:"name" json:"name"`
	Prefix              string   `mapstructure:"prefix" json:"prefix"`
	Mode                string   `mapstructure:"mode" json:"mode"`
	Owners              []string `mapstructure:"owners" json:"owners"`
	AutoReact           bool     `mapstructure:"auto_react" json:"auto_react"`
	Debug               bool     `mapstructure:"debug" json:"debug"`
	ProcessSelfMessages bool     `mapstructure:"process_self_messages" json:"process_self_messages"`
}

// RateLimitConfig holds the per-sender token bucket settings.
type RateLimitConfig struct {
	MaxRequests     int           `mapstructure:"max_requests" json:"max_requests"`
	Window          time.Duration `mapstructure:"window" json:"window"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`
	IdleThreshold   time.Duration `mapstructure:"idle_threshold" json:"idle_threshold"`
	ExemptOwners    bool          `mapstructure:"exempt_owners" json:"exempt_owners"`
}

// StorageConfig holds persistence settings for every backend.
type StorageConfig struct {
	DataDir        string         `mapstructure:"data_dir" json:"data_dir"`
	Debounce       time.Duration  `mapstructure:"debounce" json:"debounce"`
	Compress       bool           `mapstructure:"compress" json:"compress"`
	EncryptionKey  string         `mapstructure:"encryption_key" json:"encryption_key"`
	Document       DocumentConfig `mapstructure:"document" json:"document"`
	SQL            SQLConfig      `mapstructure:"sql" json:"sql"`
	ConnectTimeout time.Duration  `mapstructure:"connect_timeout" json:"connect_timeout"`
}

// DocumentConfig holds Cloud Storage document store settings.
type DocumentConfig struct {
	Bucket          string `mapstructure:"bucket" json:"bucket"`
	Prefix          string `mapstructure:"prefix" json:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file" json:"credentials_file"`
}

// SQLConfig holds relational store settings.
type SQLConfig struct {
	URL string `mapstructure:"url" json:"url"`
}

// PluginsConfig holds plugin loading settings.
type PluginsConfig struct {
	Dir           string        `mapstructure:"dir" json:"dir"`
	ScriptTimeout time.Duration `mapstructure:"script_timeout" json:"script_timeout"`
	Builtin       bool          `mapstructure:"builtin" json:"builtin"`
}

// TransportConfig holds websocket bridge settings.
type TransportConfig struct {
	BridgeURL      string        `mapstructure:"bridge_url" json:"bridge_url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay" json:"reconnect_delay"`
	SendTimeout    time.Duration `mapstructure:"send_timeout" json:"send_timeout"`
}

// TelemetryConfig holds request telemetry and metric export settings.
type TelemetryConfig struct {
	SlowThreshold time.Duration `mapstructure:"slow_threshold" json:"slow_threshold"`
	GCP           GCPConfig     `mapstructure:"gcp" json:"gcp"`
}

// GCPConfig holds GCP Cloud Monitoring settings.
type GCPConfig struct {
	ProjectID       string        `mapstructure:"project_id" json:"project_id"`
	CredentialsFile string        `mapstructure:"credentials_file" json:"credentials_file"`
	MetricPrefix    string        `mapstructure:"metric_prefix" json:"metric_prefix"`
	FlushInterval   time.Duration `mapstructure:"flush_interval" json:"flush_interval"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":   "log.level",
	"prefix":      "bot.prefix",
	"mode":        "bot.mode",
	"plugins-dir": "plugins.dir",
	"data-dir":    "storage.data_dir",
}

// Load loads configuration from defaults, .env, the config file, the
// environment and flags, in increasing precedence. configFile may be empty
// to search ./config.yaml. flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// .env is optional
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	if err := loadConfigFile(v, configFile); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	applyLegacyEnv(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := validateSchema(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Bot defaults
	v.SetDefault("bot.name", "Midknight")
	v.SetDefault("bot.prefix", ".")
	v.SetDefault("bot.mode", string(domain.ModePublic))
	v.SetDefault("bot.owners", []string{})
	v.SetDefault("bot.auto_react", true)
	v.SetDefault("bot.debug", false)
	v.SetDefault("bot.process_self_messages", true)

	// Rate limit defaults
	v.SetDefault("rate_limit.max_requests", 10)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.cleanup_interval", 5*time.Minute)
	v.SetDefault("rate_limit.idle_threshold", time.Hour)
	v.SetDefault("rate_limit.exempt_owners", true)

	// Storage defaults
	v.SetDefault("storage.data_dir", "./database")
	v.SetDefault("storage.debounce", time.Second)
	v.SetDefault("storage.compress", false)
	v.SetDefault("storage.encryption_key", "")
	v.SetDefault("storage.document.bucket", "")
	v.SetDefault("storage.document.prefix", "midknight")
	v.SetDefault("storage.document.credentials_file", "")
	v.SetDefault("storage.sql.url", "")
	v.SetDefault("storage.connect_timeout", 10*time.Second)

	// Plugin defaults
	v.SetDefault("plugins.dir", "./plugins")
	v.SetDefault("plugins.script_timeout", 30*time.Second)
	v.SetDefault("plugins.builtin", true)

	// Transport defaults
	v.SetDefault("transport.bridge_url", "")
	v.SetDefault("transport.reconnect_delay", 3*time.Second)
	v.SetDefault("transport.send_timeout", 15*time.Second)

	// Telemetry defaults
	v.SetDefault("telemetry.slow_threshold", 5*time.Second)
	v.SetDefault("telemetry.gcp.project_id", "")
	v.SetDefault("telemetry.gcp.credentials_file", "")
	v.SetDefault("telemetry.gcp.metric_prefix", "custom.googleapis.com/midknight")
	v.SetDefault("telemetry.gcp.flush_interval", 60*time.Second)

	// Health defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.addr", "127.0.0.1:8090")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// bindEnvVars binds the short environment names that do not follow the
// key path.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("bot.owners", "MIDKNIGHT_OWNERS", "MIDKNIGHT_OWNER_NUMBER")
	_ = v.BindEnv("storage.sql.url", "MIDKNIGHT_DATABASE_URL")
	_ = v.BindEnv("storage.document.bucket", "MIDKNIGHT_GCS_BUCKET")
	_ = v.BindEnv("telemetry.gcp.project_id", "MIDKNIGHT_GCP_PROJECT_ID")
	_ = v.BindEnv("log.level", "MIDKNIGHT_LOG_LEVEL")
}

// legacyEnv maps unprefixed variable names still found in older deployments.
var legacyEnv = []struct {
	name string
	key  string
}{
	{"BOT_NAME", "bot.name"},
	{"PREFIX", "bot.prefix"},
	{"BOT_MODE", "bot.mode"},
	{"OWNER_NUMBER", "bot.owners"},
	{"AUTO_REACT", "bot.auto_react"},
	{"DEBUG", "bot.debug"},
	{"PROCESS_SELF_MESSAGES", "bot.process_self_messages"},
	{"RATE_LIMIT_MAX", "rate_limit.max_requests"},
	{"RATE_LIMIT_WINDOW", "rate_limit.window"},
	{"POSTGRES_URL", "storage.sql.url"},
	{"DATABASE_URL", "storage.sql.url"},
}

// applyLegacyEnv copies legacy variables into keys that have no prefixed
// value. POSTGRES_URL wins over DATABASE_URL; RATE_LIMIT_WINDOW is in
// milliseconds when it has no unit.
func applyLegacyEnv(v *viper.Viper) {
	applied := make(map[string]bool)
	for _, l := range legacyEnv {
		raw, ok := os.LookupEnv(l.name)
		if !ok || applied[l.key] || prefixedSet(l.key) {
			continue
		}
		raw = strings.TrimSpace(raw)

		var value interface{} = raw
		switch l.key {
		case "rate_limit.window":
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				value = time.Duration(ms) * time.Millisecond
			}
		case "bot.owners":
			value = splitList(raw)
		case "bot.auto_react":
			// Only an explicit "false" disables reactions.
			value = !strings.EqualFold(raw, "false")
		case "bot.debug", "bot.process_self_messages":
			value = strings.EqualFold(raw, "true")
		}
		v.Set(l.key, value)
		applied[l.key] = true
	}
}

func prefixedSet(key string) bool {
	_, ok := os.LookupEnv(EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	return ok
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadEnvFile loads .env into the process environment if it exists.
// Variables already set take precedence.
func loadEnvFile() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	env := viper.New()
	env.SetConfigFile(".env")
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		return err
	}
	for _, key := range env.AllKeys() {
		name := strings.ToUpper(key)
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		os.Setenv(name, env.GetString(key))
	}
	return nil
}

// loadConfigFile merges the config file. An explicit file must exist; the
// default ./config.yaml is optional.
func loadConfigFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		return nil
	}

	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	owners := make([]string, 0, len(c.Bot.Owners))
	for _, o := range c.Bot.Owners {
		for _, part := range splitList(o) {
			if digits := domain.DigitsOnly(part); digits != "" {
				owners = append(owners, digits)
			}
		}
	}
	c.Bot.Owners = owners
	c.Bot.Mode = strings.ToLower(strings.TrimSpace(c.Bot.Mode))
	c.Bot.Prefix = strings.TrimSpace(c.Bot.Prefix)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Validate checks the rules that span more than one field.
func (c *Config) Validate() error {
	if c.RateLimit.IdleThreshold < c.RateLimit.Window {
		return fmt.Errorf("rate_limit.idle_threshold must not be shorter than rate_limit.window")
	}

	if c.IsGCPEnabled() && c.Telemetry.GCP.FlushInterval <= 0 {
		return fmt.Errorf("telemetry.gcp.flush_interval must be positive")
	}

	if c.Storage.Document.CredentialsFile != "" && c.Storage.Document.Bucket == "" {
		return fmt.Errorf("storage.document.credentials_file requires storage.document.bucket")
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}

	return nil
}

// BotSettings returns the settings the dispatcher works with.
func (c *Config) BotSettings() domain.BotSettings {
	return domain.BotSettings{
		Name:                c.Bot.Name,
		Prefix:              c.Bot.Prefix,
		Mode:                domain.BotMode(c.Bot.Mode),
		Owners:              append([]string(nil), c.Bot.Owners...),
		AutoReact:           c.Bot.AutoReact,
		Debug:               c.Bot.Debug,
		ProcessSelfMessages: c.Bot.ProcessSelfMessages,
	}
}

// IsGCPEnabled returns true if Cloud Monitoring export is configured.
func (c *Config) IsGCPEnabled() bool {
	return c.Telemetry.GCP.ProjectID != ""
}

// IsDocumentStoreEnabled returns true if the Cloud Storage document store
// is configured.
func (c *Config) IsDocumentStoreEnabled() bool {
	return c.Storage.Document.Bucket != ""
}
