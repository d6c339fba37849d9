// Package config loads mfgtest settings from defaults, a YAML config file,
// MFGTEST_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/mfgtest/internal/resolve"
	"github.com/roach88/mfgtest/internal/tracing"
)

// EnvPrefix is the prefix for environment overrides, e.g. MFGTEST_REGISTRY_URL.
const EnvPrefix = "MFGTEST"

// LocalConfigFile is checked in the working directory before the user config.
const LocalConfigFile = ".mfgtest.yaml"

// Config is the resolved process-wide configuration.
type Config struct {
	Registry RegistryConfig `mapstructure:"registry"`
	Serial   SerialConfig   `mapstructure:"serial"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  tracing.Config `mapstructure:"tracing"`
}

// RegistryConfig controls registry integration.
type RegistryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SerialConfig struct {
	Sentinel string `mapstructure:"sentinel"`
}

// JournalConfig locates the run journal. An empty path disables it.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Registry: RegistryConfig{
			Enabled: false,
			URL:     "http://localhost:8000/",
			Timeout: 10 * time.Second,
		},
		Serial:  SerialConfig{Sentinel: resolve.DefaultSentinel},
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: tracing.DefaultConfig(),
	}
}

// FlagKeys maps command-line flag names to config keys.
var FlagKeys = map[string]string{
	"use-registry": "registry.enabled",
	"registry-url": "registry.url",
	"timeout":      "registry.timeout",
	"journal":      "journal.path",
	"sentinel":     "serial.sentinel",
	"log-format":   "log.format",
}

// LoadOptions tells Load where to look.
type LoadOptions struct {
	// ConfigFile is an explicit config path. It must exist.
	ConfigFile string

	// Flags are bound through FlagKeys. Only flags the user set override
	// lower layers.
	Flags *pflag.FlagSet

	// HomeDir overrides os.UserHomeDir for the user config lookup.
	HomeDir string
}

// Load resolves the configuration. It returns the config file used, if any.
func Load(opts LoadOptions) (Config, string, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, "", fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	// Config lookup order:
	// 1. --config
	// 2. ./.mfgtest.yaml
	// 3. ~/.config/mfgtest/config.yaml
	switch {
	case opts.ConfigFile != "":
		v.SetConfigFile(opts.ConfigFile)
	case fileExists(LocalConfigFile):
		v.SetConfigFile(LocalConfigFile)
	default:
		home := opts.HomeDir
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		v.AddConfigPath(filepath.Join(home, ".config", "mfgtest"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, "", fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

// setDefaults registers every key so environment overrides apply on Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("registry.enabled", d.Registry.Enabled)
	v.SetDefault("registry.url", d.Registry.URL)
	v.SetDefault("registry.timeout", d.Registry.Timeout)
	v.SetDefault("serial.sentinel", d.Serial.Sentinel)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Validate checks values that would otherwise fail later in a run.
func (c Config) Validate() error {
	if c.Registry.Enabled {
		u, err := url.Parse(c.Registry.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid registry.url %q", c.Registry.URL)
		}
	}
	if c.Registry.Timeout <= 0 {
		return fmt.Errorf("registry.timeout must be positive, got %s", c.Registry.Timeout)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q: must be text or json", c.Log.Format)
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", s)
	}
	return l, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
