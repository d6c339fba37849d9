package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty working directory with an empty home.
func isolate(t *testing.T) string {
	t.Helper()
	t.Chdir(t.TempDir())
	return t.TempDir()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Bool("use-registry", false, "")
	fs.String("registry-url", "", "")
	fs.Duration("timeout", 0, "")
	fs.String("journal", "", "")
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, used, err := Load(LoadOptions{HomeDir: home})
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, Defaults(), cfg)
	assert.False(t, cfg.Registry.Enabled)
	assert.Equal(t, "http://localhost:8000/", cfg.Registry.URL)
	assert.Equal(t, 10*time.Second, cfg.Registry.Timeout)
	assert.Equal(t, "0000000000000000", cfg.Serial.Sentinel)
}

func TestLoad_UnsetFlagsKeepDefaults(t *testing.T) {
	home := isolate(t)

	cfg, _, err := Load(LoadOptions{HomeDir: home, Flags: testFlags()})
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_ExplicitFile(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(t.TempDir(), "station.yaml")
	writeFile(t, path, `
registry:
  enabled: true
  url: http://registry.factory:8000/
  timeout: 3s
serial:
  sentinel: "FFFFFFFF"
journal:
  path: /var/lib/mfgtest/journal.db
log:
  level: debug
  format: json
tracing:
  enabled: true
  exporter: otlp
  otlp_endpoint: collector:4317
`)

	cfg, used, err := Load(LoadOptions{ConfigFile: path, HomeDir: home})
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.True(t, cfg.Registry.Enabled)
	assert.Equal(t, "http://registry.factory:8000/", cfg.Registry.URL)
	assert.Equal(t, 3*time.Second, cfg.Registry.Timeout)
	assert.Equal(t, "FFFFFFFF", cfg.Serial.Sentinel)
	assert.Equal(t, "/var/lib/mfgtest/journal.db", cfg.Journal.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, "collector:4317", cfg.Tracing.OTLPEndpoint)
	assert.Equal(t, "mfgtest", cfg.Tracing.ServiceName, "unset keys keep defaults")
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	home := isolate(t)

	_, _, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "absent.yaml"), HomeDir: home})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_LocalFileBeforeUserFile(t *testing.T) {
	home := isolate(t)
	writeFile(t, LocalConfigFile, "registry:\n  url: http://local:1/\n")
	writeFile(t, filepath.Join(home, ".config", "mfgtest", "config.yaml"), "registry:\n  url: http://user:2/\n")

	cfg, used, err := Load(LoadOptions{HomeDir: home})
	require.NoError(t, err)
	assert.Equal(t, LocalConfigFile, used)
	assert.Equal(t, "http://local:1/", cfg.Registry.URL)
}

func TestLoad_UserFile(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".config", "mfgtest", "config.yaml"), "journal:\n  path: journal.db\n")

	cfg, used, err := Load(LoadOptions{HomeDir: home})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "mfgtest", "config.yaml"), used)
	assert.Equal(t, "journal.db", cfg.Journal.Path)
}

func TestLoad_Precedence(t *testing.T) {
	home := isolate(t)
	writeFile(t, LocalConfigFile, `
registry:
  enabled: false
  url: http://file:1/
  timeout: 1s
journal:
  path: file.db
`)
	t.Setenv("MFGTEST_REGISTRY_URL", "http://env:2/")
	t.Setenv("MFGTEST_REGISTRY_TIMEOUT", "20s")
	t.Setenv("MFGTEST_JOURNAL_PATH", "env.db")

	flags := testFlags()
	require.NoError(t, flags.Parse([]string{"--registry-url", "http://flag:3/", "--use-registry"}))

	cfg, _, err := Load(LoadOptions{HomeDir: home, Flags: flags})
	require.NoError(t, err)
	assert.True(t, cfg.Registry.Enabled, "flag over file")
	assert.Equal(t, "http://flag:3/", cfg.Registry.URL, "flag over env")
	assert.Equal(t, 20*time.Second, cfg.Registry.Timeout, "env over file")
	assert.Equal(t, "env.db", cfg.Journal.Path, "env over file")
}

func TestLoad_MalformedFile(t *testing.T) {
	home := isolate(t)
	writeFile(t, LocalConfigFile, "registry: [unclosed\n")

	_, _, err := Load(LoadOptions{HomeDir: home})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad url ignored when disabled", func(c *Config) { c.Registry.URL = "::" }, ""},
		{"bad url", func(c *Config) { c.Registry.Enabled = true; c.Registry.URL = "localhost" }, "invalid registry.url"},
		{"zero timeout", func(c *Config) { c.Registry.Timeout = 0 }, "registry.timeout must be positive"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "invalid log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "invalid log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
