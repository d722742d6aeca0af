package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/pipeline"
	"github.com/conneroisu/sitepipe/internal/task"
)

// setViper overrides key for the duration of the test.
func setViper(t *testing.T, key string, value interface{}) {
	t.Helper()
	old := viper.Get(key)
	viper.Set(key, value)
	t.Cleanup(func() { viper.Set(key, old) })
}

func newTestCommand() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)
	c.SetErr(&out)
	return c, &out
}

func TestInitWritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".sitepipe.yml")

	old := initOutput
	initOutput = path
	t.Cleanup(func() { initOutput = old })

	c, out := newTestCommand()
	require.NoError(t, runInit(c, nil))
	assert.Contains(t, out.String(), "Wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "server:")
	assert.Contains(t, string(data), "watch:")

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	cfg, err := config.LoadFrom(v, config.ModeDevelopment)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Server.Development.Port, cfg.Server.Development.Port)
}

func TestInitRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.yml")
	require.NoError(t, os.WriteFile(path, []byte("# mine\n"), 0o644))

	old := initOutput
	initOutput = path
	t.Cleanup(func() { initOutput = old })

	c, _ := newTestCommand()
	err := runInit(c, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# mine\n", string(data))
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr string
	}{
		{name: "defaults", level: "", format: ""},
		{name: "json debug", level: "debug", format: "json"},
		{name: "text warn", level: "warn", format: "text"},
		{name: "bad level", level: "loud", format: "text", wantErr: "unknown log level"},
		{name: "bad format", level: "info", format: "xml", wantErr: "unsupported log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setViper(t, "log-level", tt.level)
			setViper(t, "log-format", tt.format)

			logger, err := newLogger(&bytes.Buffer{})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestCurrentMode(t *testing.T) {
	old := production
	t.Cleanup(func() { production = old })

	production = false
	setViper(t, "production", false)
	assert.Equal(t, config.ModeDevelopment, currentMode())

	production = true
	assert.Equal(t, config.ModeProduction, currentMode())

	production = false
	setViper(t, "production", true)
	assert.Equal(t, config.ModeProduction, currentMode())
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, pipeline.Summary{
		Results: []task.Result{
			{Task: "styles", Status: task.StatusSucceeded, Duration: 12 * time.Millisecond, Written: 3, Skipped: 1},
			{Task: "scripts", Status: task.StatusEnded, Duration: 40 * time.Millisecond},
			{Task: "images", Status: task.StatusTimedOut, Duration: time.Second},
		},
	})

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "styles")
	assert.Contains(t, string(lines[0]), "3 written, 1 unchanged")
	assert.NotContains(t, string(lines[0]), "succeeded")
	assert.Contains(t, string(lines[1]), "ended")
	assert.Contains(t, string(lines[2]), "timed out")
}

func TestVersionCommand(t *testing.T) {
	oldShort, oldFormat := versionShort, versionFormat
	t.Cleanup(func() { versionShort, versionFormat = oldShort, oldFormat })

	t.Run("detailed", func(t *testing.T) {
		versionShort, versionFormat = false, "text"
		c, out := newTestCommand()
		require.NoError(t, runVersion(c, nil))
		assert.Contains(t, out.String(), "sitepipe ")
		assert.Contains(t, out.String(), "Go:")
	})

	t.Run("short", func(t *testing.T) {
		versionShort, versionFormat = true, "text"
		c, out := newTestCommand()
		require.NoError(t, runVersion(c, nil))
		assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("\n")))
	})

	t.Run("json", func(t *testing.T) {
		versionShort, versionFormat = false, "json"
		c, out := newTestCommand()
		require.NoError(t, runVersion(c, nil))

		var info map[string]interface{}
		require.NoError(t, json.Unmarshal(out.Bytes(), &info))
		assert.Contains(t, info, "version")
		assert.Contains(t, info, "go_version")
	})

	t.Run("unsupported", func(t *testing.T) {
		versionShort, versionFormat = false, "yaml"
		c, _ := newTestCommand()
		assert.Error(t, runVersion(c, nil))
	})
}

func TestOriginPatterns(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeDevelopment
	cfg.Server.Development.Port = 8080

	cfg.Server.Host = "localhost"
	assert.Equal(t, []string{"localhost:8080", "127.0.0.1:8080"}, originPatterns(cfg))

	cfg.Server.Host = "dev.example.test"
	assert.Equal(t, []string{"localhost:8080", "127.0.0.1:8080", "dev.example.test:8080"}, originPatterns(cfg))
}

func TestBindServerFlags(t *testing.T) {
	setViper(t, "server.host", nil)
	setViper(t, "server.production.port", nil)

	flags := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	flags.String("host", "", "")
	flags.Int("port", 0, "")
	require.NoError(t, flags.Parse([]string{"--port", "9090", "--host", "0.0.0.0"}))

	bindServerFlags(flags, config.ModeProduction)
	assert.Equal(t, "0.0.0.0", viper.GetString("server.host"))
	assert.Equal(t, 9090, viper.GetInt("server.production.port"))
}

func TestBindServerFlagsLeavesUnsetFlags(t *testing.T) {
	setViper(t, "server.host", "example.test")

	flags := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	flags.String("host", "", "")
	flags.Int("port", 0, "")
	require.NoError(t, flags.Parse(nil))

	bindServerFlags(flags, config.ModeDevelopment)
	assert.Equal(t, "example.test", viper.GetString("server.host"))
}
