package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Query.Timeout.Std())
	assert.Equal(t, 64, cfg.Queryable.MaxInFlight)
	assert.Equal(t, "service/echo", cfg.Client.EchoKey)
	assert.Equal(t, []string{"nats://127.0.0.1:4222"}, cfg.NATSURLs())
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "node.toml",
			content: `
[node]
name = "edge-1"
transport = "nats"
connect = ["nats://10.0.0.1:4222"]

[query]
timeout = "2s"

[[scripts]]
key = "service/upper"
file = "upper.lua"
`,
		},
		{
			name: "yaml",
			file: "node.yaml",
			content: `
node:
  name: edge-1
  transport: nats
  connect: ["nats://10.0.0.1:4222"]
query:
  timeout: 2s
scripts:
  - key: service/upper
    file: upper.lua
`,
		},
		{
			name: "json",
			file: "node.json",
			content: `{
  "node": {"name": "edge-1", "transport": "nats", "connect": ["nats://10.0.0.1:4222"]},
  "query": {"timeout": "2s"},
  "scripts": [{"key": "service/upper", "file": "upper.lua"}]
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, "edge-1", cfg.Node.Name)
			assert.Equal(t, "nats", cfg.Node.Transport)
			assert.Equal(t, []string{"nats://10.0.0.1:4222"}, cfg.NATSURLs())
			assert.Equal(t, 2*time.Second, cfg.Query.Timeout.Std())
			assert.Equal(t, []Script{{Key: "service/upper", File: "upper.lua"}}, cfg.Scripts)

			// Untouched keys keep their defaults.
			assert.Equal(t, "peer", cfg.Node.Mode)
			assert.Equal(t, 5*time.Second, cfg.Query.LateWindow.Std())
			require.NoError(t, cfg.Validate())
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = Load(writeFile(t, "node.ini", "x=1"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Load(writeFile(t, "bad.toml", "[query]\ntimeout = \"soon\""))
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestEnvLoader(t *testing.T) {
	l := NewEnvLoader(EnvPrefix)
	l.environ = func() []string {
		return []string{
			"KEYMESH_QUERY_TIMEOUT=3s",
			"KEYMESH_NATS_SUBJECT_PREFIX=mesh",
			"KEYMESH_LOG_LEVEL=debug",
			"KEYMESH_CONFIG=/etc/keymesh.toml",
			"KEYMESH_NODE_CONNECT=nats://a:4222, nats://b:4222",
			"KEYMESH_ADMIN_CORS_ORIGINS=[\"http://localhost:3000\"]",
			"KEYMESH_ADMIN_ENABLED=yes",
			"KEYMESH_QUERYABLE_MAX_IN_FLIGHT=8",
			"KEYMESH_SENSOR_STEP=0.5",
			"KEYMESH_UNKNOWN_THING=1",
			"OTHER_VAR=x",
		}
	}

	values := l.Load()
	assert.Equal(t, "3s", values["query.timeout"])
	assert.Equal(t, "debug", values["logging.level"])
	assert.NotContains(t, values, "config")

	cfg := Default()
	require.NoError(t, l.Apply(cfg))
	assert.Equal(t, 3*time.Second, cfg.Query.Timeout.Std())
	assert.Equal(t, "mesh", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Node.Connect)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Admin.CORSOrigins)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, 8, cfg.Queryable.MaxInFlight)
	assert.Equal(t, 0.5, cfg.Sensor.Step)
}

func TestEnvLoaderBadValue(t *testing.T) {
	l := NewEnvLoader(EnvPrefix)
	l.environ = func() []string { return []string{"KEYMESH_QUERYABLE_QUEUE=lots"} }

	err := l.Apply(Default())
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "KEYMESH_QUERYABLE_QUEUE", perr.Path)
}

func TestResolve(t *testing.T) {
	path := writeFile(t, "node.toml", "[node]\nname = \"from-file\"\n")
	t.Setenv(EnvConfigPath, path)
	t.Setenv("KEYMESH_SUBSCRIBER_OVERFLOW", "drop")

	cfg, err := Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Node.Name)
	assert.Equal(t, "drop", cfg.Subscriber.Overflow)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"mode", func(c *Config) { c.Node.Mode = "router" }, "node.mode"},
		{"transport", func(c *Config) { c.Node.Transport = "tcp" }, "node.transport"},
		{"timeout", func(c *Config) { c.Query.Timeout = 0 }, "query.timeout"},
		{"in flight", func(c *Config) { c.Queryable.MaxInFlight = 0 }, "queryable.max_in_flight"},
		{"overflow", func(c *Config) { c.Subscriber.Overflow = "spill" }, "subscriber.overflow"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"echo key", func(c *Config) { c.Client.EchoKey = "service/*" }, "client.echo_key"},
		{"sensor pattern", func(c *Config) { c.Sensor.Pattern = "a/**/b/**" }, "sensor.pattern"},
		{"retry", func(c *Config) { c.Retry.Multiplier = 0.5 }, "retry.multiplier"},
		{"script", func(c *Config) { c.Scripts = []Script{{Key: "x"}} }, "scripts[0].file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrValidationFailed)
			assert.Contains(t, err.Error(), tt.path)
		})
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeFile(t, "node.toml", "[logging]\nlevel = \"info\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { got <- c }, WithDebounce(10*time.Millisecond))
	}()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"debug\"\n"), 0o600))

	select {
	case cfg := <-got:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	assert.NoError(t, <-done)
}
