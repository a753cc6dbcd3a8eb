package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "clamdctl.toml", `
[clamd]
host = "clamav.internal"
port = 3311
max_connections = 8
pending_acquire_timeout = "2s"
response_timeout = "1m"
tls = true

[http]
listen = "127.0.0.1:9000"
max_body_bytes = 1048576

[grpc]
listen = ":9090"

[health]
interval = "5s"

[log]
level = "debug"
pretty = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "clamav.internal", cfg.Clamd.Host)
	assert.Equal(t, 3311, cfg.Clamd.Port)
	assert.Equal(t, 8, cfg.Clamd.MaxConnections)
	assert.Equal(t, 2*time.Second, cfg.Clamd.PendingAcquireTimeout)
	assert.Equal(t, 10*time.Second, cfg.Clamd.WarmupTimeout)
	assert.Equal(t, time.Minute, cfg.Clamd.ResponseTimeout)
	assert.True(t, cfg.Clamd.TLS)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Listen)
	assert.Equal(t, int64(1048576), cfg.HTTP.MaxBodyBytes)
	assert.Equal(t, ":9090", cfg.GRPC.Listen)
	assert.Equal(t, 5*time.Second, cfg.Health.Interval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "clamdctl.yaml", `
clamd:
  host: 10.0.0.5
  max_connections: 2
http:
  listen: ":8081"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Clamd.Host)
	assert.Equal(t, 3310, cfg.Clamd.Port)
	assert.Equal(t, 2, cfg.Clamd.MaxConnections)
	assert.Equal(t, ":8081", cfg.HTTP.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "clamdctl.toml", `
[clamd]
host = "from-file"
port = 3311
`)
	t.Setenv(EnvHost, "from-env")
	t.Setenv(EnvPort, "4000")
	t.Setenv(EnvMaxConnections, "16")
	t.Setenv(EnvTLS, "true")
	t.Setenv(EnvHTTPListen, ":7000")
	t.Setenv(EnvGRPCListen, ":7001")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Clamd.Host)
	assert.Equal(t, 4000, cfg.Clamd.Port)
	assert.Equal(t, 16, cfg.Clamd.MaxConnections)
	assert.True(t, cfg.Clamd.TLS)
	assert.Equal(t, ":7000", cfg.HTTP.Listen)
	assert.Equal(t, ":7001", cfg.GRPC.Listen)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want error
	}{
		{"unknown extension", "clamdctl.json", `{}`, ErrUnknownFormat},
		{"empty host", "c.toml", "[clamd]\nhost = \"\"\n", ErrHostRequired},
		{"bad port", "c.toml", "[clamd]\nport = 0\n", ErrInvalidPort},
		{"bad pool size", "c.yaml", "clamd:\n  max_connections: 0\n", ErrInvalidPoolSize},
		{"bad acquire timeout", "c.toml", "[clamd]\npending_acquire_timeout = \"0s\"\n", ErrInvalidTimeout},
		{"bad body size", "c.toml", "[http]\nmax_body_bytes = 0\n", ErrInvalidBodySize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, "c.toml", "[health]\ninterval = \"soon\"\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "health.interval")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
		assert.Error(t, err)
	})

	t.Run("bad env port", func(t *testing.T) {
		t.Setenv(EnvPort, "abc")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestClientOptions(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		opts, err := Default().Clamd.ClientOptions()
		require.NoError(t, err)
		assert.Len(t, opts, 4)
	})

	t.Run("tls", func(t *testing.T) {
		c := Default().Clamd
		c.TLS = true
		opts, err := c.ClientOptions()
		require.NoError(t, err)
		assert.Len(t, opts, 5)
	})

	t.Run("tls with invalid ca file", func(t *testing.T) {
		c := Default().Clamd
		c.TLS = true
		c.TLSCAFile = writeConfig(t, "ca.pem", "not a certificate")
		_, err := c.ClientOptions()
		assert.Error(t, err)
	})

	t.Run("tls with missing ca file", func(t *testing.T) {
		c := Default().Clamd
		c.TLS = true
		c.TLSCAFile = filepath.Join(t.TempDir(), "missing.pem")
		_, err := c.ClientOptions()
		assert.Error(t, err)
	})
}
