package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batchgate.yaml")
	doc := `
server:
  addr: ":9090"
  timeout: 5s
  rate_limit:
    rps: 2.5
    burst: 5
api:
  versions: [v1]
bulk:
  failed_status: 409
upstream:
  base_url: http://localhost:8000
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("BATCHGATE_ADDR", "")
	t.Setenv("BATCHGATE_UPSTREAM", "")
	t.Setenv("BATCHGATE_LOG_LEVEL", "debug")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Server.Addr = ":9090"
	want.Server.Timeout = 5 * time.Second
	want.Server.RateLimit = RateLimit{RPS: 2.5, Burst: 5}
	want.API.Versions = []string{"v1"}
	want.Bulk.FailedStatus = 409
	want.Upstream.BaseURL = "http://localhost:8000"
	want.Log = Log{Level: "debug", Format: "json"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	err := Decode(strings.NewReader("server:\n  adr: x\n"), &cfg)
	require.Error(t, err)

	cfg = Default()
	require.NoError(t, Decode(strings.NewReader(""), &cfg))
	require.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"root", func(c *Config) { c.API.Root = "api" }, "api.root"},
		{"default version", func(c *Config) { c.API.DefaultVersion = "v9" }, "api.default_version"},
		{"failed status", func(c *Config) { c.Bulk.FailedStatus = 200 }, "bulk.failed_status"},
		{"burst", func(c *Config) { c.Server.RateLimit.RPS = 1 }, "burst"},
		{"upstream", func(c *Config) { c.Upstream.BaseURL = "localhost" }, "upstream.base_url"},
		{"metrics path", func(c *Config) { c.Telemetry.MetricsPath = "metrics" }, "metrics_path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}
