// Package config loads the service configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	API       API       `yaml:"api"`
	Bulk      Bulk      `yaml:"bulk"`
	Upstream  Upstream  `yaml:"upstream"`
	Telemetry Telemetry `yaml:"telemetry"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Addr         string        `yaml:"addr"`
	Timeout      time.Duration `yaml:"timeout"`
	Pretty       bool          `yaml:"pretty"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	CORS         bool          `yaml:"cors"`
	RateLimit    RateLimit     `yaml:"rate_limit"`
}

// RateLimit is disabled when RPS is zero.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type API struct {
	Root           string   `yaml:"root"`
	DefaultVersion string   `yaml:"default_version"`
	Versions       []string `yaml:"versions"`
}

type Bulk struct {
	FailedStatus       int `yaml:"failed_status"`
	LegacyFailedStatus int `yaml:"legacy_failed_status"`
	MaxOperations      int `yaml:"max_operations"`
}

// Upstream selects the remote adapter when BaseURL is set.
type Upstream struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Telemetry struct {
	OTelEndpoint string `yaml:"otel_endpoint"`
	Service      string `yaml:"service"`
	MetricsPath  string `yaml:"metrics_path"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:         ":8080",
			Timeout:      30 * time.Second,
			MaxBodyBytes: 1 << 20,
			CORS:         true,
		},
		API: API{
			Root:           "/api/",
			DefaultVersion: "v1",
			Versions:       []string{"v1", "v2"},
		},
		Bulk: Bulk{
			FailedStatus:       502,
			LegacyFailedStatus: 400,
			MaxOperations:      100,
		},
		Upstream: Upstream{Timeout: 10 * time.Second},
		Telemetry: Telemetry{
			Service:     "batchgate",
			MetricsPath: "/metrics",
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path over Default and applies environment overrides. An empty
// path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(bytes.NewReader(data), &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	ApplyEnv(&cfg, os.Getenv)
	return cfg, cfg.Validate()
}

// Decode overlays the YAML document in r onto cfg. Unknown keys are errors.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides a few deployment settings from the environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := strings.TrimSpace(getenv("BATCHGATE_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(getenv("BATCHGATE_UPSTREAM")); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := strings.TrimSpace(getenv("BATCHGATE_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTelEndpoint = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.Timeout < 0 {
		errs = append(errs, errors.New("server.timeout must not be negative"))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("server.max_body_bytes must not be negative"))
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("server.rate_limit.burst is required when rps is set"))
	}
	if !strings.HasPrefix(c.API.Root, "/") || !strings.HasSuffix(c.API.Root, "/") {
		errs = append(errs, fmt.Errorf("api.root %q must start and end with /", c.API.Root))
	}
	if c.API.DefaultVersion == "" {
		errs = append(errs, errors.New("api.default_version is required"))
	} else if len(c.API.Versions) > 0 && !contains(c.API.Versions, c.API.DefaultVersion) {
		errs = append(errs, fmt.Errorf("api.default_version %q is not in api.versions", c.API.DefaultVersion))
	}
	for _, v := range c.API.Versions {
		if v == "" || strings.Contains(v, "/") {
			errs = append(errs, fmt.Errorf("api.versions: invalid version %q", v))
		}
	}
	if !validStatus(c.Bulk.FailedStatus) {
		errs = append(errs, fmt.Errorf("bulk.failed_status %d is not an error status", c.Bulk.FailedStatus))
	}
	if !validStatus(c.Bulk.LegacyFailedStatus) {
		errs = append(errs, fmt.Errorf("bulk.legacy_failed_status %d is not an error status", c.Bulk.LegacyFailedStatus))
	}
	if c.Bulk.MaxOperations < 0 {
		errs = append(errs, errors.New("bulk.max_operations must not be negative"))
	}
	if c.Upstream.BaseURL != "" {
		if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("upstream.base_url %q is not an absolute URL", c.Upstream.BaseURL))
		}
	}
	if p := c.Telemetry.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}
	return errors.Join(errs...)
}

func validStatus(s int) bool { return s >= 400 && s <= 599 }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
