package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hanpama/batchgate/internal/config"
	"github.com/hanpama/batchgate/internal/dispatch"
	"github.com/hanpama/batchgate/internal/eventbus"
	"github.com/hanpama/batchgate/internal/executor"
	"github.com/hanpama/batchgate/internal/httptp"
	"github.com/hanpama/batchgate/internal/logging"
	"github.com/hanpama/batchgate/internal/metrics"
	"github.com/hanpama/batchgate/internal/operation"
	"github.com/hanpama/batchgate/internal/otel"
	"github.com/hanpama/batchgate/internal/ratelimit"
	"github.com/hanpama/batchgate/internal/reference"
	"github.com/hanpama/batchgate/internal/resource"
	"github.com/hanpama/batchgate/internal/server"
	"github.com/hanpama/batchgate/internal/store"
	"github.com/hanpama/batchgate/internal/value"
)

const rootUsage = `batchgate - batch gateway for REST resource APIs

USAGE:
  batchgate <command> [flags]

COMMANDS:
  serve            Run the HTTP batch endpoint
  exec             Run one batch file against an in-process resource API
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>                      YAML configuration file
  -server.addr <addr>                 HTTP listen address (default: :8080)
  -server.pretty                      Pretty-print JSON responses
  -server.timeout <duration>          Per-request timeout, e.g. 10s (default: 30s)
  -server.max-body-bytes N            Request body limit in bytes
  -bulk.max-operations N              Operations allowed in one batch
  -upstream.url <url>                 Forward operations to this REST API instead of
                                      serving the in-process resources
  -upstream.timeout <duration>        Upstream request timeout (default: 10s)
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: batchgate)
  -metrics.path <path>                Prometheus endpoint, empty disables (default: /metrics)
  -log.level <level>                  debug, info, warn or error (default: info)
  -log.format <format>                text or json (default: text)
  (Flags override the configuration file)
`

const execUsage = `exec FLAGS:
  -file <file>             Batch JSON file, - for stdin (required)
  -mode <mode>             atomic or best-effort (default: best-effort)
  -version <v>             Default API version (default: v1)
  -pretty                  Pretty-print the envelopes
  -check                   Only list references that point at later operations
  (Envelopes are printed to stdout, the outer status to stderr)
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("batchgate", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return cmdServe(ctx, cmdArgs, stderr)
	case "exec":
		return cmdExec(cmdArgs, os.Stdin, stdout, stderr)
	case "help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "exec":
		fmt.Fprint(stdout, execUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

// serveConfig parses the serve flags over the configuration file.
func serveConfig(args []string) (config.Config, error) {
	var (
		path     string
		flagsCfg = config.Default()
	)
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&path, "config", "", "YAML configuration file")
	fs.StringVar(&flagsCfg.Server.Addr, "server.addr", flagsCfg.Server.Addr, "HTTP listen address")
	fs.BoolVar(&flagsCfg.Server.Pretty, "server.pretty", flagsCfg.Server.Pretty, "Pretty-print JSON responses")
	fs.DurationVar(&flagsCfg.Server.Timeout, "server.timeout", flagsCfg.Server.Timeout, "Per-request timeout")
	fs.Int64Var(&flagsCfg.Server.MaxBodyBytes, "server.max-body-bytes", flagsCfg.Server.MaxBodyBytes, "Request body limit")
	fs.IntVar(&flagsCfg.Bulk.MaxOperations, "bulk.max-operations", flagsCfg.Bulk.MaxOperations, "Operations per batch")
	fs.StringVar(&flagsCfg.Upstream.BaseURL, "upstream.url", flagsCfg.Upstream.BaseURL, "Upstream REST API")
	fs.DurationVar(&flagsCfg.Upstream.Timeout, "upstream.timeout", flagsCfg.Upstream.Timeout, "Upstream request timeout")
	fs.StringVar(&flagsCfg.Telemetry.OTelEndpoint, "otel.endpoint", flagsCfg.Telemetry.OTelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&flagsCfg.Telemetry.Service, "otel.service", flagsCfg.Telemetry.Service, "OpenTelemetry service name")
	fs.StringVar(&flagsCfg.Telemetry.MetricsPath, "metrics.path", flagsCfg.Telemetry.MetricsPath, "Prometheus endpoint")
	fs.StringVar(&flagsCfg.Log.Level, "log.level", flagsCfg.Log.Level, "Log level")
	fs.StringVar(&flagsCfg.Log.Format, "log.format", flagsCfg.Log.Format, "Log format")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server.addr":
			cfg.Server.Addr = flagsCfg.Server.Addr
		case "server.pretty":
			cfg.Server.Pretty = flagsCfg.Server.Pretty
		case "server.timeout":
			cfg.Server.Timeout = flagsCfg.Server.Timeout
		case "server.max-body-bytes":
			cfg.Server.MaxBodyBytes = flagsCfg.Server.MaxBodyBytes
		case "bulk.max-operations":
			cfg.Bulk.MaxOperations = flagsCfg.Bulk.MaxOperations
		case "upstream.url":
			cfg.Upstream.BaseURL = flagsCfg.Upstream.BaseURL
		case "upstream.timeout":
			cfg.Upstream.Timeout = flagsCfg.Upstream.Timeout
		case "otel.endpoint":
			cfg.Telemetry.OTelEndpoint = flagsCfg.Telemetry.OTelEndpoint
		case "otel.service":
			cfg.Telemetry.Service = flagsCfg.Telemetry.Service
		case "metrics.path":
			cfg.Telemetry.MetricsPath = flagsCfg.Telemetry.MetricsPath
		case "log.level":
			cfg.Log.Level = flagsCfg.Log.Level
		case "log.format":
			cfg.Log.Format = flagsCfg.Log.Format
		}
	})
	return cfg, cfg.Validate()
}

func cmdServe(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := serveConfig(args)
	if err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, stderr)
	eventbus.Use(eventbus.New())
	defer logging.Subscribe(logger)()

	shutdown, err := otel.Setup(cfg.Telemetry.OTelEndpoint, cfg.Telemetry.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	h, closeApp := newApp(cfg)
	defer closeApp()

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("batch server listening",
		"addr", cfg.Server.Addr, "root", cfg.API.Root, "upstream", cfg.Upstream.BaseURL)

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newApp wires the batch handler, the adapter and the metrics endpoint
// described by cfg. The event bus must be installed by the caller.
func newApp(cfg config.Config) (http.Handler, func()) {
	mux := http.NewServeMux()
	closers := []func(){}

	var adapter dispatch.Adapter
	if cfg.Upstream.BaseURL != "" {
		tp := httptp.New(
			httptp.WithProvider(httptp.NewStaticEndpoints(map[string][]string{
				httptp.AnyVersion: {strings.TrimRight(cfg.Upstream.BaseURL, "/")},
			})),
			httptp.WithRequestTimeout(cfg.Upstream.Timeout),
		)
		closers = append(closers, func() { _ = tp.Close() })
		adapter = tp
	} else {
		api := resource.New(store.New(),
			resource.WithRoot(cfg.API.Root),
			resource.WithVersions(cfg.API.Versions...),
			resource.WithServiceName(cfg.Telemetry.Service),
		)
		mux.Handle(cfg.API.Root, api)
		adapter = api
	}

	var sopts []server.Option
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if cfg.Server.Timeout > 0 {
		sopts = append(sopts, server.WithTimeout(cfg.Server.Timeout))
	}
	if cfg.Server.CORS {
		sopts = append(sopts, server.WithCORS("*"))
	}
	if rl := cfg.Server.RateLimit; rl.RPS > 0 {
		sopts = append(sopts, server.WithRateLimit(ratelimit.New(rl.RPS, rl.Burst, 0)))
	}
	sopts = append(sopts,
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithMaxOperations(cfg.Bulk.MaxOperations),
		server.WithFailedStatus(cfg.Bulk.FailedStatus),
		server.WithLegacyFailedStatus(cfg.Bulk.LegacyFailedStatus),
	)
	h := server.New(adapter, normalizer(cfg.API), sopts...)
	mux.Handle(cfg.API.Root+"endpoint/{$}", h)
	mux.Handle(cfg.API.Root+"{version}/_bulk/{$}", h)

	if cfg.Telemetry.MetricsPath != "" {
		m := metrics.New()
		closers = append(closers, m.Attach())
		mux.Handle(cfg.Telemetry.MetricsPath, m.Handler())
	}
	return mux, func() {
		for _, c := range closers {
			c()
		}
	}
}

func normalizer(api config.API) operation.Normalizer {
	return operation.Normalizer{Root: api.Root, DefaultVersion: api.DefaultVersion, Versions: api.Versions}
}

func cmdExec(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	file := ""
	mode := "best-effort"
	version := "v1"
	pretty := false
	check := false
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&file, "file", file, "Batch JSON file")
	fs.StringVar(&mode, "mode", mode, "atomic or best-effort")
	fs.StringVar(&version, "version", version, "Default API version")
	fs.BoolVar(&pretty, "pretty", pretty, "Pretty-print the envelopes")
	fs.BoolVar(&check, "check", check, "Only check references")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, execUsage)
		return err
	}
	if file == "" {
		fmt.Fprint(stderr, execUsage)
		return fmt.Errorf("-file is required")
	}
	var m executor.Mode
	switch mode {
	case "atomic":
		m = executor.Atomic
	case "best-effort", "best_effort":
		m = executor.BestEffort
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}
	batch, err := value.Parse(data)
	if err != nil {
		return fmt.Errorf("parse batch: %w", err)
	}
	if batch.Kind() != value.KindSequence {
		return fmt.Errorf("batch must be a list of operations, got %s", batch.Kind())
	}
	if check {
		bad := 0
		for i, op := range batch.Items() {
			for _, tok := range forwardRefs(i, op) {
				fmt.Fprintf(stdout, "operation %d: %s refers to operation %d\n", i, tok.Raw, tok.Index)
				bad++
			}
		}
		if bad > 0 {
			return fmt.Errorf("%d forward references", bad)
		}
		return nil
	}

	cfg := config.Default()
	cfg.API.DefaultVersion = version
	if err := cfg.Validate(); err != nil {
		return err
	}
	api := resource.New(store.New(), resource.WithRoot(cfg.API.Root), resource.WithVersions(cfg.API.Versions...))
	n := normalizer(cfg.API)
	exec := executor.New(api, &n, executor.WithFailedStatus(cfg.Bulk.FailedStatus))
	res := exec.Execute(context.Background(), executor.Batch{Mode: m, Operations: batch.Items()})

	enc := json.NewEncoder(stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(res.Envelopes); err != nil {
		return err
	}
	fmt.Fprintf(stderr, "status %d\n", res.Status)
	if res.Err != nil {
		fmt.Fprintf(stderr, "aborted: %v\n", res.Err)
	}
	return nil
}

// forwardRefs lists the tokens in v that point at operation i or later.
func forwardRefs(i int, v value.Value) []reference.Token {
	var out []reference.Token
	switch v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		for _, tok := range reference.Tokens(s) {
			if tok.Index < 0 || tok.Index >= i {
				out = append(out, tok)
			}
		}
	case value.KindSequence:
		for _, item := range v.Items() {
			out = append(out, forwardRefs(i, item)...)
		}
	case value.KindMapping:
		for _, k := range v.Keys() {
			f, _ := v.Get(k)
			out = append(out, forwardRefs(i, f)...)
		}
	}
	return out
}
