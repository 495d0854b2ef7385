// Command vfscache reads, writes and mounts files through the virtual
// filesystem handlers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/wolfeidau/vfs-cache/config"
	"github.com/wolfeidau/vfs-cache/handlers"
	"github.com/wolfeidau/vfs-cache/paging"
	"github.com/wolfeidau/vfs-cache/telemetry"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	LogLevel     string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"VFSCACHE_LOG_LEVEL"`
	LogFormat    string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"VFSCACHE_LOG_FORMAT"`
	Config       string `help:"JWCC file of VSI options." type:"existingfile" env:"VFSCACHE_CONFIG"`
	MetricsAddr  string `help:"Serve Prometheus metrics on this address." env:"VFSCACHE_METRICS_ADDR"`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Version kong.VersionFlag `help:"Print the version and exit."`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Cat          CatCmd          `cmd:"" help:"Write a file to stdout."`
	Ls           LsCmd           `cmd:"" help:"List a directory."`
	Stat         StatCmd         `cmd:"" help:"Describe a file or directory."`
	Cp           CpCmd           `cmd:"" help:"Copy a file between any two paths."`
	Digest       DigestCmd       `cmd:"" help:"Print the BLAKE3 digest of files."`
	Encrypt      EncryptCmd      `cmd:"" help:"Copy a file into a /vsicrypt/ container."`
	Decrypt      DecryptCmd      `cmd:"" help:"Copy a file out of a /vsicrypt/ container."`
	Mount        MountCmd        `cmd:"" help:"Mount a virtual directory read-only."`
	ServeMetrics ServeMetricsCmd `cmd:"" name:"serve-metrics" help:"Serve Prometheus metrics until interrupted."`
}

// App carries what commands need at run time.
type App struct {
	Ctx    context.Context
	Logger *slog.Logger
	Set    *handlers.Set
	Stdout io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("vfscache"),
		kong.Description("Read, write and mount files through virtual filesystem handlers."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	logger, err := newLogger(cli.LogLevel, cli.LogFormat, stderr)
	if err != nil {
		return err
	}

	opts := config.New()
	if cli.Config != "" {
		if err := opts.LoadFile(cli.Config); err != nil {
			return fmt.Errorf("loading %s: %w", cli.Config, err)
		}
	}

	prometheus := cli.MetricsAddr != "" || kctx.Command() == "serve-metrics"
	metrics := prometheus || cli.OTLPEndpoint != ""
	if metrics {
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "vfscache",
			ServiceVersion:   version,
			OTLPEndpoint:     cli.OTLPEndpoint,
			EnablePrometheus: prometheus,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown failed", "error", err)
			}
		}()
	}
	if cli.MetricsAddr != "" {
		srv := newMetricsServer(cli.MetricsAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
		logger.Info("serving metrics", "address", cli.MetricsAddr)
	}

	set := handlers.New(handlers.Config{
		Options:    opts,
		Logger:     logger,
		Stdin:      stdin,
		Instrument: metrics,
		GeneratedKey: func(path string, key []byte) {
			logger.Warn("store this generated key, it is not recoverable", "path", path, "key_b64", encodeKey(key))
		},
	})
	app := &App{Ctx: ctx, Logger: logger, Set: set, Stdout: stdout}

	runErr := kctx.Run(app, &cli.Globals)
	if err := set.Close(); err != nil {
		logger.Warn("closing handlers failed", "error", err)
	}
	if err := paging.Terminate(); err != nil {
		logger.Warn("stopping paging manager failed", "error", err)
	}
	if runErr != nil {
		logger.Error("command failed", "command", kctx.Command(), "error", runErr)
	}
	return runErr
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}
	switch format {
	case "text":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(w),
		})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
