// Command registry-cache is a pull-through caching proxy for OCI
// container registries. Blob fetches are cached on local disk; all
// other registry traffic is forwarded to the configured upstream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/re-cinq/registry-cache/config"
	"github.com/re-cinq/registry-cache/server"
)

var cli struct {
	Config    string `short:"c" default:"config.yaml" help:"Path to the configuration file."`
	LogLevel  string `default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogFormat string `default:"text" enum:"text,json" help:"Log format."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("registry-cache"),
		kong.Description("Pull-through caching proxy for OCI container registries."),
		kong.UsageOnError(),
	)

	// Fatal startup errors exit non-zero; a clean shutdown exits 0.
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger, err := buildLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		// Draining is unbounded here: in-flight downloads run to
		// completion. An outer supervisor enforces any hard limit.
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
