// Command flowgate runs the edge server: it loads a TOML config file,
// opens every configured listener, and serves until terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/server"
	"github.com/flowgate/flowgate/internal/tlsconfig"
)

func main() {
	var (
		configPath   string
		logLevel     slog.Level
		watchConfig  bool
		shutdownWait time.Duration
	)
	flag.StringVar(&configPath, "config", "flowgate.toml", "Path to the TOML configuration file")
	flag.TextVar(&logLevel, "log-level", slog.LevelInfo, "Set the log level (DEBUG, INFO, WARN, ERROR)")
	flag.BoolVar(&watchConfig, "watch-config", true, "Reload automatically when the config file changes on disk")
	flag.DurationVar(&shutdownWait, "shutdown-grace", 10*time.Second, "How long to wait for in-flight requests on shutdown")
	flag.Parse()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	log := slog.New(h)
	slog.SetDefault(log)
	_ = logr.FromSlogHandler(h) // available for any dependency that wants a logr.Logger

	if err := run(configPath, watchConfig, shutdownWait, log); err != nil {
		log.Error("flowgate exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string, watchConfig bool, shutdownWait time.Duration, log *slog.Logger) error {
	snap, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	coordinator := config.NewCoordinator(snap, log)
	reg := metrics.NewRegistry()

	// §3's Non-goals exclude a built-in ACME client; a snapshot with
	// acme_enabled set will fail tlsconfig.Build at listener-start time
	// with a clear error rather than silently serving plaintext.
	var acme tlsconfig.ACMEResolver

	rt := server.New(coordinator, configPath, reg, acme, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("starting listeners: %w", err)
	}
	log.Info("flowgate started", slog.String("config", configPath))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var watcher *fsnotify.Watcher
	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if watchConfig {
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			log.Warn("config watch disabled: could not start fsnotify", slog.String("error", err.Error()))
		} else {
			defer watcher.Close()
			if err := watcher.Add(configPath); err != nil {
				log.Warn("config watch disabled: could not watch file", slog.String("path", configPath), slog.String("error", err.Error()))
			} else {
				fsEvents = watcher.Events
				fsErrors = watcher.Errors
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
			defer cancel()
			if err := rt.Shutdown(sctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil

		case <-hup:
			log.Info("reloading config (SIGHUP)", slog.String("path", configPath))
			reload(rt, log)

		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Info("reloading config (file changed)", slog.String("path", configPath))
			reload(rt, log)

		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func reload(rt *server.Runtime, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.ReloadFromConfigPath(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("config reload failed", slog.String("error", err.Error()))
	}
}
