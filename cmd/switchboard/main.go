// Command switchboard is the main entry point for the switchboard phone agent
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MrWong99/switchboard/internal/app"
	"github.com/MrWong99/switchboard/internal/config"
	"github.com/MrWong99/switchboard/internal/observe"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	watch := flag.Bool("watch", true, "reload log level and personas when the config file changes")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "switchboard: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "switchboard: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "switchboard: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("switchboard starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(observe.WithService("switchboard", version))
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Pipeline.SampleRate)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	logStartup(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogger(logger), app.WithLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		if stopWatch := watchConfig(ctx, *configPath, application, logger); stopWatch != nil {
			defer stopWatch()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, draining calls", "timeout", cfg.Server.ShutdownTimeout)
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// watchConfig reloads the application when the config file changes or the
// process receives SIGHUP. It returns nil when the watcher cannot start.
func watchConfig(ctx context.Context, path string, application *app.App, logger *slog.Logger) (stop func()) {
	w, err := config.NewWatcher(path, application.Reload, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
		return nil
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-hup:
				slog.Info("SIGHUP received, reloading config")
				w.Trigger()
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		signal.Stop(hup)
		w.Stop()
	}
}

// logStartup records the provider selection once at boot.
func logStartup(cfg *config.Config) {
	store := "memory"
	if cfg.Database.PostgresDSN != "" {
		store = "postgres"
	}
	slog.Info("providers",
		"llm", providerLabel(cfg.Providers.LLM),
		"llm_fallbacks", len(cfg.Providers.LLMFallbacks),
		"stt", providerLabel(cfg.Providers.STT),
		"tts", providerLabel(cfg.Providers.TTS),
		"vad", cfg.Providers.VAD.Name,
		"telephony", cfg.Telephony.Provider,
	)
	slog.Info("agents",
		"default", cfg.Agents.Default,
		"inline", len(cfg.Agents.Inline),
		"file", cfg.Agents.File,
		"store", store,
		"max_calls", cfg.Server.MaxCalls,
	)
}

func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(none)"
	case e.Model == "":
		return e.Name
	}
	return e.Name + "/" + e.Model
}
