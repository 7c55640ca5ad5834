// Command kapell is the main entry point for the Kapell conductor server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/kapellhq/kapell/internal/app"
	"github.com/kapellhq/kapell/internal/config"
	"github.com/kapellhq/kapell/internal/resilience"
	"github.com/kapellhq/kapell/pkg/provider/model"
	"github.com/kapellhq/kapell/pkg/provider/model/anthropic"
	"github.com/kapellhq/kapell/pkg/provider/model/anyllm"
	"github.com/kapellhq/kapell/pkg/provider/model/placeholder"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kapell: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("kapell starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"provider", cfg.Provider.Name,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build model provider", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, provider)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads the YAML file (falling back to pure defaults when the
// default path does not exist), applies environment overrides, and validates
// the result.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("no config file found, using defaults and environment", "path", path)
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}

	config.ApplyEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the provider factories that ship with
// Kapell into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("anthropic", func(entry config.ProviderConfig) (model.Provider, error) {
		return anthropic.New(anthropic.Config{
			APIKey:       entry.APIKey,
			BaseURL:      entry.BaseURL,
			Model:        entry.Model,
			MaxTokens:    entry.MaxTokens,
			SystemPrompt: entry.SystemPrompt,
			PartialDelay: entry.PartialDelay(),
		})
	})

	reg.Register("anyllm", func(entry config.ProviderConfig) (model.Provider, error) {
		var backendOpts []anyllmlib.Option
		if entry.APIKey != "" {
			backendOpts = append(backendOpts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			backendOpts = append(backendOpts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		var opts []anyllm.Option
		if entry.SystemPrompt != "" {
			opts = append(opts, anyllm.WithSystemPrompt(entry.SystemPrompt))
		}
		if d := entry.PartialDelay(); d > 0 {
			opts = append(opts, anyllm.WithPartialDelay(d))
		}
		return anyllm.New(entry.Backend, entry.Model, backendOpts, opts...)
	})

	reg.Register("placeholder", func(entry config.ProviderConfig) (model.Provider, error) {
		var opts []placeholder.Option
		if d := entry.PartialDelay(); d > 0 {
			opts = append(opts, placeholder.WithPartialDelay(d))
		}
		return placeholder.New(opts...), nil
	})
}

// buildProvider instantiates the configured model provider. Live providers
// are wrapped in a circuit breaker so a flapping upstream is bypassed with a
// fast provider failure instead of piling up timed-out turns.
func buildProvider(cfg *config.Config, reg *config.Registry) (model.Provider, error) {
	p, err := reg.Create(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", cfg.Provider.Name, err)
	}
	if cfg.Provider.Name == "placeholder" {
		return p, nil
	}
	return resilience.NewModelFallback(p, resilience.FallbackConfig{}), nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
