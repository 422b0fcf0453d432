package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	envFiles      []string
	origins       []string
	watch         bool
	watchInterval time.Duration
}

func newServeCommand(configPath *string) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the voice conversation server",
		Long: `Run the HTTP server. Browsers connect to /v1/session over WebSocket;
/healthz, /readyz and /metrics serve operations.

Conversation, voice, gate and log level settings are reloaded from the
config file while the server runs (--watch), or on SIGHUP. New sessions use
them; other changes need a restart.`,
		Example: `  parley serve --config config.yaml
  parley serve --allow-origin "localhost:*" --watch=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, *configPath, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to load before the config")
	cmd.Flags().StringSliceVar(&opts.origins, "allow-origin", nil, "host patterns allowed to open cross-origin WebSocket sessions")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "reload hot-reloadable settings when the config file changes")
	cmd.Flags().DurationVar(&opts.watchInterval, "watch-interval", config.DefaultWatchInterval, "config file polling interval")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, opts *serveOptions) error {
	cfg, err := loadConfig(configPath, opts.envFiles)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg, observe.HTTPClient(0))
	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		return err
	}
	for kind, name := range map[string]string{"llm": providers.LLMName, "stt": providers.STTName, "tts": providers.TTSName} {
		slog.Info("provider created", "kind", kind, "name", name)
	}

	printStartupSummary(cmd.OutOrStdout(), cfg)

	application, err := app.New(cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(&level),
		app.WithGatherer(tel.Gatherer()),
		app.WithOriginPatterns(opts.origins...),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if opts.watch {
		w, err := config.NewWatcher(configPath, func(_, next *config.Config) {
			application.ApplyConfig(next)
		}, config.WithInterval(opts.watchInterval), config.WithWatcherLogger(logger))
		if err != nil {
			return err
		}
		defer w.Stop()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if _, err := w.Reload(); err != nil {
						slog.Warn("config reload failed", "err", err)
					}
				}
			}
		}()
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         parley startup summary        ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "LLM", providerLabel(cfg.Providers.LLM))
	printRow(w, "STT", providerLabel(cfg.Providers.STT))
	printRow(w, "TTS", providerLabel(cfg.Providers.TTS))
	printRow(w, "Gate profile", cfg.Gate.Profile)
	printRow(w, "Voice", cfg.Voice.VoiceID)
	printRow(w, "Kickoff", onOff(cfg.Conversation.KickoffPrompt != ""))
	printRow(w, "Breaker", onOff(cfg.Synthesis.CircuitBreaker.Enabled))
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if value == "" {
		value = "(default)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", label, value)
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
