// Command mira is the voice companion daemon. It opens the local audio
// devices, connects a live voice session, and serves the admin endpoint
// until interrupted.
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

	"github.com/miravoice/mira/internal/app"
	"github.com/miravoice/mira/internal/config"
	"github.com/miravoice/mira/internal/observe"
	captureport "github.com/miravoice/mira/pkg/capture/portaudio"
	playbackport "github.com/miravoice/mira/pkg/playback/portaudio"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	clipPath := flag.String("clip", "", "WAV file to send through the session instead of the microphone stream")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mira: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mira: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("mira starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "mira",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio devices ─────────────────────────────────────────────────────────
	var captureOpts []captureport.Option
	if cfg.Audio.CaptureRate > 0 {
		captureOpts = append(captureOpts, captureport.WithSampleRate(cfg.Audio.CaptureRate))
	}
	mic := captureport.New(captureOpts...)

	var playbackOpts []playbackport.Option
	if cfg.Audio.PlaybackRate > 0 {
		playbackOpts = append(playbackOpts, playbackport.WithSampleRate(cfg.Audio.PlaybackRate))
	}
	speaker, err := playbackport.Open(playbackOpts...)
	if err != nil {
		slog.Error("failed to open playback device", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, mic, speaker,
		app.WithLogLevelVar(levelVar),
		app.WithConfigWatch(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = speaker.Close()
		return 1
	}

	// Bring up the voice session once the app is running. A failed session
	// leaves the admin endpoint up so the health probes report the state.
	go func() {
		if err := application.Sessions().Start(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Error("session failed to start", "err", err)
			}
			return
		}
		if *clipPath != "" {
			if c := application.Sessions().Active(); c != nil {
				if err := c.SendTestClip(*clipPath); err != nil {
					slog.Error("failed to send clip", "path", *clipPath, "err", err)
				}
			}
		}
	}()

	slog.Info("mira ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := speaker.Close(); err != nil {
		slog.Warn("playback device close error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           Mira — voice companion      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", orDefault(cfg.Transport.Model, "(default)"))
	printRow("Voice", orDefault(cfg.Transport.Voice, "(default)"))
	printRow("Persona", orDefault(cfg.Persona.Name, "(unnamed)"))
	printRow("Language", orDefault(cfg.Persona.Language, "(unset)"))
	if cfg.Persistence.PostgresDSN != "" {
		printRow("Persistence", "postgres")
	} else {
		printRow("Persistence", "(in memory)")
	}
	if cfg.Mood.APIKey != "" {
		printRow("Mood analysis", "enabled")
	} else {
		printRow("Mood analysis", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
