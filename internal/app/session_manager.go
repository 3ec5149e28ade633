package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miravoice/mira/internal/config"
	"github.com/miravoice/mira/internal/controller"
	"github.com/miravoice/mira/internal/persona"
	"github.com/miravoice/mira/pkg/capture"
	"github.com/miravoice/mira/pkg/playback"
	"github.com/miravoice/mira/pkg/transport"
)

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID identifies the session's turns in the store.
	SessionID string

	// StartedAt is when the session was started.
	StartedAt time.Time

	// Model and Voice are the transport settings the session was opened with.
	Model string
	Voice string
}

// SessionManager manages the lifecycle of voice sessions. Only one session
// can be active at a time. All exported methods are safe for concurrent use.
type SessionManager struct {
	app *App

	mu     sync.Mutex
	active *controller.Controller
	info   SessionInfo
}

// NewSessionManager creates a SessionManager bound to the app's subsystems.
func NewSessionManager(a *App) *SessionManager {
	return &SessionManager{app: a}
}

// Start begins a new voice session using the current configuration. It
// returns once audio is flowing, or an error if a session is already active
// or the session failed to come up.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	if sm.active != nil {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return fmt.Errorf("session: a session is already active (id=%s)", id)
	}

	cfg := sm.app.Config()
	c := controller.New(sm.app.captureDev, sm.app.playbackDev, sm.app.creds, sm.buildOptions(cfg)...)
	sm.active = c
	sm.info = SessionInfo{
		SessionID: c.SessionID().String(),
		StartedAt: time.Now().UTC(),
		Model:     cfg.Transport.Model,
		Voice:     cfg.Transport.Voice,
	}
	sm.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		c.Stop()
		sm.mu.Lock()
		sm.active = nil
		sm.info = SessionInfo{}
		sm.mu.Unlock()
		return err
	}
	return nil
}

// buildOptions converts the config snapshot into controller options.
func (sm *SessionManager) buildOptions(cfg *config.Config) []controller.Option {
	opts := []controller.Option{
		controller.WithSessionConfig(transport.Config{
			Model:             cfg.Transport.Model,
			Voice:             cfg.Transport.Voice,
			SystemInstruction: persona.New(cfg.Persona).VoiceSystemInstruction(),
		}),
		controller.WithTurnSink(sm.app.sink),
		controller.WithMetrics(sm.app.metrics),
		controller.WithClosedListener(func(endedAt time.Time) {
			slog.Info("session ended", "ended_at", endedAt)
		}),
	}

	if cfg.Transport.BaseURL != "" {
		opts = append(opts, controller.WithTransportOptions(transport.WithBaseURL(cfg.Transport.BaseURL)))
	}
	if sm.app.analyzer != nil {
		opts = append(opts, controller.WithMoodAnalyzer(sm.app.analyzer))
	}

	var copts []capture.Option
	if cfg.Audio.CaptureRate > 0 {
		copts = append(copts, capture.WithSampleRate(cfg.Audio.CaptureRate))
	}
	if cfg.Audio.SilenceThreshold != nil {
		copts = append(copts, capture.WithSilenceThreshold(int16(*cfg.Audio.SilenceThreshold)))
	}
	if len(copts) > 0 {
		opts = append(opts, controller.WithCaptureOptions(copts...))
	}

	if cfg.Audio.BurstIdleWindow > 0 {
		opts = append(opts, controller.WithPlaybackOptions(playback.WithIdleWindow(cfg.Audio.BurstIdleWindow)))
	}

	return opts
}

// Stop ends the active session, if any. Safe to call when none is running.
func (sm *SessionManager) Stop() {
	sm.mu.Lock()
	c := sm.active
	id := sm.info.SessionID
	sm.active = nil
	sm.info = SessionInfo{}
	sm.mu.Unlock()

	if c == nil {
		return
	}
	c.Stop()
	slog.Info("session stopped", "session_id", id)
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Info returns metadata about the active session, or the zero value when no
// session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Active returns the running controller, or nil.
func (sm *SessionManager) Active() *controller.Controller {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}
