package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/miravoice/mira/internal/app"
	"github.com/miravoice/mira/internal/config"
	"github.com/miravoice/mira/internal/credentials"
	"github.com/miravoice/mira/internal/observe"
	"github.com/miravoice/mira/internal/persist"
	capmock "github.com/miravoice/mira/pkg/capture/mock"
	playmock "github.com/miravoice/mira/pkg/playback/mock"
)

// testConfig returns a minimal valid config with a static dev key.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":0",
			LogLevel:   config.LogInfo,
		},
		Transport: config.TransportConfig{
			Voice:  "Aoede",
			APIKey: "test-key",
		},
		Persona: config.PersonaConfig{
			Name:     "Mira",
			Language: "en-US",
		},
	}
}

// testMetrics returns an isolated metrics instance.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	base := []app.Option{
		app.WithTurnSink(&persist.MemorySink{}),
		app.WithMetrics(testMetrics(t)),
	}
	a, err := app.New(context.Background(), cfg, &capmock.Device{}, &playmock.Device{}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_RequiresCredentialSource(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Transport.APIKey = ""
	cfg.Transport.CredentialEndpoint = ""

	_, err := app.New(context.Background(), cfg, &capmock.Device{}, &playmock.Device{},
		app.WithTurnSink(&persist.MemorySink{}))
	if err == nil {
		t.Fatal("expected error without api_key or credential_endpoint")
	}
}

func TestNew_InjectedCredentialsWin(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Transport.APIKey = ""
	a := newTestApp(t, cfg, app.WithCredentials(credentials.StaticProvider("injected")))
	if a == nil {
		t.Fatal("app is nil")
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d; want 200", path, resp.StatusCode)
		}
		var probe struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &probe); err != nil || probe.Status != "ok" {
			t.Errorf("GET %s body = %s; want status ok", path, body)
		}
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics status = %d; want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics output missing standard runtime collectors")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "" // no admin endpoint, Run just supervises
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v; want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ── Session manager ───────────────────────────────────────────────────────────

// startLiveServer accepts one WebSocket connection, consumes the setup
// message, and acknowledges it.
func startLiveServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		ack, _ := json.Marshal(map[string]any{"setupComplete": map[string]any{}})
		_ = conn.Write(ctx, websocket.MessageText, ack)
		<-ctx.Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func liveConfig(srv *httptest.Server) *config.Config {
	cfg := testConfig()
	cfg.Transport.BaseURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return cfg
}

func TestSessionManager_StartAndStop(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t)
	a := newTestApp(t, liveConfig(srv))
	sm := a.Sessions()

	if sm.IsActive() {
		t.Fatal("no session should be active before Start")
	}
	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sm.IsActive() {
		t.Error("session should be active after Start")
	}
	info := sm.Info()
	if info.SessionID == "" || info.StartedAt.IsZero() {
		t.Errorf("info = %+v; want populated", info)
	}

	sm.Stop()
	if sm.IsActive() {
		t.Error("session should be inactive after Stop")
	}
	sm.Stop() // safe when nothing is running
}

func TestSessionManager_SecondStartFails(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t)
	a := newTestApp(t, liveConfig(srv))
	sm := a.Sessions()

	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sm.Start(context.Background()); err == nil {
		t.Error("second Start should fail while a session is active")
	}
	sm.Stop()
}

func TestSessionManager_FailedStartClearsActive(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t)
	cfg := liveConfig(srv)

	// Sabotage the microphone so Start fails.
	broken := &capmock.Device{StartErr: context.DeadlineExceeded}
	a, err := app.New(context.Background(), cfg, broken, &playmock.Device{},
		app.WithTurnSink(&persist.MemorySink{}),
		app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Sessions().Start(context.Background()); err == nil {
		t.Fatal("Start with broken microphone should fail")
	}
	if a.Sessions().IsActive() {
		t.Error("failed Start must not leave an active session")
	}
}
