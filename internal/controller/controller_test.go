package controller_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/miravoice/mira/internal/controller"
	"github.com/miravoice/mira/internal/credentials"
	"github.com/miravoice/mira/internal/observe"
	"github.com/miravoice/mira/internal/persist"
	"github.com/miravoice/mira/pkg/audio"
	"github.com/miravoice/mira/pkg/capture"
	capmock "github.com/miravoice/mira/pkg/capture/mock"
	"github.com/miravoice/mira/pkg/playback"
	playmock "github.com/miravoice/mira/pkg/playback/mock"
	"github.com/miravoice/mira/pkg/transport"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server that consumes the setup
// message and acknowledges it before handing the connection to handler.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, _, err := conn.Read(ctx); err != nil { // setup message
			return
		}
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		if handler != nil {
			handler(conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
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

// deps bundles the fakes behind one controller under test.
type deps struct {
	mic    *capmock.Device
	spk    *playmock.Device
	sink   *persist.MemorySink
	states *stateRecorder
	errs   *errRecorder
}

type stateRecorder struct {
	mu     sync.Mutex
	states []controller.State
}

func (r *stateRecorder) record(st controller.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *stateRecorder) all() []controller.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]controller.State, len(r.states))
	copy(out, r.states)
	return out
}

type errRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errs))
	copy(out, r.errs)
	return out
}

// newController wires a controller against srv with mock devices.
func newController(t *testing.T, srv *httptest.Server, opts ...controller.Option) (*controller.Controller, *deps) {
	t.Helper()
	d := &deps{
		mic:    &capmock.Device{},
		spk:    &playmock.Device{Rate: 24000},
		sink:   &persist.MemorySink{},
		states: &stateRecorder{},
		errs:   &errRecorder{},
	}
	base := []controller.Option{
		controller.WithTransportOptions(transport.WithBaseURL(wsURL(srv))),
		controller.WithTurnSink(d.sink),
		controller.WithMetrics(testMetrics(t)),
		controller.WithStateListener(d.states.record),
		controller.WithErrorListener(d.errs.record),
		controller.WithHandshakeTimeout(3 * time.Second),
	}
	c := controller.New(d.mic, d.spk, credentials.StaticProvider("test-key"), append(base, opts...)...)
	t.Cleanup(c.Stop)
	return c, d
}

// loudBlock returns a capture-size block well above the silence gate.
func loudBlock() []int16 {
	block := make([]int16, capture.BlockSamples)
	for i := range block {
		block[i] = 6000
	}
	return block
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestStart_ReachesListening(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn) {
		time.Sleep(200 * time.Millisecond)
	})
	c, d := newController(t, srv)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.State(); got != controller.StateListening {
		t.Errorf("state = %v; want listening", got)
	}

	states := d.states.all()
	if len(states) < 2 || states[0] != controller.StateConnecting || states[1] != controller.StateListening {
		t.Errorf("state transitions = %v; want [connecting listening ...]", states)
	}
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, nil)
	c, _ := newController(t, srv)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestStart_MicrophonePermissionDenied(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, nil)
	c, d := newController(t, srv)
	d.mic.StartErr = capture.ErrPermission

	err := c.Start(context.Background())
	if !errors.Is(err, capture.ErrPermission) {
		t.Fatalf("Start err = %v; want ErrPermission", err)
	}
	if got := c.State(); got != controller.StateErrored {
		t.Errorf("state = %v; want errored", got)
	}
	if got := len(d.errs.all()); got != 1 {
		t.Errorf("error notifications = %d; want 1", got)
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn) {
		time.Sleep(time.Second)
	})
	c, d := newController(t, srv)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()
	c.Stop()

	if got := c.State(); got != controller.StateClosed {
		t.Errorf("state = %v; want closed", got)
	}
	if got := d.mic.StopCalls(); got != 1 {
		t.Errorf("mic Stop calls = %d; want 1", got)
	}
	if got := d.spk.CloseCalls(); got != 1 {
		t.Errorf("speaker Close calls = %d; want 1", got)
	}
	closures := d.sink.Closures()
	if len(closures) != 1 || closures[0].SessionID != c.SessionID().String() {
		t.Errorf("session closures = %+v; want exactly one for this session", closures)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, nil)
	c, _ := newController(t, srv)

	c.Stop()
	if got := c.State(); got != controller.StateClosed {
		t.Errorf("state = %v; want closed", got)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("Start after Stop should fail")
	}
}

func TestStop_DuringHandshake(t *testing.T) {
	t.Parallel()

	// The server never acknowledges; Stop lands mid handshake.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _, _ = conn.Read(ctx)
		<-ctx.Done()
	}))
	t.Cleanup(srv.Close)

	c, _ := newController(t, srv)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	c.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start after mid-handshake Stop = %v; want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if got := c.State(); got != controller.StateClosed {
		t.Errorf("state = %v; want closed", got)
	}
}

// gatedCreds parks APIKey until released, holding Start before the dial.
type gatedCreds chan struct{}

func (g gatedCreds) APIKey(context.Context) (string, error) {
	<-g
	return "test-key", nil
}

func TestStop_BeforeDialClosesConnection(t *testing.T) {
	t.Parallel()

	// The server never acknowledges; it reports when the client closes the
	// connection it dialed.
	connClosed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				close(connClosed)
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	release := make(gatedCreds)
	c := controller.New(&capmock.Device{}, &playmock.Device{Rate: 24000}, release,
		controller.WithTransportOptions(transport.WithBaseURL(wsURL(srv))),
		controller.WithMetrics(testMetrics(t)),
		controller.WithHandshakeTimeout(3*time.Second),
	)
	t.Cleanup(c.Stop)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	// Stop completes while Start is still parked on the key fetch, so it
	// never sees a session handle. The dial that follows must still be
	// cleaned up by Start itself.
	time.Sleep(50 * time.Millisecond)
	c.Stop()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start after early Stop = %v; want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	select {
	case <-connClosed:
	case <-time.After(3 * time.Second):
		t.Fatal("dialed connection was not closed after Stop")
	}
}

func TestStop_AfterFailureReachesClosed(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{
				"code":    500,
				"status":  "INTERNAL",
				"message": "backend unavailable",
			},
		})
		time.Sleep(time.Second)
	})
	c, _ := newController(t, srv)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return c.State() == controller.StateErrored },
		"session never reached errored")

	c.Stop()
	if got := c.State(); got != controller.StateClosed {
		t.Errorf("state after Stop = %v; want closed", got)
	}
	if c.Err() == nil {
		t.Error("Err() lost the failure after Stop")
	}
}

func TestClosedListener_Invoked(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, nil)

	var mu sync.Mutex
	var endings []time.Time
	c, _ := newController(t, srv, controller.WithClosedListener(func(at time.Time) {
		mu.Lock()
		defer mu.Unlock()
		endings = append(endings, at)
	}))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(endings) != 1 {
		t.Errorf("closed notifications = %d; want 1", len(endings))
	}
}

// ── Audio flow ────────────────────────────────────────────────────────────────

func TestCapturedFramesReachServer(t *testing.T) {
	t.Parallel()

	type inputMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	got := make(chan inputMsg, 1)
	srv := startLiveServer(t, func(conn *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg inputMsg
			if json.Unmarshal(data, &msg) == nil && len(msg.RealtimeInput.MediaChunks) > 0 {
				select {
				case got <- msg:
				default:
				}
				return
			}
		}
	})
	c, d := newController(t, srv)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.mic.Feed(loudBlock())

	select {
	case msg := <-got:
		chunk := msg.RealtimeInput.MediaChunks[0]
		if chunk.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunk.MIMEType)
		}
		if _, err := base64.StdEncoding.DecodeString(chunk.Data); err != nil {
			t.Errorf("chunk data is not base64: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("captured frame never reached the server")
	}
}

func TestReplyAudioPlaysAndStatesTransition(t *testing.T) {
	t.Parallel()

	pcmData := make([]byte, 2*480)
	for i := range pcmData {
		pcmData[i] = byte(i)
	}
	srv := startLiveServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"realtimeResponse": map[string]any{
				"parts": []map[string]any{{
					"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcmData),
					},
				}},
			},
		})
		time.Sleep(2 * time.Second)
	})
	c, d := newController(t, srv,
		controller.WithPlaybackOptions(playback.WithIdleWindow(50*time.Millisecond)))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(d.spk.Played()) == 1 },
		"reply audio never reached the output device")

	waitFor(t, time.Second, func() bool {
		states := d.states.all()
		sawSpeaking := false
		for i, st := range states {
			if st == controller.StateSpeaking {
				sawSpeaking = true
			}
			if sawSpeaking && st == controller.StateListening && i > 0 {
				return true
			}
		}
		return false
	}, "states never went listening -> speaking -> listening")
}

// ── Transcripts and errors ────────────────────────────────────────────────────

func TestTranscriptsPersisted(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hello there"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "hi! how was your day?"},
			},
		})
		time.Sleep(time.Second)
	})
	c, d := newController(t, srv)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(d.sink.Turns()) == 2 },
		"transcripts were not persisted")

	turns := d.sink.Turns()
	if turns[0].Role != persist.RoleUser || turns[0].Text != "hello there" {
		t.Errorf("first turn = %+v; want user 'hello there'", turns[0])
	}
	if turns[1].Role != persist.RoleAssistant {
		t.Errorf("second turn role = %q; want assistant", turns[1].Role)
	}
	if turns[0].SessionID != c.SessionID() {
		t.Errorf("turn session = %v; want %v", turns[0].SessionID, c.SessionID())
	}
}

func TestRemoteErrorEscalatesOnce(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{
				"code":    429,
				"status":  "RESOURCE_EXHAUSTED",
				"message": "quota exceeded",
			},
		})
		time.Sleep(time.Second)
	})
	c, d := newController(t, srv)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(d.errs.all()) > 0 },
		"remote error never escalated")
	time.Sleep(100 * time.Millisecond)

	errs := d.errs.all()
	if len(errs) != 1 {
		t.Fatalf("error notifications = %d; want 1", len(errs))
	}
	var remote *transport.RemoteError
	if !errors.As(errs[0], &remote) || remote.Code != 429 {
		t.Errorf("err = %v; want RemoteError code 429", errs[0])
	}
	if got := c.State(); got != controller.StateErrored {
		t.Errorf("state = %v; want errored", got)
	}
}

// ── Test clip injection ───────────────────────────────────────────────────────

func TestSendTestClip(t *testing.T) {
	t.Parallel()

	// Loud 24 kHz clip so resampling to the capture rate is exercised and the
	// silence gate passes every block.
	samples := make([]int16, 2400)
	for i := range samples {
		samples[i] = 8000
	}
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		raw[2*i] = byte(s)
		raw[2*i+1] = byte(s >> 8)
	}
	wav, err := audio.EncodeWAVPCM16LE(raw, 24000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE: %v", err)
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	chunks := make(chan int, 64)
	srv := startLiveServer(t, func(conn *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg struct {
				RealtimeInput struct {
					MediaChunks []struct {
						Data string `json:"data"`
					} `json:"mediaChunks"`
				} `json:"realtimeInput"`
			}
			if json.Unmarshal(data, &msg) == nil {
				chunks <- len(msg.RealtimeInput.MediaChunks)
			}
		}
	})
	c, _ := newController(t, srv)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.SendTestClip(path); err != nil {
		t.Fatalf("SendTestClip: %v", err)
	}

	received := 0
	deadline := time.After(3 * time.Second)
	// 2400 samples at 24 kHz resample to 1600 samples, which split into
	// 13 blocks of 128 samples (the last one short).
	for received < 13 {
		select {
		case n := <-chunks:
			received += n
		case <-deadline:
			t.Fatalf("received %d clip chunks; want 13", received)
		}
	}
}

func TestSendTestClip_WithoutSession(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, nil)
	c, _ := newController(t, srv)

	if err := c.SendTestClip("nonexistent.wav"); err == nil {
		t.Error("SendTestClip before Start should fail")
	}
}
