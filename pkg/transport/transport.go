// Package transport owns the persistent duplex connection to the remote
// generative-audio service.
//
// A [Session] manages exactly one connection: dialing, the setup/ack
// handshake, outbound frame transmission, inbound message demultiplexing, and
// teardown. The lifecycle is an explicit state machine
// (Closed → Connecting → AwaitingAck → Open → Closing → Closed, with Errored
// reachable from any non-terminal state); every inbound message type maps to
// exactly one handler, testable without a real connection.
//
// Sending while the session is not Open silently drops the frame: capture
// callbacks fire asynchronously and may race session teardown, and losing a
// 8 ms block of audio is preferable to surfacing spurious errors.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/miravoice/mira/pkg/audio"
)

const (
	// DefaultModel is the generative-audio model used when the config does
	// not name one.
	DefaultModel = "gemini-2.0-flash-live-001"

	// DefaultVoice is the prebuilt voice used when the config does not name one.
	DefaultVoice = "Aoede"

	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// audioBuf and transcriptBuf size the inbound fan-out channels. Consumers
	// (playback, controller) are expected to drain promptly.
	audioBuf      = 64
	transcriptBuf = 16
)

// State is the connection lifecycle position of a [Session].
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateAwaitingAck
	StateOpen
	StateClosing
	StateErrored
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// SetupError reports a connection that failed to open or a handshake the
// remote service rejected.
type SetupError struct {
	Reason string
	Err    error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: setup: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transport: setup: %s", e.Reason)
}

func (e *SetupError) Unwrap() error { return e.Err }

// DroppedError reports a connection that closed unexpectedly mid-session.
// Close codes and reasons from the remote side are passed through verbatim.
type DroppedError struct {
	Code   websocket.StatusCode
	Reason string
	Err    error
}

func (e *DroppedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transport: connection dropped (code %d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("transport: connection dropped: %v", e.Err)
}

func (e *DroppedError) Unwrap() error { return e.Err }

// RemoteError is a failure notice sent by the service inside the protocol.
type RemoteError struct {
	Code    int
	Status  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: remote error %d %s: %s", e.Code, e.Status, e.Message)
}

// Config describes one session: which model speaks, with which voice, under
// which persona instruction.
type Config struct {
	// Model is the generative-audio model identifier. Default: [DefaultModel].
	Model string

	// Voice is the prebuilt voice name. Default: [DefaultVoice].
	Voice string

	// SystemInstruction is the persona system prompt, obtained from the
	// persona provider. Empty omits the field from the handshake.
	SystemInstruction string
}

// InboundAudio is one audio chunk received from the service: raw PCM bytes
// plus the MIME-style rate descriptor they arrived with.
type InboundAudio struct {
	Data     []byte
	MIMEType string
}

// Role identifies the speaker of a transcript fragment.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript is a text fragment from the service's transcription side-channel.
type Transcript struct {
	Role Role
	Text string
}

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// Dialer opens transport sessions against the generative-audio endpoint.
type Dialer struct {
	apiKey  string
	baseURL string
}

// NewDialer creates a Dialer authenticating with apiKey. The key travels only
// in the connection URL and is never logged.
func NewDialer(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial establishes a connection, sends the setup handshake, and returns the
// session in AwaitingAck state. The returned session becomes Open (and its
// Ready channel closes) when the service acknowledges setup. A dial or
// handshake-send failure is returned as a *SetupError.
func (d *Dialer) Dial(ctx context.Context, cfg Config) (*Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &SetupError{Reason: "dial", Err: err}
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:        conn,
		state:       StateConnecting,
		ready:       make(chan struct{}),
		audioCh:     make(chan InboundAudio, audioBuf),
		transcripts: make(chan Transcript, transcriptBuf),
		done:        make(chan struct{}),
		ctx:         sessCtx,
		cancel:      cancel,
	}

	if err := s.sendSetup(cfg); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &SetupError{Reason: "send setup", Err: err}
	}
	s.setState(StateAwaitingAck)

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// Session is one duplex connection. All methods are safe for concurrent use.
type Session struct {
	conn *websocket.Conn

	mu        sync.Mutex
	state     State
	errCb     func(error)
	decodeCb  func(stage string)
	failErr   error
	notified  bool
	readyOnce sync.Once
	closeOnce sync.Once
	chanOnce  sync.Once

	ready       chan struct{}
	audioCh     chan InboundAudio
	transcripts chan Transcript
	done        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready returns a channel closed when the service acknowledges setup and the
// session becomes Open.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Audio returns the channel on which inbound audio chunks arrive. Closed on
// session end.
func (s *Session) Audio() <-chan InboundAudio { return s.audioCh }

// Transcripts returns the channel on which transcript fragments arrive.
// Closed on session end.
func (s *Session) Transcripts() <-chan Transcript { return s.transcripts }

// OnError registers the callback invoked (at most once) when the session
// fails: connection drop, handshake rejection after Dial, or a remote error
// notice. A failure that occurred before registration is delivered
// immediately.
func (s *Session) OnError(cb func(error)) {
	s.mu.Lock()
	s.errCb = cb
	err := s.failErr
	deliver := err != nil && !s.notified && cb != nil
	if deliver {
		s.notified = true
	}
	s.mu.Unlock()

	if deliver {
		cb(err)
	}
}

// OnDecodeError registers a callback invoked whenever an inbound payload is
// dropped because it could not be decoded: stage is "message" for unparseable
// frames and "audio" for malformed chunk data. The callback runs on the
// receive goroutine and must not block.
func (s *Session) OnDecodeError(cb func(stage string)) {
	s.mu.Lock()
	s.decodeCb = cb
	s.mu.Unlock()
}

// Send transmits one captured frame as an audio chunk. Valid only in the Open
// state: in any other state the frame is silently dropped and Send returns
// false. It never returns an error; audio callbacks may race session teardown
// and must not fail when they lose that race.
func (s *Session) Send(frame audio.Frame) bool {
	s.mu.Lock()
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open {
		return false
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", frame.SampleRate),
				Data:     base64.StdEncoding.EncodeToString(frame.Data),
			}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		s.fail(&DroppedError{Err: err})
		return false
	}
	return true
}

// Close sends the end-of-utterance signal if the session is still Open, then
// closes the underlying connection and transitions to Closed. Idempotent;
// safe from any state, including mid-handshake.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasOpen := s.state == StateOpen
		if s.state != StateErrored {
			s.state = StateClosing
		}
		s.mu.Unlock()

		if wasOpen {
			// StreamEnd: an explicitly empty media chunk list.
			_ = s.writeJSON(realtimeInputMessage{
				RealtimeInput: realtimeInput{MediaChunks: []mediaChunk{}},
			})
		}

		s.cancel()
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")

		s.mu.Lock()
		if s.state != StateErrored {
			s.state = StateClosed
		}
		s.mu.Unlock()
	})
	return nil
}

// ── Internals ─────────────────────────────────────────────────────────────────

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// sendSetup sends the initial handshake message.
func (s *Session) sendSetup(cfg Config) error {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them. Messages
// are processed strictly in arrival order; there are no concurrent handlers.
// It owns the inbound channels and closes them when it exits.
func (s *Session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return // local close; exit cleanly
			}
			code := websocket.CloseStatus(err)
			s.fail(&DroppedError{Code: code, Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.decodeDrop("message", err)
			continue
		}
		s.handleServerMessage(&msg)
	}
}

// handleServerMessage routes one inbound message to its transition handler.
func (s *Session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		s.fail(&RemoteError{
			Code:    msg.Error.Code,
			Status:  msg.Error.Status,
			Message: msg.Error.Message,
		})
		return
	}
	if msg.SetupComplete != nil {
		s.handleSetupComplete()
	}

	// Exactly one playback source per message: the realtime channel is
	// preferred; the buffered serverContent channel is consulted only when
	// the message carries no realtime channel at all. Both shapes can appear
	// for the same logical content, so honouring both would double playback.
	// A malformed realtime payload counts as a dropped chunk and does not
	// fall through to serverContent.
	if msg.RealtimeResponse != nil {
		s.emitAudioParts(msg.RealtimeResponse.Parts)
	}
	if msg.ServerContent != nil {
		if msg.RealtimeResponse == nil && msg.ServerContent.ModelTurn != nil {
			s.emitAudioParts(msg.ServerContent.ModelTurn.Parts)
		}
		s.emitTranscripts(msg.ServerContent)
	}
}

// handleSetupComplete moves the session to Open and signals readiness.
func (s *Session) handleSetupComplete() {
	s.mu.Lock()
	if s.state == StateAwaitingAck {
		s.state = StateOpen
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

// emitAudioParts forwards every inlineData payload in parts to the audio
// channel. A malformed payload is dropped; the session continues.
func (s *Session) emitAudioParts(parts []part) {
	for _, p := range parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			s.decodeDrop("audio", err)
			continue
		}
		if len(raw) == 0 {
			continue
		}
		select {
		case s.audioCh <- InboundAudio{Data: raw, MIMEType: p.InlineData.MIMEType}:
		case <-s.ctx.Done():
			return
		}
	}
}

// decodeDrop logs one undecodable inbound payload and notifies the decode
// error callback. Decode failures never change session state.
func (s *Session) decodeDrop(stage string, err error) {
	slog.Warn("dropping undecodable inbound payload", "stage", stage, "err", err)
	s.mu.Lock()
	cb := s.decodeCb
	s.mu.Unlock()
	if cb != nil {
		cb(stage)
	}
}

// emitTranscripts forwards transcription side-channel text.
func (s *Session) emitTranscripts(sc *serverContent) {
	emit := func(role Role, text string) {
		if text == "" {
			return
		}
		select {
		case s.transcripts <- Transcript{Role: role, Text: text}:
		case <-s.ctx.Done():
		}
	}

	if sc.InputTranscription != nil {
		emit(RoleUser, sc.InputTranscription.Text)
	}
	if sc.OutputTranscription != nil {
		emit(RoleAssistant, sc.OutputTranscription.Text)
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			emit(RoleAssistant, p.Text)
		}
	}
}

// fail transitions to Errored and delivers the error upward exactly once.
// Repeated failures from the same teardown (read error after remote error,
// etc.) are swallowed. The first failure is retained so a callback registered
// late still sees it.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.failErr != nil {
		s.mu.Unlock()
		return
	}
	s.failErr = err
	s.state = StateErrored
	cb := s.errCb
	deliver := cb != nil && !s.notified
	if deliver {
		s.notified = true
	}
	s.mu.Unlock()

	s.cancel()
	if deliver {
		cb(err)
	}
}

// keepaliveLoop sends WebSocket pings while the session is alive.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *Session) closeChannels() {
	s.chanOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
	})
}
