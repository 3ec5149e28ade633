// Package controller drives a single voice session end to end: it acquires
// the microphone, obtains an API key, dials the live endpoint, and shuttles
// audio between the capture pipeline, the transport session, and the playback
// pipeline while persisting conversation transcripts.
//
// A Controller owns exactly one session. Start may be called once; Stop is
// idempotent and safe from any state, including before Start and mid
// handshake. A new conversation needs a new Controller.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miravoice/mira/internal/credentials"
	"github.com/miravoice/mira/internal/mood"
	"github.com/miravoice/mira/internal/observe"
	"github.com/miravoice/mira/internal/persist"
	"github.com/miravoice/mira/pkg/audio"
	"github.com/miravoice/mira/pkg/capture"
	"github.com/miravoice/mira/pkg/pcm"
	"github.com/miravoice/mira/pkg/playback"
	"github.com/miravoice/mira/pkg/transport"
)

// ── session state ───────────────────────────────────────────────────────────

// State is the lifecycle phase of a voice session.
type State int

const (
	// StateIdle means Start has not been called.
	StateIdle State = iota

	// StateConnecting covers key fetch, device acquisition, and the live
	// handshake.
	StateConnecting

	// StateListening means the session is open and user audio is streaming.
	StateListening

	// StateSpeaking means reply audio is currently being rendered. Capture
	// keeps streaming; the model handles barge-in server-side.
	StateSpeaking

	// StateClosed is the terminal cleanup state after Stop, reachable from
	// any prior state including StateErrored.
	StateClosed

	// StateErrored marks an unrecoverable failure. A subsequent Stop still
	// moves the session to StateClosed; Err retains the failure.
	StateErrored
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MoodSetter is implemented by turn sinks that can attach a mood label to an
// already written turn.
type MoodSetter interface {
	SetMood(ctx context.Context, turnID string, mood string) error
}

// defaultHandshakeTimeout bounds the wait for the setup acknowledgement.
const defaultHandshakeTimeout = 10 * time.Second

// ── options ─────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithSessionConfig sets the model, voice, and system instruction used when
// dialing the live endpoint.
func WithSessionConfig(cfg transport.Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithTransportOptions passes options through to the transport dialer.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Controller) { c.topts = opts }
}

// WithCaptureOptions passes options through to the capture pipeline.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(c *Controller) { c.copts = opts }
}

// WithPlaybackOptions passes options through to the playback assembler.
func WithPlaybackOptions(opts ...playback.AssemblerOption) Option {
	return func(c *Controller) { c.popts = opts }
}

// WithTurnSink sets the destination for conversation turns. Turns pass
// through a consecutive-duplicate filter before reaching the sink. The
// default sink keeps turns in memory.
func WithTurnSink(sink persist.TurnSink) Option {
	return func(c *Controller) { c.rawSink = sink }
}

// WithMoodAnalyzer enables background mood classification of persisted turns.
func WithMoodAnalyzer(a *mood.Analyzer) Option {
	return func(c *Controller) { c.classifier = a }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithStateListener registers a callback invoked on every state transition.
// The callback runs on controller goroutines and must not block.
func WithStateListener(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithErrorListener registers a callback for the session's terminal error.
// It is invoked at most once.
func WithErrorListener(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithClosedListener registers a callback invoked when the session has fully
// shut down, with the shutdown completion time.
func WithClosedListener(fn func(endedAt time.Time)) Option {
	return func(c *Controller) { c.onClosed = fn }
}

// WithHandshakeTimeout bounds the wait for the setup acknowledgement.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Controller) { c.handshakeTimeout = d }
}

// ── controller ──────────────────────────────────────────────────────────────

// Controller orchestrates one voice session. Safe for concurrent use.
type Controller struct {
	captureDev  capture.Device
	playbackDev playback.Device
	creds       credentials.Provider

	cfg   transport.Config
	topts []transport.Option
	copts []capture.Option
	popts []playback.AssemblerOption

	rawSink    persist.TurnSink
	sink       persist.TurnSink
	classifier *mood.Analyzer
	metrics    *observe.Metrics

	onState  func(State)
	onError  func(error)
	onClosed func(time.Time)

	handshakeTimeout time.Duration

	sessionID uuid.UUID

	mu       sync.Mutex
	state    State
	failErr  error
	capture  *capture.Pipeline
	playback *playback.Pipeline
	session  *transport.Session

	// awaitingReply is set when user audio has been sent and cleared by the
	// first reply chunk, timing one conversational turn.
	awaitingReply atomic.Bool
	lastFrameAt   atomic.Int64

	failOnce sync.Once
	failed   chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New creates a Controller for one session over the given devices and
// credential source. The controller does not touch the devices until Start.
func New(captureDev capture.Device, playbackDev playback.Device, creds credentials.Provider, opts ...Option) *Controller {
	c := &Controller{
		captureDev:       captureDev,
		playbackDev:      playbackDev,
		creds:            creds,
		rawSink:          &persist.MemorySink{},
		handshakeTimeout: defaultHandshakeTimeout,
		sessionID:        uuid.New(),
		failed:           make(chan struct{}),
		stopped:          make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.sink = persist.NewDeduper(c.rawSink)
	return c
}

// SessionID returns the identifier under which this session's turns are
// persisted.
func (c *Controller) SessionID() uuid.UUID { return c.sessionID }

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error, or nil while the session is healthy.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}

// Start brings the session up: microphone first, then the API key, then the
// live handshake. It returns once audio is flowing or the session has failed.
// A [capture.ErrPermission] from the device is returned wrapped so callers
// can surface a permission prompt.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("controller: cannot start from state %v", st)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	mic := capture.New(c.captureDev, c.copts...)
	if err := mic.Start(); err != nil {
		c.fail(err)
		return err
	}
	c.mu.Lock()
	c.capture = mic
	c.mu.Unlock()

	key, err := c.creds.APIKey(ctx)
	if err != nil {
		err = fmt.Errorf("controller: obtain api key: %w", err)
		c.fail(err)
		return err
	}

	pb := c.newPlayback()
	c.mu.Lock()
	c.playback = pb
	c.mu.Unlock()

	dialStart := time.Now()
	sess, err := transport.NewDialer(key, c.topts...).Dial(ctx, c.cfg)
	if err != nil {
		c.fail(err)
		return err
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	sess.OnError(c.fail)
	sess.OnDecodeError(func(stage string) {
		c.metrics.RecordDecodeError(context.Background(), stage)
	})

	// A Stop or failure that completed while Dial was in flight never saw
	// the session or playback handles; the guard branches must release them.
	select {
	case <-sess.Ready():
	case <-c.failed:
		_ = sess.Close()
		_ = pb.Close()
		return c.Err()
	case <-c.stopped:
		_ = sess.Close()
		_ = pb.Close()
		return nil
	case <-ctx.Done():
		c.Stop()
		return ctx.Err()
	case <-time.After(c.handshakeTimeout):
		err := &transport.SetupError{Reason: "timed out waiting for setup acknowledgement"}
		c.fail(err)
		return err
	}
	c.metrics.HandshakeDuration.Record(ctx, time.Since(dialStart).Seconds())

	// Spawning the pumps and entering Listening happens under the lock so a
	// concurrent Stop either sees the terminal state or waits for the pumps.
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		_ = sess.Close()
		_ = pb.Close()
		return c.Err()
	}
	c.state = StateListening
	c.wg.Add(3)
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.notifyState(StateListening)
	slog.Info("voice session open",
		"session_id", c.sessionID,
		"model", c.cfg.Model,
		"voice", c.cfg.Voice,
	)

	go c.sendLoop(mic, sess)
	go c.audioLoop(sess, pb)
	go c.transcriptLoop(sess)
	return nil
}

// newPlayback builds the assembler-to-player chain with burst metrics and
// state callbacks attached.
func (c *Controller) newPlayback() *playback.Pipeline {
	player := playback.NewPlayer(c.playbackDev)
	player.OnActive(c.handleActive)
	player.OnError(c.fail)
	asm := playback.NewAssembler(func(b playback.Burst) {
		c.metrics.BurstDuration.Record(context.Background(), b.Duration().Seconds())
		player.Enqueue(b)
	}, c.popts...)
	player.Start()
	return &playback.Pipeline{Assembler: asm, Player: player}
}

// Stop shuts the session down: capture stops, the live session is closed (a
// stream-end marker included), and playback is flushed and released.
// Idempotent and safe from any state.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)

		c.mu.Lock()
		prev := c.state
		c.state = StateClosed
		mic, pb, sess := c.capture, c.playback, c.session
		c.mu.Unlock()

		if mic != nil {
			mic.Stop()
		}
		if sess != nil {
			_ = sess.Close()
		}
		if pb != nil {
			pb.Flush()
			_ = pb.Close()
		}
		c.wg.Wait()

		if prev == StateListening || prev == StateSpeaking {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		c.notifyState(StateClosed)
		slog.Info("voice session closed", "session_id", c.sessionID)

		endedAt := time.Now()
		if closer, ok := c.rawSink.(persist.SessionCloser); ok && prev != StateIdle {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := closer.CloseSession(ctx, c.sessionID.String(), endedAt); err != nil {
				slog.Warn("session closure write failed", "session_id", c.sessionID, "err", err)
			}
			cancel()
		}
		if c.onClosed != nil {
			c.onClosed(endedAt)
		}
	})
}

// SendTestClip streams the WAV file at path into the live session as if it
// had been spoken into the microphone: downmixed, resampled to the capture
// rate, split into capture-size blocks, and silence gated.
func (c *Controller) SendTestClip(path string) error {
	c.mu.Lock()
	sess := c.session
	st := c.state
	c.mu.Unlock()
	if sess == nil || (st != StateListening && st != StateSpeaking) {
		return fmt.Errorf("controller: no live session to send clip into (state %v)", st)
	}

	clip, err := audio.LoadWAVFile(path)
	if err != nil {
		return err
	}
	data := clip.Data
	if clip.SampleRate != pcm.DefaultCaptureRate {
		data = audio.ResampleMono16(data, clip.SampleRate, pcm.DefaultCaptureRate)
	}

	const blockBytes = capture.BlockSamples * 2
	var seq uint64
	for off := 0; off < len(data); off += blockBytes {
		end := off + blockBytes
		if end > len(data) {
			end = len(data)
		}
		block := data[off:end]
		if silentBlock(pcm.BytesToSamples(block)) {
			c.metrics.RecordFrameDropped(context.Background(), "silence")
			continue
		}
		seq++
		frame := audio.Frame{Data: block, SampleRate: pcm.DefaultCaptureRate, Seq: seq}
		if !sess.Send(frame) {
			return fmt.Errorf("controller: session closed while sending clip")
		}
		c.metrics.FramesSent.Add(context.Background(), 1)
	}
	c.awaitingReply.Store(true)
	c.lastFrameAt.Store(time.Now().UnixNano())
	return nil
}

// silentBlock mirrors the capture pipeline's gate for offline clip frames.
func silentBlock(samples []int16) bool {
	for _, s := range samples {
		if s >= capture.SilenceThreshold || s <= -capture.SilenceThreshold {
			return false
		}
	}
	return true
}

// ── pump goroutines ─────────────────────────────────────────────────────────

// sendLoop forwards captured frames to the live session until the capture
// channel closes.
func (c *Controller) sendLoop(mic *capture.Pipeline, sess *transport.Session) {
	defer c.wg.Done()
	ctx := context.Background()
	for frame := range mic.Frames() {
		if sess.Send(frame) {
			c.lastFrameAt.Store(time.Now().UnixNano())
			c.awaitingReply.Store(true)
			c.metrics.FramesSent.Add(ctx, 1)
		} else {
			c.metrics.RecordFrameDropped(ctx, "session_closed")
		}
	}
}

// audioLoop feeds inbound reply audio into the playback pipeline until the
// session's audio channel closes.
func (c *Controller) audioLoop(sess *transport.Session, pb *playback.Pipeline) {
	defer c.wg.Done()
	for in := range sess.Audio() {
		if c.awaitingReply.CompareAndSwap(true, false) {
			sent := time.Unix(0, c.lastFrameAt.Load())
			c.metrics.TurnLatency.Record(context.Background(), time.Since(sent).Seconds())
		}
		pb.Push(in.Data, in.MIMEType)
	}
}

// transcriptLoop persists transcript events as conversation turns.
func (c *Controller) transcriptLoop(sess *transport.Session) {
	defer c.wg.Done()
	ctx := context.Background()
	for tr := range sess.Transcripts() {
		if strings.TrimSpace(tr.Text) == "" {
			continue
		}
		turn := persist.Turn{
			ID:        uuid.New(),
			SessionID: c.sessionID,
			Role:      roleFor(tr.Role),
			Text:      tr.Text,
			Timestamp: time.Now(),
		}
		if err := c.sink.WriteTurn(ctx, turn); err != nil {
			slog.Warn("turn write failed", "session_id", c.sessionID, "err", err)
			continue
		}
		c.metrics.RecordTurn(ctx, string(turn.Role))
		if c.classifier != nil {
			go c.classify(turn)
		}
	}
}

// classify labels one turn's mood in the background. Failures only leave the
// turn unlabeled.
func (c *Controller) classify(turn persist.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	m, err := c.classifier.Classify(ctx, turn.Text)
	if err != nil {
		slog.Debug("mood classification failed", "turn_id", turn.ID, "err", err)
		return
	}
	setter, ok := c.rawSink.(MoodSetter)
	if !ok {
		return
	}
	if err := setter.SetMood(ctx, turn.ID.String(), string(m)); err != nil {
		slog.Debug("mood update failed", "turn_id", turn.ID, "err", err)
	}
}

// roleFor maps a transport transcript role onto the persistence role.
func roleFor(r transport.Role) persist.Role {
	if r == transport.RoleAssistant {
		return persist.RoleAssistant
	}
	return persist.RoleUser
}

// ── state and failure handling ──────────────────────────────────────────────

// handleActive reacts to the player starting and finishing burst rendering.
func (c *Controller) handleActive(active bool) {
	c.mu.Lock()
	var next State
	switch {
	case active && c.state == StateListening:
		c.state, next = StateSpeaking, StateSpeaking
	case !active && c.state == StateSpeaking:
		c.state, next = StateListening, StateListening
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.notifyState(next)
}

func (c *Controller) notifyState(st State) {
	slog.Debug("session state", "session_id", c.sessionID, "state", st)
	if c.onState != nil {
		c.onState(st)
	}
}

// fail records the first terminal error, notifies the listener once, and
// tears the session down in the background. Later failures are dropped.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.failErr != nil || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.failErr = err
	wasActive := c.state == StateListening || c.state == StateSpeaking
	c.state = StateErrored
	mic, pb, sess := c.capture, c.playback, c.session
	c.mu.Unlock()

	c.failOnce.Do(func() { close(c.failed) })
	slog.Error("voice session failed", "session_id", c.sessionID, "err", err)
	c.notifyState(StateErrored)
	if c.onError != nil {
		c.onError(err)
	}
	if wasActive {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	// Teardown runs detached: fail can be invoked from playback and transport
	// goroutines that their own Close would wait on.
	go func() {
		if mic != nil {
			mic.Stop()
		}
		if sess != nil {
			_ = sess.Close()
		}
		if pb != nil {
			_ = pb.Close()
		}
	}()
}
