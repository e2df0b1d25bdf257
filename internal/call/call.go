// Package call manages the lifecycle of a voice call session.
// Only one call can be active at a time (enforced by mutex).
//
// The [Controller] owns the session's resources — microphone source, capture
// pipeline, live transport, playback schedule — and tears them down in reverse
// acquisition order whether the call ends by user toggle, remote close, or
// transport failure.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/andee-ai/andee/internal/dispatch"
	"github.com/andee-ai/andee/internal/observe"
	"github.com/andee-ai/andee/pkg/audio"
	"github.com/andee-ai/andee/pkg/audio/capture"
	"github.com/andee-ai/andee/pkg/audio/playback"
	"github.com/andee-ai/andee/pkg/live"
)

// DefaultInstructions is the system prompt used when neither the config nor
// the toggle supplies one.
const DefaultInstructions = "You are Andee, a calendar assistant. Be helpful and natural."

// State is the call lifecycle state.
type State int

const (
	// StateIdle means no call is active and a toggle will start one.
	StateIdle State = iota

	// StateConnecting means the transport handshake is in flight. The
	// microphone stays muted until the session opens.
	StateConnecting

	// StateOpen means the session is live: audio flows both ways.
	StateOpen

	// StateClosed is the transient teardown state between an ending call and
	// the return to idle.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transport is the slice of the live session the controller drives.
// *[live.Session] implements it; tests substitute fakes.
type Transport interface {
	SendAudio(pkt audio.Packet) error
	SendToolResult(res live.ToolCallResult) error
	Close() error
}

// DialFunc establishes a live session. The default wraps [live.Dial].
type DialFunc func(ctx context.Context, cfg live.Config, h live.Handlers) (Transport, error)

func defaultDial(ctx context.Context, cfg live.Config, h live.Handlers) (Transport, error) {
	sess, err := live.Dial(ctx, cfg, h)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Option configures a [Controller] during construction.
type Option func(*Controller)

// WithDialFunc overrides how the live session is established.
func WithDialFunc(dial DialFunc) Option {
	return func(c *Controller) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithMetrics attaches metric instruments to the controller.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithFrameSize sets the capture frame size in samples.
func WithFrameSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.frameSize = n
		}
	}
}

// WithOnStateChange registers a callback fired on every state transition.
// The callback runs with the controller's lock held and must not call back
// into the controller.
func WithOnStateChange(fn func(State)) Option {
	return func(c *Controller) { c.onState = fn }
}

// ToggleOption adjusts how a single call is started.
type ToggleOption func(*toggleOpts)

type toggleOpts struct {
	instructions string
	mode         string
}

// WithReminder starts the call proactively so the agent opens the
// conversation by reminding the user about appt.
func WithReminder(appt dispatch.Appointment) ToggleOption {
	return func(o *toggleOpts) {
		o.instructions = fmt.Sprintf("Remind user about %s at %s.", appt.Title, appt.Start.Format(time.Kitchen))
		o.mode = "proactive"
	}
}

// Controller manages the active call. All exported methods are safe for
// concurrent use.
type Controller struct {
	agent      live.Config
	opener     capture.Opener
	scheduler  *playback.Scheduler
	dispatcher *dispatch.Dispatcher
	dial       DialFunc
	metrics    *observe.Metrics
	frameSize  int
	onState    func(State)

	mu    sync.Mutex
	state State
	// gen invalidates transport callbacks from a previous call's session.
	gen    uint64
	source capture.Source
	pipe   *capture.Pipeline
	sess   Transport
	mode   string
}

// New creates a Controller. agent is the base session configuration (the tool
// declarations are filled in at dial time); opener acquires the microphone
// and sink receives playback output.
func New(agent live.Config, opener capture.Opener, sink playback.Sink, dispatcher *dispatch.Dispatcher, opts ...Option) *Controller {
	c := &Controller{
		agent:      agent,
		opener:     opener,
		scheduler:  playback.New(sink),
		dispatcher: dispatcher,
		dial:       defaultDial,
		frameSize:  audio.DefaultFrameSize,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Toggle flips the call: if a call is active (connecting or open) it ends it;
// otherwise it starts a new one. Ending an active call never fails; starting
// one returns an error if the microphone or transport cannot be acquired, in
// which case everything already acquired is released and the controller
// returns to idle.
func (c *Controller) Toggle(ctx context.Context, opts ...ToggleOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnecting, StateOpen:
		slog.Info("call toggled off", "state", c.state.String())
		c.teardownLocked()
		return nil
	}
	return c.startLocked(ctx, opts)
}

// Close ends any active call and releases the playback sink. The controller
// is unusable afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.teardownLocked()
	}
	c.mu.Unlock()
	return c.scheduler.Close()
}

// ── session establishment ──

func (c *Controller) startLocked(ctx context.Context, opts []ToggleOption) error {
	to := toggleOpts{mode: "user"}
	for _, o := range opts {
		o(&to)
	}

	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)

	src, err := c.opener(ctx)
	if err != nil {
		c.recordOpen(ctx, to.mode, "mic_error")
		c.setStateLocked(StateIdle)
		return fmt.Errorf("call: open microphone: %w", err)
	}

	cfg := c.agent
	cfg.Tools = dispatch.Declarations()
	if to.instructions != "" {
		cfg.Instructions = to.instructions
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}

	sess, err := c.dial(ctx, cfg, live.Handlers{
		OnOpen:        func() { c.handleOpen(gen) },
		OnAudio:       func(data []byte) { c.handleAudio(gen, data) },
		OnToolCall:    func(req live.ToolCallRequest) { c.handleToolCall(gen, req) },
		OnInterrupted: func() { c.handleInterrupted(gen) },
		OnClose:       func(err error) { c.handleRemoteClose(gen, err) },
	})
	if err != nil {
		_ = src.Close()
		c.recordOpen(ctx, to.mode, "dial_error")
		c.setStateLocked(StateIdle)
		return fmt.Errorf("call: dial agent: %w", err)
	}

	// The capture sink deliberately avoids the controller lock: after
	// teardown the pipeline is stopped before the transport is closed, and a
	// stray SendAudio on a closed transport is harmless.
	pipe := capture.New(func(pkt audio.Packet) {
		if err := sess.SendAudio(pkt); err != nil {
			slog.Warn("call: send audio", "err", err)
			return
		}
		c.addFrameMetrics()
	}, capture.WithFrameSize(c.frameSize))

	c.source = src
	c.sess = sess
	c.pipe = pipe
	c.mode = to.mode

	slog.Info("call connecting", "mode", to.mode, "model", cfg.Model)
	return nil
}

// ── transport callbacks ──

func (c *Controller) handleOpen(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateConnecting {
		return
	}
	if err := c.pipe.Start(c.source); err != nil {
		slog.Error("call: start capture", "err", err)
		c.teardownLocked()
		return
	}
	c.setStateLocked(StateOpen)
	c.recordOpen(context.Background(), c.mode, "success")
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	slog.Info("call open", "mode", c.mode)
}

func (c *Controller) handleAudio(gen uint64, data []byte) {
	frame, err := audio.DecodeSamples(data, audio.PlaybackRate, 1)
	if err != nil {
		slog.Warn("call: dropping malformed audio chunk", "err", err)
		return
	}

	// Scheduling happens inside the generation check's critical section:
	// a teardown cannot interleave its Interrupt between the check and the
	// Schedule, so a defunct session's chunk can never re-arm the watermark.
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	err = c.scheduler.Schedule(frame)
	c.mu.Unlock()

	if err != nil {
		slog.Warn("call: schedule playback", "err", err)
		return
	}
	if c.metrics != nil {
		c.metrics.ChunksScheduled.Add(context.Background(), 1)
	}
}

func (c *Controller) handleToolCall(gen uint64, req live.ToolCallRequest) {
	c.mu.Lock()
	stale := gen != c.gen
	sess := c.sess
	c.mu.Unlock()
	if stale || sess == nil {
		return
	}

	res := c.dispatcher.Dispatch(context.Background(), req)
	if err := sess.SendToolResult(res); err != nil {
		slog.Warn("call: send tool result", "tool", req.Name, "id", req.ID, "err", err)
	}
}

func (c *Controller) handleInterrupted(gen uint64) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	c.scheduler.Interrupt()
	if c.metrics != nil {
		c.metrics.Interruptions.Add(context.Background(), 1)
	}
	slog.Debug("call: playback interrupted by agent")
}

func (c *Controller) handleRemoteClose(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	if err != nil {
		slog.Warn("call ended by transport error", "err", err)
		if c.metrics != nil {
			c.metrics.TransportErrors.Add(context.Background(), 1)
		}
	} else {
		slog.Info("call ended by remote")
	}
	c.teardownLocked()
}

// ── teardown ──

// teardownLocked releases the session's resources in reverse acquisition
// order: capture feed first so no audio is pushed over a closing transport,
// then the transport, then the playback schedule. The microphone is released
// by the pipeline stop (or directly when capture never started).
func (c *Controller) teardownLocked() {
	wasOpen := c.state == StateOpen
	c.gen++

	if c.pipe != nil {
		c.pipe.Stop()
		c.pipe = nil
	}
	if c.source != nil {
		_ = c.source.Close()
		c.source = nil
	}
	if c.sess != nil {
		_ = c.sess.Close()
		c.sess = nil
	}
	c.scheduler.Interrupt()

	if wasOpen && c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	c.mode = ""
	c.setStateLocked(StateClosed)
	c.setStateLocked(StateIdle)
	slog.Info("call closed")
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Controller) recordOpen(ctx context.Context, mode, status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.SessionOpens.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	))
}

func (c *Controller) addFrameMetrics() {
	if c.metrics == nil {
		return
	}
	ctx := context.Background()
	c.metrics.FramesCaptured.Add(ctx, 1)
	c.metrics.AudioBytesSent.Add(ctx, int64(2*c.frameSize))
}
