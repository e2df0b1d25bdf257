// Package live implements the bidirectional session transport to the Gemini
// Live conversational agent.
//
// A [Session] owns one WebSocket connection speaking the BidiGenerateContent
// protocol: captured audio goes out as base64 PCM media chunks, and inbound
// JSON frames are demultiplexed into synthesised audio, tool-call requests,
// the interruption signal, and close/error events, each routed to the
// corresponding handler callback. Audio sent before the server acknowledges
// the setup message is queued and flushed in order once the handshake
// completes, so no capture frame is lost during the open window.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/andee-ai/andee/pkg/audio"
)

const (
	// DefaultModel is the native-audio Gemini Live model used when the
	// config does not name one.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	// DefaultVoice is the prebuilt voice used when the config does not name one.
	DefaultVoice = "Kore"

	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ErrTransportClosed reports an operation on a session that has been closed,
// locally or by the remote side.
var ErrTransportClosed = errors.New("live: transport closed")

// FunctionDeclaration describes one tool advertised to the agent at
// connection open.
type FunctionDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCallRequest is the agent's request to invoke a local function.
type ToolCallRequest struct {
	// ID is the opaque correlation token; the matching [ToolCallResult]
	// must echo it.
	ID   string
	Name string
	Args map[string]any
}

// ToolCallResult is the structured answer to one [ToolCallRequest].
// Exactly one result must be sent per request — the agent's turn-taking
// stalls on an unanswered call.
type ToolCallResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// Config holds the parameters of one session.
type Config struct {
	// APIKey authenticates against the Live endpoint.
	APIKey string

	// Model overrides [DefaultModel] when non-empty.
	Model string

	// BaseURL overrides the production WebSocket endpoint. Primarily used
	// in tests to point at a local mock server.
	BaseURL string

	// Voice selects the prebuilt voice for synthesised speech. Defaults to
	// [DefaultVoice].
	Voice string

	// Instructions is the system instruction for this session.
	Instructions string

	// Tools is the fixed tool declaration set advertised at open.
	Tools []FunctionDeclaration
}

// Handlers receives the demultiplexed inbound events of a session. Each
// inbound frame is routed to at most one handler per payload kind. All
// callbacks are invoked sequentially from the session's receive goroutine;
// they must not call blocking session methods and must return promptly.
// Nil handlers are skipped.
type Handlers struct {
	// OnOpen fires once, when the server acknowledges the setup message.
	OnOpen func()

	// OnAudio receives one decoded PCM payload (24 kHz mono s16le) per
	// inbound audio chunk.
	OnAudio func(pcm []byte)

	// OnToolCall receives tool-call requests in arrival order.
	OnToolCall func(req ToolCallRequest)

	// OnInterrupted fires when the agent signals that the user spoke over
	// the current utterance.
	OnInterrupted func()

	// OnClose fires once when the session ends. err is nil for a clean
	// remote close and non-nil for transport errors. It does not fire for
	// a locally initiated [Session.Close].
	OnClose func(err error)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Tools             []toolDecl         `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolDecl struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	Error         *serverError     `json:"error,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is one open logical connection to the agent. Create it with [Dial];
// call [Session.Close] when the call ends. All exported methods are safe for
// concurrent use.
type Session struct {
	conn     *websocket.Conn
	handlers Handlers

	mu      sync.Mutex
	open    bool     // setupComplete received
	pending [][]byte // marshalled messages queued until open
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial establishes a session: it connects the WebSocket, sends the setup
// message declaring the audio response modality, voice, system instruction,
// and tool set, and starts the receive and keepalive loops. The session
// accepts [Session.SendAudio] immediately — packets sent before the server's
// setup acknowledgement are queued, not dropped.
func Dial(ctx context.Context, cfg Config, h Handlers) (*Session, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		baseURL, cfg.APIKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:     conn,
		handlers: h,
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := s.sendSetup(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("live: setup: %w", err)
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// sendSetup sends the initial BidiGenerateContent setup message.
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
				ResponseModalities: []string{"audio"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []toolDecl{{FunctionDeclarations: decls}}
	}

	return s.writeJSON(msg)
}

// SendAudio transmits one captured packet. Before the open handshake
// completes, packets queue in captured order and flush on the server's
// setupComplete acknowledgement. Returns [ErrTransportClosed] after Close.
func (s *Session) SendAudio(pkt audio.Packet) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: pkt.MIMEType, Data: pkt.Data},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTransportClosed
	}
	if !s.open {
		s.pending = append(s.pending, data)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// SendToolResult transmits a tool response keyed by the originating request's
// correlation id.
func (s *Session) SendToolResult(res ToolCallResult) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrTransportClosed
	}
	s.mu.Unlock()

	msg := toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{ID: res.ID, Name: res.Name, Response: res.Response},
			},
		},
	}
	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket frame.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads frames from the WebSocket and dispatches them until the
// connection ends or the session is closed locally.
func (s *Session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// A cancelled session context means Close was called locally;
			// exit without surfacing a close event.
			if s.ctx.Err() != nil {
				return
			}
			s.remoteClosed(closeError(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

// closeError maps a clean WebSocket closure to nil and keeps real transport
// errors intact.
func closeError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return err
}

// remoteClosed marks the session closed on behalf of the remote side and
// fires OnClose exactly once.
func (s *Session) remoteClosed(err error) {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "remote closed")
	})

	if !alreadyClosed && s.handlers.OnClose != nil {
		s.handlers.OnClose(err)
	}
}

func (s *Session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.handleSetupComplete()
	}
	if msg.Error != nil {
		errMsg := msg.Error.Message
		if errMsg == "" {
			errMsg = "unknown server error"
		}
		s.remoteClosed(fmt.Errorf("live: server error %d: %s", msg.Error.Code, errMsg))
		return
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}
}

// handleSetupComplete flushes the pre-open packet queue in captured order and
// only then marks the session open, so a concurrent SendAudio cannot overtake
// a queued packet. The flush writes while holding the session mutex — an
// acceptable one-off, since it happens exactly once per session.
func (s *Session) handleSetupComplete() {
	s.mu.Lock()
	if s.open || s.closed {
		s.mu.Unlock()
		return
	}
	for _, data := range s.pending {
		_ = s.conn.Write(s.ctx, websocket.MessageText, data)
	}
	s.pending = nil
	s.open = true
	s.mu.Unlock()

	if s.handlers.OnOpen != nil {
		s.handlers.OnOpen()
	}
}

func (s *Session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn != nil && s.handlers.OnAudio != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue // drop the malformed chunk, keep the session
			}
			s.handlers.OnAudio(pcm)
		}
	}

	if sc.Interrupted && s.handlers.OnInterrupted != nil {
		s.handlers.OnInterrupted()
	}
}

// handleToolCall surfaces each function call in arrival order. Responding is
// the receiver's job — the session guarantees ordering, not answers.
func (s *Session) handleToolCall(tc *toolCallMsg) {
	if s.handlers.OnToolCall == nil {
		return
	}
	for _, fc := range tc.FunctionCalls {
		s.handlers.OnToolCall(ToolCallRequest{
			ID:   fc.ID,
			Name: fc.Name,
			Args: fc.Args,
		})
	}
}

// keepaliveLoop sends WebSocket pings to keep the Live connection alive.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// Close gracefully terminates the session. Idempotent. A local Close does not
// fire the OnClose handler.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
