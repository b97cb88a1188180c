// Package gemini implements the model.Connector interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Caller audio is transmitted as base64-encoded PCM chunks; the
// server's multiplexed stream (audio, transcript text, turn boundaries,
// tool calls) is demultiplexed onto the session's event channel.
//
// Transient disconnects are handled inside the session: up to three
// reconnection attempts with exponential backoff, invisible to the caller
// except for a fresh Ready event on success.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxline-ai/voxline/pkg/model"
)

// Compile-time assertions that Client and session satisfy the model
// interfaces.
var _ model.Connector = (*Client)(nil)
var _ model.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	defaultSetupTimeout = 15 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	sendQueueCap  = 64
	eventQueueCap = 64

	// maxConsecutiveMalformed is how many undecodable server frames in a
	// row the session tolerates before declaring the stream unusable.
	maxConsecutiveMalformed = 3

	defaultMaxReconnects = 3
	defaultReconnectBase = time.Second
)

// transientCloseCodes are the WebSocket close codes that warrant a
// reconnection attempt. Everything else ends the session.
var transientCloseCodes = map[websocket.StatusCode]bool{
	websocket.StatusGoingAway:         true, // 1001
	websocket.StatusAbnormalClosure:   true, // 1006
	websocket.StatusInternalError:     true, // 1011
	websocket.StatusTryAgainLater:     true, // 1013
}

// ErrSetupTimeout is returned by Connect when the server never acknowledged
// the setup message within the setup deadline.
var ErrSetupTimeout = errors.New("gemini: no setupComplete before deadline")

// SetupError is a setup-phase failure annotated with an operator-facing
// hint (invalid API key, model unavailable, quota exhausted, network).
type SetupError struct {
	Hint string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("gemini: setup failed (%s): %v", e.Hint, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the Gemini model used for sessions.
func WithModel(m string) Option {
	return func(c *Client) { c.model = m }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithLogger sets the logger for session lifecycle messages.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithSetupTimeout overrides the setup-handshake deadline.
func WithSetupTimeout(d time.Duration) Option {
	return func(c *Client) { c.setupTimeout = d }
}

// WithReconnectPolicy overrides the reconnection attempt count and base
// backoff delay. Used in tests to avoid multi-second sleeps.
func WithReconnectPolicy(maxAttempts int, base time.Duration) Option {
	return func(c *Client) {
		c.maxReconnects = maxAttempts
		c.reconnectBase = base
	}
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client implements model.Connector for Google's Gemini Live API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger

	setupTimeout  time.Duration
	maxReconnects int
	reconnectBase time.Duration
}

// New creates a Gemini Live client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:        apiKey,
		model:         defaultModel,
		baseURL:       defaultBaseURL,
		log:           slog.Default(),
		setupTimeout:  defaultSetupTimeout,
		maxReconnects: defaultMaxReconnects,
		reconnectBase: defaultReconnectBase,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect establishes a new Gemini Live session. It returns only after the
// server acknowledged the setup message, so the session accepts audio
// immediately. An ill-formed cache handle downgrades to the inline system
// instruction with a single warning rather than failing the call.
func (c *Client) Connect(ctx context.Context, cfg model.SessionConfig) (model.Session, error) {
	if cfg.CacheHandle != "" && !model.ValidCacheHandle(cfg.CacheHandle) {
		c.log.Warn("ill-formed cache handle, falling back to inline system instruction",
			"handle", cfg.CacheHandle)
		cfg.CacheHandle = ""
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		client: c,
		cfg:    cfg,
		events: make(chan model.Event, eventQueueCap),
		sendQ:  make(chan []byte, sendQueueCap),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	conn, sessionID, err := c.dialAndSetup(ctx, cfg)
	if err != nil {
		sessCancel()
		return nil, err
	}
	s.conn = conn
	s.ready.Store(true)

	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.keepaliveLoop()

	s.emit(model.Ready{SessionID: sessionID})
	return s, nil
}

// dialAndSetup opens the WebSocket, performs the setup handshake and waits
// for the server's setupComplete acknowledgement.
func (c *Client) dialAndSetup(ctx context.Context, cfg model.SessionConfig) (*websocket.Conn, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.setupTimeout)
	defer cancel()

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		c.baseURL, c.apiKey,
	)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, "", classifyDialError(err, resp, ctx.Err())
	}

	setup := buildSetup(c.model, cfg)
	data, err := json.Marshal(setup)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, "", fmt.Errorf("gemini: marshal setup: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, "", &SetupError{Hint: "network", Err: err}
	}

	// The first server message must be the setupComplete ack; an error
	// message here means the setup was rejected.
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "setup failed")
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, "", ErrSetupTimeout
			}
			return nil, "", &SetupError{Hint: "network", Err: err}
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			conn.Close(websocket.StatusNormalClosure, "setup rejected")
			return nil, "", &SetupError{
				Hint: setupHint(msg.Error),
				Err:  fmt.Errorf("%s (code %d)", msg.Error.Message, msg.Error.Code),
			}
		}
		if msg.SetupComplete != nil {
			return conn, msg.SetupComplete.SessionID, nil
		}
	}
}

// classifyDialError maps a dial failure to a SetupError with an
// operator-facing hint.
func classifyDialError(err error, resp *http.Response, ctxErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return ErrSetupTimeout
	}
	hint := "network"
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			hint = "invalid API key"
		case http.StatusNotFound:
			hint = "model unavailable"
		case http.StatusTooManyRequests:
			hint = "quota exhausted"
		}
	}
	return &SetupError{Hint: hint, Err: err}
}

// setupHint maps an in-band setup rejection to an operator-facing hint.
func setupHint(ge *geminiError) string {
	switch ge.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "invalid API key"
	case http.StatusNotFound:
		return "model unavailable"
	case http.StatusTooManyRequests:
		return "quota exhausted"
	default:
		return "rejected"
	}
}

// buildSetup assembles the BidiGenerateContent setup message. Exactly one
// of cachedContent and systemInstruction is populated.
func buildSetup(modelID string, cfg model.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", modelID),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.CacheHandle != "" {
		msg.Setup.CachedContent = cfg.CacheHandle
	} else if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	CachedContent     string             `json:"cachedContent,omitempty"`
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

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *setupComplete `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg   `json:"toolCall,omitempty"`
	Error         *geminiError   `json:"error,omitempty"`
}

type setupComplete struct {
	SessionID string `json:"sessionId,omitempty"`
}

type geminiError struct {
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

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	client *Client
	cfg    model.SessionConfig

	events chan model.Event
	sendQ  chan []byte

	connMu sync.Mutex
	conn   *websocket.Conn

	ready       atomic.Bool
	intentional atomic.Bool

	chunksSent   atomic.Uint64
	droppedSends atomic.Uint64
	reconnects   atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// currentConn returns the live connection; it changes across reconnects.
func (s *session) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *session) swapConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

// emit delivers a control event, blocking until the consumer takes it or
// the session context ends. Control events must not be lost.
func (s *session) emit(ev model.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// emitFinal delivers a terminal event without blocking. It is used for the
// Closed event, which may be produced after the session context is already
// cancelled or the consumer has walked away.
func (s *session) emitFinal(ev model.Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// emitAudio delivers an audio event, evicting the oldest queued event under
// pressure so playback never lags far behind real time.
func (s *session) emitAudio(ev model.Audio) {
	for {
		select {
		case s.events <- ev:
			return
		case <-s.ctx.Done():
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

// readLoop reads server messages and dispatches them. It owns the events
// channel and closes it when it exits. Transient socket failures trigger
// the reconnection path; everything else produces a terminal Closed event.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer s.closeEvents()

	malformed := 0
	for {
		conn := s.currentConn()
		_, raw, err := conn.Read(s.ctx)
		if err != nil {
			if s.intentional.Load() || s.ctx.Err() != nil {
				s.emitFinal(model.Closed{Reason: "session closed", Intentional: true})
				return
			}

			code := websocket.CloseStatus(err)
			if code != -1 && !transientCloseCodes[code] {
				s.emitFinal(model.Closed{Code: int(code), Reason: err.Error()})
				return
			}

			if !s.reconnect(err) {
				return
			}
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			malformed++
			s.client.log.Warn("skipping malformed server frame", "error", err)
			if malformed >= maxConsecutiveMalformed {
				s.emit(model.ErrorEvent{
					Kind: model.KindFatal,
					Err:  fmt.Errorf("gemini: %d consecutive malformed frames", malformed),
				})
				s.emitFinal(model.Closed{Reason: "protocol stream unusable"})
				conn.Close(websocket.StatusProtocolError, "malformed stream")
				return
			}
			continue
		}
		malformed = 0
		s.handleServerMessage(&msg)
	}
}

// reconnect re-establishes the session after a transient disconnect. It
// reports false when the attempts are exhausted, after emitting the fatal
// error and terminal Closed events.
func (s *session) reconnect(cause error) bool {
	s.ready.Store(false)
	s.emit(model.ErrorEvent{
		Kind: model.KindTransient,
		Err:  fmt.Errorf("gemini: connection lost, reconnecting: %w", cause),
	})

	for attempt := 1; attempt <= s.client.maxReconnects; attempt++ {
		delay := s.client.reconnectBase << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			s.emitFinal(model.Closed{Reason: "session closed", Intentional: true})
			return false
		}

		conn, sessionID, err := s.client.dialAndSetup(s.ctx, s.cfg)
		if err != nil {
			s.client.log.Warn("reconnect attempt failed",
				"attempt", attempt, "error", err)
			continue
		}

		s.swapConn(conn)
		s.ready.Store(true)
		s.reconnects.Add(1)
		s.client.log.Info("session reconnected", "attempt", attempt)
		s.emit(model.Ready{SessionID: sessionID})
		return true
	}

	s.emit(model.ErrorEvent{
		Kind: model.KindFatal,
		Err:  fmt.Errorf("gemini: reconnection exhausted after %d attempts: %w",
			s.client.maxReconnects, cause),
	})
	s.emitFinal(model.Closed{Reason: "reconnection exhausted"})
	return false
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		kind := model.KindTransient
		if msg.Error.Code == http.StatusTooManyRequests {
			kind = model.KindQuota
		}
		s.emit(model.ErrorEvent{
			Kind: kind,
			Err:  fmt.Errorf("gemini: %s (code %d)", msg.Error.Message, msg.Error.Code),
		})
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			s.emit(model.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		s.emit(model.Interrupted{})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				s.emitAudio(model.Audio{PCM: pcm})
			}
			if p.Text != "" {
				s.emit(model.Text{Chunk: p.Text})
			}
		}
	}
	if sc.TurnComplete {
		s.emit(model.TurnComplete{})
	}
}

// writeLoop drains the audio send queue onto the socket. Write failures are
// dropped silently; the read loop notices the broken connection and drives
// recovery.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm := <-s.sendQ:
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{{
						MIMEType: "audio/pcm;rate=16000",
						Data:     base64.StdEncoding.EncodeToString(pcm),
					}},
				},
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.droppedSends.Add(1)
				continue
			}
			if err := s.currentConn().Write(s.ctx, websocket.MessageText, data); err != nil {
				s.droppedSends.Add(1)
				continue
			}
			s.chunksSent.Add(1)
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the connection alive across
// silent stretches of the call.
func (s *session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.currentConn().Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// ── model.Session methods ──────────────────────────────────────────────────────

// Events returns the session's event stream.
func (s *session) Events() <-chan model.Event { return s.events }

// SendAudio enqueues one 16 kHz PCM chunk. Chunks are dropped, and counted,
// while the session is not ready or the queue is full.
func (s *session) SendAudio(pcm []byte) {
	if !s.ready.Load() {
		s.droppedSends.Add(1)
		return
	}
	select {
	case s.sendQ <- pcm:
	default:
		// Evict the oldest queued chunk; fresher audio matters more.
		select {
		case <-s.sendQ:
			s.droppedSends.Add(1)
		default:
		}
		select {
		case s.sendQ <- pcm:
		default:
			s.droppedSends.Add(1)
		}
	}
}

// SendText injects a user text turn and asks the model to respond.
func (s *session) SendText(ctx context.Context, text string) error {
	if s.ctx.Err() != nil {
		return model.ErrClosed
	}
	if !s.ready.Load() {
		return model.ErrNotReady
	}

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{{
				Role:  "user",
				Parts: []part{{Text: text}},
			}},
			TurnComplete: true,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("gemini: marshal clientContent: %w", err)
	}
	if err := s.currentConn().Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: send text: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the session counters.
func (s *session) Stats() model.Stats {
	return model.Stats{
		AudioChunksSent: s.chunksSent.Load(),
		DroppedSends:    s.droppedSends.Load(),
		Reconnects:      s.reconnects.Load(),
	}
}

// Close ends the session without reconnection. Idempotent.
func (s *session) Close() error {
	if s.intentional.Swap(true) {
		return nil
	}
	s.ready.Store(false)
	s.cancel()
	s.currentConn().Close(websocket.StatusNormalClosure, "session closed")
	s.wg.Wait()
	return nil
}
