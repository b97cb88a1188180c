// Package model defines the Connector and Session interfaces for real-time
// speech-to-speech model backends.
//
// A session is a long-lived bidirectional stream: caller audio goes up as
// 16 kHz PCM16 chunks, synthesised agent audio comes back at 24 kHz,
// multiplexed with text transcript chunks, turn boundaries and control
// events. The concrete implementation lives in the gemini subpackage; the
// mock subpackage provides a scripted double for tests.
//
// Sessions are designed for a single consumer draining Events and must be
// safe for concurrent producers (SendAudio from the frame path, SendText
// from the conversation loop).
package model

import (
	"context"
	"errors"
	"regexp"
)

// ErrNotReady is returned by SendText before the setup handshake completes
// or while a reconnection is in flight.
var ErrNotReady = errors.New("model: session not ready")

// ErrClosed is returned by operations on a session that has ended.
var ErrClosed = errors.New("model: session closed")

// ErrorKind classifies session errors so the conversation loop can decide
// between recovery and hangup.
type ErrorKind int

const (
	// KindTransient marks errors worth riding out: the session is
	// reconnecting or the error affected a single message.
	KindTransient ErrorKind = iota

	// KindFatal marks errors that end the session: reconnection exhausted,
	// authentication rejected, or the protocol stream is unusable.
	KindFatal

	// KindQuota marks upstream quota or rate-limit rejections. Fatal for
	// the current call but actionable for the operator.
	KindQuota
)

// String returns the log-friendly name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindQuota:
		return "quota"
	default:
		return "unknown"
	}
}

// Event is the closed set of occurrences a model session can produce. The
// concrete types are [Ready], [Audio], [Text], [TurnComplete],
// [Interrupted], [ToolCall], [ErrorEvent] and [Closed].
type Event interface {
	isModelEvent()
}

// Ready signals that the session completed its setup handshake and accepts
// audio. It is re-emitted after a successful mid-call reconnect.
type Ready struct {
	// SessionID is the backend's identifier for the live session, when the
	// backend reports one.
	SessionID string
}

// Audio carries one chunk of synthesised agent speech (24 kHz PCM16 mono).
type Audio struct {
	PCM []byte
}

// Text carries one incremental transcript chunk of the agent's current
// turn.
type Text struct {
	Chunk string
}

// TurnComplete signals that the model finished its current response turn.
type TurnComplete struct{}

// Interrupted signals that the backend acknowledged a barge-in and stopped
// generating.
type Interrupted struct{}

// ToolCall carries a function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ErrorEvent carries a classified session error. KindTransient errors are
// informational; KindFatal and KindQuota mean no further audio will flow.
type ErrorEvent struct {
	Kind ErrorKind
	Err  error
}

// Closed is the final event of a session: the connection is gone and no
// reconnection will be attempted.
type Closed struct {
	// Code is the WebSocket close code when one was received.
	Code int

	// Reason is the close reason or a description of the terminating error.
	Reason string

	// Intentional is true when the close was requested locally via Close.
	Intentional bool
}

func (Ready) isModelEvent()        {}
func (Audio) isModelEvent()        {}
func (Text) isModelEvent()         {}
func (TurnComplete) isModelEvent() {}
func (Interrupted) isModelEvent()  {}
func (ToolCall) isModelEvent()     {}
func (ErrorEvent) isModelEvent()   {}
func (Closed) isModelEvent()       {}

// SessionConfig is the initial configuration for a new model session.
type SessionConfig struct {
	// Voice is the backend voice identifier for synthesised speech.
	Voice string

	// SystemInstruction is the agent's persona prompt. Ignored when
	// CacheHandle is set and valid.
	SystemInstruction string

	// CacheHandle references a server-side cached context (for example
	// "cachedContents/abc123"). When set and well-formed it replaces the
	// inline SystemInstruction in the setup handshake; exactly one of the
	// two is ever sent.
	CacheHandle string
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	// AudioChunksSent counts caller audio chunks delivered upstream.
	AudioChunksSent uint64

	// DroppedSends counts caller audio chunks discarded because the send
	// queue was full or the session was not ready.
	DroppedSends uint64

	// Reconnects counts successful mid-call reconnections.
	Reconnects uint64
}

// Session is one open model stream.
//
// This is the hot path of the voice pipeline: SendAudio must never block on
// the network, which is why it reports drops instead of returning transport
// errors. Events must be drained promptly by a single consumer; the channel
// is closed after the Closed event.
type Session interface {
	// Events returns the session's event stream.
	Events() <-chan Event

	// SendAudio enqueues one chunk of caller audio (16 kHz PCM16 mono).
	// Chunks are silently dropped, and counted, while the session is not
	// ready or the queue is full.
	SendAudio(pcm []byte)

	// SendText injects a text turn (for example the welcome line) and asks
	// the model to respond. Returns ErrNotReady before setup completes.
	SendText(ctx context.Context, text string) error

	// Stats returns a point-in-time snapshot of the counters.
	Stats() Stats

	// Close ends the session without reconnection. Idempotent.
	Close() error
}

// Connector is the abstraction over a model backend. Implementations must
// be safe for concurrent use; the server opens one session per call.
type Connector interface {
	// Connect establishes a new session. It returns only after the backend
	// acknowledged the setup handshake, so the session is ready for audio
	// immediately.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// cacheHandleRe matches well-formed server-side cache references.
var cacheHandleRe = regexp.MustCompile(`^cachedContents/[A-Za-z0-9_-]+$`)

// ValidCacheHandle reports whether h is a well-formed cached-context
// reference.
func ValidCacheHandle(h string) bool {
	return cacheHandleRe.MatchString(h)
}
