// Package mock provides test doubles for the model package interfaces.
//
// Use Connector to verify Connect calls and feed controlled sessions. Use
// Session to script the model's event stream and inspect the audio and text
// the conversation loop sent.
//
// Example:
//
//	sess := mock.NewSession()
//	conn := &mock.Connector{Session: sess}
//	sess.Emit(model.Audio{PCM: chunk})
package mock

import (
	"context"
	"sync"

	"github.com/voxline-ai/voxline/pkg/model"
)

// Compile-time assertions against the model interfaces.
var _ model.Connector = (*Connector)(nil)
var _ model.Session = (*Session)(nil)

// ConnectCall records a single invocation of Connector.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg model.SessionConfig
}

// Connector is a mock implementation of model.Connector.
type Connector struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh
	// default Session.
	Session model.Session

	// ConnectErr, if non-nil, is returned from Connect. ConnectErrs, if
	// non-empty, is consumed one error per call before Session is returned;
	// nil entries mean success. It takes precedence over ConnectErr.
	ConnectErr  error
	ConnectErrs []error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns the scripted result.
func (c *Connector) Connect(ctx context.Context, cfg model.SessionConfig) (model.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectCalls = append(c.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})

	if len(c.ConnectErrs) > 0 {
		err := c.ConnectErrs[0]
		c.ConnectErrs = c.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}

	if c.Session != nil {
		return c.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls.
func (c *Connector) Calls() []ConnectCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConnectCall, len(c.ConnectCalls))
	copy(out, c.ConnectCalls)
	return out
}

// Session is a scripted model.Session.
type Session struct {
	// SendTextErr, if non-nil, is returned by SendText.
	SendTextErr error

	events chan model.Event

	mu        sync.Mutex
	audio     [][]byte
	texts     []string
	closed    bool
	stats     model.Stats
	closeHook func()
}

// NewSession returns a session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan model.Event, 256)}
}

// Emit queues one scripted event for the consumer.
func (s *Session) Emit(ev model.Event) { s.events <- ev }

// Finish closes the event channel, ending the scripted stream.
func (s *Session) Finish() { close(s.events) }

// OnClose registers a hook invoked by the first Close call.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHook = fn
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan model.Event { return s.events }

// SendAudio records the chunk.
func (s *Session) SendAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.audio = append(s.audio, cp)
	s.stats.AudioChunksSent++
}

// SendText records the text.
func (s *Session) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendTextErr != nil {
		return s.SendTextErr
	}
	s.texts = append(s.texts, text)
	return nil
}

// SentAudio returns a copy of all chunks passed to SendAudio.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// SentTexts returns a copy of all texts passed to SendText.
func (s *Session) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Stats returns the recorded counters.
func (s *Session) Stats() model.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close marks the session closed and runs the OnClose hook once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hook := s.closeHook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}
