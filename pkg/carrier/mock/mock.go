// Package mock provides an in-memory test double for the carrier.Adapter
// interface.
//
// Tests feed inbound events with PushStart, PushFrame and PushStop, and
// inspect outbound audio through the Sent accessor or the SentCh channel.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/carrier"
)

// Compile-time assertion that Adapter satisfies the carrier interface.
var _ carrier.Adapter = (*Adapter)(nil)

// Adapter is a scripted in-memory carrier stream.
type Adapter struct {
	// StreamKind is returned by Kind. Defaults to carrier.KindMulawJSON.
	StreamKind carrier.Kind

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	events chan carrier.Event
	sentCh chan []byte

	mu     sync.Mutex
	sent   [][]byte
	seq    uint64
	closed bool
	stats  carrier.Stats
}

// New returns an adapter with buffered event and send channels.
func New() *Adapter {
	return &Adapter{
		StreamKind: carrier.KindMulawJSON,
		events:     make(chan carrier.Event, 256),
		sentCh:     make(chan []byte, 256),
	}
}

// PushStart enqueues a StartEvent.
func (m *Adapter) PushStart(sid string) {
	m.events <- carrier.StartEvent{StreamSID: sid}
}

// PushFrame enqueues a FrameEvent for the given 16 kHz PCM, computing Seq
// and RMS the way a real adapter would.
func (m *Adapter) PushFrame(pcm []byte) {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.stats.FramesIn++
	m.mu.Unlock()

	rms, _ := audio.RMS(pcm)
	m.events <- carrier.FrameEvent{Frame: carrier.CallerFrame{
		PCM: pcm,
		Seq: seq,
		At:  time.Now(),
		RMS: rms,
	}}
}

// PushStop enqueues a StopEvent and ends the stream: Recv calls after the
// StopEvent is consumed return carrier.ErrClosed.
func (m *Adapter) PushStop() {
	m.events <- carrier.StopEvent{}
	close(m.events)
}

// Kind returns StreamKind.
func (m *Adapter) Kind() carrier.Kind { return m.StreamKind }

// Recv returns the next scripted event.
func (m *Adapter) Recv(ctx context.Context) (carrier.Event, error) {
	select {
	case ev, ok := <-m.events:
		if !ok {
			return nil, carrier.ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send records the outbound chunk.
func (m *Adapter) Send(_ context.Context, pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return carrier.ErrClosed
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	m.sent = append(m.sent, cp)
	m.stats.FramesOut++
	select {
	case m.sentCh <- cp:
	default:
	}
	return nil
}

// Sent returns a copy of all chunks passed to Send so far.
func (m *Adapter) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentCh exposes outbound chunks as a channel for tests that need to block
// until audio arrives.
func (m *Adapter) SentCh() <-chan []byte { return m.sentCh }

// Stats returns the recorded counters.
func (m *Adapter) Stats() carrier.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close marks the adapter closed. Idempotent.
func (m *Adapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
