// Package carrier defines the Adapter interface for telephony media streams.
//
// A carrier adapter wraps one WebSocket media stream from a telephony
// provider and normalises it for the rest of the pipeline: whatever the wire
// encoding, inbound caller audio is surfaced as 16 kHz PCM16 mono frames and
// outbound agent audio is accepted as 24 kHz PCM16 mono.
//
// Two wire variants exist: JSON envelopes carrying base64 G.711 µ-law at
// 8 kHz (see the mulawjson subpackage) and binary PCM at 44.1 kHz with JSON
// reverse-media envelopes (see the pcmbin subpackage). The mock subpackage
// provides an in-memory implementation for tests.
//
// All implementations must be safe for concurrent use: Recv is called from
// the call's read goroutine while Send is called from the mixer goroutine.
package carrier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the wire variant an adapter speaks.
type Kind string

const (
	// KindMulawJSON is the JSON-envelope µ-law variant.
	KindMulawJSON Kind = "mulaw-json"

	// KindPCMBinary is the binary-PCM variant with JSON reverse-media
	// envelopes on the outbound leg.
	KindPCMBinary Kind = "pcm-binary"
)

// ErrClosed is returned by Recv and Send once the underlying media stream
// has ended, whether by a stop envelope, a socket close, or a call to Close.
var ErrClosed = errors.New("carrier: stream closed")

// CallerFrame is one chunk of caller audio, already decoded and resampled to
// the pipeline's inbound rate (16 kHz PCM16 mono).
type CallerFrame struct {
	// PCM is little-endian int16 mono at 16 kHz.
	PCM []byte

	// Seq increments by one per frame emitted on this stream.
	Seq uint64

	// At is the local receive time of the wire message the frame came from.
	At time.Time

	// RMS is the normalised energy of PCM in [0, 1], computed once at
	// decode time so downstream consumers never rescan the buffer.
	RMS float64
}

// Event is the closed set of occurrences a carrier stream can produce.
// The concrete types are [StartEvent], [FrameEvent] and [StopEvent].
type Event interface {
	isCarrierEvent()
}

// StartEvent signals that the carrier announced the beginning of a media
// stream. JSON-envelope carriers send it explicitly; the binary variant
// synthesises it when the first media arrives.
type StartEvent struct {
	// StreamSID is the carrier's identifier for this media stream, echoed
	// back on outbound envelopes. May be empty for carriers that identify
	// streams out of band.
	StreamSID string
}

// FrameEvent carries one decoded caller frame.
type FrameEvent struct {
	Frame CallerFrame
}

// StopEvent signals that the carrier ended the stream cleanly.
type StopEvent struct{}

func (StartEvent) isCarrierEvent() {}
func (FrameEvent) isCarrierEvent() {}
func (StopEvent) isCarrierEvent()  {}

// Stats is a snapshot of an adapter's frame counters.
type Stats struct {
	// FramesIn counts caller frames successfully decoded.
	FramesIn uint64

	// DecodeErrors counts inbound wire messages that could not be decoded
	// and were skipped.
	DecodeErrors uint64

	// FramesOut counts outbound frames written to the socket.
	FramesOut uint64

	// DroppedOut counts outbound frames discarded because the write queue
	// was full (slow or stalled carrier socket).
	DroppedOut uint64
}

// Adapter is one live telephony media stream.
//
// Recv blocks until the next event or stream end; after it returns an error
// it keeps returning the same error. Send never blocks on the carrier
// socket: outbound audio goes through a bounded queue that drops the oldest
// frame under pressure, because stale audio on a phone call is worse than a
// gap.
type Adapter interface {
	// Kind reports the wire variant.
	Kind() Kind

	// Recv returns the next inbound event. It returns ErrClosed (possibly
	// wrapped) once the stream has ended.
	Recv(ctx context.Context) (Event, error)

	// Send enqueues one chunk of agent audio (24 kHz PCM16 mono) for
	// delivery to the caller.
	Send(ctx context.Context, pcm []byte) error

	// Stats returns a point-in-time snapshot of the frame counters.
	Stats() Stats

	// Close tears down the stream and the underlying socket. Idempotent.
	Close() error
}

// WriteQueue is the bounded drop-oldest buffer between the mixer and a
// carrier socket writer. Pushing to a full queue evicts the oldest entry so
// the newest audio always wins.
type WriteQueue struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool

	dropped atomic.Uint64
}

// NewWriteQueue returns a queue holding at most capacity frames.
func NewWriteQueue(capacity int) *WriteQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &WriteQueue{ch: make(chan []byte, capacity)}
}

// Push enqueues p, evicting the oldest frame if the queue is full. It
// reports false once the queue is closed.
func (q *WriteQueue) Push(p []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	for {
		select {
		case q.ch <- p:
			return true
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// C returns the receive side of the queue. It is closed by Close.
func (q *WriteQueue) C() <-chan []byte { return q.ch }

// Dropped returns the number of frames evicted so far.
func (q *WriteQueue) Dropped() uint64 { return q.dropped.Load() }

// Close closes the queue. Idempotent.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
