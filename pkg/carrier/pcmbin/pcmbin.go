// Package pcmbin implements carrier.Adapter for the binary-PCM wire variant.
//
// Inbound messages are binary frames of little-endian PCM16 mono at
// 44.1 kHz, in whatever chunk sizes the carrier produces; the adapter
// resamples to 16 kHz and re-slices into uniform 20 ms frames. There is no
// start envelope on the wire, so a StartEvent is synthesised from the
// identifiers negotiated at accept time (query parameters). Outbound agent
// audio is downsampled to 8 kHz linear PCM and wrapped in a JSON
// reverse-media envelope:
//
//	{"event":"reverse-media","streamId":...,"channelId":...,"callId":...,"payload":"<base64 PCM @8k>"}
package pcmbin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/carrier"
)

// Compile-time assertion that Adapter satisfies the carrier interface.
var _ carrier.Adapter = (*Adapter)(nil)

const defaultQueueCap = 64

// StreamInfo carries the identifiers the carrier passed when opening the
// stream. They are echoed on every outbound envelope.
type StreamInfo struct {
	StreamID  string
	ChannelID string
	CallID    string
}

type reverseMedia struct {
	Event     string `json:"event"`
	StreamID  string `json:"streamId"`
	ChannelID string `json:"channelId"`
	CallID    string `json:"callId"`
	Payload   string `json:"payload"` // base64-encoded
}

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger used for skipped-message warnings.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// WithQueueCapacity overrides the outbound write-queue capacity.
func WithQueueCapacity(n int) Option {
	return func(a *Adapter) { a.queueCap = n }
}

// Adapter speaks the binary-PCM variant over one WebSocket connection.
type Adapter struct {
	conn     *websocket.Conn
	info     StreamInfo
	log      *slog.Logger
	queueCap int

	out *carrier.WriteQueue

	// rebuf accumulates resampled 16 kHz PCM until a whole 20 ms frame is
	// available; pending holds frames cut but not yet returned by Recv.
	// Both are touched only from the Recv caller's goroutine.
	rebuf   []byte
	pending [][]byte
	started bool

	mu      sync.Mutex
	closed  bool
	recvErr error

	seq        atomic.Uint64
	framesIn   atomic.Uint64
	decodeErrs atomic.Uint64
	framesOut  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wraps an accepted WebSocket connection. The adapter owns the
// connection and closes it when the stream ends.
func New(conn *websocket.Conn, info StreamInfo, opts ...Option) *Adapter {
	a := &Adapter{
		conn:     conn,
		info:     info,
		log:      slog.Default(),
		queueCap: defaultQueueCap,
	}
	for _, o := range opts {
		o(a)
	}
	a.out = carrier.NewWriteQueue(a.queueCap)
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.wg.Add(1)
	go a.writeLoop()
	return a
}

// Kind reports the wire variant.
func (a *Adapter) Kind() carrier.Kind { return carrier.KindPCMBinary }

// Recv returns the next inbound event. The first call yields the synthetic
// StartEvent; socket close maps to ErrClosed.
func (a *Adapter) Recv(ctx context.Context) (carrier.Event, error) {
	a.mu.Lock()
	if err := a.recvErr; err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	if !a.started {
		a.started = true
		return carrier.StartEvent{StreamSID: a.info.StreamID}, nil
	}

	for {
		if len(a.pending) > 0 {
			pcm := a.pending[0]
			a.pending = a.pending[1:]
			rms, err := audio.RMS(pcm)
			if err != nil {
				a.decodeErrs.Add(1)
				continue
			}
			a.framesIn.Add(1)
			return carrier.FrameEvent{Frame: carrier.CallerFrame{
				PCM: pcm,
				Seq: a.seq.Add(1) - 1,
				At:  time.Now(),
				RMS: rms,
			}}, nil
		}

		typ, data, err := a.conn.Read(ctx)
		if err != nil {
			return nil, a.failRecv(err)
		}
		if typ != websocket.MessageBinary {
			// The binary variant has no inbound JSON chatter; anything
			// textual is a protocol slip worth counting.
			a.decodeErrs.Add(1)
			continue
		}
		if len(data)%2 != 0 {
			a.decodeErrs.Add(1)
			a.log.Warn("skipping misaligned PCM chunk", "bytes", len(data))
			continue
		}

		a.rebuf = append(a.rebuf, audio.Resample(data, audio.RateWideband, audio.RateModelIn)...)
		for len(a.rebuf) >= audio.FrameBytes16k {
			frame := make([]byte, audio.FrameBytes16k)
			copy(frame, a.rebuf[:audio.FrameBytes16k])
			a.rebuf = a.rebuf[audio.FrameBytes16k:]
			a.pending = append(a.pending, frame)
		}
	}
}

// Send downsamples one chunk of 24 kHz agent audio to 8 kHz and enqueues
// it. A full queue evicts the oldest frame.
func (a *Adapter) Send(_ context.Context, pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcmbin: %w", audio.ErrInvalidPCMLength)
	}
	down := audio.Resample(pcm, audio.RateModelOut, audio.RateTelephony)
	if !a.out.Push(down) {
		return carrier.ErrClosed
	}
	return nil
}

// writeLoop drains the outbound queue onto the socket as reverse-media
// envelopes.
func (a *Adapter) writeLoop() {
	defer a.wg.Done()
	for pcm := range a.out.C() {
		env := reverseMedia{
			Event:     "reverse-media",
			StreamID:  a.info.StreamID,
			ChannelID: a.info.ChannelID,
			CallID:    a.info.CallID,
			Payload:   base64.StdEncoding.EncodeToString(pcm),
		}
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := a.conn.Write(a.ctx, websocket.MessageText, data); err != nil {
			if a.ctx.Err() == nil {
				a.log.Warn("carrier write failed", "error", err)
			}
			return
		}
		a.framesOut.Add(1)
	}
}

func (a *Adapter) failRecv(cause error) error {
	err := carrier.ErrClosed
	if cause != nil && a.ctx.Err() == nil {
		err = fmt.Errorf("%w: %v", carrier.ErrClosed, cause)
	}
	a.mu.Lock()
	if a.recvErr == nil {
		a.recvErr = err
	}
	err = a.recvErr
	a.mu.Unlock()
	return err
}

// Stats returns a snapshot of the frame counters.
func (a *Adapter) Stats() carrier.Stats {
	return carrier.Stats{
		FramesIn:     a.framesIn.Load(),
		DecodeErrors: a.decodeErrs.Load(),
		FramesOut:    a.framesOut.Load(),
		DroppedOut:   a.out.Dropped(),
	}
}

// Close tears down the socket and write queue. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.out.Close()
	a.cancel()
	a.conn.Close(websocket.StatusNormalClosure, "stream closed")
	a.wg.Wait()
	return nil
}
