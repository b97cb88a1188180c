// Package mulawjson implements carrier.Adapter for the JSON-envelope µ-law
// wire variant.
//
// Inbound messages are text frames like
//
//	{"event":"media","media":{"payload":"<base64 µ-law @8k>"}}
//
// preceded by a start envelope carrying the stream SID and terminated by a
// stop envelope. Outbound agent audio is companded back to 8 kHz µ-law and
// wrapped in the same media envelope, tagged with the stream SID from the
// start event.
package mulawjson

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

// ── Wire envelopes ─────────────────────────────────────────────────────────────

type envelope struct {
	Event string `json:"event"`
	Start *start `json:"start,omitempty"`
	Media *media `json:"media,omitempty"`
}

type start struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid,omitempty"`
}

type media struct {
	Payload string `json:"payload"` // base64-encoded
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Media     media  `json:"media"`
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger used for skipped-message warnings.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// WithQueueCapacity overrides the outbound write-queue capacity. Primarily
// used in tests to force drop behaviour with few frames.
func WithQueueCapacity(n int) Option {
	return func(a *Adapter) { a.queueCap = n }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter speaks the µ-law JSON variant over one WebSocket connection.
type Adapter struct {
	conn     *websocket.Conn
	log      *slog.Logger
	queueCap int

	out *carrier.WriteQueue

	mu        sync.Mutex
	streamSID string
	closed    bool
	recvErr   error

	seq        atomic.Uint64
	framesIn   atomic.Uint64
	decodeErrs atomic.Uint64
	framesOut  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wraps an accepted WebSocket connection. The adapter owns the
// connection from this point on and closes it when the stream ends.
func New(conn *websocket.Conn, opts ...Option) *Adapter {
	a := &Adapter{
		conn:     conn,
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
func (a *Adapter) Kind() carrier.Kind { return carrier.KindMulawJSON }

// Recv returns the next inbound event. Undecodable media payloads are
// counted and skipped rather than ending the stream.
func (a *Adapter) Recv(ctx context.Context) (carrier.Event, error) {
	a.mu.Lock()
	if err := a.recvErr; err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	for {
		typ, data, err := a.conn.Read(ctx)
		if err != nil {
			return nil, a.failRecv(err)
		}
		if typ != websocket.MessageText {
			a.decodeErrs.Add(1)
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.decodeErrs.Add(1)
			continue
		}

		switch env.Event {
		case "start":
			sid := ""
			if env.Start != nil {
				sid = env.Start.StreamSID
			}
			a.mu.Lock()
			a.streamSID = sid
			a.mu.Unlock()
			return carrier.StartEvent{StreamSID: sid}, nil

		case "media":
			if env.Media == nil {
				a.decodeErrs.Add(1)
				continue
			}
			frame, err := a.decodeMedia(env.Media.Payload)
			if err != nil {
				a.decodeErrs.Add(1)
				a.log.Warn("skipping undecodable media payload", "error", err)
				continue
			}
			a.framesIn.Add(1)
			return carrier.FrameEvent{Frame: frame}, nil

		case "stop":
			a.failRecv(nil)
			return carrier.StopEvent{}, nil

		default:
			// Mark events and other chatter are not errors; ignore.
			continue
		}
	}
}

// decodeMedia expands one base64 µ-law payload into a 16 kHz caller frame.
func (a *Adapter) decodeMedia(payload string) (carrier.CallerFrame, error) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return carrier.CallerFrame{}, fmt.Errorf("base64: %w", err)
	}
	if len(ulaw) == 0 {
		return carrier.CallerFrame{}, fmt.Errorf("empty payload")
	}

	pcm := audio.Resample(audio.MulawDecode(ulaw), audio.RateTelephony, audio.RateModelIn)
	rms, err := audio.RMS(pcm)
	if err != nil {
		return carrier.CallerFrame{}, err
	}

	return carrier.CallerFrame{
		PCM: pcm,
		Seq: a.seq.Add(1) - 1,
		At:  time.Now(),
		RMS: rms,
	}, nil
}

// Send compands one chunk of 24 kHz agent audio down to wire format and
// enqueues it. A full queue evicts the oldest frame.
func (a *Adapter) Send(_ context.Context, pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("mulawjson: %w", audio.ErrInvalidPCMLength)
	}
	ulaw, err := audio.MulawEncode(audio.Resample(pcm, audio.RateModelOut, audio.RateTelephony))
	if err != nil {
		return fmt.Errorf("mulawjson: encode: %w", err)
	}
	if !a.out.Push(ulaw) {
		return carrier.ErrClosed
	}
	return nil
}

// writeLoop drains the outbound queue onto the socket.
func (a *Adapter) writeLoop() {
	defer a.wg.Done()
	for ulaw := range a.out.C() {
		a.mu.Lock()
		sid := a.streamSID
		a.mu.Unlock()

		env := outboundMedia{
			Event:     "media",
			StreamSID: sid,
			Media:     media{Payload: base64.StdEncoding.EncodeToString(ulaw)},
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

// failRecv records the terminal receive error and returns it. A nil cause
// (clean stop envelope) maps to ErrClosed.
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
