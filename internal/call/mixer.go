package call

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source identifies who is allowed to emit outbound audio.
type Source int

const (
	// SourceNone means the outbound leg is silent.
	SourceNone Source = iota

	// SourceModel is real synthesised agent speech.
	SourceModel

	// SourceFiller is pre-recorded latency-masking audio.
	SourceFiller
)

// String returns the log-friendly name of the source.
func (s Source) String() string {
	switch s {
	case SourceModel:
		return "model"
	case SourceFiller:
		return "filler"
	default:
		return "none"
	}
}

// mixerQueueCap bounds outbound audio between the mixer and the carrier
// writer; at 20 ms per frame this is about 1.3 s.
const mixerQueueCap = 64

// Mixer arbitrates the single outbound audio lane of one call. At any
// instant at most one source is active: model audio always wins and takes
// the lane immediately, filler only gets it while the lane is free. Writes
// from a source that does not hold the lane are rejected, which is how the
// filler player learns to stop the moment real speech arrives.
type Mixer struct {
	mu     sync.Mutex
	active Source
	closed bool

	out     chan []byte
	dropped atomic.Uint64
}

// NewMixer returns a mixer with an empty lane.
func NewMixer() *Mixer {
	return &Mixer{out: make(chan []byte, mixerQueueCap)}
}

// Activate claims the lane for src. Model claims unconditionally,
// pre-empting filler; filler claims only a free lane. Reports whether src
// holds the lane afterwards.
func (m *Mixer) Activate(src Source) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch src {
	case SourceModel:
		m.active = SourceModel
		return true
	case SourceFiller:
		if m.active == SourceNone {
			m.active = SourceFiller
		}
		return m.active == SourceFiller
	default:
		return false
	}
}

// Deactivate releases the lane if src currently holds it.
func (m *Mixer) Deactivate(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == src {
		m.active = SourceNone
	}
}

// Active returns the current lane holder.
func (m *Mixer) Active() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Write queues one chunk of 24 kHz PCM from src. It reports false when src
// does not hold the lane or the mixer is closed; a full queue evicts the
// oldest chunk so fresh audio always wins.
func (m *Mixer) Write(src Source, pcm []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.active != src {
		return false
	}
	for {
		select {
		case m.out <- pcm:
			return true
		default:
		}
		select {
		case <-m.out:
			m.dropped.Add(1)
		default:
		}
	}
}

// Out returns the outbound audio stream. Closed by Close.
func (m *Mixer) Out() <-chan []byte { return m.out }

// Dropped returns the number of chunks evicted under back-pressure.
func (m *Mixer) Dropped() uint64 { return m.dropped.Load() }

// Flush waits until the queue drains or the deadline passes. Used during
// teardown so the caller hears the tail of the last response.
func (m *Mixer) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(m.out) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

// Close releases the lane and closes the output stream. Idempotent.
func (m *Mixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.active = SourceNone
	close(m.out)
}
