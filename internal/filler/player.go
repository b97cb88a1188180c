package filler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxline-ai/voxline/pkg/audio"
)

const (
	// defaultStartDelay is how long the player waits before the first
	// frame: a fast model response should win the race and keep the call
	// filler-free.
	defaultStartDelay = 400 * time.Millisecond

	// frameBytes24k is one 20 ms frame at the outbound rate.
	frameBytes24k = audio.RateModelOut / 50 * 2
)

// WriteFunc delivers one 20 ms filler frame (24 kHz PCM) downstream. A
// false return means the output no longer accepts filler (real response
// audio took over) and playback stops.
type WriteFunc func(pcm []byte) bool

// PlayerOption is a functional option for configuring a Player.
type PlayerOption func(*Player)

// WithStartDelay overrides the pre-playback grace period. Used in tests.
func WithStartDelay(d time.Duration) PlayerOption {
	return func(p *Player) { p.startDelay = d }
}

// WithPlayerLogger sets the logger for playback diagnostics.
func WithPlayerLogger(log *slog.Logger) PlayerOption {
	return func(p *Player) { p.log = log }
}

// Player paces filler clips to one call in real time. Start and Stop are
// cheap and idempotent; the conversation loop calls them eagerly on state
// changes.
type Player struct {
	lib        *Library
	sel        Selector
	write      WriteFunc
	startDelay time.Duration
	log        *slog.Logger

	mu     sync.Mutex
	stop   chan struct{}
	lastID string

	plays atomic.Uint64
}

// NewPlayer builds a player over the given library. A nil library or empty
// selector output makes Start a no-op, which is the desired degradation for
// agents without filler clips.
func NewPlayer(lib *Library, sel Selector, write WriteFunc, opts ...PlayerOption) *Player {
	p := &Player{
		lib:        lib,
		sel:        sel,
		write:      write,
		startDelay: defaultStartDelay,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Plays returns the number of clips that actually started playing.
func (p *Player) Plays() uint64 { return p.plays.Load() }

// Start begins filler playback for the given call tags after the grace
// delay. A second Start while playback is active is a no-op.
func (p *Player) Start(language, principle, profile string) {
	if p.lib == nil || p.lib.Len() == 0 {
		return
	}

	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	go p.run(stop, language, principle, profile)
}

// Stop halts playback immediately. Safe to call when nothing is playing.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *Player) run(stop chan struct{}, language, principle, profile string) {
	defer p.clear(stop)

	select {
	case <-stop:
		return
	case <-time.After(p.startDelay):
	}

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		prev := p.lastID
		p.mu.Unlock()

		clip, ok := p.sel.Select(prev, language, principle, profile, p.lib.Clips())
		if !ok {
			return
		}
		p.mu.Lock()
		p.lastID = clip.ID
		p.mu.Unlock()
		p.plays.Add(1)
		p.log.Debug("playing filler clip", "clip", clip.ID, "duration", clip.Duration())

		for off := 0; off < len(clip.PCM); off += frameBytes24k {
			end := off + frameBytes24k
			if end > len(clip.PCM) {
				end = len(clip.PCM)
			}
			if !p.write(clip.PCM[off:end]) {
				return
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}
}

// clear releases the stop slot if it still belongs to this run, so a later
// Start can begin a fresh playback session.
func (p *Player) clear(stop chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == stop {
		p.stop = nil
	}
}
