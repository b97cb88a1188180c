// Package convo implements the per-call conversation state machine.
//
// The machine is the single writer for all call state: carrier frames,
// model events and timer expirations are funnelled through one bounded
// input queue and handled sequentially by Run. Side effects (forwarding
// audio, starting filler, appending transcript turns, ending the call) go
// through the Sink interface, so the machine itself stays deterministic and
// directly testable.
package convo

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/carrier"
	"github.com/voxline-ai/voxline/pkg/model"
)

// Energy thresholds on normalised frame RMS.
const (
	// SilenceRMS is the ceiling below which a frame counts as silence.
	SilenceRMS = 0.008

	// LoudRMS is the floor above which a frame counts as unambiguous
	// speech.
	LoudRMS = 0.05
)

// Timer defaults. Tests shrink these through the With* options.
const (
	defaultReadyTimeout    = 10 * time.Second
	defaultWelcomeTimeout  = 5 * time.Second
	defaultResponseTimeout = 15 * time.Second
	defaultEndOfTurnWindow = 800 * time.Millisecond
	defaultMaxUtterance    = 30 * time.Second
	defaultSilenceTimeout  = 30 * time.Second
	defaultMaxCallDuration = 10 * time.Minute

	// maxResponseTimeouts is how many response timeouts a call survives.
	maxResponseTimeouts = 2

	inputQueueCap = 64
)

// ShouldInterrupt decides whether a caller frame with the given energy
// constitutes a barge-in at the given sensitivity. High sensitivity
// interrupts on any audible frame; mid sensitivity requires the energy to
// clear 70 % of the loud threshold; low sensitivity requires unambiguous
// speech.
func ShouldInterrupt(rms, sensitivity float64) bool {
	switch {
	case sensitivity >= 0.8:
		return rms > SilenceRMS
	case sensitivity >= 0.4:
		if rms <= SilenceRMS {
			return false
		}
		strength := rms / LoudRMS
		if strength > 1 {
			strength = 1
		}
		return strength > 0.7
	default:
		return rms > LoudRMS
	}
}

// Sink receives the machine's side effects. Implementations must not call
// back into the machine synchronously and must return quickly; anything
// slow belongs behind a queue.
type Sink interface {
	// ForwardAudio hands a complete caller utterance (16 kHz PCM) to the
	// model.
	ForwardAudio(pcm []byte)

	// SendWelcome asks the model to speak the opening line.
	SendWelcome(text string)

	// StartFiller begins filler playback to cover model latency.
	StartFiller()

	// StopFiller stops filler playback. Called eagerly; must be a no-op
	// when nothing is playing.
	StopFiller()

	// StopModel discards the model's in-flight response after a barge-in.
	StopModel()

	// EmitAudio forwards one chunk of model speech (24 kHz PCM) to the
	// caller.
	EmitAudio(pcm []byte)

	// AppendTurn records a finished transcript turn.
	AppendTurn(t Turn)

	// StateChanged reports a transition, for logs and metrics.
	StateChanged(from, to State, reason string)

	// EndCall reports that the machine reached its terminal state. Called
	// exactly once.
	EndCall(reason EndReason)
}

// Config is the per-call tuning of the machine.
type Config struct {
	// InterruptSensitivity in [0, 1] selects the barge-in gate band.
	InterruptSensitivity float64

	// WelcomeText is the agent's opening line. Empty skips the welcome
	// phase.
	WelcomeText string

	// SilenceTimeout ends the call after this much caller silence while
	// listening. Zero means the 30 s default.
	SilenceTimeout time.Duration

	// MaxCallDuration hard-caps the call wall clock. Zero means the 10 min
	// default.
	MaxCallDuration time.Duration
}

// Option overrides one of the machine's internal timers.
type Option func(*Machine)

// WithReadyTimeout overrides how long the machine waits for the model's
// setup acknowledgement.
func WithReadyTimeout(d time.Duration) Option {
	return func(m *Machine) { m.readyTimeout = d }
}

// WithWelcomeTimeout overrides the cap on the welcome phase.
func WithWelcomeTimeout(d time.Duration) Option {
	return func(m *Machine) { m.welcomeTimeout = d }
}

// WithResponseTimeout overrides how long the machine waits for the first
// response audio.
func WithResponseTimeout(d time.Duration) Option {
	return func(m *Machine) { m.responseTimeout = d }
}

// WithEndOfTurnWindow overrides the trailing-silence window that closes a
// caller utterance.
func WithEndOfTurnWindow(d time.Duration) Option {
	return func(m *Machine) { m.endOfTurnWindow = d }
}

// WithMaxUtterance overrides the cap on continuous caller speech.
func WithMaxUtterance(d time.Duration) Option {
	return func(m *Machine) { m.maxUtterance = d }
}

// WithLogger sets the logger for transition debugging.
func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is one call's conversation state machine. Create with New, drive
// with Run, feed with the Offer methods.
type Machine struct {
	cfg  Config
	sink Sink
	log  *slog.Logger
	now  func() time.Time

	readyTimeout    time.Duration
	welcomeTimeout  time.Duration
	responseTimeout time.Duration
	endOfTurnWindow time.Duration
	maxUtterance    time.Duration

	inputs  chan input
	dropped atomic.Uint64

	// Everything below is owned by the Run goroutine.
	state      State
	stateTimer *time.Timer
	timerArmed bool
	maxExpired bool

	utterance    [][]byte
	speechStart  time.Time
	trailingQuit time.Duration
	welcomeStart time.Time

	processingStart  time.Time
	firstAudioAt     time.Time
	agentText        []byte
	responseTimeouts int

	endReason EndReason
	bargeIns  uint64
}

type input struct {
	frame         *carrier.CallerFrame
	modelEv       model.Event
	carrierClosed bool
}

// New builds a machine for one call.
func New(cfg Config, sink Sink, opts ...Option) *Machine {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = defaultSilenceTimeout
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = defaultMaxCallDuration
	}
	if cfg.InterruptSensitivity < 0 {
		cfg.InterruptSensitivity = 0
	}
	if cfg.InterruptSensitivity > 1 {
		cfg.InterruptSensitivity = 1
	}

	m := &Machine{
		cfg:             cfg,
		sink:            sink,
		log:             slog.Default(),
		now:             time.Now,
		readyTimeout:    defaultReadyTimeout,
		welcomeTimeout:  defaultWelcomeTimeout,
		responseTimeout: defaultResponseTimeout,
		endOfTurnWindow: defaultEndOfTurnWindow,
		maxUtterance:    defaultMaxUtterance,
		inputs:          make(chan input, inputQueueCap),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OfferFrame queues a caller frame. It never blocks; a full queue drops the
// frame and counts it.
func (m *Machine) OfferFrame(f carrier.CallerFrame) bool {
	select {
	case m.inputs <- input{frame: &f}:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// OfferModel queues a model event. It never blocks; a full queue drops the
// event and counts it.
func (m *Machine) OfferModel(ev model.Event) bool {
	select {
	case m.inputs <- input{modelEv: ev}:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// OfferCarrierClosed queues the carrier-hangup signal. Unlike frames this
// must not be lost, so a full queue has its oldest entry evicted first.
func (m *Machine) OfferCarrierClosed() {
	select {
	case m.inputs <- input{carrierClosed: true}:
		return
	default:
	}
	select {
	case <-m.inputs:
		m.dropped.Add(1)
	default:
	}
	select {
	case m.inputs <- input{carrierClosed: true}:
	default:
	}
}

// Dropped returns the number of inputs discarded due to back-pressure.
func (m *Machine) Dropped() uint64 { return m.dropped.Load() }

// BargeIns returns the number of caller interruptions handled so far.
func (m *Machine) BargeIns() uint64 { return m.bargeIns }

// EndReason returns the recorded reason once the machine has ended.
func (m *Machine) EndReason() EndReason { return m.endReason }

// Run drives the machine until the call ends or ctx is cancelled. It must
// be called exactly once.
func (m *Machine) Run(ctx context.Context) error {
	maxTimer := time.NewTimer(m.cfg.MaxCallDuration)
	defer maxTimer.Stop()

	m.stateTimer = time.NewTimer(time.Hour)
	if !m.stateTimer.Stop() {
		<-m.stateTimer.C
	}
	defer m.stateTimer.Stop()

	m.state = StateInit
	m.armTimer(m.readyTimeout)

	for m.state != StateCallEnded {
		select {
		case <-ctx.Done():
			m.transitionEnding(EndCancelled, "context cancelled")

		case <-maxTimer.C:
			m.maxExpired = true
			switch m.state {
			case StateListening, StateResponseComplete:
				m.transitionEnding(EndMaxDuration, "max call duration reached")
			case StateResponding:
				// Cut the in-flight response; it does not get to outlive
				// the call budget.
				m.sink.StopModel()
				m.appendAgentTurn(true)
				m.transitionEnding(EndMaxDuration, "max call duration reached")
			case StateProcessing:
				m.sink.StopModel()
				m.transitionEnding(EndMaxDuration, "max call duration reached")
			}
			// The remaining states drain within their own short timers; the
			// next Listening or Processing entry ends the call.

		case <-m.stateTimer.C:
			m.timerArmed = false
			m.handleStateTimeout()

		case in := <-m.inputs:
			switch {
			case in.frame != nil:
				m.handleFrame(*in.frame)
			case in.modelEv != nil:
				m.handleModel(in.modelEv)
			case in.carrierClosed:
				m.transitionEnding(EndCarrierClosed, "carrier closed the stream")
			}
		}
	}
	return nil
}

// ── Timer plumbing ─────────────────────────────────────────────────────────────

func (m *Machine) armTimer(d time.Duration) {
	m.disarmTimer()
	m.stateTimer.Reset(d)
	m.timerArmed = true
}

func (m *Machine) disarmTimer() {
	if !m.timerArmed {
		return
	}
	if !m.stateTimer.Stop() {
		select {
		case <-m.stateTimer.C:
		default:
		}
	}
	m.timerArmed = false
}

// ── Transitions ────────────────────────────────────────────────────────────────

func (m *Machine) transition(to State, reason string) {
	from := m.state
	m.state = to
	m.log.Debug("state transition", "from", from.String(), "to", to.String(), "reason", reason)
	m.sink.StateChanged(from, to, reason)

	switch to {
	case StateWelcome:
		m.welcomeStart = m.now()
		m.sink.SendWelcome(m.cfg.WelcomeText)
		m.armTimer(m.welcomeTimeout)

	case StateListening:
		m.utterance = nil
		m.trailingQuit = 0
		if m.maxExpired {
			m.transitionEnding(EndMaxDuration, "max call duration reached")
			return
		}
		m.armTimer(m.cfg.SilenceTimeout)

	case StateHumanSpeaking:
		m.speechStart = m.now()
		m.trailingQuit = 0
		m.armTimer(m.maxUtterance)

	case StateProcessing:
		if m.maxExpired {
			m.transitionEnding(EndMaxDuration, "max call duration reached")
			return
		}
		m.processingStart = m.now()
		m.firstAudioAt = time.Time{}
		m.agentText = nil
		m.sink.ForwardAudio(audio.Concat(m.utterance...))
		m.utterance = nil
		m.sink.StartFiller()
		m.armTimer(m.responseTimeout)

	case StateResponding:
		m.disarmTimer()
		m.sink.StopFiller()

	case StateResponseComplete:
		m.disarmTimer()
		m.appendAgentTurn(false)
		m.transition(StateListening, "response delivered")

	case StateRecovery:
		m.sink.StopFiller()
		m.armTimer(m.readyTimeout)
	}
}

func (m *Machine) transitionEnding(reason EndReason, detail string) {
	if m.state == StateEnding || m.state == StateCallEnded {
		return
	}
	m.endReason = reason
	m.disarmTimer()
	m.sink.StopFiller()

	from := m.state
	m.state = StateEnding
	m.sink.StateChanged(from, StateEnding, detail)

	m.sink.EndCall(reason)
	m.state = StateCallEnded
	m.sink.StateChanged(StateEnding, StateCallEnded, string(reason))
}

// ── Input handling ─────────────────────────────────────────────────────────────

func (m *Machine) handleFrame(f carrier.CallerFrame) {
	switch m.state {
	case StateListening:
		if f.RMS > SilenceRMS {
			m.transition(StateHumanSpeaking, "caller started speaking")
			m.accumulate(f)
		}

	case StateHumanSpeaking:
		m.accumulate(f)
		if f.RMS <= SilenceRMS {
			m.trailingQuit += frameDuration(f)
			if m.trailingQuit >= m.endOfTurnWindow {
				m.endOfTurn("end of turn detected")
			}
			return
		}
		m.trailingQuit = 0
		if m.now().Sub(m.speechStart) >= m.maxUtterance {
			m.endOfTurn("max continuous speech reached")
		}

	case StateResponding:
		if ShouldInterrupt(f.RMS, m.cfg.InterruptSensitivity) {
			m.bargeIns++
			m.sink.StopModel()
			m.appendAgentTurn(true)
			m.transition(StateListening, "caller barged in")
		}
	}
	// Frames in other states carry no signal; drop them.
}

func (m *Machine) accumulate(f carrier.CallerFrame) {
	m.utterance = append(m.utterance, f.PCM)
}

// endOfTurn closes the caller's utterance: record the user turn, then hand
// the audio to the model via the Processing entry actions.
func (m *Machine) endOfTurn(reason string) {
	m.sink.AppendTurn(Turn{
		Role:      RoleUser,
		StartedAt: m.speechStart,
		EndedAt:   m.now(),
	})
	m.transition(StateProcessing, reason)
}

func (m *Machine) handleModel(ev model.Event) {
	switch ev := ev.(type) {
	case model.Ready:
		switch m.state {
		case StateInit:
			if m.cfg.WelcomeText == "" {
				m.transition(StateListening, "model ready, no welcome configured")
				return
			}
			m.transition(StateWelcome, "model ready")
		case StateRecovery:
			m.transition(StateListening, "model reconnected")
		default:
			// Mid-call re-Ready after a reconnect the machine did not
			// witness; nothing to do.
		}

	case model.Audio:
		switch m.state {
		case StateWelcome:
			m.sink.EmitAudio(ev.PCM)
		case StateProcessing:
			m.firstAudioAt = m.now()
			m.transition(StateResponding, "first response audio")
			m.sink.EmitAudio(ev.PCM)
		case StateResponding:
			m.sink.EmitAudio(ev.PCM)
		}
		// Late audio after a barge-in arrives in Listening; discard.

	case model.Text:
		switch m.state {
		case StateProcessing, StateResponding, StateWelcome:
			m.agentText = append(m.agentText, ev.Chunk...)
		}

	case model.TurnComplete:
		switch m.state {
		case StateWelcome:
			m.appendWelcomeTurn()
			m.transition(StateListening, "welcome delivered")
		case StateResponding:
			m.transition(StateResponseComplete, "model turn complete")
		case StateProcessing:
			// A text-only or empty response: close the turn without audio.
			m.transition(StateResponseComplete, "model turn complete without audio")
		}

	case model.Interrupted:
		if m.state == StateResponding {
			m.bargeIns++
			m.appendAgentTurn(true)
			m.transition(StateListening, "model acknowledged interruption")
		}

	case model.ToolCall:
		// Tool execution is out of band; log and move on.
		m.log.Info("model requested tool call", "tool", ev.Name, "id", ev.ID)

	case model.ErrorEvent:
		switch ev.Kind {
		case model.KindTransient:
			if m.state != StateInit && m.state != StateEnding && m.state != StateCallEnded {
				m.transition(StateRecovery, "transient model error")
			}
		case model.KindFatal, model.KindQuota:
			m.log.Error("fatal model error", "error", ev.Err)
			m.transitionEnding(EndModelFatal, ev.Err.Error())
		}

	case model.Closed:
		if !ev.Intentional {
			m.transitionEnding(EndModelFatal, "model stream closed")
		}
	}
}

func (m *Machine) handleStateTimeout() {
	switch m.state {
	case StateInit:
		m.transitionEnding(EndSetupTimeout, "model never became ready")

	case StateWelcome:
		m.agentText = nil
		m.transition(StateListening, "welcome window elapsed")

	case StateListening:
		m.transitionEnding(EndSilence, "caller silent too long")

	case StateHumanSpeaking:
		// Frames stopped arriving entirely; treat what we have as the
		// utterance.
		m.endOfTurn("utterance timer elapsed")

	case StateProcessing:
		m.responseTimeouts++
		if m.responseTimeouts >= maxResponseTimeouts {
			m.transitionEnding(EndResponseTimeouts, "model response timed out twice")
			return
		}
		m.log.Warn("model response timed out, returning to listening")
		m.sink.StopFiller()
		m.transition(StateListening, "response timeout")

	case StateRecovery:
		m.transitionEnding(EndModelFatal, "recovery window elapsed")
	}
}

// appendWelcomeTurn records the delivered welcome as the opening agent
// turn. The configured welcome text stands in when the model sent no text
// of its own.
func (m *Machine) appendWelcomeTurn() {
	text := string(m.agentText)
	if text == "" {
		text = m.cfg.WelcomeText
	}
	m.sink.AppendTurn(Turn{
		Role:      RoleAgent,
		Text:      text,
		StartedAt: m.welcomeStart,
		EndedAt:   m.now(),
	})
	m.agentText = nil
}

// appendAgentTurn records the agent's turn with its accumulated text and
// first-audio latency.
func (m *Machine) appendAgentTurn(truncated bool) {
	started := m.firstAudioAt
	if started.IsZero() {
		started = m.processingStart
	}
	var latency int64
	if !m.firstAudioAt.IsZero() && !m.processingStart.IsZero() {
		latency = m.firstAudioAt.Sub(m.processingStart).Milliseconds()
	}
	m.sink.AppendTurn(Turn{
		Role:      RoleAgent,
		Text:      string(m.agentText),
		StartedAt: started,
		EndedAt:   m.now(),
		Truncated: truncated,
		LatencyMs: latency,
	})
	m.agentText = nil
}

func frameDuration(f carrier.CallerFrame) time.Duration {
	samples := len(f.PCM) / 2
	if samples == 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(audio.RateModelIn)
}
