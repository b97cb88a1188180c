package convo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/internal/convo"
	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/carrier"
	"github.com/voxline-ai/voxline/pkg/model"
)

// recordSink captures every side effect the machine produces and exposes a
// transition channel so tests can wait for the machine to reach a state.
type recordSink struct {
	mu           sync.Mutex
	forwarded    [][]byte
	welcomes     []string
	emitted      [][]byte
	turns        []convo.Turn
	fillerStarts int
	fillerStops  int
	modelStops   int
	endReason    convo.EndReason

	trans chan convo.State
	ended chan struct{}
}

func newRecordSink() *recordSink {
	return &recordSink{
		trans: make(chan convo.State, 128),
		ended: make(chan struct{}),
	}
}

func (s *recordSink) ForwardAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarded = append(s.forwarded, pcm)
}

func (s *recordSink) SendWelcome(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.welcomes = append(s.welcomes, text)
}

func (s *recordSink) StartFiller() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillerStarts++
}

func (s *recordSink) StopFiller() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillerStops++
}

func (s *recordSink) StopModel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelStops++
}

func (s *recordSink) EmitAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = append(s.emitted, pcm)
}

func (s *recordSink) AppendTurn(t convo.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
}

func (s *recordSink) StateChanged(_, to convo.State, _ string) {
	select {
	case s.trans <- to:
	default:
	}
}

func (s *recordSink) EndCall(reason convo.EndReason) {
	s.mu.Lock()
	s.endReason = reason
	s.mu.Unlock()
	close(s.ended)
}

// waitState blocks until the machine reports a transition into want.
func (s *recordSink) waitState(t *testing.T, want convo.State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-s.trans:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for state %v", want)
		}
	}
}

// waitEnd blocks until the machine ends and returns the reason.
func (s *recordSink) waitEnd(t *testing.T) convo.EndReason {
	t.Helper()
	select {
	case <-s.ended:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for call end")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// frameWith builds one 20 ms caller frame of constant amplitude; for a
// constant signal the normalised RMS is amp/32768.
func frameWith(amp int16) carrier.CallerFrame {
	pcm := make([]byte, audio.FrameBytes16k)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = byte(amp)
		pcm[i+1] = byte(amp >> 8)
	}
	rms, _ := audio.RMS(pcm)
	return carrier.CallerFrame{PCM: pcm, RMS: rms}
}

func silenceFrame() carrier.CallerFrame { return frameWith(0) }
func loudFrame() carrier.CallerFrame    { return frameWith(3000) } // RMS ≈ 0.09

// startMachine runs the machine on a background goroutine.
func startMachine(t *testing.T, cfg convo.Config, sink *recordSink, opts ...convo.Option) *convo.Machine {
	t.Helper()
	m := convo.New(cfg, sink, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m
}

// ── Interruption gate ─────────────────────────────────────────────────────────

func TestShouldInterrupt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		rms         float64
		sensitivity float64
		want        bool
	}{
		{"high sensitivity fires on any audible frame", 0.01, 0.9, true},
		{"high sensitivity ignores silence", 0.005, 0.9, false},
		{"high band starts at 0.8", 0.01, 0.8, true},
		{"mid sensitivity ignores quiet speech", 0.02, 0.5, false},
		{"mid sensitivity fires above 70% of loud", 0.045, 0.5, true},
		{"mid band starts at 0.4", 0.045, 0.4, true},
		{"low sensitivity ignores moderate speech", 0.03, 0.2, false},
		{"low sensitivity fires on unambiguous speech", 0.06, 0.2, true},
		{"strength is clamped at 1", 0.5, 0.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := convo.ShouldInterrupt(tt.rms, tt.sensitivity); got != tt.want {
				t.Errorf("ShouldInterrupt(%v, %v) = %v; want %v", tt.rms, tt.sensitivity, got, tt.want)
			}
		})
	}
}

// ── Scenarios ─────────────────────────────────────────────────────────────────

func TestHappyPath(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	m := startMachine(t, convo.Config{WelcomeText: "Hello, how can I help?"}, sink,
		convo.WithEndOfTurnWindow(40*time.Millisecond))

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateWelcome)

	welcomeAudio := []byte{9, 9}
	m.OfferModel(model.Audio{PCM: welcomeAudio})
	m.OfferModel(model.TurnComplete{})
	sink.waitState(t, convo.StateListening)

	for range 3 {
		m.OfferFrame(loudFrame())
	}
	sink.waitState(t, convo.StateHumanSpeaking)
	// Two 20 ms silence frames cross the 40 ms end-of-turn window.
	m.OfferFrame(silenceFrame())
	m.OfferFrame(silenceFrame())
	sink.waitState(t, convo.StateProcessing)

	m.OfferModel(model.Text{Chunk: "Sure, "})
	m.OfferModel(model.Text{Chunk: "one moment."})
	m.OfferModel(model.Audio{PCM: []byte{1, 1}})
	sink.waitState(t, convo.StateResponding)
	m.OfferModel(model.Audio{PCM: []byte{2, 2}})
	m.OfferModel(model.TurnComplete{})
	sink.waitState(t, convo.StateListening)

	m.OfferCarrierClosed()
	if got := sink.waitEnd(t); got != convo.EndCarrierClosed {
		t.Fatalf("end reason = %v; want carrier-closed", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()

	if len(sink.welcomes) != 1 || sink.welcomes[0] != "Hello, how can I help?" {
		t.Errorf("welcomes = %v", sink.welcomes)
	}
	if len(sink.forwarded) != 1 {
		t.Fatalf("forwarded %d utterances; want 1", len(sink.forwarded))
	}
	// 3 loud + 2 silence frames accumulate into the utterance.
	if want := 5 * audio.FrameBytes16k; len(sink.forwarded[0]) != want {
		t.Errorf("utterance length = %d; want %d", len(sink.forwarded[0]), want)
	}
	if sink.fillerStarts != 1 {
		t.Errorf("fillerStarts = %d; want 1", sink.fillerStarts)
	}
	// Welcome chunk plus two response chunks reach the caller.
	if len(sink.emitted) != 3 {
		t.Errorf("emitted %d chunks; want 3", len(sink.emitted))
	}

	if len(sink.turns) != 3 {
		t.Fatalf("turns = %+v; want welcome, user, agent", sink.turns)
	}
	welcome, user, agent := sink.turns[0], sink.turns[1], sink.turns[2]
	if welcome.Role != convo.RoleAgent || welcome.Text != "Hello, how can I help?" {
		t.Errorf("welcome turn = %+v", welcome)
	}
	if user.Role != convo.RoleUser || user.Text != "" {
		t.Errorf("user turn = %+v", user)
	}
	if agent.Role != convo.RoleAgent || agent.Text != "Sure, one moment." || agent.Truncated {
		t.Errorf("agent turn = %+v", agent)
	}
	if agent.LatencyMs < 0 {
		t.Errorf("agent latency = %d; want >= 0", agent.LatencyMs)
	}
}

func TestBargeIn_MidSensitivity(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	m := startMachine(t, convo.Config{InterruptSensitivity: 0.5}, sink,
		convo.WithEndOfTurnWindow(40*time.Millisecond))

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateListening)
	m.OfferFrame(loudFrame())
	sink.waitState(t, convo.StateHumanSpeaking)
	m.OfferFrame(silenceFrame())
	m.OfferFrame(silenceFrame())
	sink.waitState(t, convo.StateProcessing)
	m.OfferModel(model.Text{Chunk: "Let me check that for"})
	m.OfferModel(model.Audio{PCM: []byte{1, 1}})
	sink.waitState(t, convo.StateResponding)

	// RMS ≈ 0.02: audible but below 70% of the loud threshold, so at mid
	// sensitivity the response keeps playing.
	m.OfferFrame(frameWith(655))
	m.OfferModel(model.Audio{PCM: []byte{2, 2}})

	// RMS ≈ 0.045: clears the gate and interrupts.
	m.OfferFrame(frameWith(1474))
	sink.waitState(t, convo.StateListening)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.modelStops != 1 {
		t.Errorf("modelStops = %d; want 1", sink.modelStops)
	}
	if len(sink.emitted) != 2 {
		t.Errorf("emitted %d chunks before interrupt; want 2", len(sink.emitted))
	}
	if len(sink.turns) != 2 {
		t.Fatalf("turns = %+v", sink.turns)
	}
	agent := sink.turns[1]
	if !agent.Truncated {
		t.Error("agent turn should be marked truncated after barge-in")
	}
	if agent.Text != "Let me check that for" {
		t.Errorf("agent text = %q", agent.Text)
	}
	if m.BargeIns() != 1 {
		t.Errorf("BargeIns = %d; want 1", m.BargeIns())
	}
}

func TestSetupTimeout_EndsCall(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	startMachine(t, convo.Config{}, sink, convo.WithReadyTimeout(30*time.Millisecond))

	if got := sink.waitEnd(t); got != convo.EndSetupTimeout {
		t.Fatalf("end reason = %v; want setup-timeout", got)
	}
}

func TestSilenceTimeout_EndsCall(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	m := startMachine(t, convo.Config{SilenceTimeout: 50 * time.Millisecond}, sink)

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateListening)

	if got := sink.waitEnd(t); got != convo.EndSilence {
		t.Fatalf("end reason = %v; want silence-timeout", got)
	}
}

func TestResponseTimeout_SecondOccurrenceEndsCall(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	m := startMachine(t, convo.Config{}, sink,
		convo.WithEndOfTurnWindow(40*time.Millisecond),
		convo.WithResponseTimeout(50*time.Millisecond))

	speak := func() {
		m.OfferFrame(loudFrame())
		sink.waitState(t, convo.StateHumanSpeaking)
		m.OfferFrame(silenceFrame())
		m.OfferFrame(silenceFrame())
		sink.waitState(t, convo.StateProcessing)
	}

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateListening)

	speak()
	// First timeout: back to listening with a warning.
	sink.waitState(t, convo.StateListening)

	speak()
	// Second timeout ends the call.
	if got := sink.waitEnd(t); got != convo.EndResponseTimeouts {
		t.Fatalf("end reason = %v; want response-timeouts", got)
	}
}

func TestUtteranceTimer_ForcesEndOfTurn(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	m := startMachine(t, convo.Config{}, sink,
		convo.WithMaxUtterance(50*time.Millisecond))

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateListening)
	m.OfferFrame(loudFrame())
	sink.waitState(t, convo.StateHumanSpeaking)

	// No further frames arrive; the utterance timer must still close the
	// turn and hand the audio over.
	sink.waitState(t, convo.StateProcessing)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.forwarded) != 1 || len(sink.forwarded[0]) != audio.FrameBytes16k {
		t.Errorf("forwarded = %d buffers; want the single captured frame", len(sink.forwarded))
	}
}

func TestMaxDuration_CutsInFlightResponse(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	m := startMachine(t, convo.Config{MaxCallDuration: 500 * time.Millisecond}, sink,
		convo.WithEndOfTurnWindow(40*time.Millisecond))

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateListening)
	m.OfferFrame(loudFrame())
	sink.waitState(t, convo.StateHumanSpeaking)
	m.OfferFrame(silenceFrame())
	m.OfferFrame(silenceFrame())
	sink.waitState(t, convo.StateProcessing)

	// The model streams audio but never closes its turn; the call budget
	// must still cut it off.
	m.OfferModel(model.Text{Chunk: "And furthermore"})
	m.OfferModel(model.Audio{PCM: []byte{1, 1}})
	sink.waitState(t, convo.StateResponding)

	if got := sink.waitEnd(t); got != convo.EndMaxDuration {
		t.Fatalf("end reason = %v; want max-duration", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.modelStops != 1 {
		t.Errorf("modelStops = %d; want 1", sink.modelStops)
	}
	agent := sink.turns[len(sink.turns)-1]
	if agent.Role != convo.RoleAgent || !agent.Truncated {
		t.Errorf("final turn = %+v; want truncated agent turn", agent)
	}
}

func TestWelcomeOnlyCall_RecordsAgentTurn(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	m := startMachine(t, convo.Config{WelcomeText: "Hi, this is Acme."}, sink)

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateWelcome)
	m.OfferModel(model.Text{Chunk: "Hi, this is Acme. How can I help?"})
	m.OfferModel(model.Audio{PCM: []byte{1, 1}})
	m.OfferModel(model.TurnComplete{})
	sink.waitState(t, convo.StateListening)

	m.OfferCarrierClosed()
	if got := sink.waitEnd(t); got != convo.EndCarrierClosed {
		t.Fatalf("end reason = %v; want carrier-closed", got)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.turns) != 1 {
		t.Fatalf("turns = %+v; want the welcome turn only", sink.turns)
	}
	got := sink.turns[0]
	if got.Role != convo.RoleAgent || got.Text != "Hi, this is Acme. How can I help?" {
		t.Errorf("welcome turn = %+v", got)
	}
	if got.StartedAt.IsZero() || got.EndedAt.Before(got.StartedAt) {
		t.Errorf("welcome turn times = %v .. %v", got.StartedAt, got.EndedAt)
	}
}

func TestTransientError_RecoversOnReady(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	m := startMachine(t, convo.Config{}, sink)

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateListening)

	m.OfferModel(model.ErrorEvent{Kind: model.KindTransient, Err: errors.New("socket reset")})
	sink.waitState(t, convo.StateRecovery)

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateListening)
}

func TestFatalError_EndsCall(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	m := startMachine(t, convo.Config{}, sink)

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateListening)

	m.OfferModel(model.ErrorEvent{Kind: model.KindFatal, Err: errors.New("reconnection exhausted")})
	if got := sink.waitEnd(t); got != convo.EndModelFatal {
		t.Fatalf("end reason = %v; want model-fatal", got)
	}
}

func TestRecoveryTimeout_EndsCall(t *testing.T) {
	t.Parallel()

	sink := newRecordSink()
	m := startMachine(t, convo.Config{}, sink, convo.WithReadyTimeout(40*time.Millisecond))

	m.OfferModel(model.Ready{})
	sink.waitState(t, convo.StateListening)
	m.OfferModel(model.ErrorEvent{Kind: model.KindTransient, Err: errors.New("socket reset")})
	sink.waitState(t, convo.StateRecovery)

	if got := sink.waitEnd(t); got != convo.EndModelFatal {
		t.Fatalf("end reason = %v; want model-fatal after recovery window", got)
	}
}
