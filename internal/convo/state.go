package convo

import "time"

// State is one phase of the call lifecycle.
type State int

const (
	// StateInit covers the window between media-stream start and the
	// model's setup acknowledgement.
	StateInit State = iota

	// StateWelcome covers the agent's opening line.
	StateWelcome

	// StateListening waits for the caller to speak.
	StateListening

	// StateHumanSpeaking accumulates the caller's utterance.
	StateHumanSpeaking

	// StateProcessing waits for the model's first response audio.
	StateProcessing

	// StateResponding streams model audio to the caller.
	StateResponding

	// StateResponseComplete is the transient bookkeeping step after a
	// finished model turn.
	StateResponseComplete

	// StateRecovery rides out a transient model disconnect.
	StateRecovery

	// StateEnding runs the teardown actions.
	StateEnding

	// StateCallEnded is terminal.
	StateCallEnded
)

// String returns the log-friendly name of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWelcome:
		return "welcome"
	case StateListening:
		return "listening"
	case StateHumanSpeaking:
		return "human_speaking"
	case StateProcessing:
		return "processing"
	case StateResponding:
		return "responding"
	case StateResponseComplete:
		return "response_complete"
	case StateRecovery:
		return "recovery"
	case StateEnding:
		return "ending"
	case StateCallEnded:
		return "call_ended"
	default:
		return "unknown"
	}
}

// EndReason explains why a call ended. The values are persisted with the
// call record.
type EndReason string

const (
	EndSilence          EndReason = "silence-timeout"
	EndMaxDuration      EndReason = "max-duration"
	EndCarrierClosed    EndReason = "carrier-closed"
	EndModelFatal       EndReason = "model-fatal"
	EndSetupTimeout     EndReason = "setup-timeout"
	EndResponseTimeouts EndReason = "response-timeouts"
	EndCancelled        EndReason = "cancelled"
)

// Role identifies the speaker of a transcript turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one entry of the call transcript.
type Turn struct {
	Role Role

	// Text is the transcript of the turn. Empty for user turns: caller
	// speech is forwarded as audio and never transcribed locally.
	Text string

	StartedAt time.Time
	EndedAt   time.Time

	// Truncated marks an agent turn cut short by a barge-in.
	Truncated bool

	// LatencyMs is the delay between utterance hand-off and the first
	// response audio, for agent turns.
	LatencyMs int64
}
