// Package call owns one live call end to end: it wires the carrier stream,
// the conversation state machine, the model session and the filler player
// into a single task group, arbitrates outbound audio through the mixer, and
// persists the transcript when the call tears down.
package call

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/voxline-ai/voxline/internal/agent"
	"github.com/voxline-ai/voxline/pkg/carrier"
)

// Lead is the optional callee identity for outbound-originated calls.
type Lead struct {
	Name  string
	Phone string
}

// Context is the per-call identity record. Created when the carrier opens
// the media stream, destroyed after transcript persistence.
type Context struct {
	// ID is the stable call identifier used in logs and the store.
	ID string

	// Agent is the immutable configuration captured at call start.
	Agent agent.Config

	Lead   Lead
	UserID string

	CarrierKind carrier.Kind
	StartedAt   time.Time
}

// NewContext mints a call context with a fresh UUID.
func NewContext(cfg agent.Config, kind carrier.Kind) Context {
	return Context{
		ID:          uuid.NewString(),
		Agent:       cfg.Normalize(),
		CarrierKind: kind,
		StartedAt:   time.Now(),
	}
}

// flushWindow bounds how long teardown waits for buffered outbound audio
// after the conversation ends.
const flushWindow = 2 * time.Second

// persistTimeout bounds the store write on teardown. Persistence runs on a
// fresh context because the call's own context is usually cancelled by then.
const persistTimeout = 5 * time.Second

func persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistTimeout)
}
