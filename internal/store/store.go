// Package store defines the persistence interface for finished calls.
//
// The orchestrator hands over one CallRecord when a call tears down; the
// postgres subpackage persists it, the memstore subpackage keeps it in
// memory for tests and single-node development.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a call record does not exist.
var ErrNotFound = errors.New("store: call not found")

// Turn is one persisted transcript entry.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Truncated bool      `json:"truncated,omitempty"`
	LatencyMs int64     `json:"latencyMs,omitempty"`
}

// CallRecord is the durable result of one call.
type CallRecord struct {
	CallID    string
	AgentID   string
	UserID    string
	LeadName  string
	LeadPhone string

	StartedAt   time.Time
	EndedAt     time.Time
	DurationSec int

	EndReason string
	Turns     []Turn

	// FlatTranscript is the human-readable rendering of Turns, stored
	// alongside for search and export.
	FlatTranscript string
}

// Flatten renders the turns as "role: text" lines, skipping empty user
// turns that carry no text.
func Flatten(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.Text == "" {
			continue
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Store persists finished calls. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveCall persists one finished call. Saving the same CallID twice
	// overwrites the earlier record.
	SaveCall(ctx context.Context, rec CallRecord) error

	// GetCall returns a persisted record, or ErrNotFound.
	GetCall(ctx context.Context, callID string) (CallRecord, error)

	// ListCalls returns the most recent records for an agent, newest
	// first, at most limit entries.
	ListCalls(ctx context.Context, agentID string, limit int) ([]CallRecord, error)
}
