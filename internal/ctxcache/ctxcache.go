// Package ctxcache manages upstream cached-context handles.
//
// Rebuilding a large system prompt plus knowledge documents for every call
// is slow and billable, so the upstream API offers server-side cached
// content addressed by an opaque handle. The Manager is a process-wide
// service that lazily creates one handle per (agent, content fingerprint)
// pair, deduplicates concurrent creations with singleflight, and refreshes
// handle TTLs best-effort when calls end.
//
// Every failure in this package degrades to "no handle": callers then
// inline the full system instruction, which is always correct, just more
// expensive.
package ctxcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voxline-ai/voxline/internal/agent"
	"github.com/voxline-ai/voxline/pkg/model"
)

// Backend performs the upstream cached-content RPCs. The gemini REST
// implementation lives in http.go; tests substitute their own.
type Backend interface {
	// Create uploads content and returns the new handle.
	Create(ctx context.Context, modelID, content string, ttl time.Duration) (string, error)

	// Refresh extends the TTL of an existing handle.
	Refresh(ctx context.Context, handle string, ttl time.Duration) error
}

// DefaultTTL is the cache lifetime requested on creation and on every
// refresh.
const DefaultTTL = time.Hour

type entry struct {
	handle      string
	fingerprint string
	createdAt   time.Time
}

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithLogger sets the logger for cache diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithTTL overrides the requested cache lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// Manager owns the handle table for the whole process.
type Manager struct {
	backend Backend
	modelID string
	log     *slog.Logger
	ttl     time.Duration

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry // keyed by agent id
}

// NewManager builds a manager over the given backend.
func NewManager(backend Backend, modelID string, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		modelID: modelID,
		log:     slog.Default(),
		ttl:     DefaultTTL,
		entries: make(map[string]entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetOrCreate returns the cache handle for the agent, creating it on first
// use. Concurrent calls for the same agent share one in-flight creation. A
// changed content fingerprint invalidates the stored handle and creates a
// fresh one. On any failure the return is empty: the caller inlines the
// system instruction instead.
func (m *Manager) GetOrCreate(ctx context.Context, cfg agent.Config) string {
	if m == nil || m.backend == nil {
		return ""
	}
	fp := cfg.Fingerprint()

	m.mu.RLock()
	e, ok := m.entries[cfg.ID]
	m.mu.RUnlock()
	if ok && e.fingerprint == fp {
		return e.handle
	}

	key := cfg.ID + ":" + fp
	v, err, _ := m.group.Do(key, func() (any, error) {
		handle, err := m.backend.Create(ctx, m.modelID, cfg.CacheContent(), m.ttl)
		if err != nil {
			return "", err
		}
		if !model.ValidCacheHandle(handle) {
			m.log.Warn("upstream returned an ill-formed cache handle, discarding",
				"agent", cfg.ID, "handle", handle)
			return "", nil
		}
		m.mu.Lock()
		m.entries[cfg.ID] = entry{handle: handle, fingerprint: fp, createdAt: time.Now()}
		m.mu.Unlock()
		return handle, nil
	})
	if err != nil {
		m.log.Warn("cache creation failed, inlining system instruction",
			"agent", cfg.ID, "error", err)
		return ""
	}
	return v.(string)
}

// RefreshTTL extends the lifetime of the agent's handle. Best-effort: a
// failure is logged, the entry dropped, and the next call recreates it.
func (m *Manager) RefreshTTL(ctx context.Context, agentID string) {
	if m == nil || m.backend == nil {
		return
	}
	m.mu.RLock()
	e, ok := m.entries[agentID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if err := m.backend.Refresh(ctx, e.handle, m.ttl); err != nil {
		m.log.Warn("cache TTL refresh failed, dropping handle",
			"agent", agentID, "handle", e.handle, "error", err)
		m.mu.Lock()
		if cur, ok := m.entries[agentID]; ok && cur.handle == e.handle {
			delete(m.entries, agentID)
		}
		m.mu.Unlock()
	}
}

// Invalidate drops the agent's handle, forcing recreation on next use.
func (m *Manager) Invalidate(agentID string) {
	m.mu.Lock()
	delete(m.entries, agentID)
	m.mu.Unlock()
}
