package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxline-ai/voxline/internal/agent"
)

// ErrAgentNotFound is returned by [Registry.Lookup] when no agent is
// registered under the requested id.
var ErrAgentNotFound = errors.New("config: agent not found")

// Registry holds the dialable agents, keyed by id. It is safe for
// concurrent use; the watcher swaps its contents on config reload while
// live calls keep the Config copies they captured at start.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]agent.Config
	order  []string
}

// NewRegistry builds a registry from the config's agent list.
func NewRegistry(agents []agent.Config) *Registry {
	r := &Registry{}
	r.Replace(agents)
	return r
}

// Replace swaps the full agent set. Called by the reload path.
func (r *Registry) Replace(agents []agent.Config) {
	byID := make(map[string]agent.Config, len(agents))
	order := make([]string, 0, len(agents))
	for _, a := range agents {
		if _, dup := byID[a.ID]; !dup {
			order = append(order, a.ID)
		}
		byID[a.ID] = a
	}

	r.mu.Lock()
	r.agents = byID
	r.order = order
	r.mu.Unlock()
}

// Lookup returns the agent registered under id.
func (r *Registry) Lookup(id string) (agent.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return agent.Config{}, fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	return a, nil
}

// Default returns the first configured agent, used for media streams that
// arrive without an agent id.
func (r *Registry) Default() (agent.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return agent.Config{}, fmt.Errorf("%w: no agents configured", ErrAgentNotFound)
	}
	return r.agents[r.order[0]], nil
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
