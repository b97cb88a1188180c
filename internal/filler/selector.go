package filler

import (
	"slices"
	"sync"
)

// Selector picks the next clip for a call. prev is the ID of the clip the
// call heard last, so implementations can avoid immediate repeats.
type Selector interface {
	Select(prev, language, principle, profile string, clips []Clip) (Clip, bool)
}

// TagSelector is the default Selector: it keeps only clips in the call's
// language, narrows further by principle and profile tags, and round-robins
// over the survivors. The language filter is strict: a language with no
// clips yields silence, never a clip the caller will not understand. The
// tag filters are lenient and skip themselves rather than eliminate every
// clip.
type TagSelector struct {
	mu   sync.Mutex
	next map[string]int
}

// NewTagSelector returns an empty selector.
func NewTagSelector() *TagSelector {
	return &TagSelector{next: make(map[string]int)}
}

// Select implements Selector.
func (s *TagSelector) Select(prev, language, principle, profile string, clips []Clip) (Clip, bool) {
	if len(clips) == 0 {
		return Clip{}, false
	}

	var pool []Clip
	for _, c := range clips {
		if c.Language == language {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return Clip{}, false
	}
	pool = narrow(pool, func(c Clip) bool { return slices.Contains(c.Principles, principle) })
	pool = narrow(pool, func(c Clip) bool { return slices.Contains(c.Profiles, profile) })

	s.mu.Lock()
	defer s.mu.Unlock()

	key := language + "|" + principle + "|" + profile
	idx := s.next[key] % len(pool)
	clip := pool[idx]
	if clip.ID == prev && len(pool) > 1 {
		idx = (idx + 1) % len(pool)
		clip = pool[idx]
	}
	s.next[key] = idx + 1
	return clip, true
}

// narrow filters clips by keep, unless that would leave nothing.
func narrow(clips []Clip, keep func(Clip) bool) []Clip {
	var out []Clip
	for _, c := range clips {
		if keep(c) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return clips
	}
	return out
}
