// Package agent defines the immutable per-call agent configuration.
//
// A Config is captured once at call start; later edits to the stored agent
// affect only new calls, never a live session. Numeric fields are clamped
// into their documented ranges by Normalize, and enumerations are validated
// so a bad profile fails the call before any socket opens.
package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// NoiseProfile is the background-noise ambience mixed into the agent's
// persona prompt.
type NoiseProfile string

const (
	NoiseQuiet      NoiseProfile = "quiet"
	NoiseOffice     NoiseProfile = "office"
	NoiseCafe       NoiseProfile = "cafe"
	NoiseStreet     NoiseProfile = "street"
	NoiseCallCenter NoiseProfile = "call-center"
)

// IsValid reports whether the profile is one of the known values.
func (p NoiseProfile) IsValid() bool {
	switch p {
	case NoiseQuiet, NoiseOffice, NoiseCafe, NoiseStreet, NoiseCallCenter:
		return true
	default:
		return false
	}
}

// KnowledgeDoc is a summarised document attached to the agent, folded into
// the cached upstream context.
type KnowledgeDoc struct {
	ID      string `yaml:"id"`
	Title   string `yaml:"title"`
	Summary string `yaml:"summary"`
}

// Config is the read-only agent definition for one call.
type Config struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`

	Voice    string `yaml:"voice"`
	Language string `yaml:"language"`

	// EmotionLevel in [0, 1].
	EmotionLevel float64 `yaml:"emotion_level"`

	// VoiceSpeed in [0.5, 2.0].
	VoiceSpeed float64 `yaml:"voice_speed"`

	// Responsiveness in [0, 1].
	Responsiveness float64 `yaml:"responsiveness"`

	// InterruptSensitivity in [0, 1] selects the barge-in gate band.
	InterruptSensitivity float64 `yaml:"interrupt_sensitivity"`

	NoiseProfile NoiseProfile `yaml:"noise_profile"`

	// MaxCallDuration caps the call wall clock. Zero means the default.
	MaxCallDuration time.Duration `yaml:"max_call_duration"`

	// SilenceTimeout ends the call after continuous caller silence. Zero
	// means the default.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	WelcomeMessage string `yaml:"welcome_message"`

	// Characteristics are free-form persona tags. The first entry doubles
	// as the active principle tag for filler selection.
	Characteristics []string `yaml:"characteristics"`

	// ClientProfile tags the expected caller population for filler
	// selection.
	ClientProfile string `yaml:"client_profile"`

	KnowledgeDocs []KnowledgeDoc `yaml:"knowledge_docs"`
}

// Defaults for zero-valued fields.
const (
	DefaultVoice           = "Aoede"
	DefaultLanguage        = "en-US"
	DefaultMaxCallDuration = 10 * time.Minute
	DefaultSilenceTimeout  = 30 * time.Second
)

// Normalize clamps numeric fields into range and fills defaults. It
// returns a copy; the receiver is never mutated.
func (c Config) Normalize() Config {
	c.EmotionLevel = clamp(c.EmotionLevel, 0, 1)
	c.VoiceSpeed = clamp(c.VoiceSpeed, 0.5, 2.0)
	c.Responsiveness = clamp(c.Responsiveness, 0, 1)
	c.InterruptSensitivity = clamp(c.InterruptSensitivity, 0, 1)

	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.NoiseProfile == "" {
		c.NoiseProfile = NoiseQuiet
	}
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = DefaultMaxCallDuration
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	return c
}

// Validate reports every problem with the config at once.
func (c Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id must be set"))
	}
	if c.SystemPrompt == "" {
		errs = append(errs, errors.New("system_prompt must be set"))
	}
	if !c.NoiseProfile.IsValid() {
		errs = append(errs, fmt.Errorf("noise_profile %q is not one of quiet, office, cafe, street, call-center", c.NoiseProfile))
	}
	return errors.Join(errs...)
}

// Principle returns the active principle tag for filler selection: the
// first characteristic, or empty.
func (c Config) Principle() string {
	if len(c.Characteristics) == 0 {
		return ""
	}
	return c.Characteristics[0]
}

// Fingerprint hashes the content that feeds the upstream cached context:
// the system prompt plus every knowledge-doc summary. Two agents with the
// same fingerprint can share a cache handle.
func (c Config) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.SystemPrompt))
	for _, d := range c.KnowledgeDocs {
		h.Write([]byte{0})
		h.Write([]byte(d.Title))
		h.Write([]byte{0})
		h.Write([]byte(d.Summary))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheContent renders the full text placed behind the cache handle.
func (c Config) CacheContent() string {
	out := c.SystemPrompt
	for _, d := range c.KnowledgeDocs {
		out += "\n\n## " + d.Title + "\n" + d.Summary
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
