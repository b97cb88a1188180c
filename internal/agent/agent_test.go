package agent_test

import (
	"testing"
	"time"

	"github.com/voxline-ai/voxline/internal/agent"
)

func TestNormalize_ClampsAndDefaults(t *testing.T) {
	t.Parallel()

	c := agent.Config{
		ID:                   "a1",
		SystemPrompt:         "be helpful",
		EmotionLevel:         1.7,
		VoiceSpeed:           0.1,
		Responsiveness:       -2,
		InterruptSensitivity: 9,
	}.Normalize()

	if c.EmotionLevel != 1 {
		t.Errorf("EmotionLevel = %v; want 1", c.EmotionLevel)
	}
	if c.VoiceSpeed != 0.5 {
		t.Errorf("VoiceSpeed = %v; want 0.5", c.VoiceSpeed)
	}
	if c.Responsiveness != 0 {
		t.Errorf("Responsiveness = %v; want 0", c.Responsiveness)
	}
	if c.InterruptSensitivity != 1 {
		t.Errorf("InterruptSensitivity = %v; want 1", c.InterruptSensitivity)
	}
	if c.Voice != agent.DefaultVoice || c.Language != agent.DefaultLanguage {
		t.Errorf("voice/language defaults not applied: %q %q", c.Voice, c.Language)
	}
	if c.MaxCallDuration != 10*time.Minute || c.SilenceTimeout != 30*time.Second {
		t.Errorf("timeout defaults not applied: %v %v", c.MaxCallDuration, c.SilenceTimeout)
	}
	if c.NoiseProfile != agent.NoiseQuiet {
		t.Errorf("NoiseProfile = %q; want quiet", c.NoiseProfile)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     agent.Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  agent.Config{ID: "a1", SystemPrompt: "x", NoiseProfile: agent.NoiseOffice},
		},
		{
			name:    "missing id and prompt",
			cfg:     agent.Config{NoiseProfile: agent.NoiseQuiet},
			wantErr: true,
		},
		{
			name:    "bad noise profile",
			cfg:     agent.Config{ID: "a1", SystemPrompt: "x", NoiseProfile: "disco"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v; wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFingerprint_TracksContent(t *testing.T) {
	t.Parallel()

	base := agent.Config{ID: "a1", SystemPrompt: "be helpful"}
	same := agent.Config{ID: "a2", SystemPrompt: "be helpful"}
	if base.Fingerprint() != same.Fingerprint() {
		t.Error("identical content should share a fingerprint regardless of agent id")
	}

	withDoc := base
	withDoc.KnowledgeDocs = []agent.KnowledgeDoc{{Title: "FAQ", Summary: "opening hours"}}
	if base.Fingerprint() == withDoc.Fingerprint() {
		t.Error("attaching a document must change the fingerprint")
	}
}

func TestPrincipleAndCacheContent(t *testing.T) {
	t.Parallel()

	c := agent.Config{
		SystemPrompt:    "base",
		Characteristics: []string{"empathetic", "brief"},
		KnowledgeDocs:   []agent.KnowledgeDoc{{Title: "FAQ", Summary: "opening hours"}},
	}
	if got := c.Principle(); got != "empathetic" {
		t.Errorf("Principle = %q", got)
	}
	if got := (agent.Config{}).Principle(); got != "" {
		t.Errorf("empty Principle = %q", got)
	}

	content := c.CacheContent()
	if content != "base\n\n## FAQ\nopening hours" {
		t.Errorf("CacheContent = %q", content)
	}
}
