package config

import "github.com/voxline-ai/voxline/internal/agent"

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked; everything else needs a restart.
type ConfigDiff struct {
	AgentsChanged   bool
	AgentChanges    []AgentDiff
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	ID            string
	PromptChanged bool
	VoiceChanged  bool
	TuningChanged bool
	Added         bool
	Removed       bool
}

// Diff compares old and new configs and returns what changed. Agent edits
// affect new calls only, so every agent field is safe to hot-reload.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldAgents := make(map[string]int, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].ID] = i
	}
	newAgents := make(map[string]int, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].ID] = i
	}

	for id, oi := range oldAgents {
		ni, exists := newAgents[id]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Removed: true})
			d.AgentsChanged = true
			continue
		}
		ad := diffAgent(id, &old.Agents[oi], &new.Agents[ni])
		if ad.PromptChanged || ad.VoiceChanged || ad.TuningChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
			d.AgentsChanged = true
		}
	}
	for id := range newAgents {
		if _, exists := oldAgents[id]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Added: true})
			d.AgentsChanged = true
		}
	}

	return d
}

func diffAgent(id string, old, new *agent.Config) AgentDiff {
	ad := AgentDiff{ID: id}

	if old.SystemPrompt != new.SystemPrompt || old.WelcomeMessage != new.WelcomeMessage {
		ad.PromptChanged = true
	}
	if old.Voice != new.Voice || old.Language != new.Language || old.VoiceSpeed != new.VoiceSpeed {
		ad.VoiceChanged = true
	}
	if old.InterruptSensitivity != new.InterruptSensitivity ||
		old.Responsiveness != new.Responsiveness ||
		old.EmotionLevel != new.EmotionLevel ||
		old.NoiseProfile != new.NoiseProfile ||
		old.SilenceTimeout != new.SilenceTimeout ||
		old.MaxCallDuration != new.MaxCallDuration {
		ad.TuningChanged = true
	}

	return ad
}
