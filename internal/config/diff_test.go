package config

import (
	"testing"

	"github.com/voxline-ai/voxline/internal/agent"
)

func diffBase() *Config {
	return &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Agents: []agent.Config{
			{ID: "support", SystemPrompt: "help people", Voice: "Aoede", InterruptSensitivity: 0.5},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	old, new := diffBase(), diffBase()
	d := Diff(old, new)
	if d.AgentsChanged || d.LogLevelChanged {
		t.Errorf("diff = %+v; want empty", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	old, new := diffBase(), diffBase()
	new.Server.LogLevel = LogDebug
	d := Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("diff = %+v", d)
	}
}

func TestDiff_AgentFields(t *testing.T) {
	old, new := diffBase(), diffBase()
	new.Agents[0].SystemPrompt = "help people politely"
	new.Agents[0].InterruptSensitivity = 0.9

	d := Diff(old, new)
	if !d.AgentsChanged || len(d.AgentChanges) != 1 {
		t.Fatalf("diff = %+v", d)
	}
	ad := d.AgentChanges[0]
	if !ad.PromptChanged || !ad.TuningChanged || ad.VoiceChanged {
		t.Errorf("agent diff = %+v", ad)
	}
}

func TestDiff_AddedAndRemoved(t *testing.T) {
	old, new := diffBase(), diffBase()
	new.Agents = append(new.Agents, agent.Config{ID: "sales", SystemPrompt: "sell"})
	old.Agents = append(old.Agents, agent.Config{ID: "retired", SystemPrompt: "gone"})

	d := Diff(old, new)
	if !d.AgentsChanged {
		t.Fatal("AgentsChanged = false")
	}
	var added, removed bool
	for _, ad := range d.AgentChanges {
		if ad.ID == "sales" && ad.Added {
			added = true
		}
		if ad.ID == "retired" && ad.Removed {
			removed = true
		}
	}
	if !added || !removed {
		t.Errorf("changes = %+v", d.AgentChanges)
	}
}
