package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, prompt string) {
	t.Helper()
	data := []byte("\nmodel:\n  api_key: k\nagents:\n  - id: support\n    name: Support\n    system_prompt: " + prompt + "\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeConfig(t, path, "be helpful")

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, func(_, new *Config) {
		select {
		case changed <- new:
		default:
		}
	}, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Agents[0].SystemPrompt; got != "be helpful" {
		t.Fatalf("initial prompt = %q", got)
	}

	// mtime granularity can swallow instant rewrites.
	time.Sleep(50 * time.Millisecond)
	writeConfig(t, path, "be very helpful")

	select {
	case cfg := <-changed:
		if got := cfg.Agents[0].SystemPrompt; got != "be very helpful" {
			t.Errorf("reloaded prompt = %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never reported the change")
	}

	if got := w.Current().Agents[0].SystemPrompt; got != "be very helpful" {
		t.Errorf("Current prompt = %q", got)
	}
}

func TestWatcher_KeepsOldConfigOnInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeConfig(t, path, "be helpful")

	w, err := NewWatcher(path, nil, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("not: [valid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := w.Current().Agents[0].SystemPrompt; got != "be helpful" {
		t.Errorf("Current prompt = %q; invalid edit must not replace the config", got)
	}
}
