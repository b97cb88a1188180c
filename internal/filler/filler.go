// Package filler provides the pre-recorded hold phrases ("hmm", "let me
// check…") played to the caller while the model is thinking.
//
// Clips are loaded once at startup from a directory holding a YAML manifest
// plus WAV files, normalised to the outbound audio rate, and selected per
// call by language and agent tags. The Player paces playback in real-time
// frames and stops the instant real response audio arrives.
package filler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxline-ai/voxline/pkg/audio"
)

// ErrNoClips is returned by LoadDir when the manifest lists no usable
// clips.
var ErrNoClips = errors.New("filler: no clips in manifest")

// Clip is one hold phrase, held in memory as PCM16 mono at the outbound
// model rate (24 kHz).
type Clip struct {
	ID         string
	Language   string
	Principles []string
	Profiles   []string
	PCM        []byte
}

// Duration returns the play time of the clip.
func (c Clip) Duration() time.Duration {
	samples := len(c.PCM) / 2
	return time.Duration(samples) * time.Second / audio.RateModelOut
}

type manifest struct {
	Clips []manifestClip `yaml:"clips"`
}

type manifestClip struct {
	ID         string   `yaml:"id"`
	File       string   `yaml:"file"`
	Language   string   `yaml:"language"`
	Principles []string `yaml:"principles"`
	Profiles   []string `yaml:"profiles"`
}

func (c manifestClip) validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id must be set"))
	}
	if c.File == "" {
		errs = append(errs, errors.New("file must be set"))
	}
	if c.Language == "" {
		errs = append(errs, errors.New("language must be set"))
	}
	return errors.Join(errs...)
}

// Library is an immutable set of loaded clips.
type Library struct {
	clips []Clip
}

// Clips returns the loaded clips.
func (l *Library) Clips() []Clip { return l.clips }

// Len returns the number of loaded clips.
func (l *Library) Len() int { return len(l.clips) }

// LoadDir reads manifest.yaml from dir and loads every listed WAV clip,
// resampling to the outbound rate. Unknown manifest fields are rejected so
// typos surface at startup rather than as silently missing clips.
func LoadDir(dir string) (*Library, error) {
	f, err := os.Open(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("filler: open manifest: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var m manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("filler: parse manifest: %w", err)
	}

	lib := &Library{}
	var errs []error
	for i, mc := range m.Clips {
		if err := mc.validate(); err != nil {
			errs = append(errs, fmt.Errorf("clip %d: %w", i, err))
			continue
		}
		pcm, rate, err := readWAV(filepath.Join(dir, mc.File))
		if err != nil {
			errs = append(errs, fmt.Errorf("clip %q: %w", mc.ID, err))
			continue
		}
		lib.clips = append(lib.clips, Clip{
			ID:         mc.ID,
			Language:   mc.Language,
			Principles: mc.Principles,
			Profiles:   mc.Profiles,
			PCM:        audio.Resample(pcm, rate, audio.RateModelOut),
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(lib.clips) == 0 {
		return nil, ErrNoClips
	}
	return lib, nil
}
