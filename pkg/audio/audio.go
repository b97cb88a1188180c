// Package audio provides the pure signal-processing primitives used on the
// voice path: G.711 µ-law companding, linear-interpolation resampling, RMS
// energy measurement, and small PCM buffer helpers.
//
// All functions operate on little-endian signed 16-bit mono PCM encoded as
// byte slices (2 bytes per sample) and are deterministic and side-effect
// free. Functions that accept PCM input fail with [ErrInvalidPCMLength] when
// the byte count is not a multiple of 2; µ-law input has no invalid values.
package audio

import (
	"errors"
	"time"
)

// Sample rates used on the voice path.
const (
	// RateTelephony is the PSTN-adjacent rate used by both carrier variants
	// on the outbound leg (8 kHz µ-law or linear).
	RateTelephony = 8000

	// RateModelIn is the rate the upstream model expects for user audio.
	RateModelIn = 16000

	// RateModelOut is the rate of the model's synthesised audio.
	RateModelOut = 24000

	// RateWideband is the raw-PCM carrier's inbound capture rate.
	RateWideband = 44100
)

// FrameDuration is the nominal duration of one caller frame.
const FrameDuration = 20 * time.Millisecond

// FrameSamples16k is the number of samples in one 20 ms frame at 16 kHz.
const FrameSamples16k = RateModelIn / 50

// FrameBytes16k is the byte length of one 20 ms PCM16 frame at 16 kHz.
const FrameBytes16k = FrameSamples16k * 2

// ErrInvalidPCMLength is returned when a PCM16 byte slice has an odd length
// and therefore cannot be interpreted as whole int16 samples.
var ErrInvalidPCMLength = errors.New("audio: PCM length not aligned to 2 bytes")

// Frame is a chunk of PCM16 mono audio flowing through the pipeline together
// with its format and capture timestamp.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when the frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Concat joins PCM buffers into a single buffer.
func Concat(buffers ...[]byte) []byte {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range buffers {
		out = append(out, b...)
	}
	return out
}

// Slice returns the sub-buffer covering samples [from, from+n) of pcm.
// Out-of-range requests are clamped to the available samples.
func Slice(pcm []byte, from, n int) []byte {
	samples := len(pcm) / 2
	if from < 0 {
		from = 0
	}
	if from > samples {
		from = samples
	}
	end := from + n
	if n < 0 || end > samples {
		end = samples
	}
	return pcm[from*2 : end*2]
}
