package audio_test

import (
	"math"
	"testing"

	"github.com/voxline-ai/voxline/pkg/audio"
)

// sineFrame synthesises n samples of a freq-Hz sine at rate Hz with the given
// peak amplitude.
func sineFrame(n int, freq, rate float64, amp int16) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(float64(amp) * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return samplesToBytes(samples)
}

func TestResample_SameRatePassthrough(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.Resample(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResample_LengthProperty(t *testing.T) {
	// len(out)·fromHz ≈ len(in)·toHz within ±1 sample, for every rate pair
	// used on the voice path.
	tests := []struct {
		name     string
		from, to int
		inFrames int // samples of input
	}{
		{"8k to 16k", 8000, 16000, 160},
		{"16k to 8k", 16000, 8000, 320},
		{"44.1k to 16k", 44100, 16000, 882},
		{"24k to 8k", 24000, 8000, 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sineFrame(tt.inFrames, 440, float64(tt.from), 8000)
			out := audio.Resample(in, tt.from, tt.to)
			gotSamples := len(out) / 2
			want := float64(tt.inFrames) * float64(tt.to) / float64(tt.from)
			if math.Abs(float64(gotSamples)-want) > 1 {
				t.Errorf("got %d samples, want %.1f ±1", gotSamples, want)
			}
		})
	}
}

func TestResample_UpsamplePreservesEndpoints(t *testing.T) {
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.Resample(pcm, 8000, 16000)
	got := bytesToSamples(out)
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResample_PreservesToneEnergy(t *testing.T) {
	// A 1 kHz tone downsampled 44.1k→16k should keep roughly the same RMS.
	in := sineFrame(4410, 1000, 44100, 16000)
	out := audio.Resample(in, 44100, 16000)

	inRMS, err := audio.RMS(in)
	if err != nil {
		t.Fatal(err)
	}
	outRMS, err := audio.RMS(out)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(inRMS-outRMS) > 0.02 {
		t.Errorf("energy drift: in %.4f, out %.4f", inRMS, outRMS)
	}
}

func TestRMS(t *testing.T) {
	t.Run("zero frame", func(t *testing.T) {
		got, err := audio.RMS(make([]byte, audio.FrameBytes16k))
		if err != nil {
			t.Fatal(err)
		}
		if got != 0 {
			t.Errorf("got %f, want 0", got)
		}
	})

	t.Run("full-scale square wave", func(t *testing.T) {
		samples := make([]int16, audio.FrameSamples16k)
		for i := range samples {
			if i%2 == 0 {
				samples[i] = 32767
			} else {
				samples[i] = -32768
			}
		}
		got, err := audio.RMS(samplesToBytes(samples))
		if err != nil {
			t.Fatal(err)
		}
		if got < 0.99 || got > 1.0 {
			t.Errorf("got %f, want ≈1", got)
		}
	})

	t.Run("bounds", func(t *testing.T) {
		for _, amp := range []int16{1, 100, 5000, 32767} {
			got, err := audio.RMS(sineFrame(320, 440, 16000, amp))
			if err != nil {
				t.Fatal(err)
			}
			if got < 0 || got > 1 {
				t.Errorf("amp %d: RMS %f out of [0,1]", amp, got)
			}
		}
	})

	t.Run("odd length", func(t *testing.T) {
		if _, err := audio.RMS([]byte{1, 2, 3}); err == nil {
			t.Fatal("expected error for odd length")
		}
	})

	t.Run("empty", func(t *testing.T) {
		got, err := audio.RMS(nil)
		if err != nil || got != 0 {
			t.Fatalf("got %f, %v; want 0, nil", got, err)
		}
	})
}

func TestConcatSlice(t *testing.T) {
	a := samplesToBytes([]int16{1, 2})
	b := samplesToBytes([]int16{3})
	joined := audio.Concat(a, b)
	if got := bytesToSamples(joined); len(got) != 3 || got[2] != 3 {
		t.Fatalf("concat produced %v", got)
	}

	sub := audio.Slice(joined, 1, 2)
	if got := bytesToSamples(sub); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("slice produced %v", got)
	}

	// Clamped out-of-range request.
	if got := audio.Slice(joined, 2, 10); len(got) != 2 {
		t.Fatalf("clamped slice length %d, want 2", len(got))
	}
}
