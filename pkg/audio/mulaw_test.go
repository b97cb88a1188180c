package audio_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/voxline-ai/voxline/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMulawCodeRoundTrip(t *testing.T) {
	// Every one of the 256 µ-law code points must survive decode→encode.
	for c := 0; c < 256; c++ {
		in := []byte{byte(c)}
		pcm := audio.MulawDecode(in)
		out, err := audio.MulawEncode(pcm)
		if err != nil {
			t.Fatalf("code %#02x: encode: %v", c, err)
		}
		if out[0] != byte(c) {
			t.Errorf("code %#02x: round trip produced %#02x (decoded %d)",
				c, out[0], bytesToSamples(pcm)[0])
		}
	}
}

func TestMulawKnownValues(t *testing.T) {
	tests := []struct {
		pcm  int16
		code byte
	}{
		{0, 0xFF},      // positive zero
		{-1, 0x7F},     // negative zero cell
		{32635, 0x80},  // clip level, maximum positive code
		{-32635, 0x00}, // maximum negative code
	}
	for _, tt := range tests {
		got, err := audio.MulawEncode(samplesToBytes([]int16{tt.pcm}))
		if err != nil {
			t.Fatalf("encode %d: %v", tt.pcm, err)
		}
		if got[0] != tt.code {
			t.Errorf("encode(%d) = %#02x, want %#02x", tt.pcm, got[0], tt.code)
		}
	}

	if got := bytesToSamples(audio.MulawDecode([]byte{0xFF}))[0]; got != 0 {
		t.Errorf("decode(0xFF) = %d, want 0", got)
	}
	if got := bytesToSamples(audio.MulawDecode([]byte{0x7F}))[0]; got != -1 {
		t.Errorf("decode(0x7F) = %d, want -1", got)
	}
}

func TestMulawQuantizationBound(t *testing.T) {
	// For arbitrary PCM16 input, the companding error must stay within the
	// µ-law quantization bound. The coarsest segment has a step of 1024 and
	// the clip region adds at most ~650 on top of half a step.
	for x := -32768; x <= 32767; x += 17 {
		in := samplesToBytes([]int16{int16(x)})
		code, err := audio.MulawEncode(in)
		if err != nil {
			t.Fatalf("encode %d: %v", x, err)
		}
		got := bytesToSamples(audio.MulawDecode(code))[0]
		diff := x - int(got)
		if diff < 0 {
			diff = -diff
		}
		if diff > 1024 {
			t.Errorf("x=%d: round trip %d, error %d exceeds quantization bound", x, got, diff)
		}
	}
}

func TestMulawEncode_OddLength(t *testing.T) {
	_, err := audio.MulawEncode([]byte{0x01, 0x02, 0x03})
	if !errors.Is(err, audio.ErrInvalidPCMLength) {
		t.Fatalf("expected ErrInvalidPCMLength, got %v", err)
	}
}

func TestMulawDecode_Length(t *testing.T) {
	out := audio.MulawDecode(make([]byte, 160))
	if len(out) != 320 {
		t.Fatalf("expected 320 bytes, got %d", len(out))
	}
}
