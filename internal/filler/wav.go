package filler

import (
	"encoding/binary"
	"fmt"
	"os"
)

// readWAV loads a PCM16 mono WAV file and returns its sample data and rate.
// Only the canonical RIFF layout with 16-bit linear PCM is accepted; filler
// clips are authored in-house, so anything else is a packaging mistake.
func readWAV(path string) ([]byte, int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%s: not a RIFF/WAVE file", path)
	}

	var (
		rate    int
		pcm     []byte
		sawFmt  bool
		sawData bool
	)

	off := 12
	for off+8 <= len(raw) {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		if body+size > len(raw) {
			return nil, 0, fmt.Errorf("%s: truncated %q chunk", path, id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("%s: short fmt chunk", path)
			}
			format := binary.LittleEndian.Uint16(raw[body : body+2])
			channels := binary.LittleEndian.Uint16(raw[body+2 : body+4])
			rate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(raw[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("%s: want 16-bit linear PCM, got format %d / %d bits", path, format, bits)
			}
			if channels != 1 {
				return nil, 0, fmt.Errorf("%s: want mono, got %d channels", path, channels)
			}
			sawFmt = true

		case "data":
			pcm = raw[body : body+size]
			sawData = true
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !sawFmt || !sawData {
		return nil, 0, fmt.Errorf("%s: missing fmt or data chunk", path)
	}
	if len(pcm)%2 != 0 {
		return nil, 0, fmt.Errorf("%s: odd data chunk length", path)
	}
	return pcm, rate, nil
}
