package audio

// G.711 µ-law companding. The encoder follows the classic segmented
// approximation (bias 0x84, clip 32635); the decoder is its exact inverse.
// Negative zero (code 0x7F) decodes to -1 instead of 0 so that every one of
// the 256 code points survives an encode(decode(c)) round trip.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawSegEnd holds the upper bound of each of the eight µ-law segments for
// a biased magnitude.
var mulawSegEnd = [8]int32{0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF, 0x3FFF, 0x7FFF}

// mulawEncodeSample compands one linear sample to a µ-law code.
func mulawEncodeSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	seg := 0
	for seg < 7 && v > mulawSegEnd[seg] {
		seg++
	}

	code := byte(seg<<4) | byte((v>>(uint(seg)+3))&0x0F)
	return ^(sign | code)
}

// mulawDecodeSample expands one µ-law code to a linear sample.
func mulawDecodeSample(c byte) int16 {
	c = ^c
	t := (int32(c&0x0F) << 3) + mulawBias
	t <<= (c & 0x70) >> 4

	if c&0x80 != 0 {
		if t == mulawBias {
			// Negative zero; keep the transform invertible.
			return -1
		}
		return int16(mulawBias - t)
	}
	return int16(t - mulawBias)
}

// MulawEncode compands little-endian PCM16 to G.711 µ-law, producing one
// byte per sample. Fails with [ErrInvalidPCMLength] on odd input length.
func MulawEncode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidPCMLength
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = mulawEncodeSample(s)
	}
	return out, nil
}

// MulawDecode expands G.711 µ-law to little-endian PCM16, producing two
// bytes per input byte. Every input byte is a valid µ-law code.
func MulawDecode(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, c := range ulaw {
		s := mulawDecodeSample(c)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
