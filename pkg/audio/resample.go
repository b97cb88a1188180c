package audio

import "math"

// Resample converts 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
//
// The voice path uses four rate pairs — 8 k↔16 k, 44.1 k→16 k and 24 k→8 k —
// but the implementation handles any positive pair. For the downsampling
// pairs the source content is telephony band (≤ 3.4 kHz), well below the
// destination Nyquist frequency, so no explicit anti-alias filter is needed.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// RMS computes the normalised root-mean-square energy of a PCM16 buffer.
// The result is in [0, 1]: 0 for digital silence, approaching 1 for a
// full-scale square wave. Fails with [ErrInvalidPCMLength] on odd input
// length; an empty buffer has zero energy.
func RMS(pcm []byte) (float64, error) {
	if len(pcm)%2 != 0 {
		return 0, ErrInvalidPCMLength
	}
	samples := len(pcm) / 2
	if samples == 0 {
		return 0, nil
	}

	var sum float64
	for i := range samples {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0, nil
}
