package rvb

// ulawDecodeTable is the standard ITU-T G.711 µ-law to linear PCM16
// decode table (the only audio codec this bridge supports beyond raw
// pcm16, per spec Non-goals).
var ulawDecodeTable = buildULawDecodeTable()

func buildULawDecodeTable() [256]int16 {
	var table [256]int16
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F

		sample := int32(mantissa)<<3 + 0x84
		sample <<= exponent
		sample -= 0x84

		if sign != 0 {
			sample = -sample
		}
		table[i] = int16(sample)
	}
	return table
}

// DecodeULaw converts a buffer of G.711 µ-law bytes to little-endian
// PCM16 samples.
func DecodeULaw(ulaw []byte) []int16 {
	out := make([]int16, len(ulaw))
	for i, b := range ulaw {
		out[i] = ulawDecodeTable[b]
	}
	return out
}

// Resample performs linear interpolation between samples when the
// device's playback rate differs from the stream's source rate
// (§4.5 "Playback resampling").
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	out := make([]int16, outLen)

	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		if idx+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		a, b := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(a + frac*(b-a))
	}
	return out
}
