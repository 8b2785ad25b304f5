package audio

// DecodePCM16 interprets b as consecutive little-endian signed 16-bit mono
// samples and returns them normalized to [-1.0, 1.0) by dividing by 32768.
// A trailing odd byte is ignored; callers that receive arbitrarily chunked
// streams should run bytes through a [ByteAligner] first so no byte is lost.
func DecodePCM16(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	DecodePCM16Into(out, b)
	return out
}

// DecodePCM16Into decodes b into dst and returns the number of samples
// written, min(len(dst), len(b)/2). It performs no allocation, making it
// usable inside device callbacks.
func DecodePCM16Into(dst []float32, b []byte) int {
	n := len(b) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		s := int16(b[i*2]) | int16(b[i*2+1])<<8
		dst[i] = float32(s) / 32768.0
	}
	return n
}

// EncodePCM16 converts normalized samples to little-endian signed 16-bit
// PCM. Samples are clamped to [-1, 1] and scaled asymmetrically: negative
// values by 32768 and non-negative values by 32767, matching the asymmetric
// two's-complement sample range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	EncodePCM16Into(out, samples)
	return out
}

// EncodePCM16Into encodes samples into dst and returns the number of bytes
// written, min(len(dst)&^1, len(samples)*2). It performs no allocation.
func EncodePCM16Into(dst []byte, samples []float32) int {
	n := len(samples)
	if fit := len(dst) / 2; n > fit {
		n = fit
	}
	for i := 0; i < n; i++ {
		s := samples[i]
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		dst[i*2] = byte(v)
		dst[i*2+1] = byte(v >> 8)
	}
	return n * 2
}
