package audio

import "math"

// Capturer is the outbound half of the pipeline. It converts normalized
// device-rate capture blocks to a fixed lower target rate by box-average
// decimation and encodes the result as little-endian 16-bit PCM frames.
//
// Decimation is deliberately asymmetric from playback's interpolation:
// outbound speech needs no strict phase continuity across blocks, and
// averaging whole spans suppresses aliasing cheaply. When the device rate
// already equals the target the block passes through untouched; a device
// rate below the target also passes through, since upsampling outbound
// audio is not supported.
type Capturer struct {
	nativeRate int
	targetRate int
}

// NewCapturer returns a Capturer decimating nativeRate input to targetRate.
func NewCapturer(nativeRate, targetRate int) *Capturer {
	return &Capturer{nativeRate: nativeRate, targetRate: targetRate}
}

// NativeRate returns the device capture rate in Hz.
func (c *Capturer) NativeRate() int { return c.nativeRate }

// TargetRate returns the outbound frame rate in Hz.
func (c *Capturer) TargetRate() int { return c.targetRate }

// Process converts one capture block into an encoded outbound frame.
// Returns nil when the block is too short to produce any output sample;
// callers must not emit empty frames.
func (c *Capturer) Process(block []float32) []byte {
	ds := Decimate(block, c.nativeRate, c.targetRate)
	if len(ds) == 0 {
		return nil
	}
	return EncodePCM16(ds)
}

// Decimate reduces samples from nativeRate to targetRate by averaging
// consecutive spans of input. The output length is round(len(samples) /
// (nativeRate/targetRate)); span boundaries are rounded offsets into the
// input, so consecutive spans tile the whole buffer exactly, and the final
// span is extended to the end of the input so no sample is left uncovered.
//
// When nativeRate <= targetRate (passthrough and the unsupported upsampling
// case) the input slice is returned unchanged, not copied.
func Decimate(samples []float32, nativeRate, targetRate int) []float32 {
	if nativeRate <= 0 || targetRate <= 0 || nativeRate <= targetRate {
		return samples
	}
	if len(samples) == 0 {
		return samples
	}

	step := float64(nativeRate) / float64(targetRate)
	outLen := int(math.Round(float64(len(samples)) / step))
	if outLen == 0 {
		return nil
	}

	out := make([]float32, outLen)
	for i := range out {
		start := int(math.Round(float64(i) * step))
		end := int(math.Round(float64(i+1) * step))
		if i == outLen-1 || end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			// Rounding can pinch the final span on pathological lengths.
			start = end - 1
		}
		var sum float64
		for j := start; j < end; j++ {
			sum += float64(samples[j])
		}
		out[i] = float32(sum / float64(end-start))
	}
	return out
}
