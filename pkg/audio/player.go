package audio

import (
	"log/slog"
	"sync"
)

// maxFillIterations bounds the fill loop in [Player.Process]. Correct
// operation never approaches it: every iteration renders output, merges a
// queued buffer, or returns.
const maxFillIterations = 5000

// Player is the playback half of the pipeline. It accepts arbitrarily
// chunked little-endian 16-bit PCM at a fixed source rate, decodes it into
// normalized buffers, and renders fixed-size device blocks at the device
// rate by linear interpolation.
//
// Rate conversion state is carried across blocks: the queue holds decoded
// buffers not yet touched, and a single partially consumed "leftover" buffer
// holds the fractional continuation of the current resampling window. A
// block may therefore span several queued buffers, or consume only part of
// one.
//
// A Player is not safe for concurrent use. [Engine] serializes transport
// pushes against device callbacks with a single lock; standalone users must
// do the same or confine all calls to one goroutine.
type Player struct {
	sourceRate int
	deviceRate int
	ratio      float64

	aligner  ByteAligner
	queue    [][]float32
	leftover []float32

	guardOnce sync.Once
}

// NewPlayer returns a Player converting sourceRate input to deviceRate
// output. Nonpositive rates fall back to a 1:1 ratio.
func NewPlayer(sourceRate, deviceRate int) *Player {
	p := &Player{sourceRate: sourceRate, deviceRate: deviceRate, ratio: 1}
	if sourceRate > 0 && deviceRate > 0 {
		p.ratio = float64(sourceRate) / float64(deviceRate)
	}
	return p
}

// Enqueue accepts one inbound byte chunk of any length, including zero or
// odd lengths, and returns the number of samples decoded from it. A chunk
// too short to complete a sample is held by the aligner and decoded when the
// next chunk arrives; there is no error path.
func (p *Player) Enqueue(chunk []byte) int {
	data := p.aligner.Push(chunk)
	if len(data) == 0 {
		return 0
	}
	samples := DecodePCM16(data)
	p.queue = append(p.queue, samples)
	return len(samples)
}

// Process fills out completely, resampling queued data to the device rate
// and zero-filling whatever the buffered data cannot cover. It returns the
// number of samples rendered from real data; the remaining len(out) minus
// produced samples are silence.
//
// Starvation is not an error. An idle player writes a full block of zeros
// without touching the resampling math.
func (p *Player) Process(out []float32) int {
	if len(p.leftover) == 0 && len(p.queue) == 0 {
		clear(out)
		return 0
	}

	pos := 0
	for iter := 0; iter < maxFillIterations; iter++ {
		if pos >= len(out) {
			return pos
		}

		if len(p.leftover) == 0 {
			if len(p.queue) == 0 {
				clear(out[pos:])
				return pos
			}
			p.leftover = p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
		}

		// Output samples the current leftover can still supply at this
		// ratio. Zero means it is shorter than one resampling step.
		producible := int(float64(len(p.leftover)) / p.ratio)
		if producible == 0 {
			if len(p.queue) > 0 {
				// Never discard partial data: splice the next queued
				// buffer onto the short remainder and retry.
				next := p.queue[0]
				p.queue[0] = nil
				p.queue = p.queue[1:]
				merged := make([]float32, 0, len(p.leftover)+len(next))
				merged = append(merged, p.leftover...)
				merged = append(merged, next...)
				p.leftover = merged
				continue
			}
			clear(out[pos:])
			p.leftover = nil
			return pos
		}

		n := len(out) - pos
		if n > producible {
			n = producible
		}
		last := len(p.leftover) - 1
		for i := 0; i < n; i++ {
			srcPos := float64(i) * p.ratio
			lo := int(srcPos)
			hi := lo + 1
			if hi > last {
				hi = last
			}
			frac := float32(srcPos - float64(lo))
			out[pos+i] = p.leftover[lo]*(1-frac) + p.leftover[hi]*frac
		}
		pos += n

		consumed := int(float64(n) * p.ratio)
		if consumed >= len(p.leftover) {
			p.leftover = nil
			continue
		}
		p.leftover = p.leftover[consumed:]
		if n == producible && int(float64(len(p.leftover))/p.ratio) > 0 {
			// The buffer rendered to its end but floor-based consumption left
			// a remainder still long enough to render. That only happens when
			// upsampling, where the remainder was already emitted through the
			// clamped interpolation endpoint; keeping it would duplicate
			// output. Shorter remainders stay and splice with the next buffer.
			p.leftover = nil
		}
	}

	p.guardOnce.Do(func() {
		slog.Warn("playback fill loop hit iteration guard, zero-filling remainder",
			"source_rate", p.sourceRate,
			"device_rate", p.deviceRate,
			"block_size", len(out),
		)
	})
	clear(out[pos:])
	return pos
}

// QueuedSamples returns the number of decoded source samples buffered ahead
// of the device, counting both the queue and the leftover.
func (p *Player) QueuedSamples() int {
	n := len(p.leftover)
	for _, buf := range p.queue {
		n += len(buf)
	}
	return n
}

// SourceRate returns the configured input rate in Hz.
func (p *Player) SourceRate() int { return p.sourceRate }

// DeviceRate returns the configured output rate in Hz.
func (p *Player) DeviceRate() int { return p.deviceRate }

// Reset discards all buffered state: the queue, the leftover, and any
// pending alignment byte. The player is immediately reusable.
func (p *Player) Reset() {
	p.queue = nil
	p.leftover = nil
	p.aligner.Reset()
}
