// Package mock provides an in-memory mock implementation of the [host.Host]
// and [host.Stream] interfaces for use in unit tests.
//
// The mock is safe for concurrent use. It records every opened stream and
// exposes exported fields the test can set to control device lists, honored
// rates, and injected errors. Device callbacks never fire on their own;
// tests script them explicitly with [Stream.Tick] and [Stream.Feed].
//
// Typical usage:
//
//	h := &mock.Host{NativeRate: 48000}
//	eng, _ := audio.NewEngine(audio.EngineConfig{
//	    Host:        h,
//	    SourceRate:  32000,
//	    CaptureRate: 16000,
//	})
//	_ = eng.EnqueuePlayback(ctx, chunk)
//	out := h.OpenedOutputs[0]
//	out.Tick(4) // run four device callbacks
//	blocks := out.Blocks()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/aria/pkg/audio/host"
)

const (
	defaultSampleRate = 48000
	defaultBlockSize  = 512
)

// ─── Host ─────────────────────────────────────────────────────────────────────

// Host is a mock implementation of [host.Host].
// Set the exported fields before use; inspect the Opened* and CallCount*
// fields after.
type Host struct {
	mu sync.Mutex

	// OutputDevicesResult is returned by [Host.OutputDevices]. Defaults to
	// a single default device named "Mock Output" if left nil.
	OutputDevicesResult []host.DeviceInfo

	// InputDevicesResult is returned by [Host.InputDevices]. Defaults to a
	// single default device named "Mock Input" if left nil.
	InputDevicesResult []host.DeviceInfo

	// OpenOutputError is returned by [Host.OpenOutput].
	OpenOutputError error

	// OpenInputError is returned by [Host.OpenInput]. Set it to simulate a
	// denied microphone permission or a missing device.
	OpenInputError error

	// NativeRate, when nonzero, is the honored sample rate of every opened
	// stream regardless of the requested rate. Use it to simulate a device
	// that ignores the request.
	NativeRate int

	// NativeBlockSize, when nonzero, is the honored block size of every
	// opened stream regardless of the requested size.
	NativeBlockSize int

	// CallCountOpenOutput records how many times OpenOutput was called.
	CallCountOpenOutput int

	// CallCountOpenInput records how many times OpenInput was called.
	CallCountOpenInput int

	// OpenedOutputs holds every output stream opened, in order.
	OpenedOutputs []*Stream

	// OpenedInputs holds every input stream opened, in order.
	OpenedInputs []*Stream

	closed bool
}

func (h *Host) outputList() []host.DeviceInfo {
	if h.OutputDevicesResult != nil {
		return h.OutputDevicesResult
	}
	return []host.DeviceInfo{{ID: "mock-out-0", Name: "Mock Output", IsDefault: true}}
}

func (h *Host) inputList() []host.DeviceInfo {
	if h.InputDevicesResult != nil {
		return h.InputDevicesResult
	}
	return []host.DeviceInfo{{ID: "mock-in-0", Name: "Mock Input", IsDefault: true}}
}

// OpenOutput implements [host.Host]. The requested device name is resolved
// against the configured device list with [host.FindDevice], so tests cover
// the same resolution path as real backends.
func (h *Host) OpenOutput(_ context.Context, p host.Params, cb host.Callback) (host.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountOpenOutput++
	if h.closed {
		return nil, host.ErrHostClosed
	}
	if h.OpenOutputError != nil {
		return nil, h.OpenOutputError
	}
	if _, err := host.FindDevice(h.outputList(), p.Device); err != nil {
		return nil, err
	}
	s := h.newStream(p, cb)
	h.OpenedOutputs = append(h.OpenedOutputs, s)
	return s, nil
}

// OpenInput implements [host.Host]. Resolution mirrors [Host.OpenOutput].
func (h *Host) OpenInput(_ context.Context, p host.Params, cb host.Callback) (host.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountOpenInput++
	if h.closed {
		return nil, host.ErrHostClosed
	}
	if h.OpenInputError != nil {
		return nil, h.OpenInputError
	}
	if _, err := host.FindDevice(h.inputList(), p.Device); err != nil {
		return nil, err
	}
	s := h.newStream(p, cb)
	h.OpenedInputs = append(h.OpenedInputs, s)
	return s, nil
}

func (h *Host) newStream(p host.Params, cb host.Callback) *Stream {
	rate := p.SampleRate
	if h.NativeRate != 0 {
		rate = h.NativeRate
	}
	if rate == 0 {
		rate = defaultSampleRate
	}
	block := p.BlockSize
	if h.NativeBlockSize != 0 {
		block = h.NativeBlockSize
	}
	if block == 0 {
		block = defaultBlockSize
	}
	return &Stream{params: p, cb: cb, rate: rate, block: block}
}

// OutputDevices implements [host.Host].
func (h *Host) OutputDevices() ([]host.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, host.ErrHostClosed
	}
	return h.outputList(), nil
}

// InputDevices implements [host.Host].
func (h *Host) InputDevices() ([]host.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, host.ErrHostClosed
	}
	return h.inputList(), nil
}

// Close implements [host.Host]. Further opens fail with [host.ErrHostClosed].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

var _ host.Host = (*Host)(nil)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [host.Stream] whose callbacks fire only
// when the test scripts them.
type Stream struct {
	mu     sync.Mutex
	params host.Params
	cb     host.Callback
	rate   int
	block  int

	started bool
	closed  bool

	// StartError is returned by [Stream.Start].
	StartError error

	// StopError is returned by [Stream.Stop].
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	blocks [][]float32
}

// Start implements [host.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.started = true
	return nil
}

// Stop implements [host.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.StopError != nil {
		return s.StopError
	}
	s.started = false
	return nil
}

// Close implements [host.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.started = false
	s.closed = true
	return nil
}

// SampleRate implements [host.Stream].
func (s *Stream) SampleRate() int { return s.rate }

// BlockSize implements [host.Stream].
func (s *Stream) BlockSize() int { return s.block }

// Started reports whether the stream is currently started.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Tick fires the device callback n times, each with a fresh zeroed block of
// the stream's block size, recording every block after the callback ran.
// Ticks are ignored while the stream is stopped, matching a real backend.
// Returns the number of callbacks actually fired.
func (s *Stream) Tick(n int) int {
	fired := 0
	for i := 0; i < n; i++ {
		s.mu.Lock()
		if !s.started || s.cb == nil {
			s.mu.Unlock()
			break
		}
		cb := s.cb
		block := make([]float32, s.block)
		s.mu.Unlock()

		cb(block)

		s.mu.Lock()
		s.blocks = append(s.blocks, block)
		s.mu.Unlock()
		fired++
	}
	return fired
}

// ForceTick fires the device callback once with a fresh zeroed block even
// when the stream is stopped or closed, simulating a callback that was
// already in flight when Stop was called. Returns the block after the
// callback ran.
func (s *Stream) ForceTick() []float32 {
	s.mu.Lock()
	cb := s.cb
	block := make([]float32, s.block)
	s.mu.Unlock()
	if cb != nil {
		cb(block)
	}
	return block
}

// Feed fires the device callback once with the given block, as an input
// device delivering captured samples. Feeds are ignored while the stream is
// stopped. Reports whether the callback fired.
func (s *Stream) Feed(block []float32) bool {
	s.mu.Lock()
	if !s.started || s.cb == nil {
		s.mu.Unlock()
		return false
	}
	cb := s.cb
	s.mu.Unlock()
	cb(block)
	return true
}

// ForceFeed fires the device callback once with the given block even when
// the stream is stopped or closed. Reports whether a callback existed.
func (s *Stream) ForceFeed(block []float32) bool {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(block)
	return true
}

// Blocks returns a copy of every block recorded by [Stream.Tick], in order.
func (s *Stream) Blocks() [][]float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]float32, len(s.blocks))
	copy(out, s.blocks)
	return out
}
