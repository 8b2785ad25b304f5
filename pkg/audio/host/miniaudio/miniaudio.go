// Package miniaudio implements [host.Host] on real audio devices through
// the miniaudio library, using the malgo bindings. Devices are opened as
// 16-bit mono streams at the requested rate; miniaudio converts internally
// when the hardware runs at something else, so the honored rate equals the
// request. Building this package requires cgo.
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/aria/pkg/audio"
	"github.com/MrWong99/aria/pkg/audio/host"
)

const (
	defaultSampleRate = 48000
	defaultBlockSize  = 512
)

// Host drives real audio devices. Create one per process with [New] and
// close it only after every stream opened from it has been closed.
type Host struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
}

// New initializes the miniaudio backend. Backend log lines are forwarded to
// slog at debug level.
func New() (*Host, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Host{ctx: ctx}, nil
}

// OutputDevices implements [host.Host].
func (h *Host) OutputDevices() ([]host.DeviceInfo, error) {
	return h.devices(malgo.Playback)
}

// InputDevices implements [host.Host].
func (h *Host) InputDevices() ([]host.DeviceInfo, error) {
	return h.devices(malgo.Capture)
}

func (h *Host) devices(kind malgo.DeviceType) ([]host.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, host.ErrHostClosed
	}
	infos, err := h.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: enumerate %s devices: %w", direction(kind), err)
	}
	out := make([]host.DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, host.DeviceInfo{
			ID:        fmt.Sprintf("%x", info.ID[:]),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return out, nil
}

// OpenOutput implements [host.Host]. The callback fills each block; blocks
// are encoded to S16 on the device thread with no per-block allocation.
func (h *Host) OpenOutput(ctx context.Context, p host.Params, cb host.Callback) (host.Stream, error) {
	return h.open(malgo.Playback, p, cb)
}

// OpenInput implements [host.Host]. Captured S16 blocks are decoded to
// normalized samples before the callback sees them. Microphone access
// failures surface here as errors from the backend.
func (h *Host) OpenInput(ctx context.Context, p host.Params, cb host.Callback) (host.Stream, error) {
	return h.open(malgo.Capture, p, cb)
}

func (h *Host) open(kind malgo.DeviceType, p host.Params, cb host.Callback) (host.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, host.ErrHostClosed
	}

	rate := p.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}
	block := p.BlockSize
	if block == 0 {
		block = defaultBlockSize
	}

	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(rate)
	cfg.PeriodSizeInFrames = uint32(block)
	cfg.Alsa.NoMMap = 1
	switch kind {
	case malgo.Playback:
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = 1
	case malgo.Capture:
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = 1
	}

	if p.Device != "" {
		infos, err := h.ctx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("miniaudio: enumerate %s devices: %w", direction(kind), err)
		}
		listed := make([]host.DeviceInfo, len(infos))
		for i, info := range infos {
			listed[i] = host.DeviceInfo{
				ID:        strconv.Itoa(i),
				Name:      info.Name(),
				IsDefault: info.IsDefault != 0,
			}
		}
		sel, err := host.FindDevice(listed, p.Device)
		if err != nil {
			return nil, err
		}
		idx, _ := strconv.Atoi(sel.ID)
		id := infos[idx].ID
		switch kind {
		case malgo.Playback:
			cfg.Playback.DeviceID = id.Pointer()
		case malgo.Capture:
			cfg.Capture.DeviceID = id.Pointer()
		}
	}

	// One scratch block reused across callbacks; resized only if the
	// backend delivers an unexpected frame count.
	scratch := make([]float32, block)
	onData := func(pOutput, pInput []byte, frameCount uint32) {
		n := int(frameCount)
		buf := scratch
		if n != len(buf) {
			if n <= cap(buf) {
				buf = buf[:n]
			} else {
				buf = make([]float32, n)
				scratch = buf
			}
		}
		switch {
		case pOutput != nil:
			cb(buf)
			audio.EncodePCM16Into(pOutput, buf)
		case pInput != nil:
			audio.DecodePCM16Into(buf, pInput)
			cb(buf)
		}
	}

	dev, err := malgo.InitDevice(h.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: open %s device: %w", direction(kind), err)
	}
	return &Stream{dev: dev, rate: rate, block: block}, nil
}

// Close implements [host.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.ctx.Uninit()
	h.ctx.Free()
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

var _ host.Host = (*Host)(nil)

// Stream is one open miniaudio device.
type Stream struct {
	dev   *malgo.Device
	rate  int
	block int

	mu      sync.Mutex
	started bool
	closed  bool
}

// Start implements [host.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("miniaudio: stream closed")
	}
	if s.started {
		return nil
	}
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("miniaudio: start device: %w", err)
	}
	s.started = true
	return nil
}

// Stop implements [host.Stream]. Samples the backend buffered toward the
// device are dropped, not drained.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.started {
		return nil
	}
	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("miniaudio: stop device: %w", err)
	}
	s.started = false
	return nil
}

// Close implements [host.Stream]. Blocks until the device callback thread
// has exited, so no callback runs after Close returns.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.started = false
	s.dev.Uninit()
	return nil
}

// SampleRate implements [host.Stream].
func (s *Stream) SampleRate() int { return s.rate }

// BlockSize implements [host.Stream].
func (s *Stream) BlockSize() int { return s.block }

var _ host.Stream = (*Stream)(nil)

func direction(kind malgo.DeviceType) string {
	if kind == malgo.Playback {
		return "playback"
	}
	return "capture"
}
