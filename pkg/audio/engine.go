// Package audio implements Aria's real-time PCM pipelines: playback of an
// arbitrarily chunked inbound 16-bit stream with rate conversion to the
// output device, and capture of microphone input decimated to a fixed
// outbound rate.
//
// The playback path is transport bytes → [ByteAligner] → [DecodePCM16] →
// [Player] → device block callback. The capture path is device block
// callback → [Capturer] (box-average decimation plus [EncodePCM16]) →
// outbound frame callback. [Engine] owns both paths, drives them over a
// [host.Host], and exposes the lifecycle: arm, run, stop.
//
// The resampling components assume a cooperative single-threaded caller.
// Engine provides that guarantee on multi-threaded hosts with one mutex
// serializing transport pushes against device callbacks; each callback does
// only bounded array arithmetic under the lock, never I/O.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/aria/pkg/audio/host"
)

// ErrEngineClosed is returned by operations on a closed [Engine].
var ErrEngineClosed = errors.New("audio: engine closed")

// EngineConfig configures an [Engine]. Host, SourceRate, and CaptureRate
// are required.
type EngineConfig struct {
	// Host is the audio backend used to open device streams.
	Host host.Host

	// SourceRate is the sample rate of inbound playback PCM in Hz. It is
	// fixed by the sender and not carried in-band.
	SourceRate int

	// CaptureRate is the sample rate of outbound capture frames in Hz.
	CaptureRate int

	// Output configures the playback device stream.
	Output host.Params

	// Input configures the capture device stream.
	Input host.Params

	// Observer receives pipeline events. Nil disables notification.
	Observer Observer
}

// playbackPipeline is the engine's playback side. All fields are guarded by
// the engine mutex.
type playbackPipeline struct {
	state  State
	stream host.Stream
	player *Player

	callbacks uint64
	samples   uint64
	starved   uint64
	frames    uint64
	bytes     uint64
}

// capturePipeline is the engine's capture side. All fields are guarded by
// the engine mutex.
type capturePipeline struct {
	state   State
	stream  host.Stream
	down    *Capturer
	onFrame func(frame []byte)

	callbacks uint64
	samples   uint64
	frames    uint64
	bytes     uint64
}

// Engine owns one playback and one capture pipeline over a shared audio
// host. Exactly one Engine should exist per session; construct it
// explicitly and pass it to whatever owns the session rather than sharing a
// global instance.
//
// All methods are safe for concurrent use. Stopping is synchronous: once
// StopPlayback or StopCapture returns, no callback will observe the cleared
// state, and a stray callback already in flight renders silence.
type Engine struct {
	host        host.Host
	obs         Observer
	sourceRate  int
	captureRate int
	outParams   host.Params
	inParams    host.Params

	mu       sync.Mutex
	closed   bool
	playback playbackPipeline
	capture  capturePipeline
}

// NewEngine validates cfg and returns an idle engine. No device is touched
// until a pipeline is armed.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Host == nil {
		return nil, errors.New("audio: host is required")
	}
	if cfg.SourceRate <= 0 {
		return nil, fmt.Errorf("audio: source rate %d must be positive", cfg.SourceRate)
	}
	if cfg.CaptureRate <= 0 {
		return nil, fmt.Errorf("audio: capture rate %d must be positive", cfg.CaptureRate)
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Engine{
		host:        cfg.Host,
		obs:         obs,
		sourceRate:  cfg.SourceRate,
		captureRate: cfg.CaptureRate,
		outParams:   cfg.Output,
		inParams:    cfg.Input,
	}, nil
}

// ArmPlayback opens and starts the output device stream so the first
// inbound chunk plays without device setup latency. The device rate is read
// back from the opened stream, not assumed from the request. Arming an
// already armed or running pipeline is a no-op.
func (e *Engine) ArmPlayback(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.playback.state != StateIdle {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	// Device opening can block on the platform; never hold the lock here,
	// or the capture callback stalls behind it.
	stream, err := e.host.OpenOutput(ctx, e.outParams, e.playbackBlock)
	if err != nil {
		return fmt.Errorf("audio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("audio: start output stream: %w", err)
	}

	e.mu.Lock()
	if e.closed || e.playback.state != StateIdle {
		closed := e.closed
		e.mu.Unlock()
		stream.Stop()
		stream.Close()
		if closed {
			return ErrEngineClosed
		}
		return nil
	}
	e.playback.stream = stream
	e.playback.player = NewPlayer(e.sourceRate, stream.SampleRate())
	e.playback.state = StateArmed
	e.mu.Unlock()

	slog.Debug("playback armed",
		"source_rate", e.sourceRate,
		"device_rate", stream.SampleRate(),
		"block_size", stream.BlockSize(),
	)
	return nil
}

// EnqueuePlayback accepts one inbound byte chunk for playback, arming the
// pipeline first if it is idle. Chunks may be any length, including odd
// lengths; a chunk arriving while the pipeline is being stopped is
// discarded along with the rest of the buffered data.
func (e *Engine) EnqueuePlayback(ctx context.Context, chunk []byte) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.playback.state == StateIdle {
		e.mu.Unlock()
		if err := e.ArmPlayback(ctx); err != nil {
			return err
		}
		e.mu.Lock()
	}
	pl := e.playback.player
	if pl == nil {
		e.mu.Unlock()
		return nil
	}
	samples := pl.Enqueue(chunk)
	queued := pl.QueuedSamples()
	if e.playback.state == StateArmed && queued > 0 {
		e.playback.state = StateRunning
	}
	e.playback.frames++
	e.playback.bytes += uint64(len(chunk))
	e.mu.Unlock()

	e.obs.PlaybackChunk(len(chunk), samples, queued)
	return nil
}

// playbackBlock is the output device callback.
func (e *Engine) playbackBlock(out []float32) {
	start := time.Now()
	e.mu.Lock()
	pl := e.playback.player
	if pl == nil {
		e.mu.Unlock()
		clear(out)
		return
	}
	produced := pl.Process(out)
	queued := pl.QueuedSamples()
	e.playback.callbacks++
	e.playback.samples += uint64(produced)
	var starved int
	if produced > 0 && produced < len(out) {
		starved = len(out) - produced
		e.playback.starved += uint64(starved)
	}
	e.mu.Unlock()

	e.obs.PlaybackBlock(produced, starved, queued, time.Since(start))
}

// StopPlayback halts playback audibly instantaneously: the device stream is
// cut off rather than drained, and all buffered state, including any pending
// alignment byte, is discarded rather than kept. Stopping an idle pipeline
// is a no-op; calling it any number of times is safe.
func (e *Engine) StopPlayback() error {
	e.mu.Lock()
	stream := e.playback.stream
	e.playback.stream = nil
	e.playback.player = nil
	e.playback.state = StateIdle
	e.mu.Unlock()

	if stream == nil {
		return nil
	}
	// Stop before close so samples already sitting in the backend's device
	// buffer are cut off, not played out.
	err := stream.Stop()
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("audio: stop playback: %w", err)
	}
	slog.Debug("playback stopped")
	return nil
}

// StartCapture opens and starts the input device stream. Each capture block
// is decimated to the configured capture rate, encoded, and handed to
// onFrame; empty frames are never emitted. onFrame runs on the device
// callback thread and must not block.
//
// The device's honored rate is read back from the opened stream; requesting
// microphone access may fail with a permission or missing-device error,
// which is returned rather than raised. Starting while already running is a
// no-op.
func (e *Engine) StartCapture(ctx context.Context, onFrame func(frame []byte)) error {
	if onFrame == nil {
		return errors.New("audio: capture frame callback is required")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.capture.state != StateIdle {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	stream, err := e.host.OpenInput(ctx, e.inParams, e.captureBlock)
	if err != nil {
		return fmt.Errorf("audio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("audio: start input stream: %w", err)
	}

	e.mu.Lock()
	if e.closed || e.capture.state != StateIdle {
		closed := e.closed
		e.mu.Unlock()
		stream.Stop()
		stream.Close()
		if closed {
			return ErrEngineClosed
		}
		return nil
	}
	e.capture.stream = stream
	e.capture.down = NewCapturer(stream.SampleRate(), e.captureRate)
	e.capture.onFrame = onFrame
	e.capture.state = StateArmed
	e.mu.Unlock()

	slog.Debug("capture started",
		"native_rate", stream.SampleRate(),
		"target_rate", e.captureRate,
		"block_size", stream.BlockSize(),
	)
	return nil
}

// captureBlock is the input device callback.
func (e *Engine) captureBlock(block []float32) {
	start := time.Now()
	e.mu.Lock()
	down := e.capture.down
	onFrame := e.capture.onFrame
	if down == nil || onFrame == nil {
		e.mu.Unlock()
		return
	}
	if e.capture.state == StateArmed {
		e.capture.state = StateRunning
	}
	frame := down.Process(block)
	e.capture.callbacks++
	e.capture.samples += uint64(len(block))
	if len(frame) > 0 {
		e.capture.frames++
		e.capture.bytes += uint64(len(frame))
	}
	e.mu.Unlock()

	e.obs.CaptureBlock(len(block), time.Since(start))
	if len(frame) > 0 {
		onFrame(frame)
		e.obs.CaptureFrame(len(frame))
	}
}

// StopCapture halts capture and discards the decimator state. Stopping an
// idle pipeline is a no-op; calling it any number of times is safe. A stray
// block already in flight is dropped without reaching the frame callback.
func (e *Engine) StopCapture() error {
	e.mu.Lock()
	stream := e.capture.stream
	e.capture.stream = nil
	e.capture.down = nil
	e.capture.onFrame = nil
	e.capture.state = StateIdle
	e.mu.Unlock()

	if stream == nil {
		return nil
	}
	err := stream.Stop()
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("audio: stop capture: %w", err)
	}
	slog.Debug("capture stopped")
	return nil
}

// PlaybackState returns the playback pipeline's lifecycle state.
func (e *Engine) PlaybackState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playback.state
}

// CaptureState returns the capture pipeline's lifecycle state.
func (e *Engine) CaptureState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capture.state
}

// Stats returns a snapshot of both pipelines.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Playback: PipelineStats{
			State:     e.playback.state,
			Callbacks: e.playback.callbacks,
			Samples:   e.playback.samples,
			Starved:   e.playback.starved,
			Frames:    e.playback.frames,
			Bytes:     e.playback.bytes,
		},
		Capture: PipelineStats{
			State:     e.capture.state,
			Callbacks: e.capture.callbacks,
			Samples:   e.capture.samples,
			Frames:    e.capture.frames,
			Bytes:     e.capture.bytes,
		},
	}
	if e.playback.player != nil {
		s.Playback.Queued = e.playback.player.QueuedSamples()
	}
	return s
}

// Close stops both pipelines and marks the engine unusable. The host itself
// is owned by the caller and left open. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return errors.Join(e.StopPlayback(), e.StopCapture())
}
