package audio

import "time"

// State describes where a pipeline is in its lifecycle. Transitions are
// strictly idle → armed → running → idle; stopping from any state is legal
// and lands back on [StateIdle].
type State int

const (
	// StateIdle means no device stream is open and no buffered data exists.
	StateIdle State = iota

	// StateArmed means the device stream is open and the callback is
	// installed, but no data has flowed yet. An armed playback pipeline
	// emits pure silence.
	StateArmed

	// StateRunning means data is actively flowing through the callback.
	StateRunning
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRunning:
		return "running"
	}
	return "unknown"
}

// PipelineStats is a point-in-time snapshot of one pipeline's counters.
// All counters are cumulative since the engine was created; they survive
// stop/start cycles so that rates derived from them remain monotonic.
type PipelineStats struct {
	// State is the pipeline's lifecycle state at snapshot time.
	State State

	// Callbacks counts device callback invocations.
	Callbacks uint64

	// Samples counts samples that crossed the device boundary: produced
	// from real data for playback, captured from the device for capture.
	Samples uint64

	// Starved counts playback output samples that had to be zero-filled
	// because buffered data ran out partway through a callback block.
	// Always zero for capture.
	Starved uint64

	// Frames counts wire frames: inbound chunks accepted for playback,
	// outbound frames emitted for capture.
	Frames uint64

	// Bytes counts wire bytes: received for playback, emitted for capture.
	Bytes uint64

	// Queued is the number of decoded source samples currently buffered
	// ahead of the playback device (queue plus leftover). Always zero for
	// capture.
	Queued int
}

// Stats is a snapshot of both pipelines, as returned by [Engine.Stats].
type Stats struct {
	Playback PipelineStats
	Capture  PipelineStats
}

// Observer receives pipeline events as they happen. Implementations must be
// fast and non-blocking: playback and capture notifications fire from inside
// the device callback and anything slow there is an audible glitch.
//
// All methods may be called concurrently. A nil Observer in [EngineConfig]
// disables notification entirely.
type Observer interface {
	// PlaybackBlock fires after each playback device callback. produced is
	// the number of output samples rendered from real data; starved is the
	// number zero-filled because the buffer ran dry mid-block; queued is
	// the source-rate backlog left behind; elapsed is the time spent
	// filling the block.
	PlaybackBlock(produced, starved, queued int, elapsed time.Duration)

	// PlaybackChunk fires when an inbound byte chunk has been accepted,
	// with the chunk size, the number of samples it decoded into (which
	// may be zero when bytes are held for alignment), and the source-rate
	// backlog after the enqueue.
	PlaybackChunk(bytes, samples, queued int)

	// CaptureBlock fires after each capture device callback with the number
	// of device-rate samples received and the time spent decimating and
	// encoding them.
	CaptureBlock(samples int, elapsed time.Duration)

	// CaptureFrame fires when an outbound frame has been handed to the
	// transport callback, with its encoded size in bytes.
	CaptureFrame(bytes int)
}

// nopObserver is the Observer used when none is configured.
type nopObserver struct{}

func (nopObserver) PlaybackBlock(int, int, int, time.Duration) {}
func (nopObserver) PlaybackChunk(int, int, int)                {}
func (nopObserver) CaptureBlock(int, time.Duration)            {}
func (nopObserver) CaptureFrame(int)                           {}
