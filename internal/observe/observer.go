package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/aria/pkg/audio"
)

// AudioObserver bridges [audio.Observer] notifications into OTel
// instruments. Notifications fire from device callback context, so each one
// is kept to a handful of counter adds.
type AudioObserver struct {
	m *Metrics

	mu         sync.Mutex
	lastQueued int64
}

var _ audio.Observer = (*AudioObserver)(nil)

// NewAudioObserver returns an observer recording into m.
func NewAudioObserver(m *Metrics) *AudioObserver {
	return &AudioObserver{m: m}
}

// PlaybackBlock implements [audio.Observer].
func (o *AudioObserver) PlaybackBlock(produced, starved, queued int, elapsed time.Duration) {
	ctx := context.Background()
	if produced > 0 {
		o.m.PlaybackSamples.Add(ctx, int64(produced))
	}
	if starved > 0 {
		o.m.PlaybackUnderruns.Add(ctx, 1)
	}
	o.m.CallbackDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("direction", "playback")))
	o.recordQueue(ctx, queued)
}

// PlaybackChunk implements [audio.Observer].
func (o *AudioObserver) PlaybackChunk(bytes, _, queued int) {
	ctx := context.Background()
	o.m.PlaybackChunks.Add(ctx, 1)
	o.m.PlaybackBytes.Add(ctx, int64(bytes))
	o.recordQueue(ctx, queued)
}

// CaptureBlock implements [audio.Observer].
func (o *AudioObserver) CaptureBlock(_ int, elapsed time.Duration) {
	o.m.CallbackDuration.Record(context.Background(), elapsed.Seconds(),
		metric.WithAttributes(attribute.String("direction", "capture")))
}

// CaptureFrame implements [audio.Observer].
func (o *AudioObserver) CaptureFrame(bytes int) {
	ctx := context.Background()
	o.m.CaptureFrames.Add(ctx, 1)
	o.m.CaptureBytes.Add(ctx, int64(bytes))
}

// recordQueue folds an absolute backlog reading into the up-down counter.
func (o *AudioObserver) recordQueue(ctx context.Context, queued int) {
	o.mu.Lock()
	delta := int64(queued) - o.lastQueued
	o.lastQueued = int64(queued)
	o.mu.Unlock()
	if delta != 0 {
		o.m.PlaybackQueueDepth.Add(ctx, delta)
	}
}
