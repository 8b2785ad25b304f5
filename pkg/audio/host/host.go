// Package host abstracts callback-driven audio device I/O behind a small
// interface so the resampling pipelines in the parent audio package stay
// independent of any particular audio backend.
//
// A [Host] enumerates devices and opens [Stream]s. A stream invokes its
// callback with fixed-size blocks of normalized mono samples: output streams
// ask the callback to fill the block, input streams hand it a block to
// consume. Implementations deliver callbacks from whatever thread their
// backend uses; callers are responsible for their own synchronization.
//
// Two implementations ship with Aria: the malgo subpackage drives real
// devices through miniaudio, and the mock subpackage scripts callbacks by
// hand for tests.
package host

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

var (
	// ErrNoDevices is returned when a host has no device of the requested
	// direction at all.
	ErrNoDevices = errors.New("host: no devices available")

	// ErrDeviceNotFound is returned when a requested device name matches
	// nothing, even fuzzily.
	ErrDeviceNotFound = errors.New("host: device not found")

	// ErrHostClosed is returned by operations on a closed host.
	ErrHostClosed = errors.New("host: closed")
)

// fuzzyMatchThreshold is the minimum Jaro-Winkler similarity for a device
// name to count as a fuzzy match in [FindDevice].
const fuzzyMatchThreshold = 0.85

// DeviceInfo describes one audio device as reported by a host.
type DeviceInfo struct {
	// ID is the host-specific opaque identifier used to open the device.
	ID string

	// Name is the human-readable device name.
	Name string

	// IsDefault marks the host's default device for its direction.
	IsDefault bool
}

// Params configures a stream to be opened.
type Params struct {
	// Device selects a device by name; resolution follows [FindDevice].
	// Empty selects the host default.
	Device string

	// SampleRate is the requested rate in Hz. Zero lets the host choose;
	// the honored rate is reported by [Stream.SampleRate] and may differ
	// from the request.
	SampleRate int

	// BlockSize is the requested callback block length in samples. Zero
	// lets the host choose; see [Stream.BlockSize].
	BlockSize int
}

// Callback processes one block of normalized mono samples. For output
// streams the callback must fill block completely; for input streams it
// must consume block before returning, as the host may reuse the memory.
type Callback func(block []float32)

// Stream is one open, directed audio stream.
type Stream interface {
	// Start begins callback delivery. Starting a started stream is a no-op.
	Start() error

	// Stop halts callback delivery immediately, discarding any samples the
	// backend had buffered toward the device. Stopping a stopped stream is
	// a no-op.
	Stop() error

	// Close releases the device. The stream is unusable afterwards.
	Close() error

	// SampleRate returns the honored rate in Hz.
	SampleRate() int

	// BlockSize returns the honored callback block length in samples.
	BlockSize() int
}

// Host is an audio backend: it enumerates devices and opens streams.
type Host interface {
	// OpenOutput opens a playback stream. The callback fills each block.
	// The stream is created stopped; call [Stream.Start] to begin.
	// Opening may block on platform permission prompts, bounded by ctx.
	OpenOutput(ctx context.Context, p Params, cb Callback) (Stream, error)

	// OpenInput opens a capture stream. The callback consumes each block.
	// The stream is created stopped. Opening may block on platform
	// permission prompts, bounded by ctx; a denied permission or missing
	// device is returned as an error, never a panic.
	OpenInput(ctx context.Context, p Params, cb Callback) (Stream, error)

	// OutputDevices lists playback devices.
	OutputDevices() ([]DeviceInfo, error)

	// InputDevices lists capture devices.
	InputDevices() ([]DeviceInfo, error)

	// Close releases the backend. All streams must be closed first.
	Close() error
}

// FindDevice resolves a configured device name against an enumeration.
//
// An empty name selects the default device, or the first device when the
// host marks none as default. Otherwise matching proceeds case-insensitively
// through three stages: exact name, substring, then Jaro-Winkler similarity
// against the full name and each of its words, with a 0.85 floor so that
// near-miss spellings in hand-written configs still resolve. A failed
// lookup names the closest candidate in the error.
func FindDevice(devices []DeviceInfo, name string) (DeviceInfo, error) {
	if len(devices) == 0 {
		return DeviceInfo{}, ErrNoDevices
	}
	if strings.TrimSpace(name) == "" {
		for _, d := range devices {
			if d.IsDefault {
				return d, nil
			}
		}
		return devices[0], nil
	}

	want := strings.ToLower(strings.TrimSpace(name))
	for _, d := range devices {
		if strings.ToLower(d.Name) == want {
			return d, nil
		}
	}
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}

	var best DeviceInfo
	var bestScore float64
	for _, d := range devices {
		if s := nameScore(want, strings.ToLower(d.Name)); s > bestScore {
			best = d
			bestScore = s
		}
	}
	if bestScore >= fuzzyMatchThreshold {
		return best, nil
	}
	return DeviceInfo{}, fmt.Errorf("host: no device matching %q (closest: %q): %w", name, best.Name, ErrDeviceNotFound)
}

// nameScore is the best Jaro-Winkler similarity between want and the full
// device name or any single word of it, so a short configured name like
// "speakers" can still match "MacBook Pro Speakers".
func nameScore(want, name string) float64 {
	score := matchr.JaroWinkler(want, name, false)
	for _, tok := range strings.Fields(name) {
		if s := matchr.JaroWinkler(want, tok, false); s > score {
			score = s
		}
	}
	return score
}
