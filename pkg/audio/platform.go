// Package audio defines the device interfaces and PCM primitives shared by
// the voxloop capture and playback pipelines.
//
// The two device abstractions are:
//
//   - [Microphone] opens an exclusive capture stream delivering float sample
//     blocks.
//   - [Sink] plays complete 16-bit PCM buffers on the local output device.
//
// Implementations live in adapter packages (audio/local for real hardware,
// audio/mock for tests). The interfaces are kept narrow so the conversation
// engine never depends on a particular audio backend.
//
// This package lives under pkg/ because the device adapters and the PCM
// helpers ([Framer], [FormatConverter], [EncodeWAV]) are usable without the
// rest of voxloop.
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned (wrapped) by [Microphone.Open] when the
// operating system or user refuses access to the capture device. No resources
// remain allocated when it is returned.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrDeviceUnavailable is returned (wrapped) when no usable device exists or
// the backend failed to initialise.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Microphone acquires capture streams from an input device.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open acquires the input device and starts capturing mono float samples
	// at f.SampleRate. The returned stream owns the device until closed.
	//
	// On failure Open must release everything it allocated and return an
	// error wrapping [ErrPermissionDenied] or [ErrDeviceUnavailable] where
	// the cause is known.
	Open(ctx context.Context, f Format) (CaptureStream, error)
}

// CaptureStream is a live microphone acquisition.
type CaptureStream interface {
	// Blocks returns the channel of captured sample blocks, each holding
	// float samples in [-1, 1]. Block sizes are chosen by the backend. The
	// channel is closed once the stream is closed.
	Blocks() <-chan []float32

	// Close stops capture and releases the device. Close is idempotent.
	Close() error
}

// Sink plays PCM audio on an output device. A sink plays one buffer at a
// time; callers serialise access (the playback queue owns the sink).
type Sink interface {
	// Format reports the PCM format Play expects.
	Format() Format

	// Play writes pcm (16-bit little-endian in [Sink.Format]) to the device
	// and blocks until it has been played out or ctx is cancelled. On
	// cancellation output stops immediately and ctx.Err() is returned.
	Play(ctx context.Context, pcm []byte) error
}
