package local

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Sink = (*Speaker)(nil)

const (
	// pollInterval is how often Play checks whether the player drained.
	pollInterval = 10 * time.Millisecond

	// defaultSpeakerBuffer is the device buffer duration.
	defaultSpeakerBuffer = 100 * time.Millisecond
)

// Speaker plays PCM on the default output device. oto allows a single
// context per process, so create one Speaker and share it.
type Speaker struct {
	format audio.Format
	ctx    *oto.Context

	// mu serialises Play; the sink is exclusively owned by one fragment at a
	// time.
	mu sync.Mutex
}

// NewSpeaker initialises the output device for format and waits until it is
// ready.
func NewSpeaker(format audio.Format) (*Speaker, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("local: invalid speaker format %s", format)
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   defaultSpeakerBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: local: init speaker: %w", audio.ErrDeviceUnavailable, err)
	}
	<-ready
	return &Speaker{format: format, ctx: ctx}, nil
}

// Format implements [audio.Sink].
func (s *Speaker) Format() audio.Format { return s.format }

// Play implements [audio.Sink]. The player is paused and discarded as soon as
// ctx is cancelled so output stops without waiting for the buffer to drain.
func (s *Speaker) Play(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	p := s.ctx.NewPlayer(bytes.NewReader(pcm))
	defer p.Close()
	p.Play()

	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for p.IsPlaying() {
		select {
		case <-ctx.Done():
			p.Pause()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := p.Err(); err != nil {
		return fmt.Errorf("local: playback: %w", err)
	}
	return nil
}
