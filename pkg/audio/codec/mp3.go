package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Compile-time interface assertion.
var _ Decoder = MP3{}

// MP3 decodes MPEG-1/2 layer III fragments. Output is always stereo at the
// stream's sample rate.
type MP3 struct{}

// Name implements [Decoder].
func (MP3) Name() string { return "mp3" }

// Decode implements [Decoder].
func (MP3) Decode(data []byte) (PCM, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("codec: mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return PCM{}, fmt.Errorf("codec: mp3: read: %w", err)
	}
	if len(pcm) == 0 {
		return PCM{}, fmt.Errorf("codec: mp3: %w", ErrNoAudio)
	}
	return PCM{
		Data:   pcm,
		Format: audio.Format{SampleRate: dec.SampleRate(), Channels: 2},
	}, nil
}
