// Package codec decodes synthesized speech fragments into 16-bit PCM.
//
// Every fragment is decoded on its own as a complete audio object; decoders
// never assume that consecutive fragments can be concatenated. Two decoders
// are provided so the playback queue can fall back from one to the other on
// a per-fragment basis:
//
//   - [MP3] decodes MPEG audio with hajimehoshi/go-mp3.
//   - [Beep] decodes WAV or MP3 with the faiface/beep decoders.
package codec

import (
	"errors"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// ErrNoAudio is returned when a fragment decodes to zero samples.
var ErrNoAudio = errors.New("codec: fragment contains no audio")

// PCM is a decoded fragment.
type PCM struct {
	// Data is interleaved 16-bit little-endian PCM.
	Data []byte

	// Format describes Data.
	Format audio.Format
}

// Decoder turns one encoded fragment into PCM.
//
// Implementations must be safe for concurrent use.
type Decoder interface {
	// Name identifies the decoder in logs and metrics.
	Name() string

	// Decode decodes data as one complete audio object.
	Decode(data []byte) (PCM, error)
}

// Default returns the primary and alternate decoders in fallback order.
func Default() []Decoder {
	return []Decoder{MP3{}, Beep{}}
}

// Sniff returns a short container label for logging: "wav", "mp3" or
// "unknown".
func Sniff(data []byte) string {
	switch {
	case audio.IsWAV(data):
		return "wav"
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return "mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	default:
		return "unknown"
	}
}
