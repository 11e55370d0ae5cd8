package codec

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/faiface/beep"
	beepmp3 "github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Compile-time interface assertion.
var _ Decoder = Beep{}

// beepChunk is the number of sample frames pulled from a streamer per read.
const beepChunk = 512

// Beep decodes WAV and MP3 fragments through the beep streamer decoders. The
// container is chosen by sniffing the RIFF header; anything else is treated
// as MP3.
//
// For MP3 it resynchronizes: when decoding from the start fails, it retries
// from each later layer III frame header, so a fragment with leading junk or
// a damaged first frame still plays from the first frame that parses. The
// primary [MP3] decoder gives up on such input.
type Beep struct{}

// Name implements [Decoder].
func (Beep) Name() string { return "beep" }

// Decode implements [Decoder].
func (Beep) Decode(data []byte) (PCM, error) {
	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	if audio.IsWAV(data) {
		s, format, err = wav.Decode(bytes.NewReader(data))
	} else {
		s, format, err = decodeMP3(data)
	}
	if err != nil {
		return PCM{}, fmt.Errorf("codec: beep: %w", err)
	}
	defer s.Close()

	channels := format.NumChannels
	if channels < 1 || channels > 2 {
		channels = 2
	}

	var out []byte
	buf := make([][2]float64, beepChunk)
	for {
		n, ok := s.Stream(buf)
		for _, frame := range buf[:n] {
			out = appendSample(out, frame[0])
			if channels == 2 {
				out = appendSample(out, frame[1])
			}
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return PCM{}, fmt.Errorf("codec: beep: stream: %w", err)
	}
	if len(out) == 0 {
		return PCM{}, fmt.Errorf("codec: beep: %w", ErrNoAudio)
	}
	return PCM{
		Data:   out,
		Format: audio.Format{SampleRate: int(format.SampleRate), Channels: channels},
	}, nil
}

// appendSample quantizes a beep sample in [-1, 1] and appends it as
// little-endian int16.
func appendSample(out []byte, v float64) []byte {
	s := audio.Quantize(float32(math.Max(-1, math.Min(1, v))))
	return append(out, byte(s), byte(s>>8))
}

// maxResync bounds how many frame headers decodeMP3 tries.
const maxResync = 8

// decodeMP3 decodes data from its start, then from each later frame header
// until one parses.
func decodeMP3(data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	s, format, err := beepmp3.Decode(io.NopCloser(bytes.NewReader(data)))
	if err == nil {
		return s, format, nil
	}
	first := err
	for _, off := range frameOffsets(data, maxResync) {
		if off == 0 {
			continue
		}
		if s, format, err = beepmp3.Decode(io.NopCloser(bytes.NewReader(data[off:]))); err == nil {
			return s, format, nil
		}
	}
	return nil, beep.Format{}, first
}

// frameOffsets returns up to limit offsets of plausible MPEG layer III frame
// headers in data.
func frameOffsets(data []byte, limit int) []int {
	var offs []int
	for i := 0; i+3 < len(data) && len(offs) < limit; i++ {
		if isFrameHeader(data[i : i+4]) {
			offs = append(offs, i)
		}
	}
	return offs
}

// isFrameHeader reports whether h starts with a valid layer III header:
// 11 sync bits, a defined version, layer III, a usable bitrate and sample
// rate.
func isFrameHeader(h []byte) bool {
	if h[0] != 0xFF || h[1]&0xE0 != 0xE0 {
		return false
	}
	version := (h[1] >> 3) & 0x3
	layer := (h[1] >> 1) & 0x3
	bitrate := h[2] >> 4
	rate := (h[2] >> 2) & 0x3
	return version != 1 && layer == 1 && bitrate != 0 && bitrate != 15 && rate != 3
}
