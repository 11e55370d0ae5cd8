package audio

import (
	"encoding/binary"
	"time"
)

const (
	// SampleRate is the capture rate expected by the remote agent, in Hz.
	SampleRate = 16000

	// FrameSamples is the number of samples carried by one outbound frame.
	// At [SampleRate] this is 50 ms of audio.
	FrameSamples = 800
)

// AudioFrame is one fixed-size block of captured audio. Frames are the unit
// of transmission to the remote agent and are never split, merged or
// reordered once produced by a [Framer].
type AudioFrame struct {
	// Samples holds signed 16-bit mono PCM samples.
	Samples []int16

	// Seq is the zero-based capture sequence number of this frame.
	Seq uint64

	// SampleRate in Hz (16000 for outbound capture frames).
	SampleRate int

	// Timestamp marks the position of the first sample relative to the
	// start of capture.
	Timestamp time.Duration
}

// Bytes renders the frame as little-endian 16-bit PCM, the wire format used
// for binary websocket messages.
func (f AudioFrame) Bytes() []byte {
	return PCMBytes(f.Samples)
}

// Duration reports how much audio the frame carries.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// PCMBytes encodes samples as little-endian 16-bit PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMSamples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func PCMSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
