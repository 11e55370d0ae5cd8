package playback

import (
	"fmt"
	"math"
	"os"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Fallback tone shape: two short descending beeps.
const (
	toneRate     = 16000
	toneHigh     = 660.0
	toneLow      = 440.0
	toneDuration = 0.18
	toneGap      = 0.08
	toneGain     = 0.3
)

// LoadFallback returns the "connection trouble" clip played when the agent
// cannot be reached. path names an audio file in any format the decoders
// accept; when path is empty a short built-in WAV tone is generated.
func LoadFallback(path string) ([]byte, error) {
	if path == "" {
		return FallbackTone()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("playback: load fallback audio: %w", err)
	}
	return b, nil
}

// FallbackTone renders the built-in fallback clip as 16 kHz mono WAV.
func FallbackTone() ([]byte, error) {
	beep := int(toneDuration * toneRate)
	gap := int(toneGap * toneRate)
	samples := make([]int16, 0, 2*beep+gap)
	samples = appendTone(samples, toneHigh, beep)
	samples = append(samples, make([]int16, gap)...)
	samples = appendTone(samples, toneLow, beep)
	return audio.EncodeWAV(samples, audio.Format{SampleRate: toneRate, Channels: 1})
}

// appendTone appends n samples of a sine at freq with a linear fade at both
// ends to avoid clicks.
func appendTone(dst []int16, freq float64, n int) []int16 {
	fade := n / 10
	for i := range n {
		env := 1.0
		switch {
		case i < fade:
			env = float64(i) / float64(fade)
		case i >= n-fade:
			env = float64(n-i) / float64(fade)
		}
		v := math.Sin(2*math.Pi*freq*float64(i)/toneRate) * env * toneGain
		dst = append(dst, int16(v*math.MaxInt16))
	}
	return dst
}

// FallbackFragment wraps clip as a fragment tagged for turn.
func FallbackFragment(clip []byte, turn uint64) Fragment {
	return Fragment{Data: clip, Turn: turn, Fallback: true}
}
