package audio_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voxloop/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	stereo := audio.MonoToStereo(audio.PCMBytes([]int16{100, 200, 300}))
	got := audio.PCMSamples(stereo)
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Fatalf("MonoToStereo = %v, want %v", got, want)
	}
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	// Two complete samples plus one junk byte.
	pcm := []byte{0x64, 0x00, 0xC8, 0x00, 0xFF}
	stereo := audio.MonoToStereo(pcm)
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes for 2 complete mono samples, got %d", len(stereo))
	}
	got := audio.PCMSamples(stereo)
	want := []int16{100, 100, 200, 200}
	if !slices.Equal(got, want) {
		t.Errorf("MonoToStereo = %v, want %v", got, want)
	}
}

func TestStereoToMono(t *testing.T) {
	mono := audio.StereoToMono(audio.PCMBytes([]int16{100, 200, -100, -200}))
	got := audio.PCMSamples(mono)
	want := []int16{150, -150}
	if !slices.Equal(got, want) {
		t.Fatalf("StereoToMono = %v, want %v", got, want)
	}
}

func TestStereoToMono_Extremes(t *testing.T) {
	mono := audio.StereoToMono(audio.PCMBytes([]int16{32767, 32767, -32768, -32768}))
	got := audio.PCMSamples(mono)
	want := []int16{32767, -32768}
	if !slices.Equal(got, want) {
		t.Errorf("StereoToMono = %v, want %v", got, want)
	}
}

func TestResample16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		samples   []int16
		channels  int
		src, dst  int
		wantLen   int
		wantFirst int16
	}{
		{name: "same rate", samples: []int16{100, 200, 300}, channels: 1, src: 16000, dst: 16000, wantLen: 3, wantFirst: 100},
		{name: "mono upsample 3x", samples: []int16{1000, 2000}, channels: 1, src: 16000, dst: 48000, wantLen: 6, wantFirst: 1000},
		{name: "mono downsample", samples: []int16{100, 200, 300, 400, 500, 600}, channels: 1, src: 48000, dst: 16000, wantLen: 2, wantFirst: 100},
		{name: "stereo upsample", samples: []int16{100, 200, 300, 400}, channels: 2, src: 16000, dst: 48000, wantLen: 12, wantFirst: 100},
		{name: "zero source rate", samples: []int16{100, 200}, channels: 1, src: 0, dst: 48000, wantLen: 2, wantFirst: 100},
		{name: "zero target rate", samples: []int16{100, 200}, channels: 1, src: 48000, dst: 0, wantLen: 2, wantFirst: 100},
		{name: "negative rate", samples: []int16{100, 200}, channels: 1, src: -1, dst: 48000, wantLen: 2, wantFirst: 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.PCMSamples(audio.Resample16(audio.PCMBytes(tc.samples), tc.channels, tc.src, tc.dst))
			if len(got) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tc.wantLen)
			}
			if got[0] != tc.wantFirst {
				t.Errorf("first sample = %d, want %d", got[0], tc.wantFirst)
			}
		})
	}
}

func TestResample16_UpsampleEndsNearLastSource(t *testing.T) {
	got := audio.PCMSamples(audio.Resample16(audio.PCMBytes([]int16{1000, 2000}), 1, 16000, 48000))
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample = %d, want close to 2000", last)
	}
}

func TestResample16_StereoKeepsChannelsApart(t *testing.T) {
	// Left is constant 1000, right is constant -1000.
	in := audio.PCMBytes([]int16{1000, -1000, 1000, -1000, 1000, -1000})
	got := audio.PCMSamples(audio.Resample16(in, 2, 24000, 48000))
	for i := 0; i < len(got); i += 2 {
		if got[i] != 1000 || got[i+1] != -1000 {
			t.Fatalf("frame %d = (%d, %d), want (1000, -1000)", i/2, got[i], got[i+1])
		}
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	pcm := audio.PCMBytes([]int16{100, 200})
	result := conv.Convert(pcm, audio.Format{SampleRate: 48000, Channels: 2})
	if &result[0] != &pcm[0] {
		t.Error("expected the input slice back for a matching format")
	}
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	result := conv.Convert(audio.PCMBytes([]int16{100, 200, 300}), audio.Format{SampleRate: 48000, Channels: 1})
	got := audio.PCMSamples(result)
	want := []int16{100, 100, 200, 200, 300, 300}
	if !slices.Equal(got, want) {
		t.Fatalf("Convert = %v, want %v", got, want)
	}
}

func TestFormatConverter_DecoderStereoToSinkMono(t *testing.T) {
	// MP3 decoders always yield stereo; a mono sink needs both steps.
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := audio.PCMBytes([]int16{100, 300, 100, 300, 100, 300, 100, 300, 100, 300, 100, 300})
	got := audio.PCMSamples(conv.Convert(in, audio.Format{SampleRate: 48000, Channels: 2}))
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for i, s := range got {
		if s != 200 {
			t.Errorf("sample %d = %d, want 200", i, s)
		}
	}
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	tests := []struct {
		name string
		src  audio.Format
	}{
		{name: "mismatched format", src: audio.Format{SampleRate: 22050, Channels: 1}},
		{name: "matching format", src: audio.Format{SampleRate: 48000, Channels: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
			if got := conv.Convert([]byte{1, 2, 3}, tc.src); got != nil {
				t.Errorf("expected nil for odd byte count, got %d bytes", len(got))
			}
		})
	}
}

func TestFormat_String(t *testing.T) {
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.Format{SampleRate: 44100, Channels: 2}, "44100Hz stereo"},
		{audio.Format{SampleRate: 48000, Channels: 6}, "48000Hz 6ch"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
