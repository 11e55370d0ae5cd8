package transport_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/voxloop/internal/transport"
)

func TestParseMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    transport.Message
		wantErr bool
	}{
		{"session_start", `{"type":"session_start"}`, transport.Message{Type: transport.TypeSessionStart}, false},
		{"turn_end", `{"type":"turn_end","text":"hello"}`, transport.Message{Type: transport.TypeTurnEnd, Text: "hello"}, false},
		{"turn_update", `{"type":"turn_update","text":"hel","end_of_turn":false}`, transport.Message{Type: transport.TypeTurnUpdate, Text: "hel"}, false},
		{"ai_text", `{"type":"ai_text","text":"hi!"}`, transport.Message{Type: transport.TypeAIText, Text: "hi!"}, false},
		{"extra fields", `{"type":"audio_start","format":"mp3"}`, transport.Message{Type: transport.TypeAudioStart}, false},
		{"missing type", `{"text":"x"}`, transport.Message{}, true},
		{"not json", `hello`, transport.Message{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := transport.ParseMessage([]byte(tc.in))
			if tc.wantErr {
				if !errors.Is(err, transport.ErrBadMessage) {
					t.Fatalf("err = %v, want ErrBadMessage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestMessage_Audio(t *testing.T) {
	t.Parallel()

	m := transport.Message{Type: transport.TypeAudioChunk, Data: "SUQzBA=="}
	b, err := m.Audio()
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if string(b) != "ID3\x04" {
		t.Errorf("Audio = %q", b)
	}

	if _, err := (transport.Message{Type: transport.TypeAudioChunk, Data: "!!"}).Audio(); !errors.Is(err, transport.ErrBadMessage) {
		t.Errorf("invalid base64: err = %v, want ErrBadMessage", err)
	}
	if _, err := (transport.Message{Type: transport.TypeTurnEnd}).Audio(); err == nil {
		t.Error("non-audio message must not yield audio")
	}
}

func TestMessageType_Known(t *testing.T) {
	t.Parallel()
	if !transport.TypeSessionEnd.Known() {
		t.Error("session_end should be known")
	}
	if transport.MessageType("ping").Known() {
		t.Error("ping should be unknown")
	}
}

func TestMessage_AudioUnpadded(t *testing.T) {
	t.Parallel()

	m := transport.Message{Type: transport.TypeAudioChunk, Data: strings.Repeat("A", 50)}
	b, err := m.Audio()
	if err != nil {
		t.Fatalf("Audio: %v", err)
	}
	if len(b) != 37 {
		t.Errorf("decoded %d bytes, want 37", len(b))
	}
}
