package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType tags inbound streaming messages.
type MessageType string

const (
	TypeSessionStart MessageType = "session_start"
	TypeTurnUpdate   MessageType = "turn_update"
	TypeTurnEnd      MessageType = "turn_end"
	TypeAIText       MessageType = "ai_text"
	TypeAudioStart   MessageType = "audio_start"
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeSessionEnd   MessageType = "session_end"
)

// Known reports whether t is one of the message types the agent sends.
func (t MessageType) Known() bool {
	switch t {
	case TypeSessionStart, TypeTurnUpdate, TypeTurnEnd, TypeAIText,
		TypeAudioStart, TypeAudioChunk, TypeSessionEnd:
		return true
	}
	return false
}

// Message is one inbound control or audio message.
type Message struct {
	Type MessageType `json:"type"`

	// Text carries the transcript for turn_update and turn_end, and the
	// assistant text for ai_text.
	Text string `json:"text,omitempty"`

	// EndOfTurn marks the final turn_update of an utterance.
	EndOfTurn bool `json:"end_of_turn,omitempty"`

	// Data is the base64 encoded fragment of an audio_chunk.
	Data string `json:"data,omitempty"`
}

// ErrBadMessage is returned by [ParseMessage] for payloads that are not a
// tagged JSON object.
var ErrBadMessage = errors.New("transport: malformed message")

// ParseMessage decodes one text frame.
func ParseMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrBadMessage)
	}
	return m, nil
}

// Audio decodes the base64 fragment of an audio_chunk. Padding is optional.
func (m Message) Audio() ([]byte, error) {
	if m.Type != TypeAudioChunk {
		return nil, fmt.Errorf("transport: %s carries no audio", m.Type)
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(m.Data, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: audio_chunk data: %w", ErrBadMessage, err)
	}
	return b, nil
}
