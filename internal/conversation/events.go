package conversation

import (
	"github.com/MrWong99/voxloop/internal/playback"
	"github.com/MrWong99/voxloop/internal/transport"
)

// EventKind identifies an [Event].
type EventKind int

const (
	// User commands.
	EvStart EventKind = iota
	EvStop
	EvText
	EvEnd
	EvRetry

	// EvMessage carries an inbound streaming message in Message.
	EvMessage

	// EvTransportFailed carries a connection or send failure in Err.
	EvTransportFailed

	// EvReply carries a request/response reply for Turn in Reply.
	EvReply

	// EvReplyFailed carries a failed request/response round trip for Turn.
	EvReplyFailed

	// EvPlayback carries a playback queue event in Playback.
	EvPlayback
)

var eventNames = [...]string{
	EvStart:           "start",
	EvStop:            "stop",
	EvText:            "text",
	EvEnd:             "end",
	EvRetry:           "retry",
	EvMessage:         "message",
	EvTransportFailed: "transport_failed",
	EvReply:           "reply",
	EvReplyFailed:     "reply_failed",
	EvPlayback:        "playback",
}

func (k EventKind) String() string {
	if int(k) >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is the single input type of the [Machine]. Every external callback
// translates into one Event and posts it.
type Event struct {
	Kind EventKind

	// Turn correlates replies with the turn that issued the request.
	Turn uint64

	// Text is the submitted text for EvText.
	Text string

	// Voice marks a reply to a spoken utterance, as opposed to typed text.
	Voice bool

	Message  transport.Message
	Reply    transport.Reply
	Playback playback.Event
	Err      error
}
