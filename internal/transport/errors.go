// Package transport carries utterances to the remote agent and replies back.
//
// [Stream] is the streaming variant: one websocket per session, reused across
// listening periods, carrying binary PCM frames out and tagged JSON messages
// in. [Client] is the request/response variant: a whole utterance is posted
// as a WAV upload and the reply names a URL to the synthesized answer.
package transport

import (
	"errors"
	"fmt"
)

// ErrTransport marks connection and send failures: dial errors, broken
// websockets, network errors on HTTP round trips, and an open circuit
// breaker.
var ErrTransport = errors.New("transport failure")

// ServerError reports a non-success HTTP response from the agent.
type ServerError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transport: %s: server returned %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("transport: %s: server returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Temporary reports whether retrying might succeed. Client errors (4xx other
// than 408 and 429) are permanent.
func (e *ServerError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}
