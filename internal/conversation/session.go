package conversation

import (
	"sync"

	"github.com/google/uuid"
)

// Session scopes one continuous multi-turn conversation. It owns the session
// token, the turn counter and the monotone ended flag.
//
// All methods are safe for concurrent use.
type Session struct {
	id      string
	persona string

	mu    sync.Mutex
	turn  uint64
	ended bool
}

// NewSession creates a session. An empty id is replaced by a freshly
// generated token that stays stable for the life of the session.
func NewSession(id, persona string) *Session {
	if id == "" {
		id = NewSessionID()
	}
	return &Session{id: id, persona: persona}
}

// NewSessionID returns a short opaque session token.
func NewSessionID() string {
	return uuid.NewString()[:8]
}

// ID returns the session token.
func (s *Session) ID() string { return s.id }

// Persona returns the agent persona requested for utterances.
func (s *Session) Persona() string { return s.persona }

// NextTurn starts a new turn and returns its id. Turn ids start at 1.
func (s *Session) NextTurn() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn++
	return s.turn
}

// Turn returns the current turn id, 0 before the first turn.
func (s *Session) Turn() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// IsCurrent reports whether turn is the current turn.
func (s *Session) IsCurrent(turn uint64) bool {
	return turn != 0 && turn == s.Turn()
}

// End marks the session ended. It cannot be undone.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

// Ended reports whether the session has been ended.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
