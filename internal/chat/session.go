// Package chat implements the per-connection session state machine and the
// hub that drives it: pairing, message relay between partners, typing and
// read-receipt forwarding, and the skip/save_contact commands.
package chat

import (
	"errors"
	"sync"
)

// State is a session's position in its lifecycle.
type State int

const (
	// StateWaiting: connected, sitting in the wait queue.
	StateWaiting State = iota
	// StateMatched: paired with a partner; chat/typing/read traffic allowed.
	StateMatched
	// StateDisconnected: terminal. A reconnecting client gets a new Session.
	StateDisconnected
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateMatched:
		return "matched"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transition errors. Invalid transitions are rejected, never coerced.
var (
	ErrNotWaiting   = errors.New("chat: session is not waiting")
	ErrNotMatched   = errors.New("chat: session is not matched")
	ErrDisconnected = errors.New("chat: session is disconnected")
)

// Session is one connection's view of its chat state. It is created on
// connect in StateWaiting and destroyed after StateDisconnected; transient
// client reconnects arrive as brand-new sessions with fresh identities.
type Session struct {
	ID string

	mu      sync.Mutex
	state   State
	partner string
}

// NewSession creates a session in the Waiting state.
func NewSession(id string) *Session {
	return &Session{ID: id, state: StateWaiting}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Partner returns the current partner identity, or "" when not matched.
func (s *Session) Partner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partner
}

// Match transitions Waiting -> Matched and records the partner.
func (s *Session) Match(partner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateDisconnected:
		return ErrDisconnected
	case StateMatched:
		return ErrNotWaiting
	}
	s.state = StateMatched
	s.partner = partner
	return nil
}

// Unmatch transitions Matched -> Waiting, clearing the partner. Used for
// both an own skip and a peer loss.
func (s *Session) Unmatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateDisconnected:
		return ErrDisconnected
	case StateWaiting:
		return ErrNotMatched
	}
	s.state = StateWaiting
	s.partner = ""
	return nil
}

// Disconnect transitions to the terminal state from anywhere but
// Disconnected itself, returning the partner the session had (if any).
func (s *Session) Disconnect() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return "", ErrDisconnected
	}
	partner := s.partner
	s.state = StateDisconnected
	s.partner = ""
	return partner, nil
}

// Snapshot returns state and partner consistently under one lock.
func (s *Session) Snapshot() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.partner
}
