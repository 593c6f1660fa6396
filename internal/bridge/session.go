package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the lifecycle state of a bridged call session.
type State int

const (
	StateConnecting State = iota // created, endpoints not yet confirmed open
	StateActive                  // both endpoints open, relay loops running
	StateDraining                // no new input accepted, buffered audio still delivered
	StateClosed                  // both relay loops exited, endpoints closed; terminal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Direction indicates who originated the call.
type Direction int

const (
	DirectionOutbound Direction = iota // system-initiated
	DirectionInbound                   // received from the provider
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// Stats is a snapshot of a session's relay counters.
type Stats struct {
	FramesToAI        uint64
	FramesToTelephony uint64
	BytesToAI         uint64
	BytesToTelephony  uint64
	FramesDropped     uint64
	AIReconnects      uint64
}

// Session aggregates one phone call's identity, its telephony transport,
// its AI streaming session, and lifecycle state. The two endpoints are
// exclusively owned by the session: each is read and written only by its
// relay loop, and no other component holds the raw transports.
//
// The state field and the registry are the only things mutated from outside
// the relay loops, both under the session mutex. No lock is ever held
// across an I/O wait.
type Session struct {
	CallID            string
	Direction         Direction
	VoiceProfile      string
	SystemInstruction string
	CreatedAt         time.Time

	telephony Endpoint
	ai        Endpoint

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	// draining is the cooperative cancellation flag checked by the relay
	// loops at each I/O boundary.
	draining atomic.Bool

	lastActivity atomic.Int64 // unix nanos of the last relayed frame

	framesToAI  atomic.Uint64
	framesToTel atomic.Uint64
	bytesToAI   atomic.Uint64
	bytesToTel  atomic.Uint64
	dropped     atomic.Uint64
	reconnects  atomic.Uint64
}

// NewSession creates a session in the Connecting state owning both
// endpoints.
func NewSession(callID string, dir Direction, voiceProfile, systemInstruction string, telephony, ai Endpoint) *Session {
	s := &Session{
		CallID:            callID,
		Direction:         dir,
		VoiceProfile:      voiceProfile,
		SystemInstruction: systemInstruction,
		CreatedAt:         time.Now(),
		telephony:         telephony,
		ai:                ai,
		state:             StateConnecting,
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate transitions Connecting→Active once both endpoints are confirmed
// open. Any other starting state is an error.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return fmt.Errorf("session %q: cannot activate from state %s", s.CallID, s.state)
	}
	s.state = StateActive
	return nil
}

// Drain requests the session stop accepting new input. Buffered audio
// already in flight continues to be delivered before teardown. Safe to call
// from any goroutine and idempotent; a no-op once the session is Closed.
func (s *Session) Drain() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateDraining {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	cancel := s.cancel
	s.mu.Unlock()

	s.draining.Store(true)
	if cancel != nil {
		cancel()
	}
}

// IsDraining reports whether drain has been requested. Relay loops check
// this at each read/write boundary.
func (s *Session) IsDraining() bool {
	return s.draining.Load()
}

// markClosed transitions the session to Closed. Returns false when the
// session was already Closed; the transition happens exactly once.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}

// bindCancel attaches the orchestrator's relay context cancel function so
// an external hangup can interrupt blocked endpoint reads.
func (s *Session) bindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Telephony returns the telephony endpoint. Only the orchestrator's relay
// loops may perform I/O on it.
func (s *Session) Telephony() Endpoint { return s.telephony }

// AI returns the AI endpoint. Only the orchestrator's relay loops may
// perform I/O on it.
func (s *Session) AI() Endpoint { return s.ai }

// TouchActivity records that a frame was just relayed, for the inactivity
// watchdog.
func (s *Session) TouchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time the last frame was relayed.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// RecordToAI counts one frame delivered to the AI leg.
func (s *Session) RecordToAI(n int) {
	s.framesToAI.Add(1)
	s.bytesToAI.Add(uint64(n))
	s.TouchActivity()
}

// RecordToTelephony counts one frame delivered to the telephony leg.
func (s *Session) RecordToTelephony(n int) {
	s.framesToTel.Add(1)
	s.bytesToTel.Add(uint64(n))
	s.TouchActivity()
}

// RecordDrop counts one malformed or undeliverable chunk.
func (s *Session) RecordDrop() {
	s.dropped.Add(1)
}

// RecordReconnect counts one successful AI leg re-establishment.
func (s *Session) RecordReconnect() {
	s.reconnects.Add(1)
}

// Stats returns a snapshot of the session's relay counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesToAI:        s.framesToAI.Load(),
		FramesToTelephony: s.framesToTel.Load(),
		BytesToAI:         s.bytesToAI.Load(),
		BytesToTelephony:  s.bytesToTel.Load(),
		FramesDropped:     s.dropped.Load(),
		AIReconnects:      s.reconnects.Load(),
	}
}
