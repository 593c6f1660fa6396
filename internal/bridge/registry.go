package bridge

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the process-wide map from call identifier to live session.
// External control operations (status, hangup) reach a running session
// through it; the relay loops themselves never consult the registry.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("subsystem", "session-registry"),
		sessions: make(map[string]*Session),
	}
}

// Register inserts a session keyed by its call ID. A duplicate call ID is
// rejected and the existing session is left untouched.
func (r *Registry) Register(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sess.CallID]; exists {
		return fmt.Errorf("session %q already registered", sess.CallID)
	}
	r.sessions[sess.CallID] = sess

	r.logger.Info("session registered",
		"call_id", sess.CallID,
		"direction", sess.Direction.String(),
	)
	return nil
}

// Lookup returns the session for a call ID. A miss is a normal, expected
// race (the call may have closed and been evicted), reported via the bool
// rather than an error.
func (r *Registry) Lookup(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[callID]
	return sess, ok
}

// Remove evicts a session after it has closed. Removing an unknown call ID
// is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	_, existed := r.sessions[callID]
	delete(r.sessions, callID)
	r.mu.Unlock()

	if existed {
		r.logger.Info("session removed", "call_id", callID)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// DrainAll requests every live session to drain. Used during shutdown; the
// orchestrators finish teardown and remove their sessions.
func (r *Registry) DrainAll() {
	sessions := r.Sessions()
	for _, sess := range sessions {
		sess.Drain()
	}
	if len(sessions) > 0 {
		r.logger.Info("all sessions draining", "count", len(sessions))
	}
}

// CountByState returns the number of sessions per lifecycle state, for
// metrics scraping.
func (r *Registry) CountByState() map[string]int {
	counts := make(map[string]int, 4)
	for _, sess := range r.Sessions() {
		counts[sess.State().String()]++
	}
	return counts
}

// AggregateStats sums relay counters across all live sessions.
func (r *Registry) AggregateStats() Stats {
	var total Stats
	for _, sess := range r.Sessions() {
		st := sess.Stats()
		total.FramesToAI += st.FramesToAI
		total.FramesToTelephony += st.FramesToTelephony
		total.BytesToAI += st.BytesToAI
		total.BytesToTelephony += st.BytesToTelephony
		total.FramesDropped += st.FramesDropped
		total.AIReconnects += st.AIReconnects
	}
	return total
}
