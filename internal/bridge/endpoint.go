package bridge

import "context"

// Endpoint is the capability a relay loop needs from a transport leg: a
// blocking chunk read, a chunk write, and an idempotent close. Both the
// telephony media stream and the AI live session implement it, which keeps
// the relay loops identical regardless of whether the underlying transport
// is callback-driven or blocking.
type Endpoint interface {
	// Read blocks until the next audio chunk arrives, the context is
	// cancelled, or the stream ends. A normal end-of-stream is reported
	// as io.EOF.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one audio chunk to the far end.
	Write(ctx context.Context, chunk []byte) error

	// Close releases the transport. Closing twice is a no-op.
	Close() error
}

// Redialer is implemented by endpoints that can re-establish a dropped
// connection in place. The orchestrator uses it to recover the AI leg with
// bounded backoff; the telephony leg does not implement it (a dropped call
// is gone).
type Redialer interface {
	Redial(ctx context.Context) error
}

// CloseReasoner is implemented by endpoints that can report why the far end
// hung up, used for logging at teardown.
type CloseReasoner interface {
	CloseReason() string
}
