package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// streamEvent is the provider's media-stream wire frame. Inbound and
// outbound frames share the shape; only the fields for the named event are
// populated.
type streamEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *startEvent  `json:"start,omitempty"`
	Media     *mediaEvent  `json:"media,omitempty"`
	Mark      *markEvent   `json:"mark,omitempty"`
	Stop      *stopEvent   `json:"stop,omitempty"`
}

type startEvent struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaEvent struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"` // base64 companded audio
}

type markEvent struct {
	Name string `json:"name"`
}

type stopEvent struct {
	CallSID string `json:"callSid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// MediaStream is one provider media-stream WebSocket connection, adapted
// from the provider's event callbacks to the blocking read the relay loop
// expects. Inbound media events are queued on a bounded channel; outbound
// frames are sent as media events tagged with the stream SID learned from
// the start event.
type MediaStream struct {
	conn   *websocket.Conn
	logger *slog.Logger

	recv    chan []byte
	errs    chan error
	quit    chan struct{}
	started chan struct{}

	mu        sync.Mutex
	streamSID string
	callSID   string
	reason    string

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewMediaStream wraps an upgraded provider WebSocket connection and starts
// pumping its events.
func NewMediaStream(conn *websocket.Conn, logger *slog.Logger) *MediaStream {
	s := &MediaStream{
		conn:    conn,
		logger:  logger.With("subsystem", "media-stream"),
		recv:    make(chan []byte, 64),
		errs:    make(chan error, 2),
		quit:    make(chan struct{}),
		started: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// WaitStart blocks until the provider's start event arrives, establishing
// the stream SID needed for outbound media.
func (s *MediaStream) WaitStart(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return fmt.Errorf("media stream closed before start event")
	case err := <-s.errs:
		return fmt.Errorf("media stream ended before start event: %w", err)
	case <-s.started:
		return nil
	}
}

// CallSID returns the provider call SID from the start event, empty before
// the stream has started.
func (s *MediaStream) CallSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSID
}

// Read blocks until the next companded audio chunk from the caller
// arrives. The provider's stop event is reported as io.EOF.
func (s *MediaStream) Read(ctx context.Context) ([]byte, error) {
	// Buffered audio is delivered before any end-of-stream: the stop
	// event queues its EOF while chunks may still be waiting in recv.
	select {
	case chunk := <-s.recv:
		return chunk, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.quit:
		return nil, io.EOF
	case chunk := <-s.recv:
		return chunk, nil
	case err := <-s.errs:
		return nil, err
	}
}

// Write sends one companded audio frame toward the caller.
func (s *MediaStream) Write(ctx context.Context, chunk []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("media stream is closed")
	}
	s.mu.Lock()
	sid := s.streamSID
	s.mu.Unlock()
	if sid == "" {
		return fmt.Errorf("media stream not started")
	}

	payload, err := json.Marshal(streamEvent{
		Event:     "media",
		StreamSID: sid,
		Media:     &mediaEvent{Payload: base64.StdEncoding.EncodeToString(chunk)},
	})
	if err != nil {
		return fmt.Errorf("encode media event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write media event: %w", err)
	}
	return nil
}

// Close shuts the stream down. Safe to call more than once.
func (s *MediaStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

// CloseReason reports why the far end ended the stream, empty when it was
// closed locally.
func (s *MediaStream) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *MediaStream) setReason(reason string) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
}

func (s *MediaStream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setReason("connection closed by provider")
				s.pushErr(io.EOF)
			} else {
				s.setReason("connection error")
				s.pushErr(err)
			}
			return
		}

		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("undecodable stream event", "error", err)
			continue
		}

		switch ev.Event {
		case "connected":
			// Handshake preamble, nothing to record yet.
		case "start":
			if ev.Start == nil {
				continue
			}
			s.mu.Lock()
			alreadyStarted := s.streamSID != ""
			if !alreadyStarted {
				s.streamSID = ev.Start.StreamSID
				s.callSID = ev.Start.CallSID
			}
			s.mu.Unlock()
			if !alreadyStarted {
				s.logger.Info("media stream started",
					"stream_sid", ev.Start.StreamSID,
					"call_sid", ev.Start.CallSID,
				)
				close(s.started)
			}
		case "media":
			if ev.Media == nil {
				continue
			}
			if ev.Media.Track != "" && ev.Media.Track != "inbound" {
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				s.logger.Warn("undecodable media payload", "error", err)
				continue
			}
			select {
			case s.recv <- chunk:
			case <-s.quit:
				return
			}
		case "mark":
			if ev.Mark != nil {
				s.logger.Debug("mark received", "name", ev.Mark.Name)
			}
		case "stop":
			reason := "stop event"
			if ev.Stop != nil && ev.Stop.Reason != "" {
				reason = ev.Stop.Reason
			}
			s.setReason(reason)
			s.pushErr(io.EOF)
			return
		default:
			s.logger.Debug("unhandled stream event", "event", ev.Event)
		}
	}
}

func (s *MediaStream) pushErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
