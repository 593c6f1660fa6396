package ailive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/audio"
)

const defaultConnectTimeout = 10 * time.Second

// Config holds the connection settings for the AI live service.
type Config struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// Model selects the conversational model.
	Model string
	// ConnectTimeout bounds dial plus setup handshake. Zero means the
	// default of 10 seconds.
	ConnectTimeout time.Duration

	VoiceProfile      string
	SystemInstruction string
}

// Client is one live AI streaming session: PCM16 at 16kHz in, PCM16 at
// 24kHz out. It satisfies the bridge endpoint capability; Redial replaces
// the underlying connection in place so a relay in progress can survive a
// dropped socket.
//
// Read and Write are each called from a single relay goroutine; Redial and
// Close may race them and are serialized by the connection mutex.
type Client struct {
	cfg    Config
	logger *slog.Logger

	// mu guards conn and generation. generation advances on every redial
	// so a stale read loop can tell it has been replaced.
	mu         sync.Mutex
	conn       *websocket.Conn
	generation uint64

	writeMu sync.Mutex

	recv chan []byte
	errs chan error
	quit chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial connects to the AI live service and completes the setup handshake.
// The returned client is open and ready to relay audio.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: logger.With("subsystem", "ai-live"),
		recv:   make(chan []byte, 64),
		errs:   make(chan error, 4),
		quit:   make(chan struct{}),
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn, 0)

	c.logger.Info("ai session open", "model", cfg.Model, "voice_profile", cfg.VoiceProfile)
	return c, nil
}

// connect dials the endpoint and performs the setup handshake on a fresh
// connection.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	headers := make(http.Header)
	if c.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ai dial %s (status %d): %w", c.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ai dial %s: %w", c.cfg.URL, err)
	}

	setup := clientMessage{Setup: &setupMessage{
		Model:              c.cfg.Model,
		VoiceProfile:       c.cfg.VoiceProfile,
		SystemInstruction:  c.cfg.SystemInstruction,
		InputSampleRate:    audio.AIInputRate,
		OutputSampleRate:   audio.AIOutputRate,
		ResponseModalities: []string{"AUDIO"},
	}}
	if err := conn.WriteJSON(setup); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send ai setup: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var ack serverMessage
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read ai setup ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch {
	case ack.SetupComplete != nil:
		return conn, nil
	case ack.Error != nil:
		_ = conn.Close()
		return nil, fmt.Errorf("ai setup rejected: %s", ack.Error.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first ai frame")
	}
}

// Read blocks until the next PCM16 audio chunk from the model arrives.
// A normal server close is reported as io.EOF.
func (c *Client) Read(ctx context.Context) ([]byte, error) {
	// Buffered model audio is delivered before any end-of-stream: a
	// server close queues its EOF while chunks may still be waiting.
	select {
	case chunk := <-c.recv:
		return chunk, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, io.EOF
	case chunk := <-c.recv:
		return chunk, nil
	case err := <-c.errs:
		return nil, err
	}
}

// Write sends one PCM16 chunk as realtime input.
func (c *Client) Write(ctx context.Context, chunk []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("ai session is closed")
	}

	msg := clientMessage{RealtimeInput: &realtimeInput{
		MediaChunks: []mediaChunk{{
			MimeType: fmt.Sprintf("audio/pcm;rate=%d", audio.AIInputRate),
			Data:     base64.StdEncoding.EncodeToString(chunk),
		}},
	}}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode realtime input: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write realtime input: %w", err)
	}
	return nil
}

// Redial replaces the dropped connection with a fresh one, repeating the
// setup handshake. The old read loop is abandoned and a new one started.
func (c *Client) Redial(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("ai session is closed")
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.conn
	c.generation++
	gen := c.generation
	c.conn = conn
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	// Discard errors queued by the dead connection's read loop.
	for {
		select {
		case <-c.errs:
			continue
		default:
		}
		break
	}

	go c.readLoop(conn, gen)
	c.logger.Info("ai session redialed")
	return nil
}

// Close shuts the session down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.quit)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(2*time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	return nil
}

// current reports whether gen is still the live connection generation.
func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

// readLoop pumps server frames into the receive channel until the
// connection dies or is replaced by a redial.
func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || !c.current(gen) {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.pushErr(io.EOF)
			} else {
				c.pushErr(err)
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("undecodable ai frame", "error", err)
			continue
		}

		switch {
		case msg.Error != nil:
			c.pushErr(fmt.Errorf("ai session error: %s", msg.Error.Message))
			return
		case msg.ServerContent != nil:
			c.handleContent(msg.ServerContent)
		}
	}
}

func (c *Client) handleContent(sc *serverContent) {
	if sc.Interrupted {
		c.logger.Debug("model turn interrupted")
	}
	if sc.ModelTurn == nil {
		return
	}
	for _, part := range sc.ModelTurn.Parts {
		if part.InlineData == nil || part.InlineData.Data == "" {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			c.logger.Warn("undecodable ai audio chunk", "error", err)
			continue
		}
		select {
		case c.recv <- pcm:
		case <-c.quit:
			return
		}
	}
}

func (c *Client) pushErr(err error) {
	select {
	case c.errs <- err:
	default:
	}
}
