package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/internal/audio"
)

const (
	// TelephonyFrameBytes is one 20ms frame of G.711 at 8kHz.
	TelephonyFrameBytes = 160

	// redialAttempts bounds AI leg reconnection before the call is dropped.
	redialAttempts = 3
	// redialBase is the first backoff interval; it doubles per attempt.
	redialBase = 250 * time.Millisecond

	// teardownTimeout bounds best-effort delivery of buffered audio while
	// draining. Whatever cannot be written within it is discarded.
	teardownTimeout = 2 * time.Second
)

// Orchestrator runs the bidirectional relay for bridged calls. Each call
// gets two goroutines, one per direction, joined by a WaitGroup; teardown
// begins only after both have returned, then closes both endpoints exactly
// once and evicts the session from the registry.
type Orchestrator struct {
	registry *Registry
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator backed by the given registry.
func NewOrchestrator(registry *Registry, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		logger:   logger.With("subsystem", "bridge"),
	}
}

// Run bridges a session until one leg ends, an unrecoverable error occurs,
// or an external hangup drains it. codec selects the companding law of the
// telephony leg. Blocks for the lifetime of the call; callers launch it in
// its own goroutine.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, codec audio.Codec) {
	logger := o.logger.With("call_id", sess.CallID)

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.bindCancel(cancel)

	if err := sess.Activate(); err != nil {
		logger.Error("session activation failed", "error", err)
		o.teardown(sess, logger)
		return
	}

	logger.Info("bridge active",
		"direction", sess.Direction.String(),
		"codec", codec.String(),
		"voice_profile", sess.VoiceProfile,
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.relayToAI(relayCtx, sess, codec, logger)
		// One direction ending ends the call; cancel unblocks the other.
		sess.Drain()
	}()
	go func() {
		defer wg.Done()
		o.relayToTelephony(relayCtx, sess, codec, logger)
		sess.Drain()
	}()
	wg.Wait()

	o.teardown(sess, logger)
}

// teardown closes both endpoints, marks the session closed exactly once,
// and removes it from the registry.
func (o *Orchestrator) teardown(sess *Session, logger *slog.Logger) {
	sess.Drain()
	if err := sess.Telephony().Close(); err != nil {
		logger.Debug("telephony close error", "error", err)
	}
	if err := sess.AI().Close(); err != nil {
		logger.Debug("ai close error", "error", err)
	}
	if !sess.markClosed() {
		return
	}
	o.registry.Remove(sess.CallID)

	stats := sess.Stats()
	attrs := []any{
		"duration", time.Since(sess.CreatedAt).Round(time.Millisecond).String(),
		"frames_to_ai", stats.FramesToAI,
		"frames_to_telephony", stats.FramesToTelephony,
		"bytes_to_ai", stats.BytesToAI,
		"bytes_to_telephony", stats.BytesToTelephony,
		"frames_dropped", stats.FramesDropped,
		"ai_reconnects", stats.AIReconnects,
	}
	if cr, ok := sess.Telephony().(CloseReasoner); ok {
		if reason := cr.CloseReason(); reason != "" {
			attrs = append(attrs, "telephony_close_reason", reason)
		}
	}
	logger.Info("bridge closed", attrs...)
}

// relayToAI pumps caller audio toward the AI: companded 8kHz bytes from the
// telephony leg are decoded to linear PCM, upsampled to the AI input rate,
// and written as little-endian PCM16.
func (o *Orchestrator) relayToAI(ctx context.Context, sess *Session, codec audio.Codec, logger *slog.Logger) {
	for {
		if sess.IsDraining() {
			return
		}

		chunk, err := sess.Telephony().Read(ctx)
		if err != nil {
			if sess.IsDraining() || errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, io.EOF) {
				logger.Info("telephony stream ended")
			} else {
				logger.Warn("telephony read error", "error", err)
			}
			return
		}
		if len(chunk) == 0 {
			sess.RecordDrop()
			continue
		}

		samples := audio.DecodeCompanded(codec, chunk)
		pcm := audio.SamplesToBytes(audio.Resample(samples, audio.TelephonyRate, audio.AIInputRate))

		if err := o.writeAI(ctx, sess, pcm, logger); err != nil {
			if !sess.IsDraining() && !errors.Is(err, context.Canceled) {
				logger.Warn("ai leg lost", "error", err)
			}
			return
		}
		sess.RecordToAI(len(pcm))
	}
}

// writeAI writes one chunk to the AI leg, redialing with bounded backoff
// when the write fails on an endpoint that supports it. The chunk that hit
// the dead connection is retried once on the fresh one.
func (o *Orchestrator) writeAI(ctx context.Context, sess *Session, pcm []byte, logger *slog.Logger) error {
	err := sess.AI().Write(ctx, pcm)
	if err == nil {
		return nil
	}
	if sess.IsDraining() || errors.Is(err, context.Canceled) {
		return err
	}

	rd, ok := sess.AI().(Redialer)
	if !ok {
		return err
	}

	backoff := redialBase
	for attempt := 1; attempt <= redialAttempts; attempt++ {
		logger.Warn("ai connection lost, redialing",
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2

		if rerr := rd.Redial(ctx); rerr != nil {
			err = rerr
			continue
		}
		sess.RecordReconnect()
		logger.Info("ai connection re-established", "attempt", attempt)
		return sess.AI().Write(ctx, pcm)
	}
	return err
}

// relayToTelephony pumps AI audio toward the caller: PCM16 chunks at the AI
// output rate are downsampled to 8kHz, companded, and delivered in exact
// 20ms frames. Arbitrary AI chunk sizes are absorbed by a frame buffer so
// the telephony leg only ever sees full frames.
func (o *Orchestrator) relayToTelephony(ctx context.Context, sess *Session, codec audio.Codec, logger *slog.Logger) {
	fb := audio.NewFrameBuffer()

	for {
		if sess.IsDraining() {
			o.flushToTelephony(sess, fb, codec, logger)
			return
		}

		chunk, err := sess.AI().Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("ai stream ended")
			} else if !sess.IsDraining() && !errors.Is(err, context.Canceled) {
				logger.Warn("ai read error", "error", err)
			}
			o.flushToTelephony(sess, fb, codec, logger)
			return
		}
		if len(chunk) == 0 || len(chunk)%2 != 0 {
			// Not valid PCM16; drop the chunk, never the call.
			logger.Debug("dropping malformed ai chunk", "bytes", len(chunk))
			sess.RecordDrop()
			continue
		}

		samples := audio.Resample(audio.BytesToSamples(chunk), audio.AIOutputRate, audio.TelephonyRate)
		fb.Write(audio.EncodeCompanded(codec, samples))

		for _, frame := range fb.DrainFrames(TelephonyFrameBytes) {
			if err := sess.Telephony().Write(ctx, frame); err != nil {
				if !sess.IsDraining() && !errors.Is(err, context.Canceled) {
					logger.Warn("telephony write error", "error", err)
				}
				return
			}
			sess.RecordToTelephony(len(frame))
		}
	}
}

// flushToTelephony makes a best-effort delivery of audio still buffered
// when the session drains. The partial tail is padded to a full frame with
// the codec's silence byte; anything undeliverable within the teardown
// window is discarded.
func (o *Orchestrator) flushToTelephony(sess *Session, fb *audio.FrameBuffer, codec audio.Codec, logger *slog.Logger) {
	if tail := fb.Flush(); len(tail) > 0 {
		frame := make([]byte, TelephonyFrameBytes)
		copy(frame, tail)
		silence := codec.SilenceByte()
		for i := len(tail); i < TelephonyFrameBytes; i++ {
			frame[i] = silence
		}
		fb.Write(frame)
	}

	frames := fb.DrainFrames(TelephonyFrameBytes)
	if len(frames) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	for _, frame := range frames {
		if err := sess.Telephony().Write(ctx, frame); err != nil {
			logger.Debug("buffered audio discarded at teardown",
				"frames_lost", len(frames),
				"error", err,
			)
			return
		}
		sess.RecordToTelephony(len(frame))
	}
}
