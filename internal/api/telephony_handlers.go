package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/ailive"
	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/telephony"
)

// streamStartTimeout bounds the wait for the provider's start event after
// the WebSocket upgrade.
const streamStartTimeout = 10 * time.Second

// upgrader accepts the provider's media-stream connection. Origin checks
// do not apply: the peer is a server, not a browser.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleConnect serves the connect document that tells the provider where
// to open the media stream. Outbound calls arrive with the token minted at
// initiation; a request without a token is an inbound call, which gets a
// fresh call ID and token here.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	if token == "" {
		callID := uuid.NewString()
		minted, err := telephony.MintStreamToken(s.tokenSecret, callID)
		if err != nil {
			s.logger.Error("mint stream token", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		s.pending.put(&pendingCall{
			CallID:            callID,
			From:              r.FormValue("From"),
			To:                r.FormValue("To"),
			ProviderSID:       r.FormValue("CallSid"),
			VoiceProfile:      s.cfg.AIVoice,
			SystemInstruction: s.cfg.AISystemInstruction,
			Direction:         bridge.DirectionInbound,
			CreatedAt:         time.Now(),
		})
		token = minted
		s.logger.Info("inbound call accepted", "call_id", callID, "from", r.FormValue("From"))
	} else {
		if _, err := telephony.VerifyStreamToken(s.tokenSecret, token); err != nil {
			s.logger.Warn("connect with invalid token", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid stream token")
			return
		}
	}

	doc, err := telephony.ConnectDocument(s.cfg.StreamURL(token))
	if err != nil {
		s.logger.Error("build connect document", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeXML(w, http.StatusOK, doc)
}

// handleStream accepts the provider's media-stream WebSocket and runs the
// bridge for the call. The handler blocks until the call ends: after the
// upgrade the connection is hijacked, so the request context is no longer
// tied to anything and the bridge runs under its own context.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	callID, err := telephony.VerifyStreamToken(s.tokenSecret, token)
	if err != nil {
		s.logger.Warn("stream with invalid token", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid stream token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("media stream upgrade failed", "error", err, "call_id", callID)
		return
	}

	logger := s.logger.With("call_id", callID)
	ms := telephony.NewMediaStream(conn, logger)

	startCtx, cancel := context.WithTimeout(context.Background(), streamStartTimeout)
	err = ms.WaitStart(startCtx)
	cancel()
	if err != nil {
		logger.Warn("media stream start event never arrived", "error", err)
		ms.Close()
		return
	}

	voice := s.cfg.AIVoice
	instruction := s.cfg.AISystemInstruction
	direction := bridge.DirectionInbound
	if pc, ok := s.pending.take(callID); ok {
		voice = pc.VoiceProfile
		instruction = pc.SystemInstruction
		direction = pc.Direction
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), s.cfg.AIConnectTimeout)
	ai, err := s.dialAI(dialCtx, ailive.Config{
		URL:               s.cfg.AIURL,
		APIKey:            s.cfg.AIAPIKey,
		Model:             s.cfg.AIModel,
		ConnectTimeout:    s.cfg.AIConnectTimeout,
		VoiceProfile:      voice,
		SystemInstruction: instruction,
	}, logger)
	cancel()
	if err != nil {
		// The caller hears silence and the provider ends the call once
		// we close; nothing else to salvage.
		logger.Error("ai session dial failed, dropping call", "error", err)
		ms.Close()
		return
	}

	sess := bridge.NewSession(callID, direction, voice, instruction, ms, ai)
	if err := s.registry.Register(sess); err != nil {
		logger.Error("session rejected", "error", err)
		ms.Close()
		ai.Close()
		return
	}

	// Blocks for the duration of the call.
	s.orchestrator.Run(context.Background(), sess, s.codec)
}
