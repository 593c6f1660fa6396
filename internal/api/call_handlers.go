package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/internal/bridge"
	"github.com/voicebridge/voicebridge/internal/telephony"
)

// initiateCallRequest is the JSON request body for starting an outbound call.
type initiateCallRequest struct {
	To                string `json:"to"`
	From              string `json:"from"`
	Voice             string `json:"voice"`
	SystemInstruction string `json:"system_instruction"`
}

// callResponse is the JSON representation of a call, live or pending.
type callResponse struct {
	CallID            string     `json:"call_id"`
	ProviderSID       string     `json:"provider_sid,omitempty"`
	To                string     `json:"to,omitempty"`
	From              string     `json:"from,omitempty"`
	Direction         string     `json:"direction"`
	State             string     `json:"state"`
	CreatedAt         string     `json:"created_at"`
	FramesToAI        uint64     `json:"frames_to_ai"`
	FramesToTelephony uint64     `json:"frames_to_telephony"`
	BytesToAI         uint64     `json:"bytes_to_ai"`
	BytesToTelephony  uint64     `json:"bytes_to_telephony"`
	FramesDropped     uint64     `json:"frames_dropped"`
	AIReconnects      uint64     `json:"ai_reconnects"`
	LastActivity      *time.Time `json:"last_activity,omitempty"`
}

func toCallResponse(sess *bridge.Session) callResponse {
	st := sess.Stats()
	last := sess.LastActivity()
	return callResponse{
		CallID:            sess.CallID,
		Direction:         sess.Direction.String(),
		State:             sess.State().String(),
		CreatedAt:         sess.CreatedAt.Format(time.RFC3339),
		FramesToAI:        st.FramesToAI,
		FramesToTelephony: st.FramesToTelephony,
		BytesToAI:         st.BytesToAI,
		BytesToTelephony:  st.BytesToTelephony,
		FramesDropped:     st.FramesDropped,
		AIReconnects:      st.AIReconnects,
		LastActivity:      &last,
	}
}

func toPendingResponse(pc pendingCall) callResponse {
	return callResponse{
		CallID:      pc.CallID,
		ProviderSID: pc.ProviderSID,
		To:          pc.To,
		From:        pc.From,
		Direction:   pc.Direction.String(),
		State:       "dialing",
		CreatedAt:   pc.CreatedAt.Format(time.RFC3339),
	}
}

// handleInitiateCall dials an outbound call through the telephony provider
// and hands it a connect URL carrying a signed stream token.
func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	if !s.provider.Configured() {
		writeError(w, http.StatusServiceUnavailable, "telephony provider not configured")
		return
	}

	var req initiateCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}

	callID := uuid.NewString()
	token, err := telephony.MintStreamToken(s.tokenSecret, callID)
	if err != nil {
		s.logger.Error("mint stream token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	voice := req.Voice
	if voice == "" {
		voice = s.cfg.AIVoice
	}
	instruction := req.SystemInstruction
	if instruction == "" {
		instruction = s.cfg.AISystemInstruction
	}

	from := req.From
	if from == "" {
		from = s.provider.Number()
	}

	pc := &pendingCall{
		CallID:            callID,
		To:                req.To,
		From:              from,
		VoiceProfile:      voice,
		SystemInstruction: instruction,
		Direction:         bridge.DirectionOutbound,
		CreatedAt:         time.Now(),
	}
	s.pending.put(pc)

	call, err := s.provider.Initiate(r.Context(), req.To, req.From, s.cfg.ConnectURL()+"?token="+token)
	if err != nil {
		s.pending.remove(callID)
		s.logger.Error("initiate call", "error", err, "to", req.To)
		writeError(w, http.StatusBadGateway, "provider rejected call")
		return
	}
	s.pending.setProviderSID(callID, call.SID)

	s.logger.Info("call initiated", "call_id", callID, "provider_sid", call.SID, "to", req.To)
	resp := toPendingResponse(*pc)
	resp.ProviderSID = call.SID
	writeJSON(w, http.StatusCreated, resp)
}

// handleListActiveCalls returns live sessions with pagination.
func (s *Server) handleListActiveCalls(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	sessions := s.registry.Sessions()
	calls := make([]callResponse, len(sessions))
	for i, sess := range sessions {
		calls[i] = toCallResponse(sess)
	}

	total := len(calls)
	start := pg.Offset
	if start > total {
		start = total
	}
	end := start + pg.Limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  calls[start:end],
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCall returns one call by ID, live or still dialing.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	if sess, ok := s.registry.Lookup(callID); ok {
		writeJSON(w, http.StatusOK, toCallResponse(sess))
		return
	}
	if pc, ok := s.pending.get(callID); ok {
		writeJSON(w, http.StatusOK, toPendingResponse(pc))
		return
	}
	writeError(w, http.StatusNotFound, "call not found")
}

// handleHangupCall signals a live session to drain, or cancels a call
// that is still dialing at the provider.
func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	if sess, ok := s.registry.Lookup(callID); ok {
		sess.Drain()
		s.logger.Info("hangup requested", "call_id", callID)
		writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "state": sess.State().String()})
		return
	}

	if pc, ok := s.pending.take(callID); ok {
		if pc.ProviderSID != "" {
			if err := s.provider.Hangup(r.Context(), pc.ProviderSID); err != nil {
				s.logger.Error("provider hangup", "error", err, "call_id", callID)
				writeError(w, http.StatusBadGateway, "provider hangup failed")
				return
			}
		}
		s.logger.Info("pending call canceled", "call_id", callID)
		writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "state": "canceled"})
		return
	}

	writeError(w, http.StatusNotFound, "call not found")
}
