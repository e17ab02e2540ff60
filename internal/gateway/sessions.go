package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/agentvox/internal/transcript"
	"github.com/MrWong99/agentvox/internal/voice"
	"github.com/MrWong99/agentvox/pkg/provider/tts"
)

// maxTranscriptLimit caps the limit query parameter.
const maxTranscriptLimit = 1000

type speakRequest struct {
	Text string `json:"text"`
}

type speakResponse struct {
	Session  string `json:"session"`
	Playback string `json:"playback"`
}

// handleListSessions handles GET /v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sessions.List())
}

// handleSpeak handles POST /v1/sessions/{id}/speak.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.cfg.Sessions.Speak(r.Context(), id, req.Text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, speakResponse{Session: id, Playback: p.ID()})
	case errors.Is(err, voice.ErrUnknownSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tts.ErrEmptyText):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// handleTranscripts handles GET /v1/sessions/{id}/transcripts?limit=N.
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Transcripts == nil {
		writeError(w, http.StatusNotFound, "transcripts are not stored")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n == 0 {
			n = maxTranscriptLimit
		}
		limit = min(n, maxTranscriptLimit)
	}

	entries, err := s.cfg.Transcripts.List(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
