package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/voxlab/voicebot/pkg/logger"
	"github.com/voxlab/voicebot/pkg/upstream"
	"github.com/voxlab/voicebot/pkg/voice"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	connected := s.health.CheckConnection(ctx) == nil
	status := "ok"
	if !connected {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:            status,
		UpstreamConnected: connected,
		Version:           s.version,
		Timestamp:         nowRFC3339(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	writeJSON(w, http.StatusOK, StatsResponse{
		Sessions:          s.sessions.Stats(),
		AudioCache:        s.cache.Stats(),
		UpstreamConnected: s.health.CheckConnection(ctx) == nil,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if utf8.RuneCountInString(req.Message) > maxChatMessageChars {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("message exceeds %d characters", maxChatMessageChars))
		return
	}

	reply, err := s.agent.Respond(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		Response:   reply.Text,
		SessionID:  reply.SessionID,
		TokensUsed: reply.TokensUsed,
		Timestamp:  nowRFC3339(),
	})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	turns, ok := s.sessions.History(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, SessionMessages{
		SessionID: id,
		Messages:  turns,
		Count:     len(turns),
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !s.sessions.Delete(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "session deleted",
		"session_id": id,
	})
}

func (s *Server) handleVoiceChat(w http.ResponseWriter, r *http.Request) {
	// Bound the whole body before parsing; 1 MiB of slack covers the
	// multipart framing around the audio part.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxAudioBytes+1<<20)

	if err := r.ParseMultipartForm(s.maxAudioBytes + 1<<20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read audio upload")
		return
	}

	turn, err := s.pipeline.HandleVoiceTurn(
		r.Context(),
		r.FormValue("session_id"),
		audio,
		header.Filename,
		header.Header.Get("Content-Type"),
		r.FormValue("voice"),
	)
	if err != nil {
		s.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, VoiceChatResponse{
		Transcription: turn.Transcript,
		Response:      turn.ReplyText,
		AudioURL:      "/api/audio/" + turn.AudioID,
		AudioBase64:   dataURI(s.audioFormat, turn.Audio),
		SessionID:     turn.SessionID,
		Timestamp:     nowRFC3339(),
	})
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req TTSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if utf8.RuneCountInString(req.Text) > maxTTSTextChars {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("text exceeds %d characters", maxTTSTextChars))
		return
	}

	audioID, data, cacheHit, err := s.pipeline.Synthesize(r.Context(), req.Text, req.Voice)
	if err != nil {
		s.respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", audioContentType(s.audioFormat))
	w.Header().Set("X-Audio-ID", audioID)
	if cacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleAudioGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	data, format, ok := s.cache.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "audio not found")
		return
	}

	w.Header().Set("Content-Type", audioContentType(format))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleAudioDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !s.cache.Remove(id) {
		writeError(w, http.StatusNotFound, "audio not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "audio deleted",
		"audio_id": id,
	})
}

// respondError maps pipeline and upstream failures onto response
// codes. Unclassified errors become an opaque 500.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var ve *voice.ValidationError
	if errors.As(err, &ve) {
		if ve.Oversized {
			writeError(w, http.StatusRequestEntityTooLarge, ve.Message)
		} else {
			writeError(w, http.StatusBadRequest, ve.Message)
		}
		return
	}

	if ue := upstream.Classify(err); ue != nil {
		switch ue.Kind {
		case upstream.KindRateLimited:
			if ue.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(ue.RetryAfter.Seconds())+1))
			}
			writeError(w, http.StatusTooManyRequests, "upstream rate limit exceeded")
		default:
			writeError(w, http.StatusBadGateway, "upstream service unavailable")
		}
		return
	}

	logger.ErrorCF("gateway", "Unhandled request error", map[string]any{"error": err.Error()})
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func dataURI(format string, data []byte) string {
	return "data:" + audioContentType(format) + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func audioContentType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "opus", "ogg":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	default:
		return "audio/mpeg"
	}
}
