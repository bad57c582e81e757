package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/voxlab/voicebot/pkg/audiocache"
	"github.com/voxlab/voicebot/pkg/session"
)

const (
	maxChatMessageChars = 2000
	maxTTSTextChars     = 4096
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the reply to POST /api/chat.
type ChatResponse struct {
	Response   string `json:"response"`
	SessionID  string `json:"session_id"`
	TokensUsed int    `json:"tokens_used"`
	Timestamp  string `json:"timestamp"`
}

// VoiceChatResponse is the reply to POST /api/voice-chat.
type VoiceChatResponse struct {
	Transcription string `json:"transcription"`
	Response      string `json:"response"`
	AudioURL      string `json:"audio_url"`
	AudioBase64   string `json:"audio_base64"`
	SessionID     string `json:"session_id"`
	Timestamp     string `json:"timestamp"`
}

// TTSRequest is the body of POST /api/tts.
type TTSRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// SessionMessages is the reply to GET /api/session/{id}/messages.
type SessionMessages struct {
	SessionID string         `json:"session_id"`
	Messages  []session.Turn `json:"messages"`
	Count     int            `json:"count"`
}

// HealthResponse is the reply to GET /api/health.
type HealthResponse struct {
	Status            string `json:"status"`
	UpstreamConnected bool   `json:"upstream_connected"`
	Version           string `json:"version"`
	Timestamp         string `json:"timestamp"`
}

// StatsResponse is the reply to GET /api/stats.
type StatsResponse struct {
	Sessions          session.Stats    `json:"sessions"`
	AudioCache        audiocache.Stats `json:"audio_cache"`
	UpstreamConnected bool             `json:"upstream_connected"`
}

// ErrorResponse is the JSON error body used by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message, Code: code})
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
