package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlab/voicebot/pkg/agent"
	"github.com/voxlab/voicebot/pkg/audiocache"
	"github.com/voxlab/voicebot/pkg/config"
	"github.com/voxlab/voicebot/pkg/ratelimit"
	"github.com/voxlab/voicebot/pkg/session"
	"github.com/voxlab/voicebot/pkg/upstream"
	"github.com/voxlab/voicebot/pkg/voice"
)

type stubUpstream struct {
	chatCalls  int
	lastMsgs   []upstream.Message
	chatReply  string
	chatErr    error
	sttCalls   int
	transcript string
	sttErr     error
	ttsCalls   int
	audio      []byte
	ttsErr     error
	healthErr  error
}

func (s *stubUpstream) Chat(_ context.Context, msgs []upstream.Message) (*upstream.ChatResult, error) {
	s.chatCalls++
	s.lastMsgs = msgs
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	return &upstream.ChatResult{Content: s.chatReply, TotalTokens: 10}, nil
}

func (s *stubUpstream) Transcribe(_ context.Context, _ []byte, _ string) (string, error) {
	s.sttCalls++
	return s.transcript, s.sttErr
}

func (s *stubUpstream) Synthesize(_ context.Context, _ upstream.SpeechRequest) ([]byte, error) {
	s.ttsCalls++
	if s.ttsErr != nil {
		return nil, s.ttsErr
	}
	return s.audio, nil
}

func (s *stubUpstream) CheckConnection(_ context.Context) error {
	return s.healthErr
}

type testEnv struct {
	server   *Server
	upstream *stubUpstream
	sessions *session.Store
	cache    *audiocache.Cache
	cfg      *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Upstream.APIKey = "sk-test"
	cfg.Rate.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	stub := &stubUpstream{
		chatReply:  "hello from the assistant",
		transcript: "what is the weather",
		audio:      []byte("synth-bytes"),
	}

	sessions := session.NewStore(cfg.Session.Timeout(), cfg.Session.MaxTurns)
	cache := audiocache.New(cfg.Cache.TTL(), cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
	ag := agent.New(sessions, stub)
	pipeline := voice.NewPipeline(ag, stub, stub, cache, voice.Options{
		MaxAudioBytes: cfg.Voice.MaxAudioBytes,
		DefaultVoice:  cfg.Voice.TTSVoice,
		Format:        cfg.Voice.TTSFormat,
		Speed:         cfg.Voice.TTSSpeed,
	})
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:           cfg.Rate.Enabled,
		RequestsPerMinute: cfg.Rate.RequestsPerMinute,
	})

	srv := NewServer(cfg, Deps{
		Sessions: sessions,
		Cache:    cache,
		Agent:    ag,
		Pipeline: pipeline,
		Health:   stub,
		Limiter:  limiter,
		Version:  "test",
	})

	return &testEnv{server: srv, upstream: stub, sessions: sessions, cache: cache, cfg: cfg}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func postJSON(path string, body any) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func multipartAudio(t *testing.T, audio []byte, filename, contentType, sessionID string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="audio"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(audio)
	require.NoError(t, err)

	if sessionID != "" {
		require.NoError(t, w.WriteField("session_id", sessionID))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/voice-chat", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")
}

func TestHealth(t *testing.T) {
	t.Run("upstream reachable", func(t *testing.T) {
		env := newTestEnv(t, nil)

		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.True(t, resp.UpstreamConnected)
		assert.Equal(t, "test", resp.Version)
	})

	t.Run("upstream down", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.upstream.healthErr = &upstream.Error{Kind: upstream.KindUnavailable}

		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.False(t, resp.UpstreamConnected)
	})
}

func TestChatRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(postJSON("/api/chat", ChatRequest{Message: "hi"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Process-Time"))

	var first ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "hello from the assistant", first.Response)
	require.NotEmpty(t, first.SessionID)
	assert.Equal(t, 10, first.TokensUsed)

	// second call on the same session carries the first exchange
	rec = env.do(postJSON("/api/chat", ChatRequest{Message: "again", SessionID: first.SessionID}))
	require.Equal(t, http.StatusOK, rec.Code)

	var second ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.SessionID, second.SessionID)
	require.Len(t, env.upstream.lastMsgs, 4)
	assert.Equal(t, "hi", env.upstream.lastMsgs[1].Content)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("empty message", func(t *testing.T) {
		rec := env.do(postJSON("/api/chat", ChatRequest{Message: "   "}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("message too long", func(t *testing.T) {
		rec := env.do(postJSON("/api/chat", ChatRequest{Message: strings.Repeat("x", maxChatMessageChars+1)}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{oops"))
		rec := env.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	assert.Zero(t, env.upstream.chatCalls, "validation failures must not reach upstream")
}

func TestChatUpstreamErrors(t *testing.T) {
	t.Run("unavailable maps to 502", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.upstream.chatErr = &upstream.Error{Kind: upstream.KindUnavailable, Message: "down"}

		rec := env.do(postJSON("/api/chat", ChatRequest{Message: "hi"}))
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("rate limited maps to 429 with Retry-After", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.upstream.chatErr = &upstream.Error{
			Kind:       upstream.KindRateLimited,
			RetryAfter: 20 * time.Second,
		}

		rec := env.do(postJSON("/api/chat", ChatRequest{Message: "hi"}))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})

	t.Run("unclassified maps to opaque 500", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.upstream.chatErr = errors.New("something with secrets in it")

		rec := env.do(postJSON("/api/chat", ChatRequest{Message: "hi"}))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secrets")
	})
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(postJSON("/api/chat", ChatRequest{Message: "hi"}))
	require.Equal(t, http.StatusOK, rec.Code)
	var chat ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/session/"+chat.SessionID+"/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs SessionMessages
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Equal(t, 2, msgs.Count)
	assert.Equal(t, "hi", msgs.Messages[0].Content)

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/api/session/"+chat.SessionID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/session/"+chat.SessionID+"/messages", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/api/session/"+chat.SessionID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoiceChat(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		env := newTestEnv(t, nil)

		rec := env.do(multipartAudio(t, []byte("fake-wav"), "clip.wav", "audio/wav", ""))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp VoiceChatResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "what is the weather", resp.Transcription)
		assert.Equal(t, "hello from the assistant", resp.Response)
		assert.True(t, strings.HasPrefix(resp.AudioURL, "/api/audio/"))
		assert.True(t, strings.HasPrefix(resp.AudioBase64, "data:audio/"))
		assert.NotEmpty(t, resp.SessionID)

		// audio URL resolves to the synthesized bytes
		rec = env.do(httptest.NewRequest(http.MethodGet, resp.AudioURL, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "synth-bytes", rec.Body.String())
		assert.NotEmpty(t, rec.Header().Get("Cache-Control"))
	})

	t.Run("oversized upload rejected before upstream", func(t *testing.T) {
		env := newTestEnv(t, func(cfg *config.Config) {
			cfg.Voice.MaxAudioBytes = 64
		})

		rec := env.do(multipartAudio(t, make([]byte, 256), "clip.wav", "audio/wav", ""))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Zero(t, env.upstream.sttCalls)
		assert.Zero(t, env.upstream.chatCalls)
		assert.Zero(t, env.upstream.ttsCalls)
	})

	t.Run("unsupported format", func(t *testing.T) {
		env := newTestEnv(t, nil)

		rec := env.do(multipartAudio(t, []byte("x"), "clip.flac", "audio/flac", ""))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, env.upstream.sttCalls)
	})

	t.Run("missing audio part", func(t *testing.T) {
		env := newTestEnv(t, nil)

		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		require.NoError(t, w.WriteField("session_id", "abc"))
		require.NoError(t, w.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/voice-chat", &buf)
		req.Header.Set("Content-Type", w.FormDataContentType())
		rec := env.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestTTSAndAudioLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(postJSON("/api/tts", TTSRequest{Text: "good morning"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "synth-bytes", rec.Body.String())
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	audioID := rec.Header().Get("X-Audio-ID")
	require.NotEmpty(t, audioID)

	// identical request served from cache
	rec = env.do(postJSON("/api/tts", TTSRequest{Text: "good morning"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, 1, env.upstream.ttsCalls)

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/api/audio/"+audioID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/audio/"+audioID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/api/audio/"+audioID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTTSValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(postJSON("/api/tts", TTSRequest{Text: ""}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(postJSON("/api/tts", TTSRequest{Text: strings.Repeat("x", maxTTSTextChars+1)}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Zero(t, env.upstream.ttsCalls)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(postJSON("/api/chat", ChatRequest{Message: "hi"}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Sessions.ActiveSessions)
	assert.Equal(t, 2, stats.Sessions.TotalTurns)
	assert.True(t, stats.UpstreamConnected)
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.APIKey = "secret-token"
	})

	t.Run("missing token rejected", func(t *testing.T) {
		rec := env.do(postJSON("/api/chat", ChatRequest{Message: "hi"}))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		req := postJSON("/api/chat", ChatRequest{Message: "hi"})
		req.Header.Set("Authorization", "Bearer wrong")
		rec := env.do(req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token accepted", func(t *testing.T) {
		req := postJSON("/api/chat", ChatRequest{Message: "hi"})
		req.Header.Set("Authorization", "Bearer secret-token")
		rec := env.do(req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("public paths bypass auth", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec := env.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORSUnknownOrigin(t *testing.T) {
	env := newTestEnv(t, nil)

	req := postJSON("/api/chat", ChatRequest{Message: "hi"})
	req.Header.Set("Origin", "http://evil.example.com")

	rec := env.do(req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Rate.Enabled = true
		cfg.Rate.RequestsPerMinute = 3
	})

	var last *httptest.ResponseRecorder
	limited := false
	for i := 0; i < 10; i++ {
		req := postJSON("/api/chat", ChatRequest{Message: "hi"})
		req.RemoteAddr = "10.1.2.3:44444"
		last = env.do(req)
		if last.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	require.True(t, limited, "limiter should trip")
	assert.NotEmpty(t, last.Header().Get("Retry-After"))

	// health is exempt even when a caller is limited
	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
