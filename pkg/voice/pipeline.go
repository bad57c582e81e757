// Package voice runs the speech round-trip: validate the upload,
// transcribe it, get a conversational reply, and synthesize the answer.
package voice

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/voxlab/voicebot/pkg/agent"
	"github.com/voxlab/voicebot/pkg/audiocache"
	"github.com/voxlab/voicebot/pkg/logger"
	"github.com/voxlab/voicebot/pkg/upstream"
)

// Stage identifies where in the pipeline a turn failed.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageTranscribe Stage = "transcribe"
	StageRespond    Stage = "respond"
	StageSynthesize Stage = "synthesize"
)

// PipelineError tags a failure with the stage that produced it.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("voice pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ValidationError rejects an upload before any upstream call is made.
type ValidationError struct {
	Message   string
	Oversized bool
}

func (e *ValidationError) Error() string { return e.Message }

// VoiceTurn is the result of one voice round-trip.
type VoiceTurn struct {
	Transcript string
	ReplyText  string
	AudioID    string
	Audio      []byte
	SessionID  string
	CacheHit   bool
}

// Responder produces a conversational reply for transcribed speech.
type Responder interface {
	Respond(ctx context.Context, sessionID, userText string) (*agent.Reply, error)
}

// Options bounds and shapes the pipeline's synthesis output.
type Options struct {
	MaxAudioBytes int64
	DefaultVoice  string
	Format        string
	Speed         float64
}

// Pipeline wires transcription, conversation, and synthesis together.
type Pipeline struct {
	responder Responder
	stt       upstream.Transcriber
	tts       upstream.Synthesizer
	cache     *audiocache.Cache
	opts      Options
}

func NewPipeline(responder Responder, stt upstream.Transcriber, tts upstream.Synthesizer, cache *audiocache.Cache, opts Options) *Pipeline {
	return &Pipeline{
		responder: responder,
		stt:       stt,
		tts:       tts,
		cache:     cache,
		opts:      opts,
	}
}

// HandleVoiceTurn runs the full pipeline for one uploaded clip.
func (p *Pipeline) HandleVoiceTurn(ctx context.Context, sessionID string, audio []byte, filename, mimeType, voice string) (*VoiceTurn, error) {
	uploadName, err := p.validate(audio, filename, mimeType)
	if err != nil {
		return nil, &PipelineError{Stage: StageValidate, Err: err}
	}

	transcript, err := p.stt.Transcribe(ctx, audio, uploadName)
	if err != nil {
		return nil, &PipelineError{Stage: StageTranscribe, Err: err}
	}
	if strings.TrimSpace(transcript) == "" {
		return nil, &PipelineError{Stage: StageTranscribe, Err: &ValidationError{
			Message: "no speech detected in audio",
		}}
	}

	reply, err := p.responder.Respond(ctx, sessionID, transcript)
	if err != nil {
		return nil, &PipelineError{Stage: StageRespond, Err: err}
	}

	audioID, data, cacheHit, err := p.Synthesize(ctx, reply.Text, voice)
	if err != nil {
		return nil, err
	}

	logger.InfoCF("voice", "Voice turn complete", map[string]any{
		"session_id": reply.SessionID,
		"transcript": len(transcript),
		"reply":      len(reply.Text),
		"cache_hit":  cacheHit,
	})

	return &VoiceTurn{
		Transcript: transcript,
		ReplyText:  reply.Text,
		AudioID:    audioID,
		Audio:      data,
		SessionID:  reply.SessionID,
		CacheHit:   cacheHit,
	}, nil
}

// Synthesize renders text to audio, serving repeats from the cache.
// It backs the standalone TTS endpoint as well as voice turns.
func (p *Pipeline) Synthesize(ctx context.Context, text, voice string) (string, []byte, bool, error) {
	if voice == "" {
		voice = p.opts.DefaultVoice
	}

	if data, key, ok := p.cache.Get(text, voice, p.opts.Format); ok {
		logger.DebugCF("voice", "Synthesis cache hit", map[string]any{"key": key[:12]})
		return key, data, true, nil
	}

	data, err := p.tts.Synthesize(ctx, upstream.SpeechRequest{
		Text:   text,
		Voice:  voice,
		Format: p.opts.Format,
		Speed:  p.opts.Speed,
	})
	if err != nil {
		return "", nil, false, &PipelineError{Stage: StageSynthesize, Err: err}
	}

	key := p.cache.Put(text, voice, p.opts.Format, data)
	return key, data, false, nil
}

// allowed upload containers, keyed by extension
var allowedExtensions = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".webm": "audio/webm",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
}

func (p *Pipeline) validate(audio []byte, filename, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", &ValidationError{Message: "empty audio upload"}
	}
	if p.opts.MaxAudioBytes > 0 && int64(len(audio)) > p.opts.MaxAudioBytes {
		return "", &ValidationError{
			Message: fmt.Sprintf("audio exceeds maximum size of %d bytes", p.opts.MaxAudioBytes),
			Oversized: true,
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[ext]; ok {
		return "clip" + ext, nil
	}

	if ext := extFromMime(mimeType); ext != "" {
		return "clip" + ext, nil
	}

	return "", &ValidationError{
		Message: fmt.Sprintf("unsupported audio format (file %q, type %q)", filename, mimeType),
	}
}

func extFromMime(mimeType string) string {
	parsed, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ""
	}
	switch parsed {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/webm":
		return ".webm"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/ogg", "application/ogg":
		return ".ogg"
	default:
		return ""
	}
}
