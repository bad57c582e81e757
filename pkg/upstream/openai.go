package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/voxlab/voicebot/pkg/logger"
	"github.com/voxlab/voicebot/pkg/utils"
)

// Options configures the upstream client.
type Options struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	ChatModel   string
	MaxTokens   int
	Temperature float64
	STTModel    string
	TTSModel    string
}

// Client talks to an OpenAI-compatible backend via the official SDK.
// It implements ChatProvider, Transcriber, Synthesizer, and
// HealthChecker.
type Client struct {
	client      *openai.Client
	chatModel   string
	sttModel    string
	ttsModel    string
	maxTokens   int64
	temperature float64
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := openai.NewClient(clientOpts...)

	return &Client{
		client:      &client,
		chatModel:   opts.ChatModel,
		sttModel:    opts.STTModel,
		ttsModel:    opts.TTSModel,
		maxTokens:   int64(opts.MaxTokens),
		temperature: opts.Temperature,
	}
}

// Chat sends the conversation and returns the assistant reply.
func (c *Client) Chat(ctx context.Context, messages []Message) (*ChatResult, error) {
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.chatModel),
		Messages:            toSDKMessages(messages),
		MaxCompletionTokens: openai.Int(c.maxTokens),
		Temperature:         openai.Float(c.temperature),
	}

	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapAPIError(err, "chat completion")
	}

	if len(completion.Choices) == 0 {
		return nil, &Error{Kind: KindInvalidResponse, Message: "chat completion returned no choices"}
	}

	content := completion.Choices[0].Message.Content
	if content == "" {
		return nil, &Error{Kind: KindInvalidResponse, Message: "chat completion returned empty content"}
	}

	logger.DebugCF("upstream", "Chat completion", map[string]any{
		"model":       c.chatModel,
		"messages":    len(messages),
		"tokens":      completion.Usage.TotalTokens,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return &ChatResult{
		Content:          content,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		TotalTokens:      completion.Usage.TotalTokens,
	}, nil
}

// Transcribe sends the audio payload to the STT endpoint. The filename
// extension tells the upstream which container format to expect.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	transcription, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(c.sttModel),
		File:  openai.File(bytes.NewReader(audio), filename, contentTypeFor(filename)),
	})
	if err != nil {
		return "", wrapAPIError(err, "transcription")
	}

	logger.InfoCF("upstream", "Transcription complete", map[string]any{
		"model": c.sttModel,
		"bytes": len(audio),
		"text":  utils.Truncate(transcription.Text, 80),
	})

	return transcription.Text, nil
}

// Synthesize renders text into audio bytes in the requested format.
func (c *Client) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	params := openai.AudioSpeechNewParams{
		Model: openai.SpeechModel(c.ttsModel),
		Input: req.Text,
		Voice: openai.AudioSpeechNewParamsVoice(req.Voice),
	}
	if req.Format != "" {
		params.ResponseFormat = openai.AudioSpeechNewParamsResponseFormat(req.Format)
	}
	if req.Speed > 0 {
		params.Speed = openai.Float(req.Speed)
	}

	resp, err := c.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, wrapAPIError(err, "speech synthesis")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Message: fmt.Sprintf("reading speech response: %v", err)}
	}
	if len(data) == 0 {
		return nil, &Error{Kind: KindInvalidResponse, Message: "speech synthesis returned empty audio"}
	}

	logger.InfoCF("upstream", "Speech synthesized", map[string]any{
		"model": c.ttsModel,
		"voice": req.Voice,
		"bytes": len(data),
	})

	return data, nil
}

// CheckConnection verifies the upstream answers at all.
func (c *Client) CheckConnection(ctx context.Context) error {
	_, err := c.client.Models.List(ctx)
	if err != nil {
		return wrapAPIError(err, "health check")
	}
	return nil
}

func toSDKMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".webm":
		return "audio/webm"
	case ".m4a":
		return "audio/mp4"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
