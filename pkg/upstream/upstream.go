// Package upstream wraps the OpenAI-compatible backend used for chat
// completions, speech-to-text, and text-to-speech.
package upstream

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn sent to the chat endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is the assistant reply plus token accounting for the call.
type ChatResult struct {
	Content          string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// SpeechRequest describes one synthesis call.
type SpeechRequest struct {
	Text   string
	Voice  string
	Format string
	Speed  float64
}

// ChatProvider produces an assistant reply for a conversation.
type ChatProvider interface {
	Chat(ctx context.Context, messages []Message) (*ChatResult, error)
}

// Transcriber converts uploaded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Synthesizer renders text into encoded audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error)
}

// HealthChecker reports whether the upstream is reachable.
type HealthChecker interface {
	CheckConnection(ctx context.Context) error
}
