package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/voxlab/voicebot/pkg/logger"
)

// Config holds the full runtime configuration. Values are resolved in
// order: defaults, optional JSON file, then VOICEBOT_* environment
// variables (environment wins).
type Config struct {
	Host   string `json:"host" env:"VOICEBOT_HOST"`
	Port   int    `json:"port" env:"VOICEBOT_PORT"`
	APIKey string `json:"api_key" env:"VOICEBOT_API_KEY"`

	LogLevel string `json:"log_level" env:"VOICEBOT_LOG_LEVEL"`
	LogFile  string `json:"log_file" env:"VOICEBOT_LOG_FILE"`

	Upstream UpstreamConfig `json:"upstream"`
	Chat     ChatConfig     `json:"chat"`
	Voice    VoiceConfig    `json:"voice"`
	Session  SessionConfig  `json:"session"`
	Cache    CacheConfig    `json:"cache"`
	Rate     RateConfig     `json:"rate_limit"`
	CORS     CORSConfig     `json:"cors"`
}

// UpstreamConfig points at the OpenAI-compatible upstream.
type UpstreamConfig struct {
	BaseURL        string `json:"base_url" env:"VOICEBOT_UPSTREAM_BASE_URL"`
	APIKey         string `json:"api_key" env:"VOICEBOT_UPSTREAM_API_KEY"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"VOICEBOT_UPSTREAM_TIMEOUT_SECONDS"`
}

type ChatConfig struct {
	Model       string  `json:"model" env:"VOICEBOT_CHAT_MODEL"`
	MaxTokens   int     `json:"max_tokens" env:"VOICEBOT_CHAT_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"VOICEBOT_CHAT_TEMPERATURE"`
}

type VoiceConfig struct {
	TTSModel      string  `json:"tts_model" env:"VOICEBOT_TTS_MODEL"`
	TTSVoice      string  `json:"tts_voice" env:"VOICEBOT_TTS_VOICE"`
	TTSFormat     string  `json:"tts_format" env:"VOICEBOT_TTS_FORMAT"`
	TTSSpeed      float64 `json:"tts_speed" env:"VOICEBOT_TTS_SPEED"`
	STTModel      string  `json:"stt_model" env:"VOICEBOT_STT_MODEL"`
	MaxAudioBytes int64   `json:"max_audio_bytes" env:"VOICEBOT_MAX_AUDIO_BYTES"`
}

type SessionConfig struct {
	TimeoutSeconds       int `json:"timeout_seconds" env:"VOICEBOT_SESSION_TIMEOUT_SECONDS"`
	MaxTurns             int `json:"max_turns" env:"VOICEBOT_SESSION_MAX_TURNS"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds" env:"VOICEBOT_SESSION_SWEEP_INTERVAL_SECONDS"`
}

type CacheConfig struct {
	TTLSeconds           int   `json:"ttl_seconds" env:"VOICEBOT_CACHE_TTL_SECONDS"`
	MaxEntries           int   `json:"max_entries" env:"VOICEBOT_CACHE_MAX_ENTRIES"`
	MaxBytes             int64 `json:"max_bytes" env:"VOICEBOT_CACHE_MAX_BYTES"`
	SweepIntervalSeconds int   `json:"sweep_interval_seconds" env:"VOICEBOT_CACHE_SWEEP_INTERVAL_SECONDS"`
}

type RateConfig struct {
	Enabled           bool `json:"enabled" env:"VOICEBOT_RATE_LIMIT_ENABLED"`
	RequestsPerMinute int  `json:"requests_per_minute" env:"VOICEBOT_RATE_LIMIT_RPM"`
}

type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins" env:"VOICEBOT_CORS_ORIGINS"`
}

func DefaultConfig() *Config {
	return &Config{
		Host:     "0.0.0.0",
		Port:     8000,
		LogLevel: "info",
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.openai.com/v1",
			TimeoutSeconds: 30,
		},
		Chat: ChatConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   1000,
			Temperature: 0.7,
		},
		Voice: VoiceConfig{
			TTSModel:      "tts-1",
			TTSVoice:      "alloy",
			TTSFormat:     "mp3",
			TTSSpeed:      1.25,
			STTModel:      "whisper-1",
			MaxAudioBytes: 25 * 1024 * 1024,
		},
		Session: SessionConfig{
			TimeoutSeconds:       3600,
			MaxTurns:             20,
			SweepIntervalSeconds: 300,
		},
		Cache: CacheConfig{
			TTLSeconds:           7200,
			MaxEntries:           256,
			MaxBytes:             256 * 1024 * 1024,
			SweepIntervalSeconds: 300,
		},
		Rate: RateConfig{
			Enabled:           true,
			RequestsPerMinute: 30,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
	}
}

// LoadConfig builds the effective config: defaults, then the JSON file
// at path if it exists, then environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			logger.InfoCF("config", "Loaded config file", map[string]any{"path": path})
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// Validate checks the bounds the server relies on. It is called once at
// startup so a bad deployment fails before binding the listener.
func (c *Config) Validate() error {
	var problems []string

	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.Upstream.APIKey == "" {
		problems = append(problems, "upstream api_key is required (VOICEBOT_UPSTREAM_API_KEY)")
	}
	if c.Upstream.BaseURL == "" {
		problems = append(problems, "upstream base_url is required")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		problems = append(problems, "upstream timeout_seconds must be positive")
	}
	if c.Chat.MaxTokens <= 0 {
		problems = append(problems, "chat max_tokens must be positive")
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		problems = append(problems, "chat temperature must be within [0, 2]")
	}
	if c.Voice.TTSSpeed < 0.25 || c.Voice.TTSSpeed > 4.0 {
		problems = append(problems, "tts_speed must be within [0.25, 4.0]")
	}
	if c.Voice.MaxAudioBytes <= 0 {
		problems = append(problems, "max_audio_bytes must be positive")
	}
	if c.Session.TimeoutSeconds <= 0 {
		problems = append(problems, "session timeout_seconds must be positive")
	}
	if c.Session.MaxTurns < 2 {
		problems = append(problems, "session max_turns must be at least 2")
	}
	if c.Cache.TTLSeconds <= 0 {
		problems = append(problems, "cache ttl_seconds must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		problems = append(problems, "cache max_entries must be positive")
	}
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		problems = append(problems, "rate limit requests_per_minute must be positive when enabled")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c *CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
