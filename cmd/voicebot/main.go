package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/voxlab/voicebot/pkg/agent"
	"github.com/voxlab/voicebot/pkg/audiocache"
	"github.com/voxlab/voicebot/pkg/config"
	"github.com/voxlab/voicebot/pkg/gateway"
	"github.com/voxlab/voicebot/pkg/logger"
	"github.com/voxlab/voicebot/pkg/ratelimit"
	"github.com/voxlab/voicebot/pkg/session"
	"github.com/voxlab/voicebot/pkg/upstream"
	"github.com/voxlab/voicebot/pkg/voice"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func main() {
	root := &cobra.Command{
		Use:   "voicebot",
		Short: "Voice assistant relay server",
		Long:  "Chat, speech-to-text, and text-to-speech relay over an OpenAI-compatible upstream.",
	}

	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "Path to JSON config file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("voicebot %s\n", formatVersion())
			if buildTime != "" {
				fmt.Printf("  Build: %s\n", buildTime)
			}
			fmt.Printf("  Go: %s\n", runtime.Version())
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// .env is optional; real environments set variables directly
	godotenv.Load()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)
	if cfg.LogFile != "" {
		if err := logger.EnableFileLogging(cfg.LogFile); err != nil {
			return err
		}
		defer logger.DisableFileLogging()
	}

	logger.InfoCF("main", "Starting voicebot", map[string]any{
		"version": formatVersion(),
		"addr":    cfg.ListenAddr(),
		"model":   cfg.Chat.Model,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := upstream.NewClient(upstream.Options{
		BaseURL:     cfg.Upstream.BaseURL,
		APIKey:      cfg.Upstream.APIKey,
		Timeout:     cfg.Upstream.Timeout(),
		ChatModel:   cfg.Chat.Model,
		MaxTokens:   cfg.Chat.MaxTokens,
		Temperature: cfg.Chat.Temperature,
		STTModel:    cfg.Voice.STTModel,
		TTSModel:    cfg.Voice.TTSModel,
	})

	sessions := session.NewStore(cfg.Session.Timeout(), cfg.Session.MaxTurns)
	sessions.StartSweeper(ctx, cfg.Session.SweepInterval())

	cache := audiocache.New(cfg.Cache.TTL(), cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
	cache.StartSweeper(ctx, cfg.Cache.SweepInterval())

	ag := agent.New(sessions, client)
	pipeline := voice.NewPipeline(ag, client, client, cache, voice.Options{
		MaxAudioBytes: cfg.Voice.MaxAudioBytes,
		DefaultVoice:  cfg.Voice.TTSVoice,
		Format:        cfg.Voice.TTSFormat,
		Speed:         cfg.Voice.TTSSpeed,
	})

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:           cfg.Rate.Enabled,
		RequestsPerMinute: cfg.Rate.RequestsPerMinute,
	})

	server := gateway.NewServer(cfg, gateway.Deps{
		Sessions: sessions,
		Cache:    cache,
		Agent:    ag,
		Pipeline: pipeline,
		Health:   client,
		Limiter:  limiter,
		Version:  formatVersion(),
	})

	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.InfoC("main", "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.ErrorCF("main", "Shutdown error", map[string]any{"error": err.Error()})
		return err
	}

	logger.InfoC("main", "Shutdown complete")
	return nil
}
