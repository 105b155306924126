package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/omochice/toy-stream-chat/internal/backend"
	"github.com/omochice/toy-stream-chat/internal/config"
	"github.com/omochice/toy-stream-chat/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Run the reference streaming chat backend",
	Long:          "Serves " + backend.ChatStreamPath + " (streaming chat), " + backend.ChatPath + ", " + backend.HealthPath + " and " + backend.MetricsPath + ".",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default: ./lyra.yaml)")
	flags.String("addr", config.DefaultAddress, "address to listen on")
	flags.String("responder", "echo", "reply source (echo, llm)")
	flags.String("model", config.DefaultModel, "model served by the llm responder")
	flags.String("llm-url", config.DefaultLLMURL, "OpenAI-compatible endpoint of the llm responder")
	flags.Duration("chunk-delay", 50*time.Millisecond, "pause between streamed words")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v, err := config.Read(configPath)
	if err != nil {
		return err
	}
	for key, flag := range map[string]string{
		"server.address":     "addr",
		"server.responder":   "responder",
		"server.model":       "model",
		"server.llm_url":     "llm-url",
		"server.chunk_delay": "chunk-delay",
		"log.level":          "log-level",
		"log.format":         "log-format",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	logger = logging.Reloadable(logger)

	if config.Watch(v, func(next *config.Config) {
		level, err := zerolog.ParseLevel(next.Log.Level)
		if err != nil {
			logger.Warn().Err(err).Msg("Ignoring config change")
			return
		}
		zerolog.SetGlobalLevel(level)
		logger.Info().Str("level", level.String()).Msg("Log level reloaded")
	}, func(err error) {
		logger.Warn().Err(err).Msg("Ignoring invalid config change")
	}) {
		logger.Debug().Str("file", v.ConfigFileUsed()).Msg("Watching config file")
	}

	responder, err := newResponder(cfg.Server, logger)
	if err != nil {
		return err
	}
	srv := backend.New(cfg.Server.Address, responder, backend.WithLogger(logger))
	if err := srv.Listen(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		srv.Stop()
	}
	return nil
}

func newResponder(cfg config.ServerConfig, logger zerolog.Logger) (backend.Responder, error) {
	if cfg.Responder != "llm" {
		return backend.EchoResponder{Delay: cfg.ChunkDelay}, nil
	}
	logger.Info().Str("model", cfg.Model).Str("url", cfg.LLMURL).Msg("Using llm responder")
	return backend.NewLLMResponder(backend.LLMConfig{
		BaseURL:    cfg.LLMURL,
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.Model,
		MaxRetries: cfg.LLMMaxRetries,
	}, backend.WithLLMLogger(logger))
}
