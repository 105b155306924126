package backend

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"

	"github.com/omochice/toy-stream-chat/pkg/protocol"
)

// FallbackReply is streamed in place of a reply the model failed to produce.
const FallbackReply = "Sorry, I encountered an error while processing your request."

// DefaultLLMURL is the OpenAI-compatible endpoint of a local Ollama.
const DefaultLLMURL = "http://localhost:11434/v1/"

// LLMConfig holds configuration for the LLM responder.
type LLMConfig struct {
	BaseURL    string // Defaults to DefaultLLMURL
	APIKey     string // Ollama ignores it, but the client sends one
	Model      string
	MaxRetries int
}

// LLMResponder streams replies from an OpenAI-compatible chat completions
// endpoint.
type LLMResponder struct {
	client openai.Client
	model  string
	logger zerolog.Logger
}

// LLMOption configures an LLMResponder.
type LLMOption func(*LLMResponder)

// WithLLMLogger sets the responder logger.
func WithLLMLogger(l zerolog.Logger) LLMOption {
	return func(r *LLMResponder) {
		r.logger = l
	}
}

// NewLLMResponder creates a responder for cfg.Model.
func NewLLMResponder(cfg LLMConfig, opts ...LLMOption) (*LLMResponder, error) {
	if cfg.Model == "" {
		return nil, errors.New("model is required for the llm responder")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultLLMURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "ollama"
	}

	r := &LLMResponder{
		client: openai.NewClient(
			option.WithBaseURL(cfg.BaseURL),
			option.WithAPIKey(cfg.APIKey),
			option.WithMaxRetries(cfg.MaxRetries),
		),
		model:  cfg.Model,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Stream implements Responder. A failed completion is logged and answered
// with FallbackReply.
func (r *LLMResponder) Stream(ctx context.Context, req protocol.Request, emit func(string) error) error {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(r.model),
		Messages: messages(req),
	}

	stream := r.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := emit(chunk.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Error().Err(err).Str("model", r.model).Msg("Error streaming response")
		return emit(FallbackReply)
	}
	return nil
}

func messages(req protocol.Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}
	return append(out, openai.UserMessage(req.Prompt))
}
