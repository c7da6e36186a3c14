package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/prompt"
	"github.com/yegors/flightqa/pkg/logger"
)

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // empty for api.openai.com
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAIClient completes prompts with the chat completions API
type OpenAIClient struct {
	client openai.Client
	config OpenAIConfig
	logger *logger.Logger
}

// NewOpenAIClient creates a chat completions client. Retries are left to
// the Generator.
func NewOpenAIClient(config OpenAIConfig, logger *logger.Logger) *OpenAIClient {
	if config.APIKey == "" {
		logger.Warn("LLM API key is empty - answer generation will be rejected")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		config: config,
		logger: logger.Named("openai-client"),
	}
}

// Complete implements Completer
func (c *OpenAIClient) Complete(ctx context.Context, p prompt.Prompt, maxOutputTokens int) (string, error) {
	start := time.Now()

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.config.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.System),
			openai.UserMessage(p.User),
		},
		MaxTokens:   openai.Int(int64(maxOutputTokens)),
		Temperature: openai.Float(c.config.Temperature),
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}

	if len(completion.Choices) == 0 {
		return "", qaerrors.New(qaerrors.KindLLMUnavailable, "openai returned no choices")
	}

	choice := completion.Choices[0]
	c.logger.Debug("Chat completion finished",
		logger.String("model", completion.Model),
		logger.String("finish_reason", choice.FinishReason),
		logger.Int64("prompt_tokens", completion.Usage.PromptTokens),
		logger.Int64("completion_tokens", completion.Usage.CompletionTokens),
		logger.Duration("duration", time.Since(start)))

	return choice.Message.Content, nil
}

// classifyOpenAIError maps SDK errors onto the LLM error kinds
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus("openai", apiErr.StatusCode, apiErr.Code, apiErr.Message+" "+err.Error(), err)
	}
	return classifyTransport("openai", fmt.Errorf("failed to call chat completions: %w", err))
}
