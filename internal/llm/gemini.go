package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/prompt"
	"github.com/yegors/flightqa/pkg/logger"
)

// GeminiConfig configures the Gemini provider
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float64
}

// GeminiClient completes prompts with the Gemini API
type GeminiClient struct {
	client *genai.Client
	config GeminiConfig
	logger *logger.Logger
}

// NewGeminiClient creates a Gemini client
func NewGeminiClient(ctx context.Context, config GeminiConfig, logger *logger.Logger) (*GeminiClient, error) {
	if config.Model == "" {
		config.Model = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		config: config,
		logger: logger.Named("gemini-client"),
	}, nil
}

// Close releases the underlying connection
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// Complete implements Completer
func (c *GeminiClient) Complete(ctx context.Context, p prompt.Prompt, maxOutputTokens int) (string, error) {
	model := c.client.GenerativeModel(c.config.Model)
	model.SetMaxOutputTokens(int32(maxOutputTokens))
	model.SetTemperature(float32(c.config.Temperature))
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}

	resp, err := model.GenerateContent(ctx, genai.Text(p.User))
	if err != nil {
		return "", classifyGeminiError(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", qaerrors.New(qaerrors.KindLLMUnavailable, "gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	if resp.UsageMetadata != nil {
		c.logger.Debug("Gemini generation finished",
			logger.String("finish_reason", resp.Candidates[0].FinishReason.String()),
			logger.Int("prompt_tokens", int(resp.UsageMetadata.PromptTokenCount)),
			logger.Int("candidate_tokens", int(resp.UsageMetadata.CandidatesTokenCount)))
	}

	return sb.String(), nil
}

// grpcStatus maps gRPC codes onto the HTTP statuses classifyStatus understands
var grpcStatus = map[codes.Code]int{
	codes.InvalidArgument:   http.StatusBadRequest,
	codes.Unauthenticated:   http.StatusUnauthorized,
	codes.PermissionDenied:  http.StatusForbidden,
	codes.NotFound:          http.StatusNotFound,
	codes.ResourceExhausted: http.StatusTooManyRequests,
	codes.DeadlineExceeded:  http.StatusGatewayTimeout,
	codes.Unavailable:       http.StatusServiceUnavailable,
	codes.Internal:          http.StatusInternalServerError,
}

// classifyGeminiError maps SDK errors onto the LLM error kinds
func classifyGeminiError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		e := qaerrors.Wrap(qaerrors.KindLLMRejected, err, "gemini blocked the prompt or answer")
		e.Details = map[string]any{"provider": "gemini"}
		return e
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.HTTPCode()
		if status <= 0 {
			if st := apiErr.GRPCStatus(); st != nil {
				if mapped, ok := grpcStatus[st.Code()]; ok {
					status = mapped
				} else {
					status = http.StatusInternalServerError
				}
			}
		}
		return classifyStatus("gemini", status, apiErr.Reason(), apiErr.Error(), err)
	}

	return classifyTransport("gemini", fmt.Errorf("failed to generate content: %w", err))
}
