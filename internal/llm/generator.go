package llm

import (
	"context"
	"strings"
	"time"

	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/prompt"
	"github.com/yegors/flightqa/pkg/logger"
)

// Completer sends one prompt to a model provider. Implementations return
// errors classified as LLM_UNAVAILABLE, LLM_REJECTED or
// LLM_TOKEN_LIMIT_EXCEEDED.
type Completer interface {
	Complete(ctx context.Context, p prompt.Prompt, maxOutputTokens int) (string, error)
}

// GeneratorConfig holds retry and output settings
type GeneratorConfig struct {
	MaxOutputTokens int
	AttemptTimeout  time.Duration // 0 leaves the deadline to the caller
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// Generator turns prompts into answers, retrying transient provider failures
type Generator struct {
	completer Completer
	config    GeneratorConfig
	logger    *logger.Logger
}

// NewGenerator creates a generator around a provider client
func NewGenerator(completer Completer, config GeneratorConfig, logger *logger.Logger) *Generator {
	if config.MaxOutputTokens <= 0 {
		config.MaxOutputTokens = 1000
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}

	return &Generator{
		completer: completer,
		config:    config,
		logger:    logger.Named("generator"),
	}
}

// MaxOutputTokens is the output budget passed to the provider
func (g *Generator) MaxOutputTokens() int {
	return g.config.MaxOutputTokens
}

// Generate returns the model's answer to p. Only LLM_UNAVAILABLE is
// retried; an expired ctx ends the loop with TIMEOUT.
func (g *Generator) Generate(ctx context.Context, p prompt.Prompt) (string, error) {
	attempts := g.config.MaxRetries + 1
	backoff := g.config.InitialBackoff

	var lastErr *qaerrors.Error
	for attempt := 1; attempt <= attempts; attempt++ {
		answer, err := g.attempt(ctx, p)
		if err == nil {
			if attempt > 1 {
				g.logger.Info("Answer generated after retry", logger.Int("attempt", attempt))
			}
			return answer, nil
		}

		if ctx.Err() != nil {
			return "", qaerrors.NewTimeout("generation", ctx.Err())
		}

		lastErr = qaerrors.Classify(err, qaerrors.KindLLMUnavailable, "generation")
		if !qaerrors.Transient(lastErr.Kind) {
			return "", lastErr
		}

		if attempt == attempts {
			break
		}

		g.logger.Warn("Answer generation failed, retrying",
			logger.Int("attempt", attempt),
			logger.Int("max_attempts", attempts),
			logger.Duration("backoff", backoff),
			logger.Error(err))

		select {
		case <-ctx.Done():
			return "", qaerrors.NewTimeout("generation", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
			if backoff > g.config.MaxBackoff {
				backoff = g.config.MaxBackoff
			}
		}
	}

	return "", lastErr
}

// attempt makes one provider call under the per-attempt timeout
func (g *Generator) attempt(ctx context.Context, p prompt.Prompt) (string, error) {
	if g.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.AttemptTimeout)
		defer cancel()
	}

	answer, err := g.completer.Complete(ctx, p, g.config.MaxOutputTokens)
	if err != nil {
		return "", err
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", qaerrors.New(qaerrors.KindLLMUnavailable, "model returned an empty answer")
	}
	return answer, nil
}
