package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/logging"
)

// #region config
// AnthropicConfig selects the model and call limits.
type AnthropicConfig struct {
	APIKey     string
	Model      string
	MaxTokens  int64
	Timeout    time.Duration
	MaxElapsed time.Duration
}

// DefaultAnthropicConfig returns conservative defaults.
func DefaultAnthropicConfig() AnthropicConfig {
	return AnthropicConfig{
		Model:      "claude-3-5-haiku-latest",
		MaxTokens:  1024,
		Timeout:    30 * time.Second,
		MaxElapsed: 45 * time.Second,
	}
}

// #endregion config

// #region client
// Anthropic generates completions through the Messages API.
type Anthropic struct {
	client anthropic.Client
	config AnthropicConfig
	logger *slog.Logger
}

// NewAnthropic creates a generator. ANTHROPIC_API_KEY overrides config.APIKey.
func NewAnthropic(config AnthropicConfig, opts ...option.RequestOption) (*Anthropic, error) {
	if env := os.Getenv("ANTHROPIC_API_KEY"); env != "" {
		config.APIKey = env
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or llm.api_key", ErrAPIKeyRequired)
	}
	d := DefaultAnthropicConfig()
	if config.Model == "" {
		config.Model = d.Model
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = d.MaxTokens
	}
	if config.MaxElapsed <= 0 {
		config.MaxElapsed = d.MaxElapsed
	}
	opts = append([]option.RequestOption{option.WithAPIKey(config.APIKey), option.WithMaxRetries(0)}, opts...)
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		config: config,
		logger: logging.New("llm"),
	}, nil
}

// #endregion client

// #region generate
// Generate retries rate limits, server errors and timeouts with exponential
// backoff, and gives up immediately on anything else.
func (a *Anthropic) Generate(ctx context.Context, system, user string) (string, error) {
	ctx, span := otel.Tracer("helpdesk/llm").Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.config.Model))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.Model),
		MaxTokens: a.config.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = a.config.MaxElapsed
	attempts := 0

	var text string
	err := backoff.Retry(func() error {
		attempts++
		callCtx := ctx
		if a.config.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, a.config.Timeout)
			defer cancel()
		}
		msg, err := a.client.Messages.New(callCtx, params)
		if err != nil {
			if isRetryable(ctx, err) {
				a.logger.Warn("generate retry", slog.Int("attempt", attempts), slog.String("error", err.Error()))
				return err
			}
			return backoff.Permanent(err)
		}
		if len(msg.Content) == 0 {
			return backoff.Permanent(errors.New("no content blocks"))
		}
		if msg.Content[0].Type != "text" {
			return backoff.Permanent(fmt.Errorf("unexpected content block type %s", msg.Content[0].Type))
		}
		span.SetAttributes(
			attribute.Int64("llm.input_tokens", msg.Usage.InputTokens),
			attribute.Int64("llm.output_tokens", msg.Usage.OutputTokens),
		)
		text = msg.Content[0].Text
		return nil
	}, backoff.WithContext(bo, ctx))

	span.SetAttributes(attribute.Int("llm.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("anthropic generate: %w", err)
	}
	return text, nil
}

func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// #endregion generate
