package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/planloop/domain/generation"
	"github.com/felixgeelhaar/planloop/infrastructure/logging"
)

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// Provider performs the completions. Required.
	Provider Provider

	// DefaultModel is used when a request names no model.
	DefaultModel string

	Temperature float64
	MaxTokens   int

	// RetryAttempts is the maximum number of attempts per call (default: 3).
	RetryAttempts int

	// RetryDelay is the initial backoff delay (default: 500ms).
	RetryDelay time.Duration

	// BreakerThreshold is the number of consecutive failed calls that
	// opens the circuit (default: 5).
	BreakerThreshold int

	// BreakerTimeout is how long the circuit stays open (default: 30s).
	BreakerTimeout time.Duration
}

// Gateway implements generation.Model on top of a Provider, with retry
// for transient provider errors and a circuit breaker across calls.
type Gateway struct {
	provider    Provider
	model       string
	temperature float64
	maxTokens   int
	retry       retry.Retry[CompletionResponse]
	breaker     circuitbreaker.CircuitBreaker[CompletionResponse]
}

// NewGateway creates a gateway for the configured provider.
func NewGateway(config GatewayConfig) *Gateway {
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultModel
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = 5
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 30 * time.Second
	}

	threshold := uint32(config.BreakerThreshold) // #nosec G115 -- positive, checked above
	return &Gateway{
		provider:    config.Provider,
		model:       config.DefaultModel,
		temperature: config.Temperature,
		maxTokens:   config.MaxTokens,
		retry: retry.New[CompletionResponse](retry.Config{
			MaxAttempts:   config.RetryAttempts,
			InitialDelay:  config.RetryDelay,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			NonRetryableErrors: []error{
				ErrRequestRejected,
				generation.ErrToolsUnsupported,
			},
		}),
		breaker: circuitbreaker.New[CompletionResponse](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    config.BreakerTimeout,
			Timeout:     config.BreakerTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
	}
}

// Text implements generation.Model.
func (g *Gateway) Text(ctx context.Context, req generation.TextRequest) (string, error) {
	resp, err := g.complete(ctx, req.Purpose, CompletionRequest{
		Model:    req.Model,
		Messages: conversation(req.System, req.Prompt),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// Structured implements generation.Model. The reply must decode to a JSON object.
func (g *Gateway) Structured(ctx context.Context, req generation.StructuredRequest) (json.RawMessage, error) {
	name := req.SchemaName
	if name == "" {
		name = "response"
	}
	resp, err := g.complete(ctx, req.Purpose, CompletionRequest{
		Model:          req.Model,
		Messages:       conversation(req.System, req.Prompt),
		ResponseSchema: &ResponseSchema{Name: name, Schema: req.Schema},
	})
	if err != nil {
		return nil, err
	}
	return parseObject(resp.Message.Content)
}

// Step implements generation.Model.
func (g *Gateway) Step(ctx context.Context, req generation.StepRequest) (generation.StepResponse, error) {
	messages := make([]generation.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, generation.Message{Role: generation.RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)

	resp, err := g.complete(ctx, req.Purpose, CompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Tools:    req.Tools,
	})
	if err != nil {
		return generation.StepResponse{}, err
	}
	return generation.StepResponse{
		Text:         strings.TrimSpace(resp.Message.Content),
		ToolCalls:    resp.Message.ToolCalls,
		FinishReason: resp.FinishReason,
	}, nil
}

func (g *Gateway) complete(ctx context.Context, purpose string, req CompletionRequest) (CompletionResponse, error) {
	if req.Model == "" {
		req.Model = g.model
	}
	req.Temperature = g.temperature
	req.MaxTokens = g.maxTokens

	logging.Debug().
		Add(logging.Model(req.Model)).
		Add(logging.Str("provider", g.provider.Name())).
		Add(logging.Str("purpose", purpose)).
		Msg("requesting completion")

	start := time.Now()
	resp, err := g.breaker.Execute(ctx, func(ctx context.Context) (CompletionResponse, error) {
		return g.retry.Do(ctx, func(ctx context.Context) (CompletionResponse, error) {
			return g.provider.Complete(ctx, req)
		})
	})
	if err != nil {
		logging.Warn().
			Add(logging.Model(req.Model)).
			Add(logging.Str("purpose", purpose)).
			Add(logging.Duration(time.Since(start))).
			Add(logging.ErrorField(err)).
			Msg("completion failed")
		return CompletionResponse{}, fmt.Errorf("%s completion failed: %w", g.provider.Name(), err)
	}

	logging.Debug().
		Add(logging.Model(req.Model)).
		Add(logging.Str("purpose", purpose)).
		Add(logging.Duration(time.Since(start))).
		Add(logging.Int("tokens", resp.Usage.TotalTokens)).
		Msg("completion received")
	return resp, nil
}

func conversation(system, prompt string) []generation.Message {
	var messages []generation.Message
	if system != "" {
		messages = append(messages, generation.Message{Role: generation.RoleSystem, Content: system})
	}
	return append(messages, generation.Message{Role: generation.RoleUser, Content: prompt})
}

// parseObject decodes fenced or bare model output into a JSON object.
func parseObject(content string) (json.RawMessage, error) {
	content = stripFences(content)
	if content == "" {
		return nil, generation.ErrEmptyResponse
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v (content: %s)", generation.ErrInvalidStructured, err, truncate(content, 200))
	}
	return json.RawMessage(content), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

var _ generation.Model = (*Gateway)(nil)
