// Package llm adapts chat-completion providers to the generation.Model
// capability used by the controller.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/felixgeelhaar/planloop/domain/generation"
)

// DefaultModel is the model used when neither the run nor the config names one.
const DefaultModel = "openai/gpt-5-nano"

// DefaultBaseURL is the OpenAI-compatible gateway endpoint.
const DefaultBaseURL = "https://ai-gateway.vercel.sh/v1"

// Provider errors.
var (
	// ErrRequestRejected marks a client-side error that retrying cannot fix.
	ErrRequestRejected = errors.New("request rejected by provider")

	// ErrNoChoices indicates a completion without any choice.
	ErrNoChoices = errors.New("no choices in response")
)

// Provider defines the interface for LLM providers.
type Provider interface {
	// Complete sends a chat completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)

	// Name returns the provider name for logging.
	Name() string
}

// CompletionRequest represents a chat completion request.
type CompletionRequest struct {
	Model       string
	Messages    []generation.Message
	Temperature float64
	MaxTokens   int
	Tools       []generation.ToolSpec

	// ResponseSchema asks for a JSON object matching the schema.
	ResponseSchema *ResponseSchema
}

// ResponseSchema names a JSON schema for structured output.
type ResponseSchema struct {
	Name   string
	Schema json.RawMessage
}

// CompletionResponse represents a chat completion response.
type CompletionResponse struct {
	ID           string
	Model        string
	Message      generation.Message
	FinishReason string
	Usage        Usage
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig contains common provider configuration.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration // default: 120s
}

func (c ProviderConfig) client() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// APIError is a provider error reduced to its parsed fields. The raw
// response body is not retained.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s error (status %d)", e.Provider, e.StatusCode)
	if e.Type != "" {
		msg += " " + e.Type
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	return msg
}

// Unwrap exposes ErrRequestRejected for client errors other than
// timeouts and rate limits.
func (e *APIError) Unwrap() error {
	if e.Retryable() {
		return nil
	}
	return ErrRequestRejected
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

const maxErrorMessage = 200

// sanitizeProviderError builds an APIError from a non-200 response.
func sanitizeProviderError(provider string, status int, body []byte) error {
	apiErr := &APIError{Provider: provider, StatusCode: status}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Error) > 0 {
		var detail struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Code    any    `json:"code"`
		}
		if json.Unmarshal(envelope.Error, &detail) == nil {
			apiErr.Type = detail.Type
			apiErr.Message = detail.Message
			if detail.Code != nil {
				apiErr.Code = fmt.Sprint(detail.Code)
			}
		} else {
			// Some gateways return {"error": "text"}.
			var text string
			_ = json.Unmarshal(envelope.Error, &text)
			apiErr.Message = text
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	if len(apiErr.Message) > maxErrorMessage {
		apiErr.Message = apiErr.Message[:maxErrorMessage] + "..."
	}
	return apiErr
}

// stripFences removes a surrounding markdown code fence from model output.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimLeftFunc(content, unicode.IsLetter) // language tag
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
