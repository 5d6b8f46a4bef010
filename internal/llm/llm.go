// Package llm talks to hosted language models and returns schema-shaped JSON.
//
// Providers force structured output (tool use for Anthropic, json_schema
// response format for OpenAI) and classify failures into transport errors,
// which callers may retry with backoff, and schema mismatches, which call for
// a corrective prompt instead.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	// ErrTransport covers unreachable, timed out, rate limited or 5xx responses.
	ErrTransport = errors.New("llm transport failure")
	// ErrSchemaMismatch means the model answered without the requested structure.
	ErrSchemaMismatch = errors.New("llm response does not match schema")
)

// Request is a single structured completion.
type Request struct {
	System string
	Prompt string
	// SchemaName names the structured output (tool or json_schema name).
	SchemaName string
	// Schema is the JSON schema the answer must satisfy.
	Schema map[string]any
}

// Provider is the AI capability: complete(prompt, schema) -> JSON text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// StatusError is a non-2xx answer from a provider API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, strings.TrimSpace(e.Body))
}

// Unwrap exposes ErrTransport for rate limiting and server-side failures.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout || e.StatusCode >= 500 {
		return ErrTransport
	}
	return nil
}

// IsTransport reports whether err should be retried with backoff.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsSchemaMismatch reports whether err should be answered with a corrective prompt.
func IsSchemaMismatch(err error) bool {
	return errors.Is(err, ErrSchemaMismatch)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// New builds the provider named in cfg.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		return NewAnthropic(cfg)
	case "openai":
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func transportError(provider string, err error) error {
	return fmt.Errorf("%w: %s request failed: %v", ErrTransport, provider, err)
}
