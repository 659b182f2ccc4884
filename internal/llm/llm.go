// Package llm is the language-model capability bees and the synthesizer call.
package llm

import (
	"context"
	"errors"
)

// ErrNoAPIKey is returned when a provider is configured without credentials.
var ErrNoAPIKey = errors.New("llm api key is required")

type Request struct {
	// System is the instruction the model follows, typically the bee's prompt.
	System string
	Prompt string
	// JSON asks the provider for a JSON-only response.
	JSON bool
}

type Response struct {
	Text       string
	TokensUsed int
}

// Model generates one response per request. Implementations apply their own
// retry policy and report a single pass/fail outcome.
type Model interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Func adapts a plain function to Model.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
