package provider

import (
	"context"
	"errors"
	"strings"
)

var ErrStreamFailed = errors.New("provider stream failed")

type Message struct {
	Role    string
	Content string
}

type Request struct {
	ConversationID string
	Messages       []Message
}

type Result struct {
	Content    string
	Model      string
	TokensUsed int
}

// Provider generates an assistant reply as a token stream. Implementations
// call onToken once per generated unit in order, respect ctx cancellation
// between tokens, and return the accumulated result on completion. A non-nil
// error from onToken aborts the stream.
type Provider interface {
	Stream(ctx context.Context, req Request, onToken func(token string) error) (Result, error)
}

const staticReply = "No language model is configured. Set OPENROUTER_API_KEY on the host to enable chat."

type staticProvider struct{}

func NewStaticProvider() Provider {
	return staticProvider{}
}

func (staticProvider) Stream(ctx context.Context, _ Request, onToken func(string) error) (Result, error) {
	words := strings.SplitAfter(staticReply, " ")
	for _, word := range words {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := onToken(word); err != nil {
			return Result{}, err
		}
	}
	return Result{Content: staticReply, Model: "static"}, nil
}

type fallbackProvider struct {
	primary  Provider
	fallback Provider
}

// NewFallbackProvider falls back only when the primary fails before emitting
// any token; a stream that dies mid-flight surfaces as an error so the caller
// can terminate it cleanly rather than splicing two providers' output.
func NewFallbackProvider(primary, fallback Provider) Provider {
	switch {
	case primary == nil:
		return fallback
	case fallback == nil:
		return primary
	default:
		return fallbackProvider{primary: primary, fallback: fallback}
	}
}

func (p fallbackProvider) Stream(ctx context.Context, req Request, onToken func(string) error) (Result, error) {
	emitted := false
	result, err := p.primary.Stream(ctx, req, func(token string) error {
		emitted = true
		return onToken(token)
	})
	if err == nil {
		return result, nil
	}
	if emitted || ctx.Err() != nil {
		return Result{}, err
	}
	return p.fallback.Stream(ctx, req, onToken)
}
