package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func TestStaticProviderStreamsFullReply(t *testing.T) {
	t.Parallel()

	var got strings.Builder
	result, err := NewStaticProvider().Stream(context.Background(), Request{}, func(token string) error {
		got.WriteString(token)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got.String() != result.Content {
		t.Fatalf("streamed tokens %q do not accumulate to result %q", got.String(), result.Content)
	}
	if result.Model != "static" {
		t.Fatalf("expected static model, got %q", result.Model)
	}
	// The reply points the operator at the env var the CLI actually reads.
	if !strings.Contains(result.Content, "OPENROUTER_API_KEY") {
		t.Fatalf("static reply names no usable env var: %q", result.Content)
	}
}

func TestStaticProviderStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	_, err := NewStaticProvider().Stream(ctx, Request{}, func(string) error {
		count++
		if count == 2 {
			cancel()
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if count > 3 {
		t.Fatalf("expected stream to stop promptly after cancel, got %d tokens", count)
	}
}

type scriptedProvider struct {
	tokens []string
	result Result
	err    error
}

func (p scriptedProvider) Stream(_ context.Context, _ Request, onToken func(string) error) (Result, error) {
	for _, token := range p.tokens {
		if err := onToken(token); err != nil {
			return Result{}, err
		}
	}
	if p.err != nil {
		return Result{}, p.err
	}
	return p.result, nil
}

func TestFallbackProviderUsesFallbackOnEarlyFailure(t *testing.T) {
	t.Parallel()

	p := NewFallbackProvider(
		scriptedProvider{err: errors.New("primary down")},
		scriptedProvider{tokens: []string{"ok"}, result: Result{Content: "ok", Model: "fallback"}},
	)

	var got strings.Builder
	result, err := p.Stream(context.Background(), Request{}, func(token string) error {
		got.WriteString(token)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Model != "fallback" {
		t.Fatalf("expected fallback model, got %q", result.Model)
	}
	if got.String() != "ok" {
		t.Fatalf("expected fallback tokens only, got %q", got.String())
	}
}

func TestFallbackProviderDoesNotRestartMidStream(t *testing.T) {
	t.Parallel()

	p := NewFallbackProvider(
		scriptedProvider{tokens: []string{"partial "}, err: errors.New("died mid-stream")},
		scriptedProvider{tokens: []string{"never"}, result: Result{Content: "never"}},
	)

	var got strings.Builder
	_, err := p.Stream(context.Background(), Request{}, func(token string) error {
		got.WriteString(token)
		return nil
	})
	if err == nil {
		t.Fatal("expected mid-stream failure to surface")
	}
	if strings.Contains(got.String(), "never") {
		t.Fatalf("fallback must not run after tokens were emitted, got %q", got.String())
	}
}

func TestOpenAIProviderStreamsSSE(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{"Hello", ", ", "world"}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"total_tokens\":42}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		PrimaryModel: "test/model",
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	var got strings.Builder
	result, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}}, func(token string) error {
		got.WriteString(token)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Content != "Hello, world" {
		t.Fatalf("unexpected content %q", result.Content)
	}
	if got.String() != "Hello, world" {
		t.Fatalf("unexpected tokens %q", got.String())
	}
	if result.TokensUsed != 42 {
		t.Fatalf("expected usage 42, got %d", result.TokensUsed)
	}
}

func TestOpenAIProviderFallsBackToSecondModel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIStreamRequest
		if err := decodeBody(r, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model == "bad/model" {
			http.Error(w, "model offline", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{
		APIKey:        "test-key",
		BaseURL:       srv.URL,
		PrimaryModel:  "bad/model",
		FallbackModel: "good/model",
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	result, err := p.Stream(context.Background(), Request{}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Model != "good/model" {
		t.Fatalf("expected fallback model to serve, got %q", result.Model)
	}
}
