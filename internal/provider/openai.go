package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://openrouter.ai/api/v1"

const chatSystemPrompt = "You are FutureBuddy, a personal assistant running on your owner's device. " +
	"You help with tasks, answer questions, and can request actions on the host machine. " +
	"Actions outside your trust rules require the owner's approval; say so clearly when one does. " +
	"Be concise, helpful, and proactive."

type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	PrimaryModel  string
	FallbackModel string
	HTTPClient    *http.Client
	UserAgent     string
}

// OpenAIProvider streams chat completions from any OpenAI-compatible API.
type OpenAIProvider struct {
	apiKey        string
	baseURL       string
	primaryModel  string
	fallbackModel string
	httpClient    *http.Client
	userAgent     string
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key is required")
	}
	if strings.TrimSpace(cfg.PrimaryModel) == "" {
		return nil, errors.New("primary model is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &OpenAIProvider{
		apiKey:        strings.TrimSpace(cfg.APIKey),
		baseURL:       baseURL,
		primaryModel:  strings.TrimSpace(cfg.PrimaryModel),
		fallbackModel: strings.TrimSpace(cfg.FallbackModel),
		httpClient:    cfg.HTTPClient,
		userAgent:     strings.TrimSpace(cfg.UserAgent),
	}, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature float64         `json:"temperature"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request, onToken func(string) error) (Result, error) {
	models := []string{p.primaryModel}
	if p.fallbackModel != "" && p.fallbackModel != p.primaryModel {
		models = append(models, p.fallbackModel)
	}

	var lastErr error
	for _, model := range models {
		result, emitted, err := p.streamWithModel(ctx, model, req, onToken)
		if err == nil {
			return result, nil
		}
		lastErr = err
		// Once tokens reached the client the stream cannot be restarted on
		// another model without duplicating output.
		if emitted || ctx.Err() != nil {
			break
		}
	}
	return Result{}, fmt.Errorf("%w: %v", ErrStreamFailed, lastErr)
}

func (p *OpenAIProvider) streamWithModel(ctx context.Context, model string, req Request, onToken func(string) error) (Result, bool, error) {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	messages = append(messages, openAIMessage{Role: "system", Content: chatSystemPrompt})
	for _, msg := range req.Messages {
		messages = append(messages, openAIMessage{Role: msg.Role, Content: msg.Content})
	}

	body, err := json.Marshal(openAIStreamRequest{
		Model:       model,
		Messages:    messages,
		Stream:      true,
		Temperature: 0.4,
	})
	if err != nil {
		return Result{}, false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, false, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.userAgent != "" {
		httpReq.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, false, fmt.Errorf("chat completions status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var content strings.Builder
	emitted := false
	tokensUsed := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return Result{Content: content.String(), Model: model, TokensUsed: tokensUsed}, emitted, nil
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Result{}, emitted, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Usage != nil {
			tokensUsed = chunk.Usage.TotalTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			emitted = true
			if err := onToken(choice.Delta.Content); err != nil {
				return Result{}, emitted, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, emitted, fmt.Errorf("read stream: %w", err)
	}

	// Some gateways close the stream without a [DONE] sentinel.
	if emitted {
		return Result{Content: content.String(), Model: model, TokensUsed: tokensUsed}, emitted, nil
	}
	return Result{}, false, errors.New("stream ended without content")
}
