package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

const (
	defaultOllamaBaseURL = "http://127.0.0.1:11434"
	defaultOllamaModel   = "qwen2.5-coder:7b"
)

// OllamaConfig configures a local Ollama backend.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OllamaClient generates through the Ollama chat API.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient builds a client for cfg.BaseURL.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		rawURL = defaultOllamaBaseURL
	}
	baseURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("generator: invalid ollama base url: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOllamaModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaClient{client: api.NewClient(baseURL, httpClient), model: model}, nil
}

// Generate implements Generator.
func (c *OllamaClient) Generate(ctx context.Context, current proposals.FileSet, prompt string) (Result, error) {
	userPrompt, err := generateUserPrompt(current, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("generator: build prompt: %w", err)
	}
	content, err := c.chat(ctx, generateSystemPrompt, userPrompt, generateTemperature)
	if err != nil {
		return Result{}, err
	}
	return ParseResult(content)
}

// Rebase implements Generator.
func (c *OllamaClient) Rebase(ctx context.Context, current proposals.FileSet, proposalFiles proposals.FileSet, originalPrompt string) (Result, error) {
	userPrompt, err := rebaseUserPrompt(current, proposalFiles, originalPrompt)
	if err != nil {
		return Result{}, fmt.Errorf("generator: build prompt: %w", err)
	}
	content, err := c.chat(ctx, rebaseSystemPrompt, userPrompt, rebaseTemperature)
	if err != nil {
		return Result{}, err
	}
	return ParseResult(content)
}

func (c *OllamaClient) chat(ctx context.Context, systemPrompt string, userPrompt string, temperature float64) (string, error) {
	stream := false
	request := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream:  &stream,
		Format:  json.RawMessage(`"json"`),
		Options: map[string]any{"temperature": temperature},
	}

	var builder strings.Builder
	err := c.client.Chat(ctx, request, func(response api.ChatResponse) error {
		builder.WriteString(response.Message.Content)
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return "", fmt.Errorf("%w (%d): %s", ErrUpstreamStatus, statusErr.StatusCode, statusErr.ErrorMessage)
		}
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return builder.String(), nil
}
