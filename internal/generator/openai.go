package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

const (
	defaultOpenAIBaseURL   = "https://openrouter.ai/api/v1"
	defaultOpenAIModel     = "z-ai/glm-5"
	defaultOpenAIMaxTokens = 4096
	chatCompletionsPath    = "/chat/completions"
	maxErrorBodyBytes      = 2048
)

var errMissingAPIKey = errors.New("generator: api key is required for the openai provider")

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewOpenAIClient validates cfg and applies defaults.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultOpenAIMaxTokens
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      model,
		maxTokens:  maxTokens,
		httpClient: httpClient,
	}, nil
}

// Generate implements Generator.
func (c *OpenAIClient) Generate(ctx context.Context, current proposals.FileSet, prompt string) (Result, error) {
	userPrompt, err := generateUserPrompt(current, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("generator: build prompt: %w", err)
	}
	content, err := c.complete(ctx, generateSystemPrompt, userPrompt, generateTemperature)
	if err != nil {
		return Result{}, err
	}
	return ParseResult(content)
}

// Rebase implements Generator.
func (c *OpenAIClient) Rebase(ctx context.Context, current proposals.FileSet, proposalFiles proposals.FileSet, originalPrompt string) (Result, error) {
	userPrompt, err := rebaseUserPrompt(current, proposalFiles, originalPrompt)
	if err != nil {
		return Result{}, fmt.Errorf("generator: build prompt: %w", err)
	}
	content, err := c.complete(ctx, rebaseSystemPrompt, userPrompt, rebaseTemperature)
	if err != nil {
		return Result{}, err
	}
	return ParseResult(content)
}

func (c *OpenAIClient) complete(ctx context.Context, systemPrompt string, userPrompt string, temperature float64) (string, error) {
	requestBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generator: encode request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(requestBody))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.apiKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer response.Body.Close()

	responseData, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("%w (%d): %s", ErrUpstreamStatus, response.StatusCode, truncate(string(responseData), maxErrorBodyBytes))
	}

	var decoded chatResponse
	if err := json.Unmarshal(responseData, &decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrContractViolation, err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrContractViolation)
	}
	return decoded.Choices[0].Message.Content, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
