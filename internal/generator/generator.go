// Package generator turns natural-language change requests into file sets.
//
// Generators are slow, fallible collaborators. Callers treat a Generate
// failure as a failed proposal submission and a Rebase failure as a signal
// to fall back to un-rebased files.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

var (
	// ErrUnavailable indicates that no generator backend is configured.
	ErrUnavailable = errors.New("generator: unavailable")
	// ErrTransport indicates that the backend could not be reached.
	ErrTransport = errors.New("generator: transport failure")
	// ErrUpstreamStatus indicates that the backend answered with a non-success status.
	ErrUpstreamStatus = errors.New("generator: upstream error status")
	// ErrContractViolation indicates a response without the required description and files.
	ErrContractViolation = errors.New("generator: response contract violation")
	// ErrUnknownProvider indicates an unsupported provider name.
	ErrUnknownProvider = errors.New("generator: unknown provider")
)

// Result is the outcome of a generation or rebase request.
type Result struct {
	Description string
	Files       proposals.FileSet
}

// Generator produces proposal file sets.
type Generator interface {
	// Generate returns the files changed by prompt relative to current.
	Generate(ctx context.Context, current proposals.FileSet, prompt string) (Result, error)
	// Rebase adapts files drafted against an older document so they apply to current.
	Rebase(ctx context.Context, current proposals.FileSet, proposalFiles proposals.FileSet, originalPrompt string) (Result, error)
}

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderNone   = "none"
)

// Config selects and configures a backend.
type Config struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// New builds the configured backend wrapped with its request timeout.
func New(cfg Config) (Generator, error) {
	var backend Generator
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI, "":
		client, err := NewOpenAIClient(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		backend = client
	case ProviderOllama:
		client, err := NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		backend = client
	case ProviderNone:
		return Unavailable{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	return WithTimeout(backend, cfg.Timeout), nil
}

// Unavailable is the Generator used when no backend is configured.
type Unavailable struct{}

// Generate implements Generator.
func (Unavailable) Generate(context.Context, proposals.FileSet, string) (Result, error) {
	return Result{}, ErrUnavailable
}

// Rebase implements Generator.
func (Unavailable) Rebase(context.Context, proposals.FileSet, proposals.FileSet, string) (Result, error) {
	return Result{}, ErrUnavailable
}

type timeoutGenerator struct {
	next    Generator
	timeout time.Duration
}

// WithTimeout bounds every call to next. A non-positive timeout returns next unchanged.
func WithTimeout(next Generator, timeout time.Duration) Generator {
	if timeout <= 0 {
		return next
	}
	return &timeoutGenerator{next: next, timeout: timeout}
}

func (g *timeoutGenerator) Generate(ctx context.Context, current proposals.FileSet, prompt string) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.next.Generate(callCtx, current, prompt)
}

func (g *timeoutGenerator) Rebase(ctx context.Context, current proposals.FileSet, proposalFiles proposals.FileSet, originalPrompt string) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.next.Rebase(callCtx, current, proposalFiles, originalPrompt)
}
