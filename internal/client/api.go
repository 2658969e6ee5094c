package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

const (
	defaultRequestTimeout = 3 * time.Minute
	maxErrorBodyBytes     = 4096
)

var (
	errMissingServerURL = errors.New("client: server url required")
	errMissingRoom      = errors.New("client: room required")
)

// APIError describes a non-2xx reply of the auxiliary HTTP surface.
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("client: server responded %d", e.StatusCode)
	}
	return fmt.Sprintf("client: server responded %d (%s)", e.StatusCode, e.Code)
}

// NotFound reports whether the server had nothing to apply the request to.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// VoteOutcome is the reply to a vote.
type VoteOutcome struct {
	Votes    []string          `json:"votes"`
	Merged   bool              `json:"merged"`
	NewFiles proposals.FileSet `json:"newFiles,omitempty"`
}

type APIConfig struct {
	ServerURL  string
	Room       string
	HTTPClient *http.Client
}

// API calls the auxiliary HTTP surface of one room.
type API struct {
	baseURL    string
	room       string
	httpClient *http.Client
}

func NewAPI(cfg APIConfig) (*API, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if baseURL == "" {
		return nil, errMissingServerURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("client: parse server url: %w", err)
	}
	roomID := strings.TrimSpace(cfg.Room)
	if roomID == "" {
		return nil, errMissingRoom
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &API{baseURL: baseURL, room: roomID, httpClient: httpClient}, nil
}

// Propose asks the server to generate a proposal for prompt on behalf of userID.
func (a *API) Propose(ctx context.Context, prompt string, userID string) (proposals.Proposal, error) {
	var response struct {
		Proposal proposals.Proposal `json:"proposal"`
	}
	request := map[string]string{"userPrompt": prompt, "userId": userID, "room": a.room}
	if err := a.do(ctx, http.MethodPost, "/api/propose", request, &response); err != nil {
		return proposals.Proposal{}, err
	}
	return response.Proposal, nil
}

func (a *API) Vote(ctx context.Context, proposalID string, userID string) (VoteOutcome, error) {
	var response VoteOutcome
	request := map[string]string{"proposalId": proposalID, "userId": userID, "room": a.room}
	if err := a.do(ctx, http.MethodPost, "/api/vote", request, &response); err != nil {
		return VoteOutcome{}, err
	}
	return response, nil
}

// Rollback reverts an approved proposal and returns the restored document.
func (a *API) Rollback(ctx context.Context, proposalID string, userID string) (proposals.FileSet, error) {
	var response struct {
		NewFiles proposals.FileSet `json:"newFiles"`
	}
	request := map[string]string{"proposalId": proposalID, "userId": userID, "room": a.room}
	if err := a.do(ctx, http.MethodPost, "/api/rollback", request, &response); err != nil {
		return nil, err
	}
	return response.NewFiles, nil
}

func (a *API) State(ctx context.Context) (proposals.RoomState, error) {
	var state proposals.RoomState
	if err := a.do(ctx, http.MethodGet, "/api/state?room="+url.QueryEscape(a.room), nil, &state); err != nil {
		return proposals.RoomState{}, err
	}
	return state.Clone(), nil
}

func (a *API) do(ctx context.Context, method string, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")

	response, err := a.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(response.Body, maxErrorBodyBytes)).Decode(&failure)
		return &APIError{StatusCode: response.StatusCode, Code: failure.Error}
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
