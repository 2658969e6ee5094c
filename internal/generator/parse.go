package generator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

type resultPayload struct {
	Description string            `json:"description"`
	Files       map[string]string `json:"files"`
}

// ParseResult decodes a model reply into a Result. Markdown code fences
// around the JSON object are tolerated. A reply without a description or
// without a files object violates the response contract.
func ParseResult(content string) (Result, error) {
	cleaned := stripCodeFence(strings.TrimSpace(content))
	if cleaned == "" {
		return Result{}, fmt.Errorf("%w: empty content", ErrContractViolation)
	}
	var payload resultPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrContractViolation, err)
	}
	if strings.TrimSpace(payload.Description) == "" {
		return Result{}, fmt.Errorf("%w: missing description", ErrContractViolation)
	}
	if payload.Files == nil {
		return Result{}, fmt.Errorf("%w: missing files", ErrContractViolation)
	}
	return Result{
		Description: strings.TrimSpace(payload.Description),
		Files:       proposals.FileSet(payload.Files),
	}, nil
}

func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	body := strings.TrimPrefix(content, "```")
	if newline := strings.IndexByte(body, '\n'); newline >= 0 {
		// Drop the info string, e.g. ```json.
		body = body[newline+1:]
	} else {
		body = strings.TrimPrefix(body, "json")
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}
