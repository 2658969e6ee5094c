package generator

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

const (
	generateTemperature = 0.7
	rebaseTemperature   = 0.5
)

const generateSystemPrompt = `You edit a small React web application according to a natural language change request.

You receive the current project files as JSON followed by the request. Reply with a single JSON object and nothing else:
{
  "description": "one-line summary of the change",
  "files": {
    "src/App.tsx": "complete new file contents"
  }
}

Rules:
- Include only files you changed, each with its complete contents.
- New components go under src/components/.
- The app may use React 18, Framer Motion and Tailwind (loaded from a CDN). No other libraries.
- The page is the landing page of a community-run movement. Keep that context and honor the spirit of the request.`

const rebaseSystemPrompt = `You reconcile a proposed change to a React web application with a newer version of the code.

You receive:
1. The CURRENT files (the latest live document).
2. The PROPOSED files, generated against an older version.
3. The change request that produced the proposal.

Adapt the proposal so it applies to the current files. Keep the intent of the proposal and keep every part of the current files the proposal did not mean to change. Reply with a single JSON object and nothing else:
{
  "description": "one-line summary of the rebased change",
  "files": {
    "src/App.tsx": "complete new file contents"
  }
}

Rules:
- Include only files that differ from the CURRENT files, each with its complete contents.
- The app may use React 18, Framer Motion and Tailwind (loaded from a CDN). No other libraries.
- The page is the landing page of a community-run movement. Keep that context.`

func generateUserPrompt(current proposals.FileSet, prompt string) (string, error) {
	currentJSON, err := json.MarshalIndent(current.Clone(), "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Current files:\n%s\n\nChange request: %s", currentJSON, prompt), nil
}

func rebaseUserPrompt(current proposals.FileSet, proposalFiles proposals.FileSet, originalPrompt string) (string, error) {
	currentJSON, err := json.MarshalIndent(current.Clone(), "", "  ")
	if err != nil {
		return "", err
	}
	proposalJSON, err := json.MarshalIndent(proposalFiles.Clone(), "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Current main files:\n%s\n\nProposed change files:\n%s\n\nOriginal change request: %s",
		currentJSON, proposalJSON, originalPrompt), nil
}
