package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	addedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	removedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	modifiedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	sectionStyle  = lipgloss.NewStyle().MarginTop(1)
)

// RenderState formats a room state for a terminal.
func RenderState(roomID string, state proposals.RoomState) string {
	header := titleStyle.Render(fmt.Sprintf("Room %s", roomID)) + " " +
		mutedStyle.Render(fmt.Sprintf("%d files, document %s", len(state.LiveFiles), shortFingerprint(state.LiveFiles)))

	pending := []string{titleStyle.Render(fmt.Sprintf("Pending (%d)", len(state.Pending)))}
	for _, proposal := range state.Pending {
		pending = append(pending, fmt.Sprintf("  %s  %d/%d  %s %s",
			proposal.ID, len(proposal.Votes), proposal.VotesNeeded, proposal.Description,
			mutedStyle.Render("by "+proposal.Author)))
	}

	history := []string{titleStyle.Render(fmt.Sprintf("History (%d)", len(state.History)))}
	for _, proposal := range state.History {
		history = append(history, fmt.Sprintf("  %s  %s  %s %s",
			proposal.ID, renderStatus(proposal.Status), proposal.Description,
			mutedStyle.Render(time.UnixMilli(proposal.Timestamp).UTC().Format(time.RFC3339))))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		sectionStyle.Render(strings.Join(pending, "\n")),
		sectionStyle.Render(strings.Join(history, "\n")),
	)
}

// RenderPreview formats a preview of proposal for a terminal.
func RenderPreview(proposal proposals.Proposal, preview Preview) string {
	lines := []string{
		titleStyle.Render(proposal.Description),
		mutedStyle.Render(fmt.Sprintf("%s by %s: %q", proposal.ID, proposal.Author, proposal.UserPrompt)),
		"",
	}
	if len(preview.Files) == 0 {
		lines = append(lines, mutedStyle.Render("no changes against the live document"))
	}
	for _, change := range preview.Files {
		lines = append(lines, fmt.Sprintf("%s %s %s %s",
			renderKind(change.Kind), change.Path,
			addedStyle.Render(fmt.Sprintf("+%d", change.Insertions)),
			removedStyle.Render(fmt.Sprintf("-%d", change.Deletions))))
	}
	lines = append(lines, "", fmt.Sprintf("%d files changed, %d insertions(+), %d deletions(-)",
		len(preview.Files), preview.Insertions, preview.Deletions))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderKind(kind ChangeKind) string {
	switch kind {
	case ChangeAdded:
		return addedStyle.Render("A")
	case ChangeRemoved:
		return removedStyle.Render("D")
	default:
		return modifiedStyle.Render("M")
	}
}

func renderStatus(status proposals.Status) string {
	switch status {
	case proposals.StatusApproved:
		return addedStyle.Render(string(status))
	case proposals.StatusRolledBack:
		return removedStyle.Render(string(status))
	default:
		return modifiedStyle.Render(string(status))
	}
}

func shortFingerprint(files proposals.FileSet) string {
	if files.Empty() {
		return "empty"
	}
	fingerprint := proposals.Fingerprint(files)
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
