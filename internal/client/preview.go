package client

import (
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ChangeKind classifies a file in a preview.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// FileChange summarises how one file differs.
type FileChange struct {
	Path       string
	Kind       ChangeKind
	Insertions int
	Deletions  int
}

// Preview summarises a proposal against the live document. It is for display
// only; merges always replace whole files.
type Preview struct {
	Files      []FileChange
	Insertions int
	Deletions  int
}

// BuildPreview compares proposed against live line by line.
func BuildPreview(live proposals.FileSet, proposed proposals.FileSet) Preview {
	paths := live.Overlay(proposed).Paths()
	dmp := diffmatchpatch.New()

	preview := Preview{Files: []FileChange{}}
	for _, path := range paths {
		before, inLive := live[path]
		after, inProposed := proposed[path]

		var change FileChange
		switch {
		case !inLive:
			change = FileChange{Path: path, Kind: ChangeAdded, Insertions: countLines(after)}
		case !inProposed:
			change = FileChange{Path: path, Kind: ChangeRemoved, Deletions: countLines(before)}
		case before == after:
			continue
		default:
			change = FileChange{Path: path, Kind: ChangeModified}
			change.Insertions, change.Deletions = lineChanges(dmp, before, after)
		}
		preview.Files = append(preview.Files, change)
		preview.Insertions += change.Insertions
		preview.Deletions += change.Deletions
	}
	return preview
}

// lineChanges diffs whole lines: each rune of the encoded texts stands for one line.
func lineChanges(dmp *diffmatchpatch.DiffMatchPatch, before string, after string) (int, int) {
	encodedBefore, encodedAfter, _ := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(encodedBefore, encodedAfter, false)

	insertions, deletions := 0, 0
	for _, diff := range diffs {
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			insertions += utf8.RuneCountInString(diff.Text)
		case diffmatchpatch.DiffDelete:
			deletions += utf8.RuneCountInString(diff.Text)
		}
	}
	return insertions, deletions
}

func countLines(content string) int {
	if content == "" {
		return 0
	}
	lines := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		lines++
	}
	return lines
}
