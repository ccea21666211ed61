// Package diff renders line-level changes between two versions of a file,
// for preview before a batch runs and for annotating history records.
package diff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Kind classifies one line of a diff.
type Kind int

const (
	Context Kind = iota
	Added
	Removed
)

// Line is one line of output, without its trailing newline.
type Line struct {
	Kind Kind
	Text string
}

// Lines computes a line-level diff between original and updated content.
// The computation is deterministic for identical inputs and has no side
// effects.
func Lines(original, updated string) []Line {
	if original == updated {
		return contextLines(original)
	}

	dmp := diffmatchpatch.New()
	a, b, arr := dmp.DiffLinesToChars(original, updated)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), arr)

	var out []Line
	for _, d := range diffs {
		kind := Context
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = Added
		case diffmatchpatch.DiffDelete:
			kind = Removed
		}
		for _, text := range splitKeep(d.Text) {
			out = append(out, Line{Kind: kind, Text: text})
		}
	}
	return out
}

// Unified produces a GNU unified diff between the two contents. An empty
// string means no change.
func Unified(original, updated, path string, contextLines int) (string, error) {
	if original == updated {
		return "", nil
	}
	if contextLines <= 0 {
		contextLines = 3
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(original),
		B:        difflib.SplitLines(updated),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  contextLines,
	}
	return difflib.GetUnifiedDiffString(ud)
}

// Stats counts added and removed lines in a line diff.
type Stats struct {
	Added   int
	Removed int
}

// Count tallies a computed diff.
func Count(lines []Line) Stats {
	var s Stats
	for _, l := range lines {
		switch l.Kind {
		case Added:
			s.Added++
		case Removed:
			s.Removed++
		}
	}
	return s
}

func contextLines(content string) []Line {
	var out []Line
	for _, text := range splitKeep(content) {
		out = append(out, Line{Kind: Context, Text: text})
	}
	return out
}

// splitKeep splits a chunk into lines, dropping only the final trailing
// newline so empty lines inside the chunk survive.
func splitKeep(chunk string) []string {
	if chunk == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(chunk, "\n"), "\n")
}
