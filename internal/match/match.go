// Package match locates the file region a find block refers to, tolerating
// the whitespace drift assistants introduce when reproducing snippets.
package match

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"sew/model"
)

// DefaultThreshold is the minimum similarity a tier-3 window must reach to
// count as a match.
const DefaultThreshold = 0.75

// Tier confidences. Exact matches are certain; a whitespace-normalized match
// is almost certain; tier 3 reports the computed ratio instead.
const (
	tierExact      = 1
	tierNormalized = 2
	tierSimilarity = 3

	normalizedConfidence = 0.9
)

// Locate finds the byte range of find within content. Candidates are
// collected at the highest tier that yields any qualifying window; tiers are
// never mixed. The occurrence selector picks among them.
func Locate(content, find string, occ model.Occurrence, threshold float64) model.MatchResult {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if find == "" {
		return model.MatchResult{Status: model.MatchNotFound}
	}

	if spans := exactSpans(content, find); len(spans) > 0 {
		return resolve(spans, occ, 1.0, tierExact)
	}

	doc := splitLines(content)
	pattern := bodyLines(find)

	if spans := normalizedSpans(doc, pattern, content); len(spans) > 0 {
		return resolve(spans, occ, normalizedConfidence, tierNormalized)
	}

	spans, confidence := similaritySpans(doc, pattern, content, threshold)
	if len(spans) == 0 {
		return model.MatchResult{Status: model.MatchNotFound}
	}
	return resolve(spans, occ, confidence, tierSimilarity)
}

// resolve applies the occurrence selector to the tier's candidates.
func resolve(spans []model.Span, occ model.Occurrence, confidence float64, tier int) model.MatchResult {
	result := model.MatchResult{
		Status:     model.MatchFound,
		Confidence: confidence,
		Tier:       tier,
		Candidates: len(spans),
	}
	switch occ.Kind {
	case model.OccurrenceLast:
		result.Spans = spans[len(spans)-1:]
	case model.OccurrenceAll:
		result.Spans = spans
	case model.OccurrenceIndex:
		// Index is 1-based; zero or negative never selects anything.
		if occ.Index < 1 || occ.Index > len(spans) {
			return model.MatchResult{
				Status:     model.MatchAmbiguous,
				Candidates: len(spans),
				Tier:       tier,
				Confidence: confidence,
			}
		}
		result.Spans = spans[occ.Index-1 : occ.Index]
	default: // first
		result.Spans = spans[:1]
	}
	return result
}

// exactSpans returns every non-overlapping exact occurrence of find.
func exactSpans(content, find string) []model.Span {
	var spans []model.Span
	for from := 0; ; {
		i := strings.Index(content[from:], find)
		if i < 0 {
			return spans
		}
		start := from + i
		spans = append(spans, model.Span{Start: start, End: start + len(find)})
		from = start + len(find)
	}
}

// line is one content line with its original byte extent. End includes the
// trailing newline when one exists, so splicing a replacement that carries
// its own trailing newline keeps the file shape intact.
type line struct {
	text  string
	start int
	end   int
}

func splitLines(content string) []line {
	var lines []line
	start := 0
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			lines = append(lines, line{text: content[start:i], start: start, end: i + 1})
			start = i + 1
		}
	}
	if start < len(content) {
		lines = append(lines, line{text: content[start:], start: start, end: len(content)})
	}
	return lines
}

// bodyLines splits a find block into lines, dropping the trailing newline the
// parser appends to every payload.
func bodyLines(find string) []string {
	return strings.Split(strings.TrimSuffix(find, "\n"), "\n")
}

// normalize collapses runs of horizontal whitespace to single spaces and
// trims the ends before comparing code lines.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizedSpans slides a window of len(pattern) lines across doc and keeps
// windows whose lines are equal after whitespace normalization.
func normalizedSpans(doc []line, pattern []string, content string) []model.Span {
	if len(pattern) == 0 || len(pattern) > len(doc) {
		return nil
	}
	normPattern := make([]string, len(pattern))
	for i, p := range pattern {
		normPattern[i] = normalize(p)
	}

	var spans []model.Span
	for i := 0; i+len(pattern) <= len(doc); i++ {
		match := true
		for j := range normPattern {
			if normalize(doc[i+j].text) != normPattern[j] {
				match = false
				break
			}
		}
		if match {
			spans = append(spans, windowSpan(doc, i, len(pattern), content))
			i += len(pattern) - 1
		}
	}
	return spans
}

// similaritySpans scores every window against the pattern and keeps the
// best-scoring windows that clear the threshold. Ties are kept as separate
// candidates; overlapping ties collapse to the earliest window.
func similaritySpans(doc []line, pattern []string, content string, threshold float64) ([]model.Span, float64) {
	if len(pattern) == 0 || len(pattern) > len(doc) {
		return nil, 0
	}
	normPattern := normalize(strings.Join(pattern, "\n"))
	if normPattern == "" {
		return nil, 0
	}

	dmp := diffmatchpatch.New()
	type scored struct {
		index int
		score float64
	}
	var best float64
	var windows []scored

	joined := make([]string, len(doc))
	for i, l := range doc {
		joined[i] = normalize(l.text)
	}

	for i := 0; i+len(pattern) <= len(doc); i++ {
		window := strings.Join(joined[i:i+len(pattern)], "\n")
		score := similarity(dmp, window, normPattern)
		if score < threshold {
			continue
		}
		windows = append(windows, scored{index: i, score: score})
		if score > best {
			best = score
		}
	}
	if len(windows) == 0 {
		return nil, 0
	}

	const epsilon = 1e-9
	var spans []model.Span
	lastEnd := -1
	for _, w := range windows {
		if w.score < best-epsilon {
			continue
		}
		if w.index < lastEnd {
			continue // overlaps an earlier equally good window
		}
		spans = append(spans, windowSpan(doc, w.index, len(pattern), content))
		lastEnd = w.index + len(pattern)
	}
	return spans, best
}

// similarity is a normalized edit-distance ratio in [0,1].
func similarity(dmp *diffmatchpatch.DiffMatchPatch, a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	diffs := dmp.DiffMain(a, b, false)
	distance := dmp.DiffLevenshtein(diffs)
	return 1.0 - float64(distance)/float64(longest)
}

func windowSpan(doc []line, index, length int, content string) model.Span {
	start := doc[index].start
	end := doc[index+length-1].end
	if end > len(content) {
		end = len(content)
	}
	return model.Span{Start: start, End: end}
}
