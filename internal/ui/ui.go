package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"sew/model"
)

var (
	HeaderColor  = color.New(color.FgBlue, color.Bold)
	InfoColor    = color.New(color.FgCyan)
	SuccessColor = color.New(color.FgGreen)
	WarningColor = color.New(color.FgYellow)
	ErrorColor   = color.New(color.FgRed)
	PathColor    = color.New(color.FgYellow)
	AddedColor   = color.New(color.FgGreen)
	RemovedColor = color.New(color.FgRed)
	FaintColor   = color.New(color.Faint)
)

func Header(format string, a ...interface{}) {
	HeaderColor.Fprintf(os.Stderr, format+"\n", a...)
}

func Info(format string, a ...interface{}) {
	InfoColor.Fprintf(os.Stderr, format+"\n", a...)
}

func Success(format string, a ...interface{}) {
	SuccessColor.Fprintf(os.Stderr, format+"\n", a...)
}

func Warning(format string, a ...interface{}) {
	WarningColor.Fprintf(os.Stderr, format+"\n", a...)
}

func Error(format string, a ...interface{}) {
	ErrorColor.Fprintf(os.Stderr, format+"\n", a...)
}

func Path(format string, a ...interface{}) {
	PathColor.Fprintf(os.Stderr, "  "+format+"\n", a...)
}

// PrintParseErrors lists entries the parser had to skip.
func PrintParseErrors(errs []model.ParseError) {
	if len(errs) == 0 {
		return
	}
	Warning("Skipped %d malformed directive(s):", len(errs))
	for _, e := range errs {
		Warning("  entry %d (line %d): %s", e.Index, e.Line, e.Message)
	}
}

// PrintBatchSummary renders per-file outcomes after a batch ran. Partial
// success is the normal terminal state, so failures are listed, not fatal.
func PrintBatchSummary(batch model.BatchResult) {
	Header("\n--- Batch %s ---", shortID(batch.BatchID))

	ok := batch.Succeeded()
	failed := batch.Failed()
	if len(ok) == 0 && len(failed) == 0 {
		Info("No directives to apply.")
		return
	}

	if len(ok) > 0 {
		Success("Applied %d change(s):", len(ok))
		for _, r := range ok {
			fmt.Fprintf(os.Stderr, "  - %s %s: %s\n", r.Action, r.TargetPath, r.Message)
		}
	}
	if len(failed) > 0 {
		Error("Failed %d change(s):", len(failed))
		for _, r := range failed {
			fmt.Fprintf(os.Stderr, "  - %s %s: %s\n", r.Action, r.TargetPath, r.Message)
		}
	}
}

// PrintPreviews renders the dry run with colored diffs.
func PrintPreviews(previews []model.FilePreview) {
	if len(previews) == 0 {
		Info("Nothing to preview.")
		return
	}
	for _, p := range previews {
		if p.Err != "" {
			Error("%s %s: %s", p.Action, p.TargetPath, p.Err)
			continue
		}
		if p.Added > 0 || p.Removed > 0 {
			Header("%s %s (+%d -%d)", p.Action, p.TargetPath, p.Added, p.Removed)
		} else {
			Header("%s %s", p.Action, p.TargetPath)
		}
		if p.Diff == "" {
			FaintColor.Fprintln(os.Stderr, "  (no content change)")
			continue
		}
		PrintDiff(p.Diff)
	}
}

// PrintDiff writes a unified diff with added/removed coloring.
func PrintDiff(unified string) {
	for _, line := range strings.Split(strings.TrimSuffix(unified, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			FaintColor.Fprintln(os.Stderr, line)
		case strings.HasPrefix(line, "@@"):
			InfoColor.Fprintln(os.Stderr, line)
		case strings.HasPrefix(line, "+"):
			AddedColor.Fprintln(os.Stderr, line)
		case strings.HasPrefix(line, "-"):
			RemovedColor.Fprintln(os.Stderr, line)
		default:
			fmt.Fprintln(os.Stderr, line)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- Progress Bar ---

type ProgressBar struct {
	total   int
	prefix  string
	current int
}

func NewProgressBar(total int, prefix string) *ProgressBar {
	return &ProgressBar{total: total, prefix: prefix}
}

func (p *ProgressBar) Increment() {
	p.current++
	p.draw()
}

func (p *ProgressBar) Finish() {
	fmt.Fprintln(os.Stderr)
}

func (p *ProgressBar) draw() {
	if p.total == 0 {
		return
	}
	const barLength = 40
	percent := float64(p.current) / float64(p.total)
	filledLength := int(percent * barLength)
	bar := strings.Repeat("█", filledLength) + strings.Repeat("-", barLength-filledLength)

	countStr := fmt.Sprintf("[%d/%d]", p.current, p.total)
	fmt.Fprintf(os.Stderr, "\r%s |%s| %s %.1f%%", p.prefix, bar, countStr, percent*100)
}
