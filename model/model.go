package model

import "time"

// Action identifies the kind of change a directive requests.
type Action string

const (
	ActionCreate  Action = "create"
	ActionPatch   Action = "patch"
	ActionReplace Action = "replace"
	ActionDelete  Action = "delete"
	ActionMove    Action = "move"
)

// Destructive reports whether the action overwrites or removes existing
// content and therefore requires a backup before any write.
func (a Action) Destructive() bool {
	switch a {
	case ActionPatch, ActionReplace, ActionDelete, ActionMove:
		return true
	}
	return false
}

// OccurrenceKind selects which match to use when a find snippet appears
// more than once in a file.
type OccurrenceKind int

const (
	OccurrenceFirst OccurrenceKind = iota
	OccurrenceLast
	OccurrenceAll
	OccurrenceIndex
)

// Occurrence is the disambiguation rule attached to a find block.
// Index is 1-based and only meaningful when Kind is OccurrenceIndex.
type Occurrence struct {
	Kind  OccurrenceKind
	Index int
}

func (o Occurrence) String() string {
	switch o.Kind {
	case OccurrenceLast:
		return "last"
	case OccurrenceAll:
		return "all"
	case OccurrenceIndex:
		return "index"
	}
	return "first"
}

// Hunk is one find/put pair inside a patch directive.
type Hunk struct {
	Find       string
	Put        string
	Occurrence Occurrence
}

// EditDirective is one requested change to one file, in document order.
type EditDirective struct {
	TargetPath string // workspace-relative, verified not to escape the root
	Action     Action
	Hunks      []Hunk // patch only
	Content    string // create and replace only
	DestPath   string // move only
}

// ParseError records one malformed directive entry. Index is the ordinal of
// the entry in the source text, Line the 1-based line where it starts.
type ParseError struct {
	Index   int
	Line    int
	Message string
}

// ParseResult is the parser output: well-formed directives in source order
// plus an error per entry that failed to parse.
type ParseResult struct {
	Directives []EditDirective
	Errors     []ParseError
}

// MatchStatus classifies the outcome of locating a find block.
type MatchStatus int

const (
	MatchFound MatchStatus = iota
	MatchNotFound
	MatchAmbiguous
)

// Span is a half-open byte range into file content.
type Span struct {
	Start int
	End   int
}

// MatchResult is the fuzzy locator's answer for one find block.
// Spans carries every selected candidate (one for first/last/index, possibly
// several for all). Candidates is the total count at the winning tier, so the
// caller can surface ambiguity even when the default selector succeeds.
type MatchResult struct {
	Status     MatchStatus
	Spans      []Span
	Confidence float64
	Tier       int
	Candidates int
}

// OperationResult is the outcome of executing one directive.
type OperationResult struct {
	TargetPath string
	DestPath   string
	Action     Action
	Success    bool
	Message    string
	BackupKey  string
	Hash       string // SHA-256 of the target after a successful write
	Duration   time.Duration
}

// BatchResult aggregates one applied patch description.
type BatchResult struct {
	BatchID   string
	Timestamp time.Time
	Results   []OperationResult
}

// Succeeded returns the results that applied cleanly.
func (b BatchResult) Succeeded() []OperationResult {
	var out []OperationResult
	for _, r := range b.Results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Failed returns the results that did not apply.
func (b BatchResult) Failed() []OperationResult {
	var out []OperationResult
	for _, r := range b.Results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// FilePreview is a dry-run rendering of one directive: the diff it would
// produce, or the reason it cannot be applied.
type FilePreview struct {
	TargetPath string
	Action     Action
	Diff       string // unified diff text, empty for delete and move
	Added      int    // lines the directive would add
	Removed    int    // lines the directive would remove
	Err        string // non-empty when the directive would fail
	Confidence float64
}

// Summary holds the results of a run for display.
type Summary struct {
	Created  []string
	Modified []string
	Removed  []string
	Failed   []string
	Errors   []ParseError
	Message  string
}

// Progress reports per-directive completion to the caller. It is invoked
// synchronously after each directive finishes.
type Progress func(completed, total int, latest OperationResult)
