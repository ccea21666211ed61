// Package sew is the library facade: it wires the parser, matcher, executor,
// backup store and history ledger together for the CLI and for embedding.
package sew

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"

	"sew/cli"
	"sew/internal/backup"
	"sew/internal/config"
	"sew/internal/executor"
	"sew/internal/fs"
	"sew/internal/history"
	"sew/internal/parser"
	"sew/internal/source"
	"sew/model"
)

// App orchestrates the entire application logic.
type App struct {
	cfg      *cli.Config
	settings *config.Config
	ws       *fs.Workspace
	store    *backup.Store
	ledger   *history.Ledger
	exec     *executor.Executor
	source   *source.Provider

	progress model.Progress
}

// DetailedError enhances a standard error with a stack trace.
type DetailedError struct {
	Err   error
	Stack []byte
}

func (e *DetailedError) Error() string {
	return e.Err.Error()
}

// New creates a new App instance rooted at the configured workspace.
func New(cfg *cli.Config) (*App, error) {
	ws, err := fs.NewWorkspace(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	stateDir := filepath.Join(ws.Root(), history.StateDirName)
	settings, err := config.Load(stateDir)
	if err != nil {
		return nil, err
	}
	if cfg.Threshold > 0 {
		settings.Match.Threshold = cfg.Threshold
	}
	if cfg.Workers > 0 {
		settings.Executor.Workers = cfg.Workers
	}

	store, err := backup.NewStore(filepath.Join(stateDir, history.BackupDirName))
	if err != nil {
		return nil, err
	}
	ledger, err := history.Open(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open history ledger: %w", err)
	}

	exec := executor.New(ws, store, executor.Options{
		Threshold: settings.Match.Threshold,
		Retries:   settings.Executor.Retries,
		Backoff:   settings.Backoff(),
		Workers:   settings.Executor.Workers,
	})

	return &App{
		cfg:      cfg,
		settings: settings,
		ws:       ws,
		store:    store,
		ledger:   ledger,
		exec:     exec,
		source:   source.New(),
	}, nil
}

// Workspace returns the resolved workspace root.
func (a *App) Workspace() string {
	return a.ws.Root()
}

// SetProgressCallback sets a function to be called after each directive.
func (a *App) SetProgressCallback(cb model.Progress) {
	a.progress = cb
}

// Load reads the raw patch description from stdin or the clipboard.
func (a *App) Load() (string, error) {
	return a.source.GetContent()
}

// Parse turns raw patch text into directives, applying the extension filter
// from the flags. Malformed entries are reported, never fatal.
func (a *App) Parse(content string) model.ParseResult {
	result := parser.Parse(content)
	if len(a.cfg.Extensions) == 0 {
		return result
	}
	filtered := result.Directives[:0]
	for _, d := range result.Directives {
		if hasAllowedExtension(d.TargetPath, a.cfg.Extensions) {
			filtered = append(filtered, d)
		}
	}
	result.Directives = filtered
	return result
}

// Plan computes the dry-run previews for a set of directives.
func (a *App) Plan(directives []model.EditDirective) []model.FilePreview {
	return a.exec.Plan(directives)
}

// Apply executes the directives and records the batch in the ledger.
func (a *App) Apply(ctx context.Context, directives []model.EditDirective) (model.BatchResult, error) {
	batch := a.exec.Execute(ctx, directives, a.progress)
	if len(batch.Results) == 0 {
		return batch, nil
	}
	if err := a.ledger.Append(history.KindApply, batch.BatchID, batch.Timestamp, history.OpsFromBatch(batch)); err != nil {
		return batch, fmt.Errorf("batch applied but recording history failed: %w", err)
	}
	return batch, nil
}

// Undo reverts the most recent batch that has not been undone, file by
// file. The undo itself becomes a recorded batch, which is what makes redo
// possible.
func (a *App) Undo(ctx context.Context) (model.BatchResult, error) {
	rec, err := a.ledger.LastUndoable()
	if err != nil {
		return model.BatchResult{}, err
	}
	batch := a.exec.Revert(ctx, rec.Ops, a.progress)
	if err := a.ledger.MarkUndone(rec.BatchID); err != nil {
		return batch, err
	}
	if err := a.ledger.Append(history.KindUndo, batch.BatchID, batch.Timestamp, history.OpsFromBatch(batch)); err != nil {
		return batch, err
	}
	return batch, nil
}

// Redo reverts the most recent undo.
func (a *App) Redo(ctx context.Context) (model.BatchResult, error) {
	rec, err := a.ledger.LastRedoable()
	if err != nil {
		return model.BatchResult{}, err
	}
	batch := a.exec.Revert(ctx, rec.Ops, a.progress)
	if err := a.ledger.MarkUndone(rec.BatchID); err != nil {
		return batch, err
	}
	if err := a.ledger.Append(history.KindRedo, batch.BatchID, batch.Timestamp, history.OpsFromBatch(batch)); err != nil {
		return batch, err
	}
	return batch, nil
}

// Records returns the recorded batches, newest first.
func (a *App) Records() []history.Record {
	return a.ledger.Records()
}

// Prune applies the retention settings: old records are dropped from the
// ledger and their backups deleted. Returns how many snapshots were removed.
func (a *App) Prune() (int, error) {
	keys, err := a.ledger.Prune(a.settings.Retention.MaxBatches, a.settings.MaxAge())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if err := a.store.Remove(key); err == nil {
			removed++
		}
	}
	if age := a.settings.MaxAge(); age > 0 {
		orphans, err := a.store.PurgeOlderThan(age)
		if err == nil {
			removed += orphans
		}
	}
	return removed, nil
}

// Run executes the full pipeline for the default apply flow with panic
// recovery: load, parse, apply, summarize. Used by the non-interactive path;
// the TUI drives the stages itself to show previews in between.
func (a *App) Run(ctx context.Context) (summary model.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DetailedError{
				Err:   fmt.Errorf("internal panic: %v", r),
				Stack: debug.Stack(),
			}
		}
	}()

	content, err := a.Load()
	if err != nil {
		return model.Summary{}, err
	}
	if content == "" {
		return model.Summary{Message: "Source is empty. Nothing to process."}, nil
	}

	parsed := a.Parse(content)
	if len(parsed.Directives) == 0 {
		return model.Summary{
			Errors:  parsed.Errors,
			Message: "No valid directives found.",
		}, nil
	}

	batch, err := a.Apply(ctx, parsed.Directives)
	if err != nil {
		return model.Summary{}, err
	}
	return a.Summarize(parsed, batch), nil
}

// Summarize folds a parse result and batch outcome into display buckets.
func (a *App) Summarize(parsed model.ParseResult, batch model.BatchResult) model.Summary {
	summary := model.Summary{Errors: parsed.Errors}
	for _, r := range batch.Results {
		if !r.Success {
			summary.Failed = append(summary.Failed, fmt.Sprintf("%s (%s)", r.TargetPath, r.Message))
			continue
		}
		switch r.Action {
		case model.ActionCreate:
			summary.Created = append(summary.Created, r.TargetPath)
		case model.ActionDelete:
			summary.Removed = append(summary.Removed, r.TargetPath)
		case model.ActionMove:
			summary.Modified = append(summary.Modified, fmt.Sprintf("%s -> %s", r.TargetPath, r.DestPath))
		default:
			summary.Modified = append(summary.Modified, r.TargetPath)
		}
	}
	return summary
}

func hasAllowedExtension(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	for _, allowed := range extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
