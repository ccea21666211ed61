// Package executor applies edit directives to the workspace. Every directive
// runs independently: a failure restores that file and never blocks the
// rest of the batch.
package executor

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sew/internal/backup"
	"sew/internal/diff"
	"sew/internal/fs"
	"sew/internal/history"
	"sew/internal/match"
	"sew/model"
)

// Options tune matching and write behavior. Zero values fall back to the
// defaults below.
type Options struct {
	Threshold float64       // fuzzy match acceptance threshold
	Retries   int           // write retries on transient I/O errors
	Backoff   time.Duration // initial retry backoff, doubled per attempt
	Workers   int           // >1 enables the per-path sharded worker pool
}

const (
	defaultRetries = 3
	defaultBackoff = 50 * time.Millisecond
)

// Executor owns all workspace writes for the lifetime of a batch.
type Executor struct {
	ws    *fs.Workspace
	store *backup.Store
	opts  Options
}

func New(ws *fs.Workspace, store *backup.Store, opts Options) *Executor {
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = match.DefaultThreshold
	}
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Executor{ws: ws, store: store, opts: opts}
}

// Execute runs every directive and reports one result each, in source order.
// Directives for the same path always run in source order relative to each
// other, even when the worker pool is enabled. Cancellation is honored
// between directives only; a directive that started always runs to
// completion or restore.
func (e *Executor) Execute(ctx context.Context, directives []model.EditDirective, onProgress model.Progress) model.BatchResult {
	batch := model.BatchResult{
		BatchID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Results:   make([]model.OperationResult, len(directives)),
	}
	if len(directives) == 0 {
		return batch
	}

	total := len(directives)
	var mu sync.Mutex
	completed := 0
	// The callback fires under the lock: completions are delivered one at a
	// time, in completion order, so callers need no synchronization of
	// their own even when the worker pool is on.
	progress := func(i int, res model.OperationResult) {
		mu.Lock()
		defer mu.Unlock()
		batch.Results[i] = res
		completed++
		if onProgress != nil {
			onProgress(completed, total, res)
		}
	}

	if e.opts.Workers == 1 {
		for i, d := range directives {
			progress(i, e.runOrCancel(ctx, d, batch.BatchID))
		}
		return batch
	}

	// Shard by target path so same-path directives stay serialized on one
	// worker; different paths have no ordering dependency.
	shards := make([][]int, e.opts.Workers)
	for i, d := range directives {
		h := fnv.New32a()
		h.Write([]byte(d.TargetPath))
		w := int(h.Sum32()) % e.opts.Workers
		if w < 0 {
			w += e.opts.Workers
		}
		shards[w] = append(shards[w], i)
	}

	var wg sync.WaitGroup
	for _, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		wg.Add(1)
		go func(indexes []int) {
			defer wg.Done()
			for _, i := range indexes {
				progress(i, e.runOrCancel(ctx, directives[i], batch.BatchID))
			}
		}(shard)
	}
	wg.Wait()
	return batch
}

func (e *Executor) runOrCancel(ctx context.Context, d model.EditDirective, batchID string) model.OperationResult {
	select {
	case <-ctx.Done():
		return model.OperationResult{
			TargetPath: d.TargetPath,
			DestPath:   d.DestPath,
			Action:     d.Action,
			Message:    "cancelled before start",
		}
	default:
	}
	return e.run(d, batchID)
}

// run executes one directive through its full state machine:
// Pending -> BackedUp -> Writing -> Succeeded | Failed(restored).
func (e *Executor) run(d model.EditDirective, batchID string) model.OperationResult {
	start := time.Now()
	res := model.OperationResult{
		TargetPath: d.TargetPath,
		DestPath:   d.DestPath,
		Action:     d.Action,
	}
	defer func() { res.Duration = time.Since(start) }()

	path, err := e.ws.Abs(d.TargetPath)
	if err != nil {
		res.Message = err.Error()
		return res
	}

	switch d.Action {
	case model.ActionCreate:
		e.runCreate(&res, path, d.Content)
	case model.ActionReplace:
		e.runReplace(&res, path, d.Content, batchID)
	case model.ActionPatch:
		e.runPatch(&res, path, d.Hunks, batchID)
	case model.ActionDelete:
		e.runDelete(&res, path, batchID)
	case model.ActionMove:
		e.runMove(&res, path, d, batchID)
	default:
		res.Message = fmt.Sprintf("unknown action %q", d.Action)
	}
	return res
}

// runCreate never overwrites: an existing file with identical content is a
// no-op success, anything else is a failure.
func (e *Executor) runCreate(res *model.OperationResult, path, content string) {
	if fs.Exists(path) {
		current, err := os.ReadFile(path)
		if err != nil {
			res.Message = fmt.Sprintf("could not read existing file: %v", err)
			return
		}
		if string(current) == content {
			res.Success = true
			res.Hash = fs.HashBytes(current)
			res.Message = "already up to date"
			return
		}
		res.Message = "file exists with different content; use replace to overwrite"
		return
	}
	if err := fs.EnsureParent(path); err != nil {
		res.Message = fmt.Sprintf("could not create parent directory: %v", err)
		return
	}
	if err := e.writeWithRetry(path, []byte(content), res); err != nil {
		return
	}
	res.Success = true
	res.Hash = fs.HashBytes([]byte(content))
	res.Message = "created"
}

func (e *Executor) runReplace(res *model.OperationResult, path, content, batchID string) {
	if !fs.Exists(path) {
		// Replacing a missing file degrades to create.
		e.runCreate(res, path, content)
		if res.Success && res.Message == "created" {
			res.Message = "created (target did not exist)"
		}
		return
	}
	if !e.backupFile(res, path, batchID) {
		return
	}
	if err := e.writeWithRetry(path, []byte(content), res); err != nil {
		return
	}
	res.Success = true
	res.Hash = fs.HashBytes([]byte(content))
	res.Message = "replaced"
}

// runPatch computes the new content first; the backup is only taken once a
// write is certain to be attempted, so a failed match leaves no snapshot
// behind.
func (e *Executor) runPatch(res *model.OperationResult, path string, hunks []model.Hunk, batchID string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			res.Message = "file does not exist"
		} else {
			res.Message = fmt.Sprintf("could not read file: %v", err)
		}
		return
	}

	updated, confidence, notes, err := ApplyHunks(string(data), hunks, e.opts.Threshold)
	if err != nil {
		res.Message = err.Error()
		return
	}
	if !e.backupFile(res, path, batchID) {
		return
	}
	if err := e.writeWithRetry(path, []byte(updated), res); err != nil {
		return
	}
	res.Success = true
	res.Hash = fs.HashBytes([]byte(updated))
	res.Message = fmt.Sprintf("patched (confidence %.2f)", confidence)
	if len(notes) > 0 {
		res.Message += "; " + strings.Join(notes, "; ")
	}
}

func (e *Executor) runDelete(res *model.OperationResult, path, batchID string) {
	if !fs.Exists(path) {
		res.Message = "file does not exist"
		return
	}
	if !e.backupFile(res, path, batchID) {
		return
	}
	if err := e.retry(func() error { return os.Remove(path) }); err != nil {
		e.restoreAfterFailure(res, path, err)
		return
	}
	res.Success = true
	res.Message = "deleted"
}

func (e *Executor) runMove(res *model.OperationResult, path string, d model.EditDirective, batchID string) {
	dest, err := e.ws.Abs(d.DestPath)
	if err != nil {
		res.Message = err.Error()
		return
	}
	if !fs.Exists(path) {
		res.Message = "file does not exist"
		return
	}
	if fs.Exists(dest) {
		res.Message = fmt.Sprintf("destination %s already exists", d.DestPath)
		return
	}
	if !e.backupFile(res, path, batchID) {
		return
	}
	if err := fs.EnsureParent(dest); err != nil {
		res.Message = fmt.Sprintf("could not create destination directory: %v", err)
		return
	}
	if err := e.retry(func() error { return os.Rename(path, dest) }); err != nil {
		e.restoreAfterFailure(res, path, err)
		return
	}
	hash, _ := fs.HashFile(dest)
	res.Success = true
	res.Hash = hash
	res.Message = fmt.Sprintf("moved to %s", d.DestPath)
}

// backupFile snapshots path before any destructive write. A failed backup
// aborts the directive before anything is touched.
func (e *Executor) backupFile(res *model.OperationResult, path, batchID string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		res.Message = fmt.Sprintf("backup failed, file untouched: %v", err)
		return false
	}
	key, err := e.store.Save(res.TargetPath, batchID, data)
	if err != nil {
		res.Message = fmt.Sprintf("backup failed, file untouched: %v", err)
		return false
	}
	res.BackupKey = key
	return true
}

// writeWithRetry writes data to path, retrying transient errors, and
// restores the backup when every attempt fails.
func (e *Executor) writeWithRetry(path string, data []byte, res *model.OperationResult) error {
	err := e.retry(func() error { return os.WriteFile(path, data, 0o644) })
	if err != nil {
		e.restoreAfterFailure(res, path, err)
	}
	return err
}

// retry runs fn, backing off exponentially on permission and lock errors.
// Other failures (disk full, missing directory) are not worth repeating.
func (e *Executor) retry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= e.opts.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.opts.Backoff << (attempt - 1))
		}
		if err = fn(); err == nil {
			return nil
		}
		if !os.IsPermission(err) {
			return err
		}
	}
	return fmt.Errorf("retries exhausted: %w", err)
}

// restoreAfterFailure puts the pre-directive content back whenever a backup
// was taken. Failed restores are surfaced in the message; they should not
// happen unless the filesystem itself is failing.
func (e *Executor) restoreAfterFailure(res *model.OperationResult, path string, cause error) {
	res.Message = cause.Error()
	if res.BackupKey == "" {
		return
	}
	if err := e.store.Restore(res.BackupKey, path); err != nil {
		res.Message = fmt.Sprintf("%v; restore also failed: %v", cause, err)
		return
	}
	res.Message = fmt.Sprintf("%v (original content restored)", cause)
}

// ApplyHunks splices every find/put pair into content, in order, so a later
// hunk sees the output of an earlier one. It returns the lowest match
// confidence across hunks plus notes about ambiguity worth surfacing.
func ApplyHunks(content string, hunks []model.Hunk, threshold float64) (string, float64, []string, error) {
	confidence := 1.0
	var notes []string

	for i, h := range hunks {
		result := match.Locate(content, h.Find, h.Occurrence, threshold)
		switch result.Status {
		case model.MatchNotFound:
			return "", 0, nil, fmt.Errorf("find block %d: no match above threshold %.2f", i+1, threshold)
		case model.MatchAmbiguous:
			return "", 0, nil, fmt.Errorf("find block %d: occurrence %d out of range (%d candidates)",
				i+1, h.Occurrence.Index, result.Candidates)
		}
		if result.Confidence < confidence {
			confidence = result.Confidence
		}
		if result.Candidates > 1 && h.Occurrence.Kind == model.OccurrenceFirst {
			notes = append(notes, fmt.Sprintf("find block %d: %d candidates at tier %d, used first",
				i+1, result.Candidates, result.Tier))
		}

		// Splice back-to-front so earlier replacements cannot shift the
		// offsets of later spans.
		spans := append([]model.Span(nil), result.Spans...)
		sort.Slice(spans, func(a, b int) bool { return spans[a].Start > spans[b].Start })
		for _, span := range spans {
			content = content[:span.Start] + h.Put + content[span.End:]
		}
	}
	return content, confidence, notes, nil
}

// Plan is the dry run: it routes every directive through the matcher and
// diff generator without touching the filesystem.
func (e *Executor) Plan(directives []model.EditDirective) []model.FilePreview {
	previews := make([]model.FilePreview, 0, len(directives))
	// Later directives on the same path must preview against the output of
	// earlier ones, so planned content is carried forward per path.
	planned := make(map[string]string)

	for _, d := range directives {
		previews = append(previews, e.planOne(d, planned))
	}
	return previews
}

func (e *Executor) planOne(d model.EditDirective, planned map[string]string) model.FilePreview {
	p := model.FilePreview{TargetPath: d.TargetPath, Action: d.Action, Confidence: 1.0}

	path, err := e.ws.Abs(d.TargetPath)
	if err != nil {
		p.Err = err.Error()
		return p
	}
	current, exists, err := planContent(planned, d.TargetPath, path)
	if err != nil {
		p.Err = err.Error()
		return p
	}

	switch d.Action {
	case model.ActionCreate:
		if exists {
			if current == d.Content {
				return p // no-op success
			}
			p.Err = "file exists with different content"
			return p
		}
		previewChange(&p, "", d.Content, d.TargetPath)
		planned[d.TargetPath] = d.Content

	case model.ActionReplace:
		previewChange(&p, current, d.Content, d.TargetPath)
		planned[d.TargetPath] = d.Content

	case model.ActionPatch:
		if !exists {
			p.Err = "file does not exist"
			return p
		}
		updated, confidence, _, err := ApplyHunks(current, d.Hunks, e.opts.Threshold)
		if err != nil {
			p.Err = err.Error()
			return p
		}
		p.Confidence = confidence
		previewChange(&p, current, updated, d.TargetPath)
		planned[d.TargetPath] = updated

	case model.ActionDelete:
		if !exists {
			p.Err = "file does not exist"
		}

	case model.ActionMove:
		if !exists {
			p.Err = "file does not exist"
			return p
		}
		dest, err := e.ws.Abs(d.DestPath)
		if err != nil {
			p.Err = err.Error()
			return p
		}
		if fs.Exists(dest) {
			p.Err = fmt.Sprintf("destination %s already exists", d.DestPath)
		}
	}
	return p
}

// previewChange fills in the unified diff and the line-level add/remove
// tally for a content change.
func previewChange(p *model.FilePreview, original, updated, path string) {
	p.Diff, _ = diff.Unified(original, updated, path, 3)
	stats := diff.Count(diff.Lines(original, updated))
	p.Added, p.Removed = stats.Added, stats.Removed
}

func planContent(planned map[string]string, rel, path string) (string, bool, error) {
	if content, ok := planned[rel]; ok {
		return content, true, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// Revert replays a recorded batch in reverse, restoring every touched file
// from its backup key. Each file is its own independent operation; the
// returned batch records the pre-revert snapshots so the revert itself can
// be reverted (that is what redo is).
func (e *Executor) Revert(ctx context.Context, ops []history.Op, onProgress model.Progress) model.BatchResult {
	batch := model.BatchResult{
		BatchID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}

	var targets []history.Op
	for _, op := range ops {
		if op.Success {
			targets = append(targets, op)
		}
	}

	for i := len(targets) - 1; i >= 0; i-- {
		var res model.OperationResult
		select {
		case <-ctx.Done():
			op := targets[i]
			res = model.OperationResult{
				TargetPath: op.Path, DestPath: op.DestPath, Action: op.Action,
				Message: "cancelled before start",
			}
		default:
			res = e.revertOp(targets[i], batch.BatchID)
		}
		batch.Results = append(batch.Results, res)
		if onProgress != nil {
			onProgress(len(batch.Results), len(targets), res)
		}
	}
	return batch
}

func (e *Executor) revertOp(op history.Op, batchID string) model.OperationResult {
	start := time.Now()
	res := model.OperationResult{TargetPath: op.Path, DestPath: op.DestPath, Action: op.Action}
	defer func() { res.Duration = time.Since(start) }()

	switch {
	case op.Action == model.ActionMove:
		e.revertMove(&res, op, batchID)
	case op.BackupKey != "":
		e.revertRestore(&res, op, batchID)
	default:
		// No pre-change snapshot means the file did not exist before the
		// batch (create): reverting removes it.
		e.revertRemove(&res, op, batchID)
	}
	return res
}

// revertMove renames the file back. The recorded op moved Path to DestPath;
// its revert is a move from DestPath to Path, and is recorded as such so a
// redo swaps them again.
func (e *Executor) revertMove(res *model.OperationResult, op history.Op, batchID string) {
	src, err := e.ws.Abs(op.DestPath)
	if err != nil {
		res.Message = err.Error()
		return
	}
	dst, err := e.ws.Abs(op.Path)
	if err != nil {
		res.Message = err.Error()
		return
	}
	if !fs.Exists(src) {
		res.Message = fmt.Sprintf("moved file %s no longer exists", op.DestPath)
		return
	}
	if fs.Exists(dst) {
		res.Message = fmt.Sprintf("original path %s is occupied", op.Path)
		return
	}
	if msg, ok := checkUnmodified(src, op.Hash); !ok {
		res.Message = msg
		return
	}
	if err := e.retry(func() error { return os.Rename(src, dst) }); err != nil {
		res.Message = err.Error()
		return
	}
	// Record the inverse move.
	res.TargetPath, res.DestPath = op.DestPath, op.Path
	res.Hash = op.Hash
	res.Success = true
	res.Message = fmt.Sprintf("moved back to %s", op.Path)
}

func (e *Executor) revertRestore(res *model.OperationResult, op history.Op, batchID string) {
	path, err := e.ws.Abs(op.Path)
	if err != nil {
		res.Message = err.Error()
		return
	}

	data, err := e.store.Read(op.BackupKey)
	if err != nil {
		res.Message = err.Error() // includes "backup unavailable"
		return
	}

	if fs.Exists(path) {
		if msg, ok := checkUnmodified(path, op.Hash); !ok {
			res.Message = msg
			return
		}
		current, err := os.ReadFile(path)
		if err != nil {
			res.Message = fmt.Sprintf("could not snapshot current content: %v", err)
			return
		}
		key, err := e.store.Save(op.Path, batchID, current)
		if err != nil {
			res.Message = fmt.Sprintf("could not snapshot current content: %v", err)
			return
		}
		res.BackupKey = key
	}

	if err := fs.EnsureParent(path); err != nil {
		res.Message = err.Error()
		return
	}
	if err := e.retry(func() error { return os.WriteFile(path, data, 0o644) }); err != nil {
		res.Message = err.Error()
		return
	}
	res.Success = true
	res.Hash = fs.HashBytes(data)
	res.Message = "restored"
}

func (e *Executor) revertRemove(res *model.OperationResult, op history.Op, batchID string) {
	path, err := e.ws.Abs(op.Path)
	if err != nil {
		res.Message = err.Error()
		return
	}
	if !fs.Exists(path) {
		res.Success = true
		res.Message = "already absent"
		return
	}
	if msg, ok := checkUnmodified(path, op.Hash); !ok {
		res.Message = msg
		return
	}
	current, err := os.ReadFile(path)
	if err != nil {
		res.Message = fmt.Sprintf("could not snapshot current content: %v", err)
		return
	}
	key, err := e.store.Save(op.Path, batchID, current)
	if err != nil {
		res.Message = fmt.Sprintf("could not snapshot current content: %v", err)
		return
	}
	res.BackupKey = key
	if err := e.retry(func() error { return os.Remove(path) }); err != nil {
		res.Message = err.Error()
		return
	}
	res.Success = true
	res.Message = "removed"
}

// checkUnmodified guards replays against files edited outside sew since the
// batch ran. An empty recorded hash skips the check.
func checkUnmodified(path, recordedHash string) (string, bool) {
	if recordedHash == "" {
		return "", true
	}
	current, err := fs.HashFile(path)
	if err != nil {
		return fmt.Sprintf("could not hash %s: %v", path, err), false
	}
	if current != recordedHash {
		return "file modified outside sew since this batch; refusing to revert", false
	}
	return "", true
}
