package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sew/internal/backup"
	"sew/internal/fs"
	"sew/internal/history"
	"sew/internal/match"
	"sew/model"
)

type harness struct {
	dir   string
	ws    *fs.Workspace
	store *backup.Store
	exec  *Executor
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	ws, err := fs.NewWorkspace(dir)
	require.NoError(t, err)
	store, err := backup.NewStore(filepath.Join(dir, ".sew", "backups"))
	require.NoError(t, err)
	return &harness{dir: dir, ws: ws, store: store, exec: New(ws, store, opts)}
}

func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(h.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (h *harness) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, rel))
	require.NoError(t, err)
	return string(data)
}

func (h *harness) backupCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(h.dir, ".sew", "backups"))
	require.NoError(t, err)
	return len(entries)
}

func patchDirective(path, find, put string) model.EditDirective {
	return model.EditDirective{
		TargetPath: path,
		Action:     model.ActionPatch,
		Hunks: []model.Hunk{{
			Find:       find,
			Put:        put,
			Occurrence: model.Occurrence{Kind: model.OccurrenceFirst},
		}},
	}
}

func TestExecutePatchExact(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "main.go", "func main() {\n\tprint(\"hello\")\n}\n")

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		patchDirective("main.go", "\tprint(\"hello\")\n", "\tprint(\"hello world\")\n"),
	}, nil)

	require.Len(t, batch.Results, 1)
	res := batch.Results[0]
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "confidence 1.00")
	assert.NotEmpty(t, res.BackupKey)
	assert.Equal(t, "func main() {\n\tprint(\"hello world\")\n}\n", h.read(t, "main.go"))

	// The backup holds the pre-patch content.
	snap, err := h.store.Read(res.BackupKey)
	require.NoError(t, err)
	assert.Equal(t, "func main() {\n\tprint(\"hello\")\n}\n", string(snap))
}

func TestExecutePatchNoMatchLeavesFileAlone(t *testing.T) {
	h := newHarness(t, Options{})
	original := "completely unrelated content\n"
	h.write(t, "a.go", original)

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		patchDirective("a.go", "this text appears nowhere in the file\n", "x\n"),
	}, nil)

	res := batch.Results[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no match")
	assert.Empty(t, res.BackupKey)
	assert.Equal(t, original, h.read(t, "a.go"))
	assert.Equal(t, 0, h.backupCount(t), "a failed match must not leave a snapshot")
}

func TestExecutePartialBatchFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "good.go", "alpha\n")
	h.write(t, "bad.go", "beta\n")

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		patchDirective("good.go", "alpha\n", "ALPHA\n"),
		patchDirective("bad.go", "totally absent pattern here\n", "x\n"),
		{TargetPath: "fresh.go", Action: model.ActionCreate, Content: "gamma\n"},
	}, nil)

	assert.Len(t, batch.Succeeded(), 2)
	assert.Len(t, batch.Failed(), 1)
	assert.Equal(t, "ALPHA\n", h.read(t, "good.go"))
	assert.Equal(t, "beta\n", h.read(t, "bad.go"))
	assert.Equal(t, "gamma\n", h.read(t, "fresh.go"))
}

func TestExecuteCreate(t *testing.T) {
	h := newHarness(t, Options{})
	d := model.EditDirective{TargetPath: "pkg/new.go", Action: model.ActionCreate, Content: "package pkg\n"}

	batch := h.exec.Execute(context.Background(), []model.EditDirective{d}, nil)
	require.True(t, batch.Results[0].Success)
	assert.Equal(t, "package pkg\n", h.read(t, "pkg/new.go"))

	t.Run("identical content is a no-op", func(t *testing.T) {
		batch := h.exec.Execute(context.Background(), []model.EditDirective{d}, nil)
		res := batch.Results[0]
		assert.True(t, res.Success)
		assert.Equal(t, "already up to date", res.Message)
	})

	t.Run("different content fails", func(t *testing.T) {
		other := d
		other.Content = "package other\n"
		batch := h.exec.Execute(context.Background(), []model.EditDirective{other}, nil)
		res := batch.Results[0]
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "use replace")
		assert.Equal(t, "package pkg\n", h.read(t, "pkg/new.go"))
	})
}

func TestExecuteReplace(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "a.go", "old\n")

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		{TargetPath: "a.go", Action: model.ActionReplace, Content: "new\n"},
		{TargetPath: "missing.go", Action: model.ActionReplace, Content: "born\n"},
	}, nil)

	assert.True(t, batch.Results[0].Success)
	assert.NotEmpty(t, batch.Results[0].BackupKey)
	assert.Equal(t, "new\n", h.read(t, "a.go"))

	assert.True(t, batch.Results[1].Success)
	assert.Empty(t, batch.Results[1].BackupKey)
	assert.Equal(t, "born\n", h.read(t, "missing.go"))
}

func TestExecuteDeleteAndMove(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "doomed.go", "bye\n")
	h.write(t, "wander.go", "walk\n")
	h.write(t, "blocked.go", "nope\n")
	h.write(t, "occupied.go", "here\n")

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		{TargetPath: "doomed.go", Action: model.ActionDelete},
		{TargetPath: "wander.go", Action: model.ActionMove, DestPath: "sub/wander.go"},
		{TargetPath: "blocked.go", Action: model.ActionMove, DestPath: "occupied.go"},
		{TargetPath: "ghost.go", Action: model.ActionDelete},
	}, nil)

	assert.True(t, batch.Results[0].Success)
	assert.False(t, fs.Exists(filepath.Join(h.dir, "doomed.go")))

	assert.True(t, batch.Results[1].Success)
	assert.Equal(t, "walk\n", h.read(t, "sub/wander.go"))
	assert.False(t, fs.Exists(filepath.Join(h.dir, "wander.go")))

	assert.False(t, batch.Results[2].Success)
	assert.Contains(t, batch.Results[2].Message, "already exists")
	assert.Equal(t, "nope\n", h.read(t, "blocked.go"))

	assert.False(t, batch.Results[3].Success)
	assert.Contains(t, batch.Results[3].Message, "does not exist")
}

func TestExecuteSameFileOrdering(t *testing.T) {
	// The second directive must see the first one's output.
	run := func(t *testing.T, workers int) {
		h := newHarness(t, Options{Workers: workers})
		h.write(t, "a.go", "one\n")

		batch := h.exec.Execute(context.Background(), []model.EditDirective{
			patchDirective("a.go", "one\n", "two\n"),
			patchDirective("a.go", "two\n", "three\n"),
		}, nil)

		assert.True(t, batch.Results[0].Success, batch.Results[0].Message)
		assert.True(t, batch.Results[1].Success, batch.Results[1].Message)
		assert.Equal(t, "three\n", h.read(t, "a.go"))
	}

	t.Run("sequential", func(t *testing.T) { run(t, 1) })
	t.Run("worker pool", func(t *testing.T) { run(t, 4) })
}

func TestExecuteWorkerPoolCoversAllDirectives(t *testing.T) {
	h := newHarness(t, Options{Workers: 3})

	var directives []model.EditDirective
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		h.write(t, name+".go", "seed "+name+"\n")
		directives = append(directives, patchDirective(name+".go", "seed "+name+"\n", "done "+name+"\n"))
	}

	batch := h.exec.Execute(context.Background(), directives, nil)
	require.Len(t, batch.Results, len(directives))
	for i, res := range batch.Results {
		assert.True(t, res.Success, "directive %d: %s", i, res.Message)
		assert.Equal(t, directives[i].TargetPath, res.TargetPath, "results must stay in source order")
	}
}

func TestExecuteWorkerPoolProgressOrdering(t *testing.T) {
	h := newHarness(t, Options{Workers: 8})

	var directives []model.EditDirective
	for i := 0; i < 26; i++ {
		name := fmt.Sprintf("%c.go", 'a'+i)
		h.write(t, name, "seed\n")
		directives = append(directives, patchDirective(name, "seed\n", "done\n"))
	}

	// The callback contract is synchronous: no locking on the caller's
	// side, and done values arrive as a strict 1..N sequence even with the
	// pool fanned out.
	count := 0
	var seen []int
	batch := h.exec.Execute(context.Background(), directives, func(done, total int, latest model.OperationResult) {
		count++
		seen = append(seen, done)
		assert.Equal(t, len(directives), total)
	})

	require.Len(t, batch.Succeeded(), len(directives))
	assert.Equal(t, len(directives), count)
	require.Len(t, seen, len(directives))
	for i, done := range seen {
		assert.Equal(t, i+1, done, "completions must be delivered in order")
	}
}

func TestExecuteCancelled(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "a.go", "content\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch := h.exec.Execute(ctx, []model.EditDirective{
		patchDirective("a.go", "content\n", "changed\n"),
	}, nil)

	res := batch.Results[0]
	assert.False(t, res.Success)
	assert.Equal(t, "cancelled before start", res.Message)
	assert.Equal(t, "content\n", h.read(t, "a.go"))
}

func TestExecuteProgressCallback(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "a.go", "x\n")
	h.write(t, "b.go", "y\n")

	var calls []int
	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		patchDirective("a.go", "x\n", "X\n"),
		patchDirective("b.go", "y\n", "Y\n"),
	}, func(done, total int, latest model.OperationResult) {
		calls = append(calls, done)
		assert.Equal(t, 2, total)
	})

	assert.Len(t, batch.Succeeded(), 2)
	sort.Ints(calls)
	assert.Equal(t, []int{1, 2}, calls)
}

func TestApplyHunksSequential(t *testing.T) {
	content := "a\nb\nc\n"
	hunks := []model.Hunk{
		{Find: "b\n", Put: "B\n", Occurrence: model.Occurrence{Kind: model.OccurrenceFirst}},
		{Find: "B\n", Put: "BB\n", Occurrence: model.Occurrence{Kind: model.OccurrenceFirst}},
	}
	out, confidence, notes, err := ApplyHunks(content, hunks, match.DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, "a\nBB\nc\n", out)
	assert.Equal(t, 1.0, confidence)
	assert.Empty(t, notes)
}

func TestApplyHunksAllOccurrences(t *testing.T) {
	content := "x\nmark\ny\nmark\n"
	hunks := []model.Hunk{
		{Find: "mark\n", Put: "replaced\n", Occurrence: model.Occurrence{Kind: model.OccurrenceAll}},
	}
	out, _, _, err := ApplyHunks(content, hunks, match.DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, "x\nreplaced\ny\nreplaced\n", out)
}

func TestApplyHunksAmbiguityNote(t *testing.T) {
	content := "mark\nmark\n"
	hunks := []model.Hunk{
		{Find: "mark\n", Put: "first\n", Occurrence: model.Occurrence{Kind: model.OccurrenceFirst}},
	}
	out, _, notes, err := ApplyHunks(content, hunks, match.DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, "first\nmark\n", out)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "2 candidates")
}

func TestApplyHunksIndexOutOfRange(t *testing.T) {
	_, _, _, err := ApplyHunks("mark\n", []model.Hunk{
		{Find: "mark\n", Put: "x\n", Occurrence: model.Occurrence{Kind: model.OccurrenceIndex, Index: 3}},
	}, match.DefaultThreshold)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestPlanDoesNotTouchFiles(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "a.go", "alpha\n")

	previews := h.exec.Plan([]model.EditDirective{
		patchDirective("a.go", "alpha\n", "beta\n"),
		{TargetPath: "new.go", Action: model.ActionCreate, Content: "fresh\n"},
		{TargetPath: "gone.go", Action: model.ActionDelete},
	})

	require.Len(t, previews, 3)
	assert.Contains(t, previews[0].Diff, "-alpha")
	assert.Contains(t, previews[0].Diff, "+beta")
	assert.Empty(t, previews[0].Err)
	assert.Equal(t, 1, previews[0].Added)
	assert.Equal(t, 1, previews[0].Removed)
	assert.Contains(t, previews[1].Diff, "+fresh")
	assert.Equal(t, 1, previews[1].Added)
	assert.Equal(t, 0, previews[1].Removed)
	assert.Contains(t, previews[2].Err, "does not exist")

	// Nothing on disk changed and no backups were taken.
	assert.Equal(t, "alpha\n", h.read(t, "a.go"))
	assert.False(t, fs.Exists(filepath.Join(h.dir, "new.go")))
	assert.Equal(t, 0, h.backupCount(t))
}

func TestPlanCarriesContentForward(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "a.go", "one\n")

	previews := h.exec.Plan([]model.EditDirective{
		patchDirective("a.go", "one\n", "two\n"),
		patchDirective("a.go", "two\n", "three\n"),
	})

	require.Len(t, previews, 2)
	assert.Empty(t, previews[0].Err)
	assert.Empty(t, previews[1].Err, "second preview must see the first one's output")
	assert.Contains(t, previews[1].Diff, "+three")
}

func TestRevertRestoresBatch(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "main.go", "print(\"hello\")\n")

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		patchDirective("main.go", "print(\"hello\")\n", "print(\"goodbye\")\n"),
		{TargetPath: "extra.go", Action: model.ActionCreate, Content: "temp\n"},
	}, nil)
	require.Len(t, batch.Succeeded(), 2)

	revert := h.exec.Revert(context.Background(), history.OpsFromBatch(batch), nil)
	require.Len(t, revert.Results, 2)
	for _, res := range revert.Results {
		assert.True(t, res.Success, res.Message)
	}

	assert.Equal(t, "print(\"hello\")\n", h.read(t, "main.go"))
	assert.False(t, fs.Exists(filepath.Join(h.dir, "extra.go")), "created file must be removed by undo")
}

func TestRevertSkipsFailedOps(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "ok.go", "fine\n")

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		patchDirective("ok.go", "fine\n", "FINE\n"),
		patchDirective("broken.go", "anything\n", "x\n"),
	}, nil)
	require.Len(t, batch.Succeeded(), 1)

	revert := h.exec.Revert(context.Background(), history.OpsFromBatch(batch), nil)
	require.Len(t, revert.Results, 1, "failed ops have nothing to revert")
	assert.Equal(t, "ok.go", revert.Results[0].TargetPath)
	assert.Equal(t, "fine\n", h.read(t, "ok.go"))
}

func TestRevertIsItselfRevertible(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "a.go", "v1\n")

	apply := h.exec.Execute(context.Background(), []model.EditDirective{
		patchDirective("a.go", "v1\n", "v2\n"),
	}, nil)
	require.Len(t, apply.Succeeded(), 1)

	undo := h.exec.Revert(context.Background(), history.OpsFromBatch(apply), nil)
	require.True(t, undo.Results[0].Success, undo.Results[0].Message)
	require.Equal(t, "v1\n", h.read(t, "a.go"))

	redo := h.exec.Revert(context.Background(), history.OpsFromBatch(undo), nil)
	require.True(t, redo.Results[0].Success, redo.Results[0].Message)
	assert.Equal(t, "v2\n", h.read(t, "a.go"))
}

func TestRevertMoveAndBack(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "old/name.go", "payload\n")

	apply := h.exec.Execute(context.Background(), []model.EditDirective{
		{TargetPath: "old/name.go", Action: model.ActionMove, DestPath: "new/name.go"},
	}, nil)
	require.True(t, apply.Results[0].Success, apply.Results[0].Message)

	undo := h.exec.Revert(context.Background(), history.OpsFromBatch(apply), nil)
	require.True(t, undo.Results[0].Success, undo.Results[0].Message)
	assert.Equal(t, "payload\n", h.read(t, "old/name.go"))
	assert.False(t, fs.Exists(filepath.Join(h.dir, "new/name.go")))

	redo := h.exec.Revert(context.Background(), history.OpsFromBatch(undo), nil)
	require.True(t, redo.Results[0].Success, redo.Results[0].Message)
	assert.Equal(t, "payload\n", h.read(t, "new/name.go"))
}

func TestRevertRefusesExternallyModifiedFile(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "a.go", "original\n")

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		patchDirective("a.go", "original\n", "patched\n"),
	}, nil)
	require.Len(t, batch.Succeeded(), 1)

	// Someone edits the file between apply and undo.
	h.write(t, "a.go", "hand edited\n")

	revert := h.exec.Revert(context.Background(), history.OpsFromBatch(batch), nil)
	res := revert.Results[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "modified outside")
	assert.Equal(t, "hand edited\n", h.read(t, "a.go"))
}

func TestRevertWithPurgedBackup(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "a.go", "original\n")

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		patchDirective("a.go", "original\n", "patched\n"),
	}, nil)
	require.Len(t, batch.Succeeded(), 1)
	require.NoError(t, h.store.Remove(batch.Results[0].BackupKey))

	revert := h.exec.Revert(context.Background(), history.OpsFromBatch(batch), nil)
	res := revert.Results[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "backup unavailable")
	assert.Equal(t, "patched\n", h.read(t, "a.go"))
}

func TestRevertFailureIsolation(t *testing.T) {
	h := newHarness(t, Options{})
	h.write(t, "a.go", "a1\n")
	h.write(t, "b.go", "b1\n")

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		patchDirective("a.go", "a1\n", "a2\n"),
		patchDirective("b.go", "b1\n", "b2\n"),
	}, nil)
	require.Len(t, batch.Succeeded(), 2)

	// Purge only one backup; the other file must still be restored.
	require.NoError(t, h.store.Remove(batch.Results[0].BackupKey))

	revert := h.exec.Revert(context.Background(), history.OpsFromBatch(batch), nil)
	require.Len(t, revert.Results, 2)

	byPath := map[string]model.OperationResult{}
	for _, res := range revert.Results {
		byPath[res.TargetPath] = res
	}
	assert.False(t, byPath["a.go"].Success)
	assert.True(t, byPath["b.go"].Success, byPath["b.go"].Message)
	assert.Equal(t, "a2\n", h.read(t, "a.go"))
	assert.Equal(t, "b1\n", h.read(t, "b.go"))
}

func TestExecuteRetriesExhaustedMessage(t *testing.T) {
	h := newHarness(t, Options{Retries: 2, Backoff: 1})
	if os.Getuid() == 0 {
		t.Skip("permission denial does not apply to root")
	}
	h.write(t, "dir/locked.go", "content\n")
	require.NoError(t, os.Chmod(filepath.Join(h.dir, "dir"), 0o555))
	t.Cleanup(func() { os.Chmod(filepath.Join(h.dir, "dir"), 0o755) })

	batch := h.exec.Execute(context.Background(), []model.EditDirective{
		{TargetPath: "dir/locked.go", Action: model.ActionDelete},
	}, nil)

	res := batch.Results[0]
	assert.False(t, res.Success)
	assert.True(t, strings.Contains(res.Message, "retries exhausted") ||
		strings.Contains(res.Message, "permission"), res.Message)
}
