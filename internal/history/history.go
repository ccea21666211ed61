// Package history keeps the append-only ledger of applied batches and
// decides which batch an undo or redo should target. Records are only ever
// removed by explicit retention pruning.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sew/model"
)

const (
	StateDirName   = ".sew"
	ledgerFileName = "history.json"
	BackupDirName  = "backups"
)

// ErrEmpty is returned when there is no batch left to undo or redo.
var ErrEmpty = errors.New("no batch to operate on")

// Kind distinguishes how a record came to be.
type Kind string

const (
	KindApply Kind = "apply"
	KindUndo  Kind = "undo"
	KindRedo  Kind = "redo"
)

// Op is the persisted trace of one directive: enough to replay its restore
// without re-parsing the original patch text.
type Op struct {
	Path      string       `json:"path"`
	DestPath  string       `json:"dest_path,omitempty"`
	Action    model.Action `json:"action"`
	BackupKey string       `json:"backup_key,omitempty"`
	Hash      string       `json:"hash,omitempty"` // content hash after the batch
	Success   bool         `json:"success"`
	Message   string       `json:"message,omitempty"`
}

// Record is one persisted batch. Undone flips exactly once, when an undo
// (or redo, for undo records) consumes it.
type Record struct {
	BatchID   string    `json:"batch_id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Undone    bool      `json:"undone"`
	Ops       []Op      `json:"ops"`
}

// Ledger reads and writes the history file inside the workspace state dir.
type Ledger struct {
	path    string
	records []Record
}

// Open loads the ledger from stateDir, starting fresh when none exists.
func Open(stateDir string) (*Ledger, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create state directory: %w", err)
	}
	l := &Ledger{path: filepath.Join(stateDir, ledgerFileName)}

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &l.records); err != nil {
		return nil, fmt.Errorf("corrupt history file %s: %w", l.path, err)
	}
	return l, nil
}

func (l *Ledger) save() error {
	data, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0o644)
}

// Append records a finished batch.
func (l *Ledger) Append(kind Kind, batchID string, timestamp time.Time, ops []Op) error {
	l.records = append(l.records, Record{
		BatchID:   batchID,
		Kind:      kind,
		Timestamp: timestamp,
		Ops:       ops,
	})
	return l.save()
}

// Records returns the ledger newest-first for display.
func (l *Ledger) Records() []Record {
	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[len(l.records)-1-i] = r
	}
	return out
}

// LastUndoable returns the most recent apply or redo record that has not
// been undone yet.
func (l *Ledger) LastUndoable() (*Record, error) {
	for i := len(l.records) - 1; i >= 0; i-- {
		r := &l.records[i]
		if !r.Undone && (r.Kind == KindApply || r.Kind == KindRedo) {
			return r, nil
		}
	}
	return nil, ErrEmpty
}

// LastRedoable returns the most recent undo record that has not itself been
// reverted.
func (l *Ledger) LastRedoable() (*Record, error) {
	for i := len(l.records) - 1; i >= 0; i-- {
		r := &l.records[i]
		if !r.Undone && r.Kind == KindUndo {
			return r, nil
		}
	}
	return nil, ErrEmpty
}

// MarkUndone flags a record as consumed and persists the change.
func (l *Ledger) MarkUndone(batchID string) error {
	for i := range l.records {
		if l.records[i].BatchID == batchID {
			l.records[i].Undone = true
			return l.save()
		}
	}
	return fmt.Errorf("unknown batch %s", batchID)
}

// Prune drops records beyond maxBatches or older than maxAge and returns the
// backup keys they owned so the caller can delete the snapshots. Zero values
// disable the respective limit.
func (l *Ledger) Prune(maxBatches int, maxAge time.Duration) ([]string, error) {
	keep := l.records
	var dropped []Record

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		i := 0
		for i < len(keep) && keep[i].Timestamp.Before(cutoff) {
			i++
		}
		dropped = append(dropped, keep[:i]...)
		keep = keep[i:]
	}
	if maxBatches > 0 && len(keep) > maxBatches {
		over := len(keep) - maxBatches
		dropped = append(dropped, keep[:over]...)
		keep = keep[over:]
	}
	if len(dropped) == 0 {
		return nil, nil
	}

	l.records = append([]Record(nil), keep...)
	if err := l.save(); err != nil {
		return nil, err
	}

	var keys []string
	for _, r := range dropped {
		for _, op := range r.Ops {
			if op.BackupKey != "" {
				keys = append(keys, op.BackupKey)
			}
		}
	}
	return keys, nil
}

// OpsFromBatch converts executor results into persisted ops.
func OpsFromBatch(batch model.BatchResult) []Op {
	ops := make([]Op, 0, len(batch.Results))
	for _, r := range batch.Results {
		ops = append(ops, Op{
			Path:      r.TargetPath,
			DestPath:  r.DestPath,
			Action:    r.Action,
			BackupKey: r.BackupKey,
			Hash:      r.Hash,
			Success:   r.Success,
			Message:   r.Message,
		})
	}
	return ops
}
