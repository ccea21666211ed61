package fs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Workspace anchors every file operation to a single root directory.
// All target paths are workspace-relative and must stay inside the root.
type Workspace struct {
	root string
}

// NewWorkspace resolves root to an absolute path. An empty root falls back
// to the enclosing git repository, then to the current working directory.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		root = findGitRoot()
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("could not get current working directory: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q is not a directory", root)
	}
	return &Workspace{root: abs}, nil
}

// findGitRoot returns the top level of the enclosing git repository, or "".
func findGitRoot() string {
	out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Abs resolves a workspace-relative path to an absolute one, rejecting any
// path that escapes the root after lexical cleaning.
func (w *Workspace) Abs(rel string) (string, error) {
	if !Contained(rel) {
		return "", fmt.Errorf("path %q escapes the workspace root", rel)
	}
	return filepath.Join(w.root, filepath.FromSlash(rel)), nil
}

// Rel converts an absolute path back to workspace-relative form for display.
// Paths outside the root are returned unchanged.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return filepath.ToSlash(rel)
}

// Contained reports whether a relative path stays inside the workspace root
// after cleaning. Absolute paths and paths that resolve through ".." fail.
func Contained(rel string) bool {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return clean != "."
}

// EnsureParent creates the parent directory of path if it does not exist.
func EnsureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "/" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Exists reports whether path exists as a regular file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// HashFile returns the hex SHA-256 of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of content.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
