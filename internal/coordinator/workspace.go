package coordinator

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrMergeConflict is returned when an isolated workspace and the shared
// workspace disagree on a file's content.
type ErrMergeConflict struct {
	Path string
}

func (e ErrMergeConflict) Error() string {
	return fmt.Sprintf("workspace merge conflict on %s", e.Path)
}

// prepareWorkspace creates an isolated directory for one work item's
// attempts. Parallel attempts never share a directory.
func prepareWorkspace(root, scopeID, workItemID string) (string, error) {
	dir := filepath.Join(root, "work", scopeID, workItemID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

func sharedWorkspace(root, scopeID string) string {
	return filepath.Join(root, "shared", scopeID)
}

// mergeWorkspace reconciles an isolated workspace into the scope's shared
// workspace. A file that already exists with different content is a conflict;
// nothing is overwritten silently and the merge stops at the first conflict.
func mergeWorkspace(isolated, shared string) error {
	if err := os.MkdirAll(shared, 0o755); err != nil {
		return fmt.Errorf("create shared workspace: %w", err)
	}
	return filepath.WalkDir(isolated, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(isolated, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(shared, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read workspace file: %w", err)
		}
		existing, err := os.ReadFile(dest)
		if err == nil {
			if bytes.Equal(existing, src) {
				return nil
			}
			return ErrMergeConflict{Path: rel}
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("read shared file: %w", err)
		}
		if err := os.WriteFile(dest, src, 0o644); err != nil {
			return fmt.Errorf("write shared file: %w", err)
		}
		return nil
	})
}
