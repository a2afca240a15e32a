package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// staleLockAge is how old a lock file must be before another process may
// break it.
const staleLockAge = 10 * time.Minute

// dirLock serializes provisioning runs in one working directory across
// processes. In-process serialization per plan is the coordinator's job;
// this guards against a second terrachat process on the same machine.
type dirLock struct {
	path string
}

func newDirLock(dir string) *dirLock {
	return &dirLock{path: filepath.Join(dir, ".terrachat.lock")}
}

// acquire takes the lock or fails if another live process holds it.
func (l *dirLock) acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(l.path); err == nil {
		// A lock this old belongs to a dead process.
		if time.Since(info.ModTime()) > staleLockAge {
			os.Remove(l.path)
		} else {
			return fmt.Errorf("workspace is locked by another process (lock file: %s). "+
				"If this is an error, remove the lock file manually", l.path)
		}
	}

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(l.path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	return nil
}

// release removes the lock file.
func (l *dirLock) release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
