// Package filestore implements storage.Provider against a plain
// directory of JSON files, grounded on the teacher's
// internal/persistence/store.go (JSON marshal/write) and
// internal/tasks/store.go (per-entity persistence). Unlike the
// teacher's JSONStore, nothing is debounced: every mutation writes
// synchronously, and those that participate in the lease protocol do
// so under a per-project advisory lock so that assignTask stays
// linearizable.
//
// No file-locking library appears anywhere in the retrieval pack, so
// the lock below is implemented on the standard library alone: a
// lockfile created with O_EXCL, spun on with a short sleep until
// acquired or the timeout elapses.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskdriver/taskdriver/internal/apperrors"
)

const lockPollInterval = 10 * time.Millisecond

type projectLock struct {
	path string
}

func acquireLock(dir string, timeout time.Duration) (*projectLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.NewStorageError(err, "create project directory")
	}
	lockPath := filepath.Join(dir, ".lock")
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &projectLock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, apperrors.NewStorageError(err, "create lockfile")
		}
		if time.Now().After(deadline) {
			return nil, apperrors.NewLockError("timed out acquiring lock on %s", dir)
		}
		time.Sleep(lockPollInterval)
	}
}

func (l *projectLock) release() {
	_ = os.Remove(l.path)
}

// atomicWriteJSON writes data to path via a temp file in the same
// directory followed by rename, matching the spec's "atomic via
// write-then-rename" requirement.
func atomicWriteJSON(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
