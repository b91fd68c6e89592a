package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/twpayne/go-vfs"
)

var ErrLocked = errors.New("state file is locked by another run")

// LockedError reports the holder of an existing lock file.
type LockedError struct {
	Path   string
	Holder string
	Since  time.Time
}

func (e *LockedError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%s: %v", e.Path, ErrLocked)
	}
	return fmt.Sprintf("%s: %v (holder %s since %s)", e.Path, ErrLocked, e.Holder, e.Since.Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error {
	return ErrLocked
}

type lockInfo struct {
	Holder     string    `json:"holder"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// LockPath is the path of the lock file guarding the state file.
func (s *Store) LockPath() string {
	return s.Path + ".lock"
}

// Lock acquires the single-writer lock for the state file. The returned
// func releases it. A lock left behind by a crashed run must be removed by
// hand.
func (s *Store) Lock(_ context.Context, holder string) (func() error, error) {
	path := s.LockPath()

	if err := vfs.MkdirAll(s.fs, filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		locked := &LockedError{Path: path}
		if b, rerr := s.fs.ReadFile(path); rerr == nil {
			var info lockInfo
			if json.Unmarshal(b, &info) == nil {
				locked.Holder = info.Holder
				locked.Since = info.AcquiredAt
			}
		}
		return nil, locked
	}
	if err != nil {
		return nil, fmt.Errorf("creating lock file %s: %w", path, err)
	}

	b, err := json.Marshal(lockInfo{Holder: holder, PID: os.Getpid(), AcquiredAt: s.now().UTC()})
	if err == nil {
		_, err = f.Write(b)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.fs.Remove(path)
		return nil, fmt.Errorf("writing lock file %s: %w", path, err)
	}

	s.Logger.V(1).Info("state.lock", "path", path, "holder", holder)

	released := false
	return func() error {
		if released {
			return nil
		}
		released = true
		s.Logger.V(1).Info("state.unlock", "path", path, "holder", holder)
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}, nil
}
