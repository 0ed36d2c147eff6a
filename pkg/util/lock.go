package util

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

var ErrLocked = errors.New("lock file is held by another process")

// LockFile takes a non-blocking exclusive lock on path, creating its parent
// directory when needed.
func LockFile(path string) (fileLock *flock.Flock, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "cannot create directory %v", filepath.Dir(path))
	}

	fileLock = flock.New(path)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch the file lock %v", path)
	}
	if !locked {
		return nil, errors.Wrapf(ErrLocked, "%v", path)
	}
	return fileLock, nil
}

func UnlockFile(fileLock *flock.Flock) error {
	if err := fileLock.Unlock(); err != nil {
		return errors.Wrapf(err, "failed to release the file lock %v", fileLock.Path())
	}
	if err := os.Remove(fileLock.Path()); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("Failed to remove lock file %v since %v", fileLock.Path(), err)
	}
	return nil
}
