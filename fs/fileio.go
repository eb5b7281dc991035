package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	retry "github.com/sethvargo/go-retry"

	"github.com/sharedcode/objstore"
)

// FileIO defines filesystem operations used by this package. The default
// implementation delegates to the standard library's os package with retry
// semantics for transient errors.
type FileIO interface {
	WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	Remove(ctx context.Context, name string) error
	Rename(ctx context.Context, oldName, newName string) error
	// Exists reports whether path is present. Errors other than not-exist are returned.
	Exists(ctx context.Context, path string) (bool, error)

	// Directory API.
	RemoveAll(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error
	ReadDir(ctx context.Context, sourceDir string) ([]os.DirEntry, error)
}

type defaultFileIO struct {
}

// NewFileIO returns a FileIO that performs I/O via the os package with basic
// retry handling for transient errors.
func NewFileIO() FileIO {
	return &defaultFileIO{}
}

// retryIO runs task under objstore.Retry. Transient failures are retried as FileIOError, permanent ones
// (e.g. os.ErrNotExist) are returned as is on the first attempt.
func retryIO(ctx context.Context, task func() error) error {
	return objstore.Retry(ctx, func(context.Context) error {
		err := task()
		if objstore.ShouldRetry(err) {
			return retry.RetryableError(
				objstore.Error{
					Code: objstore.FileIOError,
					Err:  err,
				})
		}
		return err
	}, nil)
}

func (dio defaultFileIO) WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(name, data, perm); err != nil {
		dirPath := filepath.Dir(name)
		if derr := dio.MkdirAll(ctx, dirPath, dirPermission(perm)); derr == nil {
			return retryIO(ctx, func() error {
				return os.WriteFile(name, data, perm)
			})
		}
		return err
	}
	return nil
}

func (dio defaultFileIO) ReadFile(ctx context.Context, name string) ([]byte, error) {
	var ba []byte
	err := retryIO(ctx, func() error {
		var err error
		ba, err = os.ReadFile(name)
		return err
	})
	return ba, err
}

func (dio defaultFileIO) Remove(ctx context.Context, name string) error {
	return retryIO(ctx, func() error {
		return os.Remove(name)
	})
}

func (dio defaultFileIO) Rename(ctx context.Context, oldName, newName string) error {
	return retryIO(ctx, func() error {
		return os.Rename(oldName, newName)
	})
}

func (dio defaultFileIO) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return retryIO(ctx, func() error {
		return os.MkdirAll(path, perm)
	})
}

func (dio defaultFileIO) RemoveAll(ctx context.Context, path string) error {
	return retryIO(ctx, func() error {
		return os.RemoveAll(path)
	})
}

func (dio defaultFileIO) Exists(ctx context.Context, path string) (bool, error) {
	var found bool
	err := retryIO(ctx, func() error {
		_, err := os.Stat(path)
		found = err == nil
		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return found, err
}

func (dio defaultFileIO) ReadDir(ctx context.Context, sourceDir string) ([]os.DirEntry, error) {
	var r []os.DirEntry
	err := retryIO(ctx, func() error {
		var err error
		r, err = os.ReadDir(sourceDir)
		return err
	})
	return r, err
}

// dirPermission adds the search bit wherever perm grants read access.
func dirPermission(perm os.FileMode) os.FileMode {
	return perm | (perm&0o444)>>2
}
