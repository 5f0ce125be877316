// Package storage implements the object storage collaborator on the
// local filesystem: flow files on upload, result archives on cleanup.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentflow/runner/internal/errs"
)

// Local stores objects under a root directory. Paths are slash-relative
// keys; traversal outside the root is rejected.
type Local struct {
	root   string
	logger *zap.Logger
}

// NewLocal creates the store, ensuring the root exists.
func NewLocal(root string, logger *zap.Logger) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: root, logger: logger}, nil
}

func (l *Local) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(key, "..") {
		return "", errs.Newf(errs.KindValidationFailed, "invalid object key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

// Put writes an object, creating parent directories as needed.
func (l *Local) Put(ctx context.Context, key string, r io.Reader) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, "mkdir", err)
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, "create object", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.Wrap(errs.KindStorageUnavailable, "write object", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.KindStorageUnavailable, "close object", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.KindStorageUnavailable, "finalize object", err)
	}
	return nil
}

// Get opens an object for reading; the caller closes it.
func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errs.Newf(errs.KindNotFound, "object %s not found", key)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageUnavailable, "open object", err)
	}
	return f, nil
}

// CopyTo materializes an object at an absolute filesystem destination,
// used when provisioning a task working directory.
func (l *Local) CopyTo(ctx context.Context, key, dst string) error {
	src, err := l.Get(ctx, key)
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, "create destination", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, "copy object", err)
	}
	return nil
}

// Delete removes an object or an object prefix (directory).
func (l *Local) Delete(ctx context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return errs.Wrap(errs.KindStorageUnavailable, "delete object", err)
	}
	return nil
}
