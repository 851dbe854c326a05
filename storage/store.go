// Package storage abstracts the object store output files are written
// to. The writer only needs sequential object creation; listing exists
// for tooling and tests.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Name string
	Size int64
}

// Store is a minimal object store: create an object by name and stream
// its content, and list what exists.
type Store interface {
	// Create opens a new object for writing. The local store creates the
	// file at once; the S3 store makes the object visible once the
	// returned writer is closed.
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	// List returns all objects in the store.
	List(ctx context.Context) ([]ObjectInfo, error)
}

// LocalStore writes objects as files under a directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the directory if needed and returns a store over
// it.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

// Create opens a file under the store directory.
func (m *LocalStore) Create(_ context.Context, name string) (io.WriteCloser, error) {
	f, err := os.Create(filepath.Join(m.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create object %s: %w", name, err)
	}
	return f, nil
}

// List returns the regular files in the store directory.
func (m *LocalStore) List(_ context.Context) ([]ObjectInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	objects := make([]ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		objects = append(objects, ObjectInfo{Name: entry.Name(), Size: info.Size()})
	}
	return objects, nil
}
