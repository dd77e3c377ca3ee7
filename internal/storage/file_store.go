package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// FileStore keeps each value in a file below root. Keys are slash-separated
// paths relative to root.
type FileStore struct {
	root string
	mu   sync.Mutex // serializes directory creation and pruning
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *FileStore) Root() string {
	return f.root
}

// Path maps a key to its file, rejecting keys that leave the root.
func (f *FileStore) Path(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	full := filepath.Join(f.root, filepath.FromSlash(key))
	if full == f.root || !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return full, nil
}

// Get reads the whole file behind key.
func (f *FileStore) Get(key string) ([]byte, error) {
	full, err := f.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	return data, err
}

// Open opens the file behind key for reading.
func (f *FileStore) Open(key string) (io.ReadCloser, error) {
	full, err := f.Path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Put writes value to the file behind key.
func (f *FileStore) Put(key string, value []byte) error {
	_, err := f.Write(key, bytes.NewReader(value))
	return err
}

// Write streams r into a temporary file next to key and renames it into place.
func (f *FileStore) Write(key string, r io.Reader) (int64, error) {
	full, err := f.Path(key)
	if err != nil {
		return 0, err
	}

	// The temporary file keeps the directory from being pruned by Delete
	// until the rename, so it is created under the same lock.
	f.mu.Lock()
	tmp, err := f.createTemp(filepath.Dir(full))
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), full)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (f *FileStore) createTemp(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, ".part-*")
}

// Delete removes the file behind key, then the parent directories the removal
// left empty, stopping at the root.
func (f *FileStore) Delete(key string) error {
	full, err := f.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for dir := filepath.Dir(full); dir != f.root && strings.HasPrefix(dir, f.root); dir = filepath.Dir(dir) {
		err := os.Remove(dir)
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, unix.ENOTEMPTY) && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("prune %s: %w", dir, err)
		}
		break
	}
	return nil
}

// List walks the root and returns every regular file as a key.
func (f *FileStore) List() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".part-") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys, err
}

// Stats counts files and bytes under the root. Walk errors yield zero stats.
func (f *FileStore) Stats() StoreStats {
	var stats StoreStats
	keys, err := f.List()
	if err != nil {
		return stats
	}
	for _, key := range keys {
		full, _ := f.Path(key)
		if info, err := os.Stat(full); err == nil {
			stats.Keys++
			stats.Bytes += info.Size()
		}
	}
	return stats
}
