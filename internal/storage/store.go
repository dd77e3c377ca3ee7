package storage

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrInvalidKey is returned for empty keys or keys escaping the store root
var ErrInvalidKey = errors.New("invalid key")

// Store holds the bytes of cached archives.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key string, value []byte) error

	// Open returns a reader over the value of key
	// Returns ErrKeyNotFound if the key doesn't exist
	Open(key string) (io.ReadCloser, error)

	// Write streams r into key and returns the number of bytes written
	Write(key string, r io.Reader) (int64, error)

	// Delete removes a key
	// No error if key doesn't exist
	Delete(key string) error

	// List returns all keys in the store
	// Order is not guaranteed
	List() ([]string, error)

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int   // Number of keys
	Bytes int64 // Total size of all values in bytes
}

// MemoryStore implements Store with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
// The daemon caches on FileStore; MemoryStore backs the package tests
type MemoryStore struct {
	mu   sync.RWMutex      // Protects concurrent access
	data map[string][]byte // Key-value storage
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a copy of value under key
func (m *MemoryStore) Put(key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

// Open returns a reader over a copy of the value
func (m *MemoryStore) Open(key string) (io.ReadCloser, error) {
	value, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(value)), nil
}

// Write reads r fully and stores it under key
func (m *MemoryStore) Write(key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if err := m.Put(key, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// List returns all keys in the store
func (m *MemoryStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, value := range m.data {
		total += int64(len(value))
	}
	return StoreStats{
		Keys:  len(m.data),
		Bytes: total,
	}
}
