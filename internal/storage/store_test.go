package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

// stores returns one instance of every Store implementation.
func stores(t *testing.T) map[string]Store {
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

// TestStoreBehaviour runs the same expectations against every Store.
func TestStoreBehaviour(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get("missing")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			require.NoError(t, store.Put("a/b/one.tgz", []byte("value1")))
			got, err := store.Get("a/b/one.tgz")
			require.NoError(t, err)
			assert.Equal(t, []byte("value1"), got)

			// overwrite
			require.NoError(t, store.Put("a/b/one.tgz", []byte("value2")))
			got, _ = store.Get("a/b/one.tgz")
			assert.Equal(t, []byte("value2"), got)

			n, err := store.Write("c/two.iso", strings.NewReader("streamed"))
			require.NoError(t, err)
			assert.Equal(t, int64(8), n)

			rc, err := store.Open("c/two.iso")
			require.NoError(t, err)
			streamed, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "streamed", string(streamed))
			_, err = store.Open("nope")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			keys, err := store.List()
			require.NoError(t, err)
			slices.Sort(keys)
			assert.Equal(t, []string{"a/b/one.tgz", "c/two.iso"}, keys)
			assert.Equal(t, StoreStats{Keys: 2, Bytes: 14}, store.Stats())

			require.NoError(t, store.Delete("a/b/one.tgz"))
			require.NoError(t, store.Delete("a/b/one.tgz"))
			_, err = store.Get("a/b/one.tgz")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			assert.ErrorIs(t, store.Put("", []byte("x")), ErrInvalidKey)
		})
	}
}

// TestStoreConcurrency exercises concurrent writers and readers.
func TestStoreConcurrency(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := fmt.Sprintf("d%d/k%d", i%3, i)
					value := bytes.Repeat([]byte{byte(i)}, 16)
					assert.NoError(t, store.Put(key, value))
					got, err := store.Get(key)
					assert.NoError(t, err)
					assert.Equal(t, value, got)
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 20, store.Stats().Keys)
		})
	}
}

// TestFileStorePrunesEmptyDirectories checks deletion cleanup: empty parents
// go away, non-empty ones and the root stay.
func TestFileStorePrunesEmptyDirectories(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	require.NoError(t, err)

	require.NoError(t, store.Put("x/y/z/a.bin", []byte("a")))
	require.NoError(t, store.Put("x/b.bin", []byte("b")))

	require.NoError(t, store.Delete("x/y/z/a.bin"))
	_, err = os.Stat(filepath.Join(root, "x", "y"))
	assert.True(t, os.IsNotExist(err), "empty directories should be pruned")
	_, err = os.Stat(filepath.Join(root, "x", "b.bin"))
	assert.NoError(t, err)

	require.NoError(t, store.Delete("x/b.bin"))
	_, err = os.Stat(filepath.Join(root, "x"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.Root())
	assert.NoError(t, err, "root must survive pruning")
}

// TestFileStoreWriteDeleteSharedDirectory writes and deletes sibling keys
// concurrently so that pruning races with directory creation.
func TestFileStoreWriteDeleteSharedDirectory(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; n < 500; n++ {
				key := fmt.Sprintf("ab/cd/g%d_%d", g, n)
				if !assert.NoError(t, store.Put(key, []byte("x"))) {
					return
				}
				if !assert.NoError(t, store.Delete(key)) {
					return
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, store.Stats().Keys)
}

// TestFileStoreRejectsEscapingKeys keeps keys inside the root.
func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../evil", "a/../../evil", ".", ""} {
		_, err := store.Path(key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}
