package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/mdtx/internal/archive"
	"github.com/dreamware/mdtx/internal/cluster"
	"github.com/dreamware/mdtx/internal/storage"
)

func openTestDB(t *testing.T) *storage.RecordDB {
	t.Helper()
	db, err := storage.OpenRecordDB(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestLibraryCheckout verifies reference counting and persistence on the last
// release.
func TestLibraryCheckout(t *testing.T) {
	db := openTestDB(t)
	topo := cluster.NewTopology(testLocal, []*cluster.Server{testPeer})
	lib := NewLibrary(db, topo)

	store := storage.NewMemoryStore()
	_, err := lib.Add(CollectionConfig{Name: "music", CacheSize: 1000}, store)
	require.NoError(t, err)

	_, err = lib.Load("films")
	assert.ErrorIs(t, err, ErrUnknownCollection)

	t1, err := lib.Load("music")
	require.NoError(t, err)
	t2, err := lib.Load("music")
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	assert.Equal(t, 2, lib.Refs("music"))

	require.NoError(t, store.Put("f", make([]byte, 10)))
	_, err = t1.Register(t1.Collection().GetOrCreateArchive(testID(1, 10)), "f", time.Now())
	require.NoError(t, err)

	require.NoError(t, lib.Release(t1))
	rows, err := db.LoadRows("music")
	require.NoError(t, err)
	assert.Empty(t, rows, "not persisted while still checked out")

	require.NoError(t, lib.Release(t2))
	rows, err = db.LoadRows("music")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "local-supply", rows[0].Type)
	assert.Equal(t, 0, lib.Refs("music"))
}

// TestLibraryRestore verifies a new library finds persisted records again.
func TestLibraryRestore(t *testing.T) {
	db := openTestDB(t)
	topo := cluster.NewTopology(testLocal, []*cluster.Server{testPeer})
	cfg := CollectionConfig{Name: "music", CacheSize: 1000}

	lib := NewLibrary(db, topo)
	tree, err := lib.Add(cfg, storage.NewMemoryStore())
	require.NoError(t, err)
	a := tree.Collection().GetOrCreateArchive(testID(1, 400))
	_, err = tree.Register(a, "f", time.Now())
	require.NoError(t, err)
	tree.ReplaceRemote(testPeer, []archive.Row{{
		Server: "peer", Hash: a.ID.Hash, Size: a.ID.Size, Type: "remote-demand", Date: time.Now(),
	}})
	require.NoError(t, lib.SaveAll())

	again := NewLibrary(db, topo)
	restored, err := again.Add(cfg, storage.NewMemoryStore())
	require.NoError(t, err)
	ra := restored.Collection().Archive(a.ID)
	require.NotNil(t, ra)
	assert.Equal(t, archive.StateToKeep, ra.State)
	stats := restored.Stats()
	assert.Equal(t, int64(400), stats.Used)
	assert.Equal(t, int64(400), stats.Frozen)
	assert.Equal(t, 2, stats.Records)
}

// TestLibraryAddTwiceResizes verifies reconfiguration keeps the tree.
func TestLibraryAddTwiceResizes(t *testing.T) {
	lib := NewLibrary(nil, cluster.NewTopology(testLocal, nil))
	t1, err := lib.Add(CollectionConfig{Name: "music", CacheSize: 1000}, storage.NewMemoryStore())
	require.NoError(t, err)
	t2, err := lib.Add(CollectionConfig{Name: "music", CacheSize: 5000}, storage.NewMemoryStore())
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	assert.Equal(t, int64(5000), t1.Stats().Total)

	_, err = lib.Add(CollectionConfig{}, storage.NewMemoryStore())
	assert.Error(t, err)
}

// TestLibraryAddTwiceRescores verifies reconfiguration applies the new
// scoring settings to archives already cached.
func TestLibraryAddTwiceRescores(t *testing.T) {
	lib := NewLibrary(nil, cluster.NewTopology(testLocal, nil))
	store := storage.NewMemoryStore()
	tree, err := lib.Add(CollectionConfig{Name: "music", CacheSize: 1000, MaxScore: 10}, store)
	require.NoError(t, err)

	require.NoError(t, store.Put("fresh", make([]byte, 300)))
	a := tree.Collection().GetOrCreateArchive(testID(1, 300))
	_, err = tree.Register(a, "fresh", time.Now())
	require.NoError(t, err)
	require.Equal(t, archive.StateAvailable, a.State)

	_, err = lib.Add(CollectionConfig{Name: "music", CacheSize: 1000, MaxScore: 20, KeepTTL: time.Hour}, store)
	require.NoError(t, err)
	assert.Equal(t, 20.0, tree.Scorer().MaxScore())
	assert.Equal(t, archive.StateToKeep, a.State)
	assert.Equal(t, int64(300), tree.Stats().Frozen)
}

// TestLibraryOrphansAndRemove verifies stored but unconfigured collections
// are reported.
func TestLibraryOrphansAndRemove(t *testing.T) {
	db := openTestDB(t)
	topo := cluster.NewTopology(testLocal, nil)
	lib := NewLibrary(db, topo)
	_, err := lib.Add(CollectionConfig{Name: "music", CacheSize: 10}, storage.NewMemoryStore())
	require.NoError(t, err)
	_, err = lib.Add(CollectionConfig{Name: "films", CacheSize: 10}, storage.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, []string{"films", "music"}, lib.Names())

	tree, err := lib.Load("films")
	require.NoError(t, err)
	assert.Error(t, lib.Remove("films"))
	require.NoError(t, lib.Release(tree))
	require.NoError(t, lib.Remove("films"))
	assert.Equal(t, []string{"music"}, lib.Names())

	orphans, err := lib.Orphans()
	require.NoError(t, err)
	assert.Equal(t, []string{"films"}, orphans)
}

// TestLibraryEach visits every collection once.
func TestLibraryEach(t *testing.T) {
	lib := NewLibrary(nil, cluster.NewTopology(testLocal, nil))
	for _, name := range []string{"b", "a"} {
		_, err := lib.Add(CollectionConfig{Name: name, CacheSize: 10}, storage.NewMemoryStore())
		require.NoError(t, err)
	}
	var seen []string
	require.NoError(t, lib.Each(func(tree *Tree) error {
		seen = append(seen, tree.Collection().Name)
		assert.Equal(t, 1, lib.Refs(tree.Collection().Name))
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, seen)
}
