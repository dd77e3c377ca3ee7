package cache

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/mdtx/internal/archive"
	"github.com/dreamware/mdtx/internal/cluster"
	"github.com/dreamware/mdtx/internal/storage"
)

// ErrUnknownCollection is returned when a collection name is not configured.
var ErrUnknownCollection = errors.New("unknown collection")

// CollectionConfig describes one cached collection.
type CollectionConfig struct {
	Name       string
	CacheSize  int64
	MaxScore   float64
	Redundancy int
	KeepTTL    time.Duration
}

type libraryEntry struct {
	tree *Tree
	refs int
}

// Library manages the Trees of every configured collection, serving as the
// daemon's single entry point to collection state.
//
// Trees are checked out with Load and given back with Release. The release
// that brings a tree's reference count back to zero persists its records to
// the RecordDB, so concurrent workers sharing a collection cause one save, not
// one per worker.
//
// Concurrency Model:
//   - Load and Release take the library mutex only; they never wait on a tree
//   - Persistence runs outside the library mutex
//
// Example:
//
//	tree, err := lib.Load("photos")
//	if err != nil {
//	    return err
//	}
//	defer lib.Release(tree)
type Library struct {
	db    *storage.RecordDB
	topo  *cluster.Topology
	mu    sync.Mutex
	trees map[string]*libraryEntry
}

// NewLibrary creates an empty library. db may be nil, in which case nothing
// is persisted.
func NewLibrary(db *storage.RecordDB, topo *cluster.Topology) *Library {
	return &Library{
		db:    db,
		topo:  topo,
		trees: make(map[string]*libraryEntry),
	}
}

// Add opens a collection on top of store and restores its persisted records.
// Adding a name twice updates the cache size and the scoring settings of
// the existing tree.
func (l *Library) Add(cfg CollectionConfig, store storage.Store) (*Tree, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("collection without a name")
	}

	l.mu.Lock()
	if e, ok := l.trees[cfg.Name]; ok {
		l.mu.Unlock()
		e.tree.SetTotal(cfg.CacheSize)
		e.tree.SetScorer(archive.NewDefaultScorer(cfg.MaxScore, cfg.Redundancy, cfg.KeepTTL))
		return e.tree, nil
	}
	l.mu.Unlock()

	coll := archive.NewCollection(cfg.Name, l.topo.Local())
	scorer := archive.NewDefaultScorer(cfg.MaxScore, cfg.Redundancy, cfg.KeepTTL)
	tree := NewTree(coll, store, scorer, cfg.CacheSize)

	if l.db != nil {
		rows, err := l.db.LoadRows(cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("load collection %s: %w", cfg.Name, err)
		}
		n := tree.Restore(rows, l.topo.Lookup)
		log.Printf("[library] collection '%s': restored %d of %d records", cfg.Name, n, len(rows))
	}
	tree.RefreshAll()

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.trees[cfg.Name]; ok {
		return e.tree, nil
	}
	l.trees[cfg.Name] = &libraryEntry{tree: tree}
	return tree, nil
}

// Load checks out the tree of a collection.
func (l *Library) Load(name string) (*Tree, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.trees[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	e.refs++
	return e.tree, nil
}

// Release gives a tree back. The last release persists the collection.
func (l *Library) Release(tree *Tree) error {
	name := tree.Collection().Name
	l.mu.Lock()
	e, ok := l.trees[name]
	if !ok || e.tree != tree {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	if e.refs > 0 {
		e.refs--
	}
	last := e.refs == 0
	l.mu.Unlock()

	if last {
		return l.persist(tree)
	}
	return nil
}

// Refs returns how many checkouts of a collection are outstanding.
func (l *Library) Refs(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.trees[name]; ok {
		return e.refs
	}
	return 0
}

// Save persists one collection regardless of outstanding checkouts.
func (l *Library) Save(name string) error {
	l.mu.Lock()
	e, ok := l.trees[name]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return l.persist(e.tree)
}

// SaveAll persists every collection and returns the first error met.
func (l *Library) SaveAll() error {
	var first error
	for _, name := range l.Names() {
		if err := l.Save(name); err != nil {
			log.Printf("[library] save '%s': %v", name, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Remove forgets a collection after persisting it. Collections still checked
// out are kept.
func (l *Library) Remove(name string) error {
	l.mu.Lock()
	e, ok := l.trees[name]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	if e.refs > 0 {
		l.mu.Unlock()
		return fmt.Errorf("collection %s still in use (%d)", name, e.refs)
	}
	delete(l.trees, name)
	l.mu.Unlock()
	return l.persist(e.tree)
}

// Names returns the configured collection names, sorted.
func (l *Library) Names() []string {
	l.mu.Lock()
	names := make([]string, 0, len(l.trees))
	for name := range l.trees {
		names = append(names, name)
	}
	l.mu.Unlock()
	slices.Sort(names)
	return names
}

// Each checks out every collection in turn and calls fn with it. It stops at
// the first error.
func (l *Library) Each(fn func(t *Tree) error) error {
	for _, name := range l.Names() {
		tree, err := l.Load(name)
		if err != nil {
			continue
		}
		err = fn(tree)
		if rerr := l.Release(tree); err == nil {
			err = rerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Orphans lists collections present in the record DB but not configured.
func (l *Library) Orphans() ([]string, error) {
	if l.db == nil {
		return nil, nil
	}
	stored, err := l.db.Collections()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, name := range stored {
		if _, ok := l.trees[name]; !ok {
			out = append(out, name)
		}
	}
	return out, nil
}

func (l *Library) persist(tree *Tree) error {
	if l.db == nil {
		return nil
	}
	return l.db.SaveRows(tree.Collection().Name, tree.Rows())
}
