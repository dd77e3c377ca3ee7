package cache

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dreamware/mdtx/internal/archive"
	"github.com/dreamware/mdtx/internal/cluster"
	"github.com/dreamware/mdtx/internal/storage"
)

// ErrNotAllocated is returned when materializing an archive that has no
// malloc placeholder.
var ErrNotAllocated = errors.New("archive has no cache allocation")

// Stats is a snapshot of a tree's size accounting.
type Stats struct {
	Collection string `json:"collection"`
	Total      int64  `json:"total"`
	Used       int64  `json:"used"`
	Frozen     int64  `json:"frozen"`
	Free       int64  `json:"free"`
	Available  int64  `json:"available"`
	Archives   int    `json:"archives"`
	Records    int    `json:"records"`
}

// Tree is the cache of one collection: which archives are materialized
// locally, how much room they take, and which may be evicted.
//
// Locking:
//   - allocMu serializes Alloc, Pin, Unpin and every other local-supply
//     mutation of the collection
//   - lock is the cache lock; allocation holds it shared, merges of peer
//     records hold it exclusive
//
// Every State change goes through setState so Used and Frozen always match
// the archives' states.
type Tree struct {
	coll   *archive.Collection
	store  storage.Store
	scorer archive.Scorer
	now    func() time.Time

	allocMu sync.Mutex
	lock    sync.RWMutex

	sizeMu sync.Mutex
	total  int64
	use    int64
	frozen int64
}

// NewTree creates a cache of total bytes for coll backed by store.
func NewTree(coll *archive.Collection, store storage.Store, scorer archive.Scorer, total int64) *Tree {
	return &Tree{
		coll:   coll,
		store:  store,
		scorer: scorer,
		now:    time.Now,
		total:  total,
	}
}

// Collection returns the collection the tree caches.
func (t *Tree) Collection() *archive.Collection {
	return t.coll
}

// Store returns the backing file store.
func (t *Tree) Store() storage.Store {
	return t.store
}

// Scorer returns the retention scorer. SetScorer may replace it, so callers
// use it from within Inspect.
func (t *Tree) Scorer() archive.Scorer {
	return t.scorer
}

// Local returns the collection's localhost server.
func (t *Tree) Local() *cluster.Server {
	return t.coll.Local
}

// Stats returns the current accounting.
func (t *Tree) Stats() Stats {
	t.sizeMu.Lock()
	total, use, frozen := t.total, t.use, t.frozen
	t.sizeMu.Unlock()
	return Stats{
		Collection: t.coll.Name,
		Total:      total,
		Used:       use,
		Frozen:     frozen,
		Free:       total - use,
		Available:  total - frozen,
		Archives:   t.coll.Len(),
		Records:    len(t.coll.Records()),
	}
}

// SetScorer replaces the scoring policy and recomputes every archive state
// with it, typically after a reload.
func (t *Tree) SetScorer(s archive.Scorer) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.Lock()
	defer t.lock.Unlock()
	t.scorer = s
	t.scorer.ComputeScores(t.coll)
	for _, a := range t.coll.Archives() {
		t.refresh(a)
	}
}

// SetTotal changes the cache size, typically after a reload. Nothing is
// evicted right away; the next allocation does the work.
func (t *Tree) SetTotal(total int64) {
	t.sizeMu.Lock()
	t.total = total
	t.sizeMu.Unlock()
}

func (t *Tree) sizes() (total, use, frozen int64) {
	t.sizeMu.Lock()
	defer t.sizeMu.Unlock()
	return t.total, t.use, t.frozen
}

// setState moves a to s and adjusts use and frozen sizes accordingly.
func (t *Tree) setState(a *archive.Archive, s archive.State) {
	old := a.State
	if old == s {
		return
	}
	t.sizeMu.Lock()
	if (old >= archive.StateAllocated) != (s >= archive.StateAllocated) {
		if s >= archive.StateAllocated {
			t.use += a.Size()
		} else {
			t.use -= a.Size()
		}
	}
	if (old == archive.StateToKeep) != (s == archive.StateToKeep) {
		if s == archive.StateToKeep {
			t.frozen += a.Size()
		} else {
			t.frozen -= a.Size()
		}
	}
	t.sizeMu.Unlock()
	a.State = s
}

func (t *Tree) refresh(a *archive.Archive) {
	t.setState(a, t.scorer.Status(a, t.now()))
}

// Alloc reserves cache room for a, evicting unprotected archives when needed.
// It fails when a is already allocated or when no room can be made; nothing
// is evicted in the first case.
func (t *Tree) Alloc(a *archive.Archive) bool {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()

	t.refresh(a)
	if a.State >= archive.StateAllocated {
		log.Printf("[cache] %s: %s already allocated (%s)", t.coll.Name, a.ID, a.State)
		return false
	}
	if !t.freeCacheLocked(a.Size()) {
		log.Printf("[cache] %s: no room for %s", t.coll.Name, a.ID)
		return false
	}
	if _, err := t.coll.AddRecord(t.coll.Local, a, archive.MallocSupply, archive.ExtraMalloc, t.now()); err != nil {
		log.Printf("[cache] %s: malloc record for %s: %v", t.coll.Name, a.ID, err)
		return false
	}
	t.refresh(a)
	return true
}

// FreeCache makes sure need bytes are free, evicting if necessary.
func (t *Tree) FreeCache(need int64) bool {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.freeCacheLocked(need)
}

// freeCacheLocked evicts archives in identity order, skipping TOKEEP ones,
// until need bytes are free. There is no LRU or size ordering.
func (t *Tree) freeCacheLocked(need int64) bool {
	total, use, frozen := t.sizes()
	free := total - use
	available := total - frozen

	if need > total {
		log.Printf("[cache] %s: %d bytes can never fit in %d", t.coll.Name, need, total)
		return false
	}
	if need > available {
		// keep TTLs may have run out since the last refresh
		t.refreshKeptLocked()
		total, use, frozen = t.sizes()
		free = total - use
		available = total - frozen
		if need > available {
			return false
		}
	}
	if need <= free {
		return true
	}

	t.scorer.ComputeScores(t.coll)
	for _, a := range t.coll.Archives() {
		if free >= need {
			break
		}
		if a.State < archive.StateAvailable {
			continue
		}
		t.refresh(a)
		if a.State != archive.StateAvailable {
			continue
		}
		t.evictLocked(a)
		total, use, _ = t.sizes()
		free = total - use
	}
	return free >= need
}

// refreshKeptLocked recomputes the status of every available or kept
// archive, releasing frozen room whose protection has lapsed.
func (t *Tree) refreshKeptLocked() {
	for _, a := range t.coll.Archives() {
		if a.State >= archive.StateAvailable {
			t.refresh(a)
		}
	}
}

func (t *Tree) evictLocked(a *archive.Archive) {
	r := a.LocalSupply
	key := r.Extra
	t.coll.RemoveRecord(r)
	if err := t.store.Delete(key); err != nil {
		log.Printf("[cache] %s: remove %s: %v", t.coll.Name, key, err)
	}
	t.refresh(a)
	log.Printf("[cache] %s: evicted %s (%s)", t.coll.Name, a.ID, key)
}

// Materialize turns a's malloc placeholder into a local supply stored at key.
func (t *Tree) Materialize(a *archive.Archive, key string) (*archive.Record, error) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()

	if a.LocalSupply == nil || a.LocalSupply.Type != archive.MallocSupply {
		return nil, fmt.Errorf("%w: %s", ErrNotAllocated, a.ID)
	}
	r, err := t.coll.AddRecord(t.coll.Local, a, archive.LocalSupply, key, t.now())
	if err != nil {
		return nil, err
	}
	t.refresh(a)
	return r, nil
}

// CancelAlloc drops a's malloc placeholder, giving the room back.
func (t *Tree) CancelAlloc(a *archive.Archive) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()

	if a.LocalSupply != nil && a.LocalSupply.Type == archive.MallocSupply {
		t.coll.RemoveRecord(a.LocalSupply)
		t.refresh(a)
	}
}

// Register indexes a file already present in the cache. No room is freed;
// an over-full cache is reported and left for the next allocation.
func (t *Tree) Register(a *archive.Archive, key string, date time.Time) (*archive.Record, error) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()

	if a.IsLocal() {
		return a.LocalSupply, nil
	}
	r, err := t.coll.AddRecord(t.coll.Local, a, archive.LocalSupply, key, date)
	if err != nil {
		return nil, err
	}
	t.refresh(a)
	if total, use, _ := t.sizes(); use > total {
		log.Printf("[cache] %s: over capacity after registering %s (%d/%d)", t.coll.Name, a.ID, use, total)
	}
	return r, nil
}

// Release drops a's local supply and deletes its backing file.
func (t *Tree) Release(a *archive.Archive) error {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()

	r := a.LocalSupply
	if r == nil {
		return nil
	}
	t.coll.RemoveRecord(r)
	t.refresh(a)
	if r.Type == archive.LocalSupply {
		return t.store.Delete(r.Extra)
	}
	return nil
}

// Pin protects an available archive from eviction until Unpin.
func (t *Tree) Pin(a *archive.Archive) bool {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()

	t.refresh(a)
	if a.State < archive.StateAvailable {
		return false
	}
	a.KeepCount++
	t.refresh(a)
	return true
}

// Unpin releases one pin.
func (t *Tree) Unpin(a *archive.Archive) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()

	if a.KeepCount > 0 {
		a.KeepCount--
	}
	t.refresh(a)
}

// Lookup returns the cache key of a locally available archive.
func (t *Tree) Lookup(id archive.Identity) (*archive.Archive, string, bool) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()

	a := t.coll.Archive(id)
	if a == nil || !a.IsLocal() {
		return a, "", false
	}
	return a, a.LocalSupply.Extra, true
}

// Inspect runs fn with allocation and merges excluded, so fn sees stable
// links, states and scores.
func (t *Tree) Inspect(fn func(c *archive.Collection)) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()
	fn(t.coll)
}

// Refresh recomputes the state of a.
func (t *Tree) Refresh(a *archive.Archive) archive.State {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()
	t.refresh(a)
	return a.State
}

// RefreshAll recomputes scores and the state of every archive.
func (t *Tree) RefreshAll() {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.RLock()
	defer t.lock.RUnlock()
	t.scorer.ComputeScores(t.coll)
	for _, a := range t.coll.Archives() {
		t.refresh(a)
	}
}

// LocalPath returns the store key holding a, if a is materialized.
func (t *Tree) LocalPath(a *archive.Archive) (string, bool) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	if !a.IsLocal() {
		return "", false
	}
	return a.LocalSupply.Extra, true
}

// ReplaceRemote drops every record of server, then installs rows in their
// place. Rows that do not parse or do not fit server are skipped. The
// installed records are returned.
func (t *Tree) ReplaceRemote(server *cluster.Server, rows []archive.Row) []*archive.Record {
	t.lock.Lock()
	defer t.lock.Unlock()

	touched := t.coll.RemoveServerRecords(server.Fingerprint)
	installed := make([]*archive.Record, 0, len(rows))
	for _, row := range rows {
		r, err := t.addRowLocked(server, row)
		if err != nil {
			log.Printf("[cache] %s: skip record from %s: %v", t.coll.Name, server.Fingerprint, err)
			continue
		}
		installed = append(installed, r)
		touched = append(touched, r.Archive)
	}
	for _, a := range touched {
		t.refresh(a)
	}
	return installed
}

// AddRemote installs a single peer record without touching the others.
func (t *Tree) AddRemote(server *cluster.Server, row archive.Row) (*archive.Record, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	r, err := t.addRowLocked(server, row)
	if err != nil {
		return nil, err
	}
	t.refresh(r.Archive)
	return r, nil
}

func (t *Tree) addRowLocked(server *cluster.Server, row archive.Row) (*archive.Record, error) {
	id, err := row.Identity()
	if err != nil {
		return nil, err
	}
	typ, err := archive.ParseRecordType(row.Type)
	if err != nil {
		return nil, err
	}
	a := t.coll.GetOrCreateArchive(id)
	return t.coll.AddRecord(server, a, typ, row.Extra, row.Date)
}

// AddLocal installs a localhost record that does not occupy the local supply
// slot: a final supply, a final demand or a local demand.
func (t *Tree) AddLocal(id archive.Identity, typ archive.RecordType, extra string) (*archive.Record, error) {
	if typ == archive.MallocSupply || typ == archive.LocalSupply {
		return nil, fmt.Errorf("%s records are managed by the cache", typ)
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	a := t.coll.GetOrCreateArchive(id)
	r, err := t.coll.AddRecord(t.coll.Local, a, typ, extra, t.now())
	if err != nil {
		return nil, err
	}
	t.refresh(a)
	return r, nil
}

// Remove drops a record that is not a local supply.
func (t *Tree) Remove(r *archive.Record) bool {
	if r.Type == archive.MallocSupply || r.Type == archive.LocalSupply {
		return false
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	ok := t.coll.RemoveRecord(r)
	t.refresh(r.Archive)
	return ok
}

// Rows flattens every record of the collection.
func (t *Tree) Rows() []archive.Row {
	records := t.coll.Records()
	rows := make([]archive.Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.Row())
	}
	return rows
}

// Restore installs persisted rows. Rows of servers that lookup cannot
// resolve are skipped.
func (t *Tree) Restore(rows []archive.Row, lookup func(fingerprint string) (*cluster.Server, error)) int {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()
	t.lock.Lock()
	defer t.lock.Unlock()

	restored := 0
	for _, row := range rows {
		server, err := lookup(row.Server)
		if err != nil {
			log.Printf("[cache] %s: drop record of %s: %v", t.coll.Name, row.Server, err)
			continue
		}
		if row.Type == archive.MallocSupply.String() {
			// placeholders do not survive a restart
			continue
		}
		if _, err := t.addRowLocked(server, row); err != nil {
			log.Printf("[cache] %s: drop record %s: %v", t.coll.Name, row.Hash, err)
			continue
		}
		restored++
	}
	for _, a := range t.coll.Archives() {
		t.refresh(a)
	}
	return restored
}

// Scan reconciles the index with the backing store: local supplies whose
// file vanished are dropped, unknown files are hashed and registered.
func (t *Tree) Scan() (added, dropped int, err error) {
	keys, err := t.store.List()
	if err != nil {
		return 0, 0, err
	}
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}

	known := make(map[string]bool)
	var vanished []*archive.Archive
	t.Inspect(func(c *archive.Collection) {
		for _, r := range c.ServerRecords(c.Local.Fingerprint) {
			if r.Type != archive.LocalSupply {
				continue
			}
			known[r.Extra] = true
			if !present[r.Extra] {
				vanished = append(vanished, r.Archive)
			}
		}
	})
	for _, a := range vanished {
		if err := t.Release(a); err != nil {
			log.Printf("[cache] %s: release %s: %v", t.coll.Name, a.ID, err)
		}
		dropped++
	}

	for _, key := range keys {
		if known[key] {
			continue
		}
		id, err := t.identify(key)
		if err != nil {
			log.Printf("[cache] %s: identify %s: %v", t.coll.Name, key, err)
			continue
		}
		if _, err := t.Register(t.coll.GetOrCreateArchive(id), key, t.now()); err != nil {
			log.Printf("[cache] %s: register %s: %v", t.coll.Name, key, err)
			continue
		}
		added++
	}
	return added, dropped, nil
}

func (t *Tree) identify(key string) (archive.Identity, error) {
	rc, err := t.store.Open(key)
	if err != nil {
		return archive.Identity{}, err
	}
	defer rc.Close()
	h := md5.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return archive.Identity{}, err
	}
	return archive.NewIdentity(hex.EncodeToString(h.Sum(nil)), n)
}
