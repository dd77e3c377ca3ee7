package archive

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/mdtx/internal/cluster"
)

// ErrWrongOwner is returned when a record type does not fit its server:
// local types need localhost, remote types need a peer.
var ErrWrongOwner = errors.New("record type does not match server")

// recordKey is the idempotency key of a record.
type recordKey struct {
	server string
	id     Identity
	typ    RecordType
	extra  string // only set for local demands and final supplies
}

func keyOf(server *cluster.Server, id Identity, typ RecordType, extra string) recordKey {
	k := recordKey{server: server.Fingerprint, id: id, typ: typ}
	if typ == LocalDemand || typ == FinalSupply {
		k.extra = extra
	}
	return k
}

// Collection is the archive and record registry of one content-distribution
// domain.
// Thread-safe: all methods lock the collection's mutex.
type Collection struct {
	Name  string
	Local *cluster.Server

	mu       sync.RWMutex
	archives map[Identity]*Archive
	records  map[recordKey]*Record
	byServer map[string]map[*Record]struct{}
}

// NewCollection creates an empty collection owned by local.
func NewCollection(name string, local *cluster.Server) *Collection {
	return &Collection{
		Name:     name,
		Local:    local,
		archives: make(map[Identity]*Archive),
		records:  make(map[recordKey]*Record),
		byServer: make(map[string]map[*Record]struct{}),
	}
}

// GetOrCreateArchive returns the archive for id, inserting it if needed.
func (c *Collection) GetOrCreateArchive(id Identity) *Archive {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getOrCreateLocked(id)
}

func (c *Collection) getOrCreateLocked(id Identity) *Archive {
	a, ok := c.archives[id]
	if !ok {
		a = newArchive(id)
		c.archives[id] = a
	}
	return a
}

// Archive returns the archive for id or nil.
func (c *Collection) Archive(id Identity) *Archive {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.archives[id]
}

// Archives returns every archive in identity order. The order is stable but
// says nothing about retention priority.
func (c *Collection) Archives() []*Archive {
	c.mu.RLock()
	out := make([]*Archive, 0, len(c.archives))
	for _, a := range c.archives {
		out = append(out, a)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Archive) int {
		switch {
		case a.ID.Less(b.ID):
			return -1
		case b.ID.Less(a.ID):
			return 1
		}
		return 0
	})
	return out
}

// AddRecord installs a record, or returns the existing one with the same
// (server, archive, type) identity. Local demands and final supplies are also
// keyed on extra so every requesting user keeps a demand and every support
// keeps a supply.
//
// malloc-supply and local-supply share the archive's single local slot: adding
// one of them replaces a record of the other type.
func (c *Collection) AddRecord(server *cluster.Server, a *Archive, typ RecordType, extra string, date time.Time) (*Record, error) {
	if err := checkOwner(server, typ); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Archives handed in by callers must belong to this collection
	if cur, ok := c.archives[a.ID]; ok && cur != a {
		return nil, fmt.Errorf("archive %s belongs to another collection", a.ID)
	}
	if existing, ok := c.records[keyOf(server, a.ID, typ, extra)]; ok {
		return existing, nil
	}
	if typ.occupiesLocalSlot() && a.LocalSupply != nil {
		c.removeLocked(a.LocalSupply)
	}
	c.archives[a.ID] = a

	r := &Record{Server: server, Archive: a, Type: typ, Extra: extra, Date: date}
	c.records[keyOf(server, a.ID, typ, extra)] = r
	set, ok := c.byServer[server.Fingerprint]
	if !ok {
		set = make(map[*Record]struct{})
		c.byServer[server.Fingerprint] = set
	}
	set[r] = struct{}{}

	switch {
	case typ.occupiesLocalSlot():
		a.LocalSupply = r
	case typ == RemoteSupply:
		a.RemoteSupplies[r] = struct{}{}
	case typ == FinalSupply:
		a.FinalSupplies[r] = struct{}{}
	default:
		a.Demands[r] = struct{}{}
	}
	return r, nil
}

func checkOwner(server *cluster.Server, typ RecordType) error {
	remote := typ == RemoteSupply || typ == RemoteDemand
	if remote == server.IsLocalhost {
		return fmt.Errorf("%w: %s for %s", ErrWrongOwner, typ, server.Fingerprint)
	}
	return nil
}

// RemoveRecord detaches r from its server, its archive and the index.
// It reports false when r was not indexed.
func (c *Collection) RemoveRecord(r *Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(r)
}

func (c *Collection) removeLocked(r *Record) bool {
	key := keyOf(r.Server, r.Archive.ID, r.Type, r.Extra)
	if c.records[key] != r {
		return false
	}
	delete(c.records, key)
	if set, ok := c.byServer[r.Server.Fingerprint]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(c.byServer, r.Server.Fingerprint)
		}
	}

	a := r.Archive
	switch {
	case r.Type.occupiesLocalSlot():
		if a.LocalSupply == r {
			a.LocalSupply = nil
		}
	case r.Type == RemoteSupply:
		delete(a.RemoteSupplies, r)
	case r.Type == FinalSupply:
		delete(a.FinalSupplies, r)
	default:
		delete(a.Demands, r)
	}
	return true
}

// RemoveServerRecords removes every record owned by the server and returns
// the archives they were attached to.
func (c *Collection) RemoveServerRecords(fingerprint string) []*Archive {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.byServer[fingerprint]
	touched := make([]*Archive, 0, len(set))
	for r := range set {
		touched = append(touched, r.Archive)
		c.removeLocked(r)
	}
	return touched
}

// ServerRecords returns the records owned by a server, sorted.
func (c *Collection) ServerRecords(fingerprint string) []*Record {
	c.mu.RLock()
	out := make([]*Record, 0, len(c.byServer[fingerprint]))
	for r := range c.byServer[fingerprint] {
		out = append(out, r)
	}
	c.mu.RUnlock()
	sortRecords(out)
	return out
}

// Records returns every indexed record, sorted.
func (c *Collection) Records() []*Record {
	c.mu.RLock()
	out := make([]*Record, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r)
	}
	c.mu.RUnlock()
	sortRecords(out)
	return out
}

// AddContainer registers that children can be extracted from the container
// made of parents.
func (c *Collection) AddContainer(kind string, parents, children []*Archive) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()

	ct := &Container{Kind: kind, Parents: parents, Children: children}
	for _, p := range parents {
		c.archives[p.ID] = p
		p.ToContainer = ct
	}
	for _, ch := range children {
		c.archives[ch.ID] = ch
		ch.FromContainers = append(ch.FromContainers, ct)
	}
	return ct
}

// Len returns the number of archives.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.archives)
}

func sortRecords(rs []*Record) {
	slices.SortFunc(rs, func(a, b *Record) int {
		switch {
		case a.Archive.ID.Less(b.Archive.ID):
			return -1
		case b.Archive.ID.Less(a.Archive.ID):
			return 1
		case a.Type != b.Type:
			return int(a.Type) - int(b.Type)
		case a.Server.Fingerprint != b.Server.Fingerprint:
			if a.Server.Fingerprint < b.Server.Fingerprint {
				return -1
			}
			return 1
		case a.Extra < b.Extra:
			return -1
		case a.Extra > b.Extra:
			return 1
		}
		return 0
	})
}
