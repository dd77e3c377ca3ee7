package notify

import (
	"github.com/dreamware/mdtx/internal/archive"
	"github.com/dreamware/mdtx/internal/cache"
)

// Ring is the set of records announced by one notify round.
type Ring map[*archive.Record]struct{}

func (r Ring) add(rec *archive.Record) {
	r[rec] = struct{}{}
}

func (r Ring) merge(o Ring) {
	for rec := range o {
		r[rec] = struct{}{}
	}
}

// Rows flattens the ring in a stable order.
func (r Ring) Rows() []archive.Row {
	records := make([]*archive.Record, 0, len(r))
	for rec := range r {
		records = append(records, rec)
	}
	sortRecords(records)
	rows := make([]archive.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, rec.Row())
	}
	return rows
}

// NotifyArchive adds to ring the local supply able to produce a: a's own, or
// the ones of every parent of a container a can be extracted from. It reports
// whether such a supply was found. The first container that resolves wins.
func NotifyArchive(a *archive.Archive, ring Ring) bool {
	return notifyArchive(a, ring, make(map[*archive.Archive]bool))
}

// NotifyContainer adds the local supplies of every parent of ct to ring. It
// reports false, leaving ring untouched, when any parent cannot be produced.
func NotifyContainer(ct *archive.Container, ring Ring) bool {
	return notifyContainer(ct, ring, make(map[*archive.Archive]bool))
}

func notifyArchive(a *archive.Archive, ring Ring, visiting map[*archive.Archive]bool) bool {
	if a.IsLocal() {
		ring.add(a.LocalSupply)
		return true
	}
	if visiting[a] {
		return false
	}
	visiting[a] = true
	defer delete(visiting, a)

	for _, ct := range a.FromContainers {
		if notifyContainer(ct, ring, visiting) {
			return true
		}
	}
	return false
}

func notifyContainer(ct *archive.Container, ring Ring, visiting map[*archive.Archive]bool) bool {
	if len(ct.Parents) == 0 {
		return false
	}
	found := make(Ring)
	for _, p := range ct.Parents {
		if !notifyArchive(p, found, visiting) {
			return false
		}
	}
	ring.merge(found)
	return true
}

// BuildRings computes the ring of tree's collection. Scores are recomputed
// first.
func BuildRings(tree *cache.Tree) Ring {
	ring := make(Ring)
	tree.Inspect(func(c *archive.Collection) {
		scorer := tree.Scorer()
		scorer.ComputeScores(c)
		half := scorer.MaxScore() / 2

		for _, a := range c.Archives() {
			if a.HasRemoteDemand() {
				NotifyArchive(a, ring)
			}
			if a.IsLocal() && a.IsTopLevel() && a.ExtractScore <= half {
				ring.add(a.LocalSupply)
			}
		}
		for _, r := range c.ServerRecords(c.Local.Fingerprint) {
			if r.Type == archive.FinalDemand || r.Type == archive.LocalDemand {
				ring.add(r)
			}
		}
	})
	return ring
}

// Translate maps a record type seen by a peer to the type it gets here.
// Types that have no meaning on the receiving side report false.
func Translate(t archive.RecordType) (archive.RecordType, bool) {
	switch t {
	case archive.LocalSupply:
		return archive.RemoteSupply, true
	case archive.FinalDemand, archive.LocalDemand:
		return archive.RemoteDemand, true
	}
	return 0, false
}
