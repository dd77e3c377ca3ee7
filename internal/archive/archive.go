package archive

// Archive is the node tracked for one Identity.
//
// Links are maintained by Collection; do not mutate the record sets directly.
type Archive struct {
	ID           Identity
	State        State
	ExtractScore float64

	LocalSupply    *Record              // malloc-supply or local-supply of localhost, at most one
	RemoteSupplies map[*Record]struct{} // remote-supply records of peers
	FinalSupplies  map[*Record]struct{} // final-supply records (supports)
	Demands        map[*Record]struct{} // final, local and remote demands

	FromContainers []*Container // containers this archive can be extracted from
	ToContainer    *Container   // container this archive is a part of

	// KeepCount counts active pins. A pinned available archive is TOKEEP.
	KeepCount int
}

func newArchive(id Identity) *Archive {
	return &Archive{
		ID:             id,
		RemoteSupplies: make(map[*Record]struct{}),
		FinalSupplies:  make(map[*Record]struct{}),
		Demands:        make(map[*Record]struct{}),
	}
}

// Size returns the archive size in bytes.
func (a *Archive) Size() int64 {
	return a.ID.Size
}

// IsTopLevel reports whether no container produces the archive.
func (a *Archive) IsTopLevel() bool {
	return len(a.FromContainers) == 0
}

// IsLocal reports whether the archive is materialized in the local cache.
func (a *Archive) IsLocal() bool {
	return a.LocalSupply != nil && a.LocalSupply.Type == LocalSupply
}

// HasDemand reports whether any demand record is attached.
func (a *Archive) HasDemand() bool {
	return len(a.Demands) > 0
}

// HasRemoteDemand reports whether a peer demands the archive.
func (a *Archive) HasRemoteDemand() bool {
	for r := range a.Demands {
		if r.Type == RemoteDemand {
			return true
		}
	}
	return false
}

// DeriveState recomputes the link-based state. It never returns StateToKeep;
// that overlay belongs to the Scorer.
func (a *Archive) DeriveState() State {
	switch {
	case a.LocalSupply != nil && a.LocalSupply.Type == LocalSupply:
		return StateAvailable
	case a.LocalSupply != nil:
		return StateAllocated
	case a.HasDemand():
		return StateWanted
	case len(a.RemoteSupplies) > 0 || len(a.FinalSupplies) > 0 ||
		len(a.FromContainers) > 0 || a.ToContainer != nil:
		return StateUsed
	}
	return StateUnused
}

// Container packages archives. Extracting it needs every parent and yields
// every child.
type Container struct {
	Kind     string
	Parents  []*Archive
	Children []*Archive
}
