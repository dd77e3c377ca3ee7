package archive

// State is the ordered cache state of an archive.
type State int

const (
	// StateUnused means nothing links to the archive.
	StateUnused State = iota
	// StateUsed means the archive is supplied elsewhere or belongs to a
	// container, but nobody asked for it.
	StateUsed
	// StateWanted means at least one demand is pending.
	StateWanted
	// StateAllocated means cache room is reserved (malloc placeholder).
	StateAllocated
	// StateAvailable means the archive is materialized in the local cache.
	StateAvailable
	// StateToKeep means the archive is available and must not be evicted.
	StateToKeep
)

var stateNames = [...]string{"UNUSED", "USED", "WANTED", "ALLOCATED", "AVAILABLE", "TOKEEP"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}
