package archive

import (
	"fmt"
	"time"

	"github.com/dreamware/mdtx/internal/cluster"
)

// RecordType tells what a Record asserts about its archive.
type RecordType int

const (
	FinalSupply  RecordType = iota // on one of localhost's supports; extra is the support path
	MallocSupply                   // cache room reserved; extra is "!malloc"
	LocalSupply                    // materialized in localhost's cache; extra is the cache path
	RemoteSupply                   // a peer's cache holds it
	FinalDemand                    // wanted until satisfied; extra is "!wanted"
	LocalDemand                    // requested by a local user; extra is an email
	RemoteDemand                   // a peer wants it
)

// Sentinel extra values.
const (
	ExtraWanted = "!wanted"
	ExtraMalloc = "!malloc"
)

// NeverEvict is the maximal record date. A local supply carrying it is never
// evicted automatically.
var NeverEvict = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

var recordTypeNames = [...]string{
	"final-supply", "malloc-supply", "local-supply", "remote-supply",
	"final-demand", "local-demand", "remote-demand",
}

func (t RecordType) String() string {
	if t < 0 || int(t) >= len(recordTypeNames) {
		return "unknown"
	}
	return recordTypeNames[t]
}

// ParseRecordType is the inverse of RecordType.String.
func ParseRecordType(s string) (RecordType, error) {
	for i, name := range recordTypeNames {
		if name == s {
			return RecordType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown record type %q", s)
}

// IsSupply reports whether the type is one of the supply types.
func (t RecordType) IsSupply() bool {
	return t <= RemoteSupply
}

// IsDemand reports whether the type is one of the demand types.
func (t RecordType) IsDemand() bool {
	return t >= FinalDemand && t <= RemoteDemand
}

// occupiesLocalSlot reports whether records of this type fill Archive.LocalSupply.
func (t RecordType) occupiesLocalSlot() bool {
	return t == MallocSupply || t == LocalSupply
}

// Record binds a server to an archive with a typed assertion.
type Record struct {
	Server  *cluster.Server
	Archive *Archive
	Type    RecordType
	Extra   string
	Date    time.Time
}

func (r *Record) String() string {
	return fmt.Sprintf("%s %s %s %q", r.Server.Fingerprint, r.Type, r.Archive.ID, r.Extra)
}

// Row is the flat, serializable form of a Record. It is what peers exchange
// in notify messages and what the record database persists.
type Row struct {
	Server string    `json:"server"`
	Hash   string    `json:"hash"`
	Size   int64     `json:"size"`
	Type   string    `json:"type"`
	Extra  string    `json:"extra,omitempty"`
	Date   time.Time `json:"date"`
}

// Row flattens the record.
func (r *Record) Row() Row {
	return Row{
		Server: r.Server.Fingerprint,
		Hash:   r.Archive.ID.Hash,
		Size:   r.Archive.ID.Size,
		Type:   r.Type.String(),
		Extra:  r.Extra,
		Date:   r.Date,
	}
}

// Identity validates and returns the row's archive identity.
func (row Row) Identity() (Identity, error) {
	return NewIdentity(row.Hash, row.Size)
}
