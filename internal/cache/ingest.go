package cache

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/dreamware/mdtx/internal/archive"
)

var (
	// ErrNoRoom is returned by Ingest when Alloc fails.
	ErrNoRoom = errors.New("no room in cache")
	// ErrChecksum is returned when ingested bytes do not match the identity.
	ErrChecksum = errors.New("content does not match archive identity")
)

// DefaultKey is the store key an archive is cached under.
func DefaultKey(id archive.Identity) string {
	return fmt.Sprintf("%s/%s_%d", id.Hash[:2], id.Hash, id.Size)
}

// Ingest allocates room for a, writes r under key and materializes it once
// the bytes match a's identity. On any failure the allocation and the
// partial file are dropped.
func (t *Tree) Ingest(a *archive.Archive, key string, r io.Reader) (*archive.Record, error) {
	if a.IsLocal() {
		return a.LocalSupply, nil
	}
	if !t.Alloc(a) {
		return nil, fmt.Errorf("%w: %s", ErrNoRoom, a.ID)
	}

	h := md5.New()
	n, err := t.store.Write(key, io.TeeReader(io.LimitReader(r, a.Size()+1), h))
	if err == nil {
		sum := hex.EncodeToString(h.Sum(nil))
		if n != a.Size() || sum != a.ID.Hash {
			err = fmt.Errorf("%w: got %s:%d", ErrChecksum, sum, n)
		}
	}
	if err != nil {
		if derr := t.store.Delete(key); derr != nil {
			log.Printf("[cache] %s: remove %s: %v", t.coll.Name, key, derr)
		}
		t.CancelAlloc(a)
		return nil, err
	}

	rec, err := t.Materialize(a, key)
	if err != nil {
		t.store.Delete(key)
		t.CancelAlloc(a)
		return nil, err
	}
	log.Printf("[cache] %s: cached %s as %s", t.coll.Name, a.ID, key)
	return rec, nil
}
