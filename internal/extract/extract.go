// Package extract produces archives into the local cache from the places
// localhost knows they can be found.
package extract

import (
	"context"
	"errors"
	"io"
	"log"
	"os"

	"golang.org/x/exp/slices"

	"github.com/dreamware/mdtx/internal/archive"
	"github.com/dreamware/mdtx/internal/cache"
)

// Extractor materializes an archive into tree's cache. found is false when
// the extractor has no way to produce it.
type Extractor interface {
	Extract(ctx context.Context, tree *cache.Tree, a *archive.Archive) (found bool, err error)
}

// SupportCopier copies an archive from one of the supports its final-supply
// records point to.
type SupportCopier struct {
	// Open reads a support file; os.Open when nil.
	Open func(path string) (io.ReadCloser, error)
}

func (s *SupportCopier) open(path string) (io.ReadCloser, error) {
	if s.Open != nil {
		return s.Open(path)
	}
	return os.Open(path)
}

// Extract implements Extractor. Supports are tried in path order; a support
// whose content does not match the identity is skipped.
func (s *SupportCopier) Extract(ctx context.Context, tree *cache.Tree, a *archive.Archive) (bool, error) {
	var paths []string
	local := false
	tree.Inspect(func(*archive.Collection) {
		local = a.IsLocal()
		for r := range a.FinalSupplies {
			paths = append(paths, r.Extra)
		}
	})
	if local {
		return true, nil
	}
	slices.Sort(paths)

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		rc, err := s.open(path)
		if err != nil {
			log.Printf("[extract] open support %s: %v", path, err)
			continue
		}
		_, err = tree.Ingest(a, cache.DefaultKey(a.ID), rc)
		rc.Close()
		if err == nil {
			return true, nil
		}
		if errors.Is(err, cache.ErrNoRoom) {
			return false, err
		}
		log.Printf("[extract] copy %s from %s: %v", a.ID, path, err)
	}
	return false, nil
}

// Satisfy tries to extract every archive localhost demands and does not
// hold yet. Final demands of extracted archives are dropped; local demands
// are answered and dropped as well. It returns the number of archives
// extracted.
func Satisfy(ctx context.Context, tree *cache.Tree, ex Extractor) (int, error) {
	var wanted []*archive.Archive
	tree.Inspect(func(c *archive.Collection) {
		seen := make(map[*archive.Archive]bool)
		for _, r := range c.ServerRecords(c.Local.Fingerprint) {
			if (r.Type == archive.FinalDemand || r.Type == archive.LocalDemand) && !seen[r.Archive] {
				seen[r.Archive] = true
				wanted = append(wanted, r.Archive)
			}
		}
	})

	extracted := 0
	for _, a := range wanted {
		if !a.IsLocal() {
			found, err := ex.Extract(ctx, tree, a)
			if err != nil {
				if ctx.Err() != nil {
					return extracted, ctx.Err()
				}
				log.Printf("[extract] %s: %v", a.ID, err)
				continue
			}
			if !found {
				continue
			}
			extracted++
		}
		for _, r := range tree.Collection().ServerRecords(tree.Local().Fingerprint) {
			if r.Archive != a {
				continue
			}
			switch r.Type {
			case archive.LocalDemand:
				log.Printf("[extract] %s is available for %s", a.ID, r.Extra)
				tree.Remove(r)
			case archive.FinalDemand:
				tree.Remove(r)
			}
		}
	}
	return extracted, nil
}
