package extract

import (
	"context"
	"io"
	"log"

	"github.com/dreamware/mdtx/internal/archive"
	"github.com/dreamware/mdtx/internal/cache"
	"github.com/dreamware/mdtx/internal/cluster"
	"github.com/dreamware/mdtx/internal/wire"
)

// Uploader delivers archive bytes to a peer. *wire.Dialer implements it.
type Uploader interface {
	Upload(ctx context.Context, addr string, env *wire.Envelope, body io.Reader) error
}

type pushJob struct {
	a    *archive.Archive
	key  string
	peer *cluster.Server
}

// Push uploads every cached archive of tree to the directly reachable peers
// demanding it. Peers already known to supply the archive are skipped. The
// archive stays pinned while it is read. It returns the number of uploads
// that succeeded.
func Push(ctx context.Context, tree *cache.Tree, up Uploader) (int, error) {
	var jobs []pushJob
	tree.Inspect(func(c *archive.Collection) {
		for _, a := range c.Archives() {
			if !a.IsLocal() {
				continue
			}
			supplied := make(map[string]bool)
			for r := range a.RemoteSupplies {
				supplied[r.Server.Fingerprint] = true
			}
			for r := range a.Demands {
				if r.Type != archive.RemoteDemand || supplied[r.Server.Fingerprint] {
					continue
				}
				if !c.Local.SharesNetwork(r.Server) {
					continue
				}
				supplied[r.Server.Fingerprint] = true
				jobs = append(jobs, pushJob{a: a, key: a.LocalSupply.Extra, peer: r.Server})
			}
		}
	})

	pushed := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}
		if err := push(ctx, tree, up, job); err != nil {
			log.Printf("[extract] push %s to %s: %v", job.a.ID, job.peer, err)
			continue
		}
		pushed++
	}
	return pushed, nil
}

func push(ctx context.Context, tree *cache.Tree, up Uploader, job pushJob) error {
	if !tree.Pin(job.a) {
		return cache.ErrNotAllocated
	}
	defer tree.Unpin(job.a)

	rc, err := tree.Store().Open(job.key)
	if err != nil {
		return err
	}
	defer rc.Close()

	id := job.a.ID
	return up.Upload(ctx, job.peer.Addr(), &wire.Envelope{
		Kind:       wire.KindUpload,
		From:       tree.Local().Fingerprint,
		Collection: tree.Collection().Name,
		Archive:    &id,
	}, rc)
}
