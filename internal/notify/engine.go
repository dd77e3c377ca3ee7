package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/mdtx/internal/archive"
	"github.com/dreamware/mdtx/internal/cache"
	"github.com/dreamware/mdtx/internal/cluster"
	"github.com/dreamware/mdtx/internal/wire"
)

// ErrLoop is returned for envelopes claiming to come from localhost.
var ErrLoop = errors.New("envelope from localhost")

// Sender delivers an envelope to a peer address and waits for its status.
// *wire.Dialer implements it.
type Sender interface {
	Send(ctx context.Context, addr string, env *wire.Envelope) error
}

// Engine runs notify and HAVE exchanges for localhost.
type Engine struct {
	topo    *cluster.Topology
	sender  Sender
	monitor *cluster.PeerMonitor
	fanout  int
}

// NewEngine creates an engine delivering through sender with at most fanout
// concurrent deliveries. monitor may be nil.
func NewEngine(topo *cluster.Topology, sender Sender, monitor *cluster.PeerMonitor, fanout int) *Engine {
	if fanout <= 0 {
		fanout = 8
	}
	return &Engine{topo: topo, sender: sender, monitor: monitor, fanout: fanout}
}

// broadcast sends env to every target concurrently and returns how many
// acknowledged it. Failures are logged and skipped.
func (e *Engine) broadcast(ctx context.Context, env *wire.Envelope, targets []*cluster.Server) int {
	var reached atomic.Int32
	var g errgroup.Group
	g.SetLimit(e.fanout)
	for _, peer := range targets {
		peer := peer
		g.Go(func() error {
			err := e.sender.Send(ctx, peer.Addr(), env)
			if e.monitor != nil {
				e.monitor.RecordResult(peer.Fingerprint, err)
			}
			if err != nil {
				log.Printf("[notify] %s to %s failed: %v", env.Kind, peer, err)
				return nil
			}
			reached.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(reached.Load())
}

// SendRemoteNotify builds the ring of tree once and pushes it to every peer
// sharing a network with localhost. It returns the number of peers reached.
func (e *Engine) SendRemoteNotify(ctx context.Context, tree *cache.Tree) (int, error) {
	ring := BuildRings(tree)
	env := &wire.Envelope{
		Kind:       wire.KindNotify,
		From:       e.topo.Local().Fingerprint,
		Collection: tree.Collection().Name,
		Records:    ring.Rows(),
	}
	targets := e.topo.NotifyTargets()
	if len(targets) == 0 {
		return 0, nil
	}
	reached := e.broadcast(ctx, env, targets)
	log.Printf("[notify] collection '%s': %d records to %d/%d peers",
		env.Collection, len(env.Records), reached, len(targets))
	return reached, ctx.Err()
}

// origin resolves and checks the origin of an envelope.
func (e *Engine) origin(env *wire.Envelope) (*cluster.Server, error) {
	sender, err := e.topo.Lookup(env.From)
	if err != nil {
		return nil, fmt.Errorf("%s from %q: %w", env.Kind, env.From, err)
	}
	if sender.IsLocalhost {
		return nil, ErrLoop
	}
	return sender, nil
}

// Relay forwards env to the peers localhost is a gateway for and that the
// sender cannot reach. It returns the number of peers reached.
func (e *Engine) Relay(ctx context.Context, env *wire.Envelope, sender *cluster.Server) int {
	targets := e.topo.RelayTargets(sender)
	if len(targets) == 0 {
		return 0
	}
	reached := e.broadcast(ctx, env, targets)
	log.Printf("[notify] relayed %s of %s to %d/%d peers", env.Kind, sender, reached, len(targets))
	return reached
}

// AcceptRemoteNotify relays env if localhost is a gateway, then replaces the
// sender's records in tree with the ones env carries. It returns the number
// of records installed.
func (e *Engine) AcceptRemoteNotify(ctx context.Context, tree *cache.Tree, env *wire.Envelope) (int, error) {
	sender, err := e.origin(env)
	if err != nil {
		return 0, err
	}
	e.Relay(ctx, env, sender)

	rows := make([]archive.Row, 0, len(env.Records))
	for _, row := range env.Records {
		typ, err := archive.ParseRecordType(row.Type)
		if err != nil {
			continue
		}
		mapped, ok := Translate(typ)
		if !ok {
			continue
		}
		row.Server = sender.Fingerprint
		row.Type = mapped.String()
		row.Extra = ""
		rows = append(rows, row)
	}
	installed := tree.ReplaceRemote(sender, rows)
	return len(installed), nil
}

// SendHave announces that localhost now supplies a.
func (e *Engine) SendHave(ctx context.Context, tree *cache.Tree, a *archive.Archive) (int, error) {
	id := a.ID
	env := &wire.Envelope{
		Kind:       wire.KindHave,
		From:       e.topo.Local().Fingerprint,
		Collection: tree.Collection().Name,
		Archive:    &id,
	}
	return e.broadcast(ctx, env, e.topo.NotifyTargets()), ctx.Err()
}

// AcceptHave relays a HAVE like a notify, then adds one remote supply of the
// sender. Other records of the sender are kept.
func (e *Engine) AcceptHave(ctx context.Context, tree *cache.Tree, env *wire.Envelope) error {
	if env.Archive == nil {
		return fmt.Errorf("%w: have without archive", wire.ErrBadEnvelope)
	}
	sender, err := e.origin(env)
	if err != nil {
		return err
	}
	e.Relay(ctx, env, sender)

	_, err = tree.AddRemote(sender, archive.Row{
		Server: sender.Fingerprint,
		Hash:   env.Archive.Hash,
		Size:   env.Archive.Size,
		Type:   archive.RemoteSupply.String(),
		Date:   time.Now(),
	})
	return err
}

// NotifyAll runs SendRemoteNotify on every collection of lib.
func (e *Engine) NotifyAll(ctx context.Context, lib *cache.Library) error {
	return lib.Each(func(tree *cache.Tree) error {
		_, err := e.SendRemoteNotify(ctx, tree)
		return err
	})
}

func sortRecords(rs []*archive.Record) {
	slices.SortFunc(rs, func(a, b *archive.Record) int {
		if c := strings.Compare(a.Archive.ID.String(), b.Archive.ID.String()); c != 0 {
			return c
		}
		if a.Type != b.Type {
			return int(a.Type) - int(b.Type)
		}
		if c := strings.Compare(a.Server.Fingerprint, b.Server.Fingerprint); c != 0 {
			return c
		}
		return strings.Compare(a.Extra, b.Extra)
	})
}
