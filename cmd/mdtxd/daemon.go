package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dreamware/mdtx/internal/cache"
	"github.com/dreamware/mdtx/internal/cluster"
	"github.com/dreamware/mdtx/internal/config"
	"github.com/dreamware/mdtx/internal/extract"
	"github.com/dreamware/mdtx/internal/notify"
	"github.com/dreamware/mdtx/internal/register"
	"github.com/dreamware/mdtx/internal/server"
	"github.com/dreamware/mdtx/internal/storage"
	"github.com/dreamware/mdtx/internal/wire"
)

// daemon ties the packages together for one configuration.
//
// cfg is replaced by reload, which the runtime runs with every job drained,
// so jobs read it without locking. mu only guards against reads from the
// notify ticker goroutine.
type daemon struct {
	mu  sync.Mutex
	cfg *config.Config

	topo    *cluster.Topology
	monitor *cluster.PeerMonitor
	dialer  *wire.Dialer
	engine  *notify.Engine
	lib     *cache.Library
	db      *storage.RecordDB
	copier  extract.Extractor
	seg     *register.Segment
	pid     *server.PIDFile
	rt      *server.Runtime

	ctx context.Context
}

// openDaemon acquires the pid file, the record DB and the register segment,
// and opens every configured collection.
func openDaemon(cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg, copier: &extract.SupportCopier{}, ctx: context.Background()}
	ok := false
	defer func() {
		if !ok {
			d.cleanup()
			if d.db != nil {
				d.db.Close()
			}
		}
	}()

	var err error
	if d.pid, err = server.WritePIDFile(cfg.PIDFile); err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(cfg.StateDB), 0o755); err != nil {
		return nil, err
	}
	if d.db, err = storage.OpenRecordDB(cfg.StateDB); err != nil {
		return nil, err
	}
	segPath, err := register.SegmentPath(cfg.Path)
	if err != nil {
		return nil, err
	}
	if d.seg, err = register.Open(segPath); err != nil {
		return nil, err
	}
	if d.dialer, err = wire.NewDialer(cfg.SocksProxy, cfg.DialTimeout); err != nil {
		return nil, err
	}

	d.topo = cluster.NewTopology(cfg.Local(), cfg.PeerServers())
	d.monitor = cluster.NewPeerMonitor(cfg.ProbeInterval)
	d.engine = notify.NewEngine(d.topo, d.dialer, d.monitor, cfg.NotifyFanout)
	d.lib = cache.NewLibrary(d.db, d.topo)
	for _, col := range cfg.Collections {
		if err = d.addCollection(col); err != nil {
			return nil, err
		}
	}
	if orphans, oerr := d.lib.Orphans(); oerr == nil && len(orphans) > 0 {
		log.Printf("[mdtxd] record DB holds unconfigured collections: %v", orphans)
	}

	d.rt = server.NewRuntime(server.Config{
		MaxSocketJobs: cfg.MaxSocketJobs,
		MaxSignalJobs: cfg.MaxSignalJobs,
	}, server.Hooks{
		Reload:   d.reload,
		Shutdown: d.shutdown,
		Sync:     d.sync,
		Cleanup:  d.cleanup,
	})
	log.Printf("[mdtxd] server %s ready with %d collection(s) and %d peer(s)",
		cfg.Fingerprint, len(cfg.Collections), len(cfg.Peers))
	ok = true
	return d, nil
}

// addCollection opens col on its cache directory and picks up files already
// there.
func (d *daemon) addCollection(col config.Collection) error {
	store, err := storage.NewFileStore(col.CacheDir)
	if err != nil {
		return fmt.Errorf("collection %s: %w", col.Name, err)
	}
	tree, err := d.lib.Add(col.CacheConfig(), store)
	if err != nil {
		return err
	}
	added, dropped, err := tree.Scan()
	if err != nil {
		return fmt.Errorf("scan collection %s: %w", col.Name, err)
	}
	if added > 0 || dropped > 0 {
		log.Printf("[mdtxd] collection '%s': scan added %d, dropped %d", col.Name, added, dropped)
	}
	return nil
}

func (d *daemon) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// reload re-reads the configuration file. Peers, collection sizes and
// scoring settings, added and removed collections take effect. The listen
// address, the fingerprint and the job limits need a restart.
func (d *daemon) reload() error {
	old := d.config()
	cfg, err := config.Load(old.Path)
	if err != nil {
		return err
	}
	if cfg.Fingerprint != old.Fingerprint || cfg.Addr() != old.Addr() {
		log.Printf("[mdtxd] reload: fingerprint and address changes need a restart")
	}

	d.topo.Replace(cfg.PeerServers())

	wanted := make(map[string]bool)
	for _, col := range cfg.Collections {
		wanted[col.Name] = true
		if err := d.addCollection(col); err != nil {
			return err
		}
	}
	for _, name := range d.lib.Names() {
		if wanted[name] {
			continue
		}
		if err := d.lib.Remove(name); err != nil {
			return err
		}
		log.Printf("[mdtxd] reload: collection '%s' removed", name)
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

// sync services register calls. AnyRegister services every pending
// register; a given id runs that action directly, which is how the notify
// ticker triggers rounds.
func (d *daemon) sync(id int) error {
	if id != server.AnyRegister {
		return d.serveRegister(id)
	}
	for i := 0; i < register.Size; i++ {
		if _, err := register.ServeOne(d.seg, server.AnyRegister, d.serveRegister); err != nil {
			if errors.Is(err, register.ErrNothingPending) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (d *daemon) serveRegister(id int) error {
	switch id {
	case register.Sync:
		return d.round(d.ctx)
	case register.Save:
		return d.lib.SaveAll()
	case register.Scan:
		return d.lib.Each(func(tree *cache.Tree) error {
			added, dropped, err := tree.Scan()
			log.Printf("[mdtxd] collection '%s': scan added %d, dropped %d", tree.Collection().Name, added, dropped)
			return err
		})
	}
	return fmt.Errorf("%w: %d", register.ErrBadRegister, id)
}

// round extracts what localhost demands, notifies every collection, then
// pushes cached archives to the peers demanding them.
func (d *daemon) round(ctx context.Context) error {
	err := d.lib.Each(func(tree *cache.Tree) error {
		n, err := extract.Satisfy(ctx, tree, d.copier)
		if n > 0 {
			log.Printf("[mdtxd] collection '%s': extracted %d archive(s)", tree.Collection().Name, n)
		}
		return err
	})
	if err != nil {
		return err
	}
	if err := d.engine.NotifyAll(ctx, d.lib); err != nil {
		return err
	}
	return d.lib.Each(func(tree *cache.Tree) error {
		n, err := extract.Push(ctx, tree, d.dialer)
		if n > 0 {
			log.Printf("[mdtxd] collection '%s': pushed %d archive(s)", tree.Collection().Name, n)
		}
		return err
	})
}

// shutdown persists every collection and releases the daemon resources.
func (d *daemon) shutdown() error {
	d.monitor.Stop()
	var errs []error
	if err := d.lib.SaveAll(); err != nil {
		errs = append(errs, err)
	}
	if err := d.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.seg != nil {
		path := d.seg.Path()
		if err := d.seg.Close(); err != nil {
			errs = append(errs, err)
		}
		os.Remove(path)
		d.seg = nil
	}
	if d.pid != nil {
		if err := d.pid.Remove(); err != nil {
			errs = append(errs, err)
		}
		d.pid = nil
	}
	return errors.Join(errs...)
}

// cleanup releases what other processes can see. It runs on fatal signals.
func (d *daemon) cleanup() {
	if d.seg != nil {
		path := d.seg.Path()
		d.seg.Close()
		os.Remove(path)
		d.seg = nil
	}
	if d.pid != nil {
		d.pid.Remove()
		d.pid = nil
	}
}

// events merges the OS signals with the notify ticker.
func (d *daemon) events(ctx context.Context) <-chan server.Event {
	sigs := server.Signals(ctx)
	out := make(chan server.Event)
	interval := d.config().NotifyInterval
	go func() {
		defer close(out)
		var tick <-chan time.Time
		if interval > 0 {
			t := time.NewTicker(interval)
			defer t.Stop()
			tick = t.C
		}
		for {
			var ev server.Event
			select {
			case <-ctx.Done():
				return
			case s, ok := <-sigs:
				if !ok {
					return
				}
				ev = s
			case <-tick:
				ev = server.Event{Kind: server.EventSync, Register: register.Sync}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// run serves until shutdown and returns the shutdown result.
func run(cfg *config.Config) error {
	d, err := openDaemon(cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		d.shutdown()
		return err
	}
	return d.serve(ln)
}

func (d *daemon) serve(ln net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.ctx = ctx

	cfg := d.config()
	if cfg.ProbeInterval > 0 {
		go d.monitor.Start(ctx, d.topo.Peers)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.rt.Serve(ln, d.handleConn) }()
	runErr := make(chan error, 1)
	go func() { runErr <- d.rt.Run(ctx, d.events(ctx)) }()

	select {
	case err := <-serveErr:
		cancel()
		<-runErr
		if d.rt.Stopping() {
			return err
		}
		log.Printf("[mdtxd] listener failed: %v", err)
		return errors.Join(err, d.rt.Shutdown())
	case err := <-runErr:
		if errors.Is(err, server.ErrFatal) {
			return err
		}
		err = d.rt.Shutdown()
		<-serveErr
		ln.Close()
		return err
	}
}
