package main

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/dreamware/mdtx/internal/archive"
	"github.com/dreamware/mdtx/internal/cache"
	"github.com/dreamware/mdtx/internal/server"
	"github.com/dreamware/mdtx/internal/storage"
	"github.com/dreamware/mdtx/internal/wire"
)

// envelopeTimeout bounds how long a client may take to send its envelope.
const envelopeTimeout = 30 * time.Second

// handleConn serves one connection: it reads the envelope, dispatches it to
// the owning collection and writes the reply.
func (d *daemon) handleConn(c *server.Connexion) {
	c.Conn.SetReadDeadline(time.Now().Add(envelopeTimeout))
	env, err := wire.ReadEnvelope(c.Reader)
	if err != nil {
		log.Printf("[mdtxd] %s: %v", c.RemoteAddr, err)
		wire.WriteStatus(c.Conn, false)
		return
	}
	c.Conn.SetReadDeadline(time.Time{})

	if env.Kind == wire.KindStatus {
		if err := json.NewEncoder(c.Conn).Encode(d.status()); err != nil {
			log.Printf("[mdtxd] %s: status: %v", c.RemoteAddr, err)
		}
		return
	}

	tree, err := d.lib.Load(env.Collection)
	if err != nil {
		log.Printf("[mdtxd] %s: %s: %v", c.RemoteAddr, env.Kind, err)
		if env.Kind == wire.KindQuery {
			wire.WriteReply(c.Conn, wire.Reply{Code: wire.CodeNotFound, Text: "unknown collection"})
		} else {
			wire.WriteStatus(c.Conn, false)
		}
		return
	}
	defer d.lib.Release(tree)

	switch env.Kind {
	case wire.KindNotify:
		n, err := d.engine.AcceptRemoteNotify(d.ctx, tree, env)
		if err != nil {
			log.Printf("[mdtxd] notify from %s: %v", env.From, err)
		} else {
			log.Printf("[mdtxd] collection '%s': %d record(s) from %s", env.Collection, n, env.From)
		}
		wire.WriteStatus(c.Conn, err == nil)

	case wire.KindHave:
		err := d.engine.AcceptHave(d.ctx, tree, env)
		if err != nil {
			log.Printf("[mdtxd] have from %s: %v", env.From, err)
		}
		wire.WriteStatus(c.Conn, err == nil)

	case wire.KindUpload:
		a := tree.Collection().GetOrCreateArchive(*env.Archive)
		_, err := tree.Ingest(a, cache.DefaultKey(a.ID), c.Reader)
		if err != nil {
			log.Printf("[mdtxd] upload from %s: %v", env.From, err)
		}
		wire.WriteStatus(c.Conn, err == nil)
		if err == nil {
			if _, err := d.engine.SendHave(d.ctx, tree, a); err != nil {
				log.Printf("[mdtxd] have %s: %v", a.ID, err)
			}
		}

	case wire.KindQuery:
		reply := d.query(tree, env)
		if err := wire.WriteReply(c.Conn, reply); err != nil {
			log.Printf("[mdtxd] %s: query: %v", c.RemoteAddr, err)
		}
	}
}

// query answers where an archive can be found. A known supply registers a
// local demand for the requesting email, so the next round fetches it.
func (d *daemon) query(tree *cache.Tree, env *wire.Envelope) wire.Reply {
	a := tree.Collection().Archive(*env.Archive)
	if a == nil {
		return wire.Reply{Code: wire.CodeNotFound, Text: "not found"}
	}
	if key, ok := tree.LocalPath(a); ok {
		return wire.Reply{Code: wire.CodeFound, Text: d.url(tree, key)}
	}

	supplied := false
	tree.Inspect(func(*archive.Collection) {
		supplied = len(a.RemoteSupplies) > 0 || len(a.FinalSupplies) > 0
	})
	if !supplied {
		return wire.Reply{Code: wire.CodeNobody, Text: "nobody"}
	}

	email := env.Email
	if email == "" {
		email = "anonymous"
	}
	if _, err := tree.AddLocal(a.ID, archive.LocalDemand, email); err != nil {
		log.Printf("[mdtxd] query %s: %v", a.ID, err)
		return wire.Reply{Code: wire.CodeNobody, Text: "nobody"}
	}
	return wire.Reply{Code: wire.CodeRegistered, Text: "ok"}
}

// url locates a cached file: under url_base when configured, as a file URL
// otherwise.
func (d *daemon) url(tree *cache.Tree, key string) string {
	if base := d.config().URLBase; base != "" {
		return strings.TrimSuffix(base, "/") + "/" + tree.Collection().Name + "/" + key
	}
	if fs, ok := tree.Store().(*storage.FileStore); ok {
		if path, err := fs.Path(key); err == nil {
			return "file://" + path
		}
	}
	return key
}

func (d *daemon) status() *wire.StatusReport {
	cfg := d.config()
	socket, signal := d.rt.Jobs()
	report := &wire.StatusReport{
		Server:     cfg.Fingerprint,
		Addr:       cfg.Addr(),
		SocketJobs: socket,
		SignalJobs: signal,
		Peers:      d.monitor.Snapshot(),
	}
	err := d.lib.Each(func(tree *cache.Tree) error {
		report.Collections = append(report.Collections, tree.Stats())
		return nil
	})
	if err != nil && !errors.Is(err, cache.ErrUnknownCollection) {
		log.Printf("[mdtxd] status: %v", err)
	}
	return report
}
