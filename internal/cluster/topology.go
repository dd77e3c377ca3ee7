package cluster

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrUnknownServer is returned when a fingerprint matches neither localhost
// nor any configured peer.
var ErrUnknownServer = errors.New("unknown server")

// Topology holds localhost and the peers it knows about.
// Thread-safe: peers can be replaced on reload while lookups are in flight.
type Topology struct {
	local *Server
	peers map[string]*Server // fingerprint -> peer
	mu    sync.RWMutex
}

// NewTopology creates a topology for local with the given peers.
// Peers sharing localhost's fingerprint are ignored.
func NewTopology(local *Server, peers []*Server) *Topology {
	t := &Topology{local: local}
	t.Replace(peers)
	return t
}

// Local returns the localhost Server.
func (t *Topology) Local() *Server {
	return t.local
}

// Replace swaps the peer list, typically after a configuration reload.
func (t *Topology) Replace(peers []*Server) {
	next := make(map[string]*Server, len(peers))
	for _, p := range peers {
		if p == nil || p.Fingerprint == t.local.Fingerprint {
			continue
		}
		next[p.Fingerprint] = p
	}
	t.mu.Lock()
	t.peers = next
	t.mu.Unlock()
}

// Lookup resolves a fingerprint to localhost or a known peer.
func (t *Topology) Lookup(fingerprint string) (*Server, error) {
	if fingerprint == t.local.Fingerprint {
		return t.local, nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.peers[fingerprint]; ok {
		return p, nil
	}
	return nil, ErrUnknownServer
}

// Peers returns the known peers sorted by fingerprint.
func (t *Topology) Peers() []*Server {
	t.mu.RLock()
	peers := make([]*Server, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()
	slices.SortFunc(peers, func(a, b *Server) int {
		return strings.Compare(a.Fingerprint, b.Fingerprint)
	})
	return peers
}

// NotifyTargets returns the peers sharing at least one network with
// localhost. Notify rounds fan out to these peers only.
func (t *Topology) NotifyTargets() []*Server {
	var out []*Server
	for _, p := range t.Peers() {
		if t.local.SharesNetwork(p) {
			out = append(out, p)
		}
	}
	return out
}

// RelayTargets returns the peers a notify from sender must be forwarded to.
// A peer qualifies when it shares no network with sender and shares a network
// with one of localhost's gateway networks. Nothing is relayed when localhost
// is not a gateway.
func (t *Topology) RelayTargets(sender *Server) []*Server {
	if !t.local.IsGateway() {
		return nil
	}
	var out []*Server
	for _, p := range t.Peers() {
		if p.Fingerprint == sender.Fingerprint {
			continue
		}
		if p.SharesNetwork(sender) {
			continue
		}
		if t.local.ServesGatewayFor(p) {
			out = append(out, p)
		}
	}
	return out
}
