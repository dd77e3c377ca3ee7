// Package cluster describes the servers taking part in content distribution and
// the network topology that decides who talks to whom.
//
// # Overview
//
// Every daemon knows itself (the localhost Server) and a list of peers read from
// configuration. A Server belongs to a set of networks; two servers sharing at
// least one network can reach each other directly. Servers sitting on a NAT
// boundary also list gateway networks: they relay notify traffic into those
// networks for senders that cannot reach them.
//
//	  network "lan"             network "dmz"
//	┌───────────────┐       ┌─────────────────┐
//	│  A      B     │       │   C        D    │
//	│        (gw)───┼───────┼───▶             │
//	└───────────────┘       └─────────────────┘
//
// Here B is in "lan" and acts as gateway for "dmz". A notify sent by A reaches
// B directly; B forwards it to C and D because they share no network with A
// but do share "dmz" with B's gateway set.
//
// # Core Components
//
// Server: identity (fingerprint), address, network and gateway membership.
//
// Topology: localhost plus the known peers; computes notify fan-out targets
// and relay targets.
//
// PeerMonitor: tracks peer reachability from delivery results and periodic
// TCP probes so operators can see which peers are failing.
//
// # Concurrency Model
//
// Server values are immutable once built. Topology and PeerMonitor guard their
// state with sync.RWMutex and never hold a lock during network I/O.
package cluster
