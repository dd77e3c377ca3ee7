package wire

import (
	"github.com/dreamware/mdtx/internal/cache"
	"github.com/dreamware/mdtx/internal/cluster"
)

// StatusReport answers a STATUS envelope.
type StatusReport struct {
	Server      string                        `json:"server"`
	Addr        string                        `json:"addr"`
	SocketJobs  int                           `json:"socket_jobs"`
	SignalJobs  int                           `json:"signal_jobs"`
	Collections []cache.Stats                 `json:"collections"`
	Peers       map[string]cluster.PeerHealth `json:"peers"`
}
