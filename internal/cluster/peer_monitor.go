package cluster

import (
	"context"
	"log"
	"net"
	"sync"
	"time"
)

// Peer reachability states reported by PeerMonitor.
const (
	PeerUnknown     = "unknown"
	PeerReachable   = "reachable"
	PeerUnreachable = "unreachable"
)

// PeerHealth tracks the reachability of a single peer.
// Thread-safe: Protected by PeerMonitor's mutex when accessed.
type PeerHealth struct {
	LastCheck        time.Time `json:"last_check"`     // Last probe or delivery attempt
	LastReachable    time.Time `json:"last_reachable"` // Last successful probe or delivery
	Fingerprint      string    `json:"fingerprint"`    // Peer identity
	Status           string    `json:"status"`         // PeerUnknown, PeerReachable or PeerUnreachable
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// PeerMonitor records peer reachability from two sources: the outcome of every
// notify delivery and a periodic TCP probe. It never decides who gets notified;
// topology does. It exists so failing peers show up in logs and status.
// Thread-safe: All methods are safe for concurrent access.
type PeerMonitor struct {
	peers       map[string]*PeerHealth
	checkFunc   func(addr string) error
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	mu          sync.RWMutex
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewPeerMonitor creates a monitor probing every interval. Peers are marked
// unreachable after 3 consecutive failures.
//
// Example:
//
//	monitor := NewPeerMonitor(time.Minute)
//	go monitor.Start(ctx, topology.Peers)
func NewPeerMonitor(interval time.Duration) *PeerMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerMonitor{
		peers:       make(map[string]*PeerHealth),
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetCheckFunction overrides the TCP probe, mostly for tests.
func (m *PeerMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	m.checkFunc = checkFunc
}

// Start probes the peers returned by provider until ctx or Stop cancels it.
// It blocks; run it in its own goroutine.
func (m *PeerMonitor) Start(ctx context.Context, provider func() []*Server) {
	m.wg.Add(1)
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}
	if m.checkFunc == nil {
		m.checkFunc = m.dialCheck
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("[monitor] started with interval %v", m.interval)
	m.probeAll(provider())

	for {
		select {
		case <-ticker.C:
			m.probeAll(provider())
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop cancels the probe loop and waits for it to return.
func (m *PeerMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *PeerMonitor) probeAll(peers []*Server) {
	current := make(map[string]bool, len(peers))
	for _, p := range peers {
		current[p.Fingerprint] = true
		m.RecordResult(p.Fingerprint, m.checkFunc(p.Addr()))
	}

	// Forget peers removed by a reload
	m.mu.Lock()
	for fp := range m.peers {
		if !current[fp] {
			delete(m.peers, fp)
		}
	}
	m.mu.Unlock()
}

// RecordResult folds one probe or delivery outcome into the peer's health.
func (m *PeerMonitor) RecordResult(fingerprint string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	health, ok := m.peers[fingerprint]
	if !ok {
		health = &PeerHealth{Fingerprint: fingerprint, Status: PeerUnknown}
		m.peers[fingerprint] = health
	}

	now := time.Now()
	health.LastCheck = now
	if err != nil {
		health.ConsecutiveFails++
		if health.ConsecutiveFails >= m.maxFailures && health.Status != PeerUnreachable {
			log.Printf("[monitor] peer %s unreachable after %d failures: %v",
				fingerprint, health.ConsecutiveFails, err)
			health.Status = PeerUnreachable
		}
		return
	}
	if health.Status == PeerUnreachable {
		log.Printf("[monitor] peer %s reachable again", fingerprint)
	}
	health.Status = PeerReachable
	health.ConsecutiveFails = 0
	health.LastReachable = now
}

// IsReachable reports whether the peer's last known status is reachable.
func (m *PeerMonitor) IsReachable(fingerprint string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.peers[fingerprint]
	return ok && h.Status == PeerReachable
}

// Snapshot returns a copy of every tracked peer's health.
func (m *PeerMonitor) Snapshot() map[string]PeerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]PeerHealth, len(m.peers))
	for fp, h := range m.peers {
		out[fp] = *h
	}
	return out
}

func (m *PeerMonitor) dialCheck(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, m.timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
