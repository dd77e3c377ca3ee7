package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"runtime"
	"sync"
	"time"
)

var (
	// ErrShutdownHook wraps a failing shutdown hook. The daemon exits with
	// status 2 when it sees it.
	ErrShutdownHook = errors.New("shutdown hook failed")
	// ErrSpawn is returned when no worker could be started.
	ErrSpawn = errors.New("cannot spawn worker")
	// ErrStopping is returned for work submitted after shutdown began.
	ErrStopping = errors.New("server is stopping")
	// ErrFatal is returned by Run after a fatal signal was handled.
	ErrFatal = errors.New("fatal signal")
)

// Spawner starts fn on a new worker.
type Spawner interface {
	Go(fn func()) error
}

// GoroutineSpawner starts goroutines, refusing once Limit goroutines exist.
// A zero Limit never refuses.
type GoroutineSpawner struct {
	Limit int
}

// Go implements Spawner.
func (s GoroutineSpawner) Go(fn func()) error {
	if s.Limit > 0 && runtime.NumGoroutine() >= s.Limit {
		return fmt.Errorf("%d goroutines running", runtime.NumGoroutine())
	}
	go fn()
	return nil
}

// Hooks are the daemon callbacks run by the control plane.
type Hooks struct {
	// Reload runs with both pools drained and admissions held.
	Reload func() error
	// Shutdown runs once, with both pools drained for good.
	Shutdown func() error
	// Sync services one pending register; AnyRegister means the first
	// pending one.
	Sync func(register int) error
	// Cleanup runs before a fatal signal is re-raised.
	Cleanup func()
}

// Config sizes a Runtime.
type Config struct {
	MaxSocketJobs int
	MaxSignalJobs int
	SpawnRetries  int           // attempts before a unit of work is dropped, default 5
	SpawnBackoff  time.Duration // pause between attempts, default 100ms
	Spawner       Spawner       // default GoroutineSpawner{}
}

// Connexion is one accepted peer or client connection.
type Connexion struct {
	Conn       net.Conn
	Reader     *bufio.Reader
	RemoteAddr string
	Accepted   time.Time
}

func newConnexion(conn net.Conn) *Connexion {
	return &Connexion{
		Conn:       conn,
		Reader:     bufio.NewReader(conn),
		RemoteAddr: conn.RemoteAddr().String(),
		Accepted:   time.Now(),
	}
}

// Runtime owns admission control for the daemon.
//
// Invariants (under mu):
//   - socketJobs ≤ maxSocket and signalJobs ≤ maxSignal
//   - once stopping is set the counters stay pinned at their maximum
type Runtime struct {
	maxSocket int
	maxSignal int
	retries   int
	backoff   time.Duration
	spawner   Spawner
	hooks     Hooks

	// reraise delivers a fatal signal with its default disposition.
	reraise func(os.Signal)

	mu         sync.Mutex
	cond       *sync.Cond
	socketJobs int
	signalJobs int
	hold       bool
	stopping   bool
	addr       net.Addr

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewRuntime creates a runtime with the given limits and hooks.
func NewRuntime(cfg Config, hooks Hooks) *Runtime {
	if cfg.MaxSocketJobs <= 0 {
		cfg.MaxSocketJobs = 10
	}
	if cfg.MaxSignalJobs <= 0 {
		cfg.MaxSignalJobs = 3
	}
	if cfg.SpawnRetries <= 0 {
		cfg.SpawnRetries = 5
	}
	if cfg.SpawnBackoff <= 0 {
		cfg.SpawnBackoff = 100 * time.Millisecond
	}
	if cfg.Spawner == nil {
		cfg.Spawner = GoroutineSpawner{}
	}
	r := &Runtime{
		maxSocket: cfg.MaxSocketJobs,
		maxSignal: cfg.MaxSignalJobs,
		retries:   cfg.SpawnRetries,
		backoff:   cfg.SpawnBackoff,
		spawner:   cfg.Spawner,
		hooks:     hooks,
		reraise:   reraise,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Jobs returns the current socket and signal job counts.
func (r *Runtime) Jobs() (socket, signal int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.socketJobs, r.signalJobs
}

// Stopping reports whether shutdown has started.
func (r *Runtime) Stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *Runtime) acquireSocket() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.stopping && (r.hold || r.socketJobs >= r.maxSocket) {
		r.cond.Wait()
	}
	if r.stopping {
		return false
	}
	r.socketJobs++
	return true
}

func (r *Runtime) releaseSocket() {
	r.mu.Lock()
	if !r.stopping && r.socketJobs > 0 {
		r.socketJobs--
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Runtime) acquireSignal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.stopping && r.signalJobs >= r.maxSignal {
		r.cond.Wait()
	}
	if r.stopping {
		return false
	}
	r.signalJobs++
	return true
}

func (r *Runtime) releaseSignal() {
	r.mu.Lock()
	if !r.stopping && r.signalJobs > 0 {
		r.signalJobs--
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// spawn starts fn, retrying on failure.
func (r *Runtime) spawn(fn func()) error {
	var err error
	for attempt := 1; attempt <= r.retries; attempt++ {
		if err = r.spawner.Go(fn); err == nil {
			return nil
		}
		log.Printf("[server] spawn attempt %d/%d failed: %v", attempt, r.retries, err)
		if attempt < r.retries {
			time.Sleep(r.backoff)
		}
	}
	return fmt.Errorf("%w: %v", ErrSpawn, err)
}

// Serve accepts connections on ln until shutdown and hands each one to
// handler on its own worker. Connections are closed when handler returns.
// Serve returns nil after a clean shutdown, an ErrShutdownHook error when the
// shutdown hook failed, or the listener error.
func (r *Runtime) Serve(ln net.Listener, handler func(*Connexion)) error {
	r.mu.Lock()
	r.addr = ln.Addr()
	r.mu.Unlock()
	log.Printf("[server] listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if r.Stopping() {
			if conn != nil {
				conn.Close()
			}
			return r.shutdownResult()
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Printf("[server] accept: %v", err)
				continue
			}
			return err
		}

		if !r.acquireSocket() {
			conn.Close()
			return r.shutdownResult()
		}
		c := newConnexion(conn)
		err = r.spawn(func() {
			defer r.releaseSocket()
			defer conn.Close()
			handler(c)
		})
		if err != nil {
			log.Printf("[server] dropping connection from %s: %v", c.RemoteAddr, err)
			conn.Close()
			r.releaseSocket()
		}
	}
}

func (r *Runtime) shutdownResult() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownErr
}

// drainLocked holds admissions and waits for both pools to empty.
// Callers hold mu.
func (r *Runtime) drainLocked() {
	r.hold = true
	for r.socketJobs > 0 || r.signalJobs > 0 {
		r.cond.Wait()
	}
}

// Reload drains both pools and runs the reload hook with admissions held.
func (r *Runtime) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return ErrStopping
	}
	log.Printf("[server] reload: draining jobs")
	r.drainLocked()

	var err error
	if r.hooks.Reload != nil {
		err = r.hooks.Reload()
	}
	r.hold = false
	r.cond.Broadcast()
	if err != nil {
		log.Printf("[server] reload failed: %v", err)
		return err
	}
	log.Printf("[server] reloaded")
	return nil
}

// Shutdown drains both pools, blocks admissions for good, runs the shutdown
// hook once and unblocks Serve. Later calls return the first result.
func (r *Runtime) Shutdown() error {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		log.Printf("[server] shutdown: draining jobs")
		r.drainLocked()
		r.socketJobs = r.maxSocket
		r.signalJobs = r.maxSignal
		r.stopping = true
		var err error
		if r.hooks.Shutdown != nil {
			err = r.hooks.Shutdown()
		}
		if err != nil {
			r.shutdownErr = fmt.Errorf("%w: %v", ErrShutdownHook, err)
		}
		addr := r.addr
		r.cond.Broadcast()
		r.mu.Unlock()

		if addr != nil {
			selfConnect(addr)
		}
		log.Printf("[server] shutdown complete")
	})
	return r.shutdownResult()
}

// selfConnect opens and closes a connection to addr so a blocked Accept
// returns.
func selfConnect(addr net.Addr) {
	target := addr.String()
	if tcp, ok := addr.(*net.TCPAddr); ok && (tcp.IP == nil || tcp.IP.IsUnspecified()) {
		target = net.JoinHostPort("127.0.0.1", fmt.Sprint(tcp.Port))
	}
	conn, err := net.DialTimeout(addr.Network(), target, time.Second)
	if err != nil {
		log.Printf("[server] self-connect to %s: %v", target, err)
		return
	}
	conn.Close()
}

// Sync admits a signal job and services register on a new worker.
func (r *Runtime) Sync(register int) error {
	if !r.acquireSignal() {
		return ErrStopping
	}
	err := r.spawn(func() {
		defer r.releaseSignal()
		if r.hooks.Sync == nil {
			return
		}
		if err := r.hooks.Sync(register); err != nil {
			log.Printf("[server] sync register %d: %v", register, err)
		}
	})
	if err != nil {
		r.releaseSignal()
		return err
	}
	return nil
}

// Fatal runs the cleanup hook and re-raises sig.
func (r *Runtime) Fatal(sig os.Signal) error {
	log.Printf("[server] fatal signal %v", sig)
	if r.hooks.Cleanup != nil {
		r.hooks.Cleanup()
	}
	r.reraise(sig)
	return fmt.Errorf("%w: %v", ErrFatal, sig)
}

// Run consumes control events until shutdown, a fatal signal, ctx
// cancellation or the events channel closing.
func (r *Runtime) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case EventReload:
				r.Reload()
			case EventSync:
				if err := r.Sync(ev.Register); err != nil {
					log.Printf("[server] sync: %v", err)
				}
			case EventShutdown:
				return r.Shutdown()
			case EventFatal:
				return r.Fatal(ev.Signal)
			default:
				log.Printf("[server] ignoring event %v", ev.Kind)
			}
		}
	}
}
