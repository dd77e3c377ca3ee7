// Package server runs the daemon's concurrency model: bounded job pools for
// connections and control requests, the accept loop, and the control plane
// that reloads, synchronizes and shuts the daemon down.
//
// # Overview
//
//	                ┌──────────── Runtime ────────────┐
//	 TCP accept ───▶│ socket jobs  (≤ MaxSocketJobs)  │──▶ one worker per connection
//	                │ signal jobs  (≤ MaxSignalJobs)  │──▶ one worker per sync request
//	 Event chan ───▶│ hold, stopping                  │
//	                └─────────────────────────────────┘
//
// Admission waits on a condition variable; nothing is rejected for being
// busy, an overloaded daemon stalls its acceptor instead.
//
// # Control plane
//
// Run consumes typed events, usually produced by Signals from OS signals:
//
//	SIGHUP  → Reload    hold admissions, drain both pools, run the reload hook
//	SIGUSR1 → Sync      admit a signal job servicing one pending register
//	SIGTERM → Shutdown  drain, block admissions for good, run the shutdown hook
//	                    once, self-connect so Accept returns
//	SIGINT, SIGSEGV → Fatal  best-effort cleanup, then re-raise
//
// Tests feed events directly, no real signal is needed.
//
// # Spawning
//
// Workers are started through a Spawner. Starting one may fail on resource
// exhaustion; the runtime retries with a fixed backoff, then drops the unit of
// work and rolls its pool counter back.
package server
