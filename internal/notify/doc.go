// Package notify pushes each collection's cache state to the peers that can
// use it and merges what peers push back.
//
// # Rings
//
// A notify round does not send every record. It builds a ring, the union of:
//
//  1. local supplies of archives that peers want, found directly or through
//     the containers the archive can be extracted from;
//  2. localhost's pending final and local demands, re-announced every round
//     so peers keep looking;
//  3. local supplies of top-level archives scoring at most half the maximum
//     score, which the cluster should copy before they are evicted.
//
// The ring is rebuilt and rescored on every round.
//
// # Fan-out and relay
//
// The same envelope goes to every peer sharing a network with localhost. A
// receiving gateway forwards the envelope untouched to the peers behind it
// that the sender cannot reach, then replaces everything it knew about the
// sender with the received records:
//
//	A ──NOTIFY──▶ B(gateway) ──NOTIFY(from A)──▶ C
//	              │
//	              └─ forget A's records, install the new ones
//
// Record types are seen from the sender: a peer's local supply becomes a
// remote supply here, its final and local demands become remote demands.
package notify
