// Package archive holds the supply/demand data model of a collection.
//
// # Overview
//
// An Archive is content identified by its (hash, size) Identity. Servers make
// typed assertions about archives through Records: "I hold it in my cache"
// (local-supply), "I have reserved room for it" (malloc-supply), "it is on one
// of my supports" (final-supply), "a peer holds it" (remote-supply), and the
// matching demands. Containers describe how archives are produced from other
// archives (an ISO that has to be extracted, a tarball split in parts).
//
// A Collection is the registry for one content-distribution domain. It owns
// exactly one Archive per Identity and indexes Records per server, so that
// removing a Record never leaves a dangling link in either direction.
//
// # State
//
// Archive.State is a cached derivation of its links, ordered from UNUSED to
// TOKEEP. DeriveState recomputes the link-based part; the Scorer overlays
// TOKEEP. The cache package is the only writer of State and keeps size
// accounting consistent with it.
//
// # Concurrency Model
//
// Collection guards its maps with an internal mutex. Archive fields are not
// locked individually; callers serialize link mutation through the Collection
// and through the cache package's collection-level locks.
package archive
