// Package cache decides which archives occupy the bounded local cache of a
// collection and which of them may be evicted to make room.
//
// # Overview
//
// A Tree tracks three sizes for its collection:
//
//	┌──────────────────────── total ────────────────────────┐
//	┌──────────── use ─────────────┐
//	┌── frozen ──┐
//	│  TOKEEP    │ AVAILABLE,      │        free           │
//	│  (pinned,  │ ALLOCATED       │                       │
//	│  demanded) │ (evictable)     │                       │
//	└────────────┴─────────────────┴───────────────────────┘
//
// use is the sum of the sizes of archives in state ALLOCATED or above, frozen
// the sum of TOKEEP archives. Every state transition goes through a single
// accounting helper so the sums always match the states.
//
// # Admission
//
// Alloc reserves room for one archive by adding a malloc-supply placeholder.
// When the free space is short, FreeCache evicts AVAILABLE archives in
// identity order until enough is free, never touching TOKEEP ones. Once the
// bytes are written, Materialize turns the placeholder into a local supply.
//
// # Merging peer state
//
// ReplaceRemote swaps every record a peer announced for the ones of its latest
// notify. It holds the cache lock exclusively while allocation holds it shared,
// so an eviction pass never observes a half-merged peer.
//
// # Library
//
// Library owns one Tree per configured collection. Trees are checked out with
// reference counting; the last release persists the collection's records.
package cache
