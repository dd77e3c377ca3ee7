// Package storage persists what the daemon must not lose: the bytes of cached
// archives and the record index of every collection.
//
// # Overview
//
// Two concerns live here:
//
//	┌──────────────────────┐     ┌──────────────────────────┐
//	│ Store                │     │ RecordDB                 │
//	│ archive bytes, keyed │     │ record rows per          │
//	│ by cache-relative    │     │ collection (BoltDB)      │
//	│ path                 │     │                          │
//	├──────────┬───────────┤     └──────────────────────────┘
//	│FileStore │MemoryStore│
//	└──────────┴───────────┘
//
// Store is the backing-file layer of a cache tree. FileStore maps keys to files
// under a cache directory and prunes directories left empty by deletions.
// MemoryStore keeps bytes in memory and is what tests use.
//
// RecordDB keeps one bucket per collection holding the flattened records
// (archive.Row), so a restarted daemon finds its supplies and demands again.
//
// # Concurrency
//
// MemoryStore uses a sync.RWMutex. FileStore relies on the file system and
// serializes directory pruning. BoltDB serializes its own transactions.
package storage
