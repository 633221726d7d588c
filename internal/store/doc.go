// Package store is the shared relational coordination store.
//
// Every worker process coordinates exclusively through this SQLite
// database; there is no in-process or cross-process shared memory and no
// leader. The store's transactional locking is the sole mutual-exclusion
// primitive: claims are conditional inserts keyed by derivation id, and
// every read-then-act sequence that touches a reservation or a status runs
// inside one transaction so partial states are never observable.
//
// Responsibilities:
//
//   - schema management (embedded schema.sql, PRAGMA user_version migrations)
//   - derivation/commit/edge writes for the upstream evaluator
//   - the dependency-satisfaction query for system derivations
//   - the priority-ordered claimable queue
//   - the reservation claim/heartbeat/sweep protocol
//   - the retry and terminal-failure policy applied on build completion
//   - the startup reconciliation pass for crash recovery
//
// SQLite specifics: WAL mode for concurrent readers, a 5-second busy
// timeout for writer contention, and a single connection per process so a
// transaction never deadlocks against the process's own pool.
package store
