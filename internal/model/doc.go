// Package model defines the data model shared by every nixforge component:
// derivations, commits, dependency edges, reservations, and the closed
// status state machine that governs a derivation's lifecycle.
//
// The status machine is the single source of truth for legal lifecycle
// moves. Every store mutation validates its transition through this package
// before touching SQLite, so an illegal request is rejected in memory rather
// than silently persisted.
//
// State stages:
//
//	eval_pending → eval_in_progress → {eval_complete | eval_failed}
//	eval_complete → build_pending → build_in_progress → {build_complete | build_failed}
//
// plus the complete/failed pair used for packages discovered outside the
// eval/build pipeline. The only backwards move is the retry reset, which
// returns a terminal failure to its stage's pending predecessor.
package model
