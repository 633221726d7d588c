// Package worker implements the poll→claim→execute→release cycle.
//
// Each worker process runs one Worker. Many workers run concurrently,
// possibly on different hosts, coordinating only through the shared store.
// The loop claims continuously rather than in timer-driven batches: after
// a successful claim it immediately queries again, and backs off
// exponentially (capped at the poll interval) only while the claimable
// queue is empty. Idle iterations run the staleness sweep, so any live
// worker reclaims work abandoned by a crashed one.
//
// A single derivation's failure never aborts the loop and never affects
// other in-flight builds: every outcome, including executor kills, flows
// through the store's retry policy and the loop carries on.
package worker
