package store

import "errors"

// Sentinel errors for expected coordination outcomes. Callers branch on
// these with errors.Is; none of them indicate a broken store.
var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReservationConflict is returned when another worker holds (or won
	// the race for) a derivation's reservation. Expected under concurrency;
	// the caller re-queries the queue rather than retrying the same row.
	ErrReservationConflict = errors.New("reservation held by another worker")

	// ErrNotClaimable is returned when a derivation's status changed out of
	// the claimable set between the queue query and the claim transaction.
	ErrNotClaimable = errors.New("derivation is not claimable")

	// ErrAttemptsExhausted is returned when a claim would exceed the
	// configured attempt cap. The derivation stays terminal until an
	// operator resets its attempt count.
	ErrAttemptsExhausted = errors.New("attempt cap reached")

	// ErrNotOwner is returned when a worker tries to heartbeat or release a
	// reservation it no longer holds (typically after a staleness sweep
	// reclaimed it).
	ErrNotOwner = errors.New("reservation not owned by this worker")

	// ErrHostSaturated is returned when a claim would exceed the host-wide
	// build cap. The caller backs off; the count frees up as reservations
	// release.
	ErrHostSaturated = errors.New("host build capacity saturated")
)
