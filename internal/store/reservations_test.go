package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nixforge/internal/model"
)

func TestClaim_FromBuildPending(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)

	require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))

	d, err := s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBuildInProgress, d.Status)
	assert.Equal(t, 1, d.AttemptCount, "the attempt is recorded when it starts")
	require.NotNil(t, d.StartedAt)
	assert.Equal(t, clock.Now(), d.StartedAt.UTC())

	r, err := s.GetReservation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", r.Worker)
	assert.Equal(t, "buildhost", r.WorkerHost)
	assert.Equal(t, clock.Now(), r.ClaimedAt)
	assert.Equal(t, clock.Now(), r.HeartbeatAt)
}

func TestClaim_FromEvalCompletePassesThroughBuildPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "sys", model.KindSystem, "c1", model.StatusEvalComplete)

	require.NoError(t, s.Claim(ctx, "sys", testWorker("1"), testMaxAttempts, 0))

	d, err := s.GetDerivation(ctx, "sys")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBuildInProgress, d.Status)
}

func TestClaim_ConflictLeavesRowUntouched(t *testing.T) {
	// Two workers race for the same derivation: exactly one wins, and the
	// loser's transaction leaves no trace — attempt_count reflects the
	// single live attempt.
	s := newTestStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)

	require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))

	err := s.Claim(ctx, "p1", testWorker("2"), testMaxAttempts, 0)
	assert.ErrorIs(t, err, ErrReservationConflict)

	d, err := s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.AttemptCount)

	r, err := s.GetReservation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", r.Worker, "the winner keeps the reservation")
}

func TestClaim_NotClaimableStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusEvalPending)

	err := s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0)
	assert.ErrorIs(t, err, ErrNotClaimable)

	// The failed claim must not leave a reservation behind.
	_, err = s.GetReservation(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	d, err := s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, d.AttemptCount)
}

func TestClaim_AttemptsExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)
	setAttempts(t, s, "p1", testMaxAttempts)

	err := s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)

	_, err = s.GetReservation(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaim_MissingDerivation(t *testing.T) {
	s := newTestStore(t)
	err := s.Claim(context.Background(), "ghost", testWorker("1"), testMaxAttempts, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishSuccess(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)
	require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))

	clock.Advance(3 * time.Minute)
	require.NoError(t, s.FinishSuccess(ctx, "p1", "worker-1", "/nix/store/abc-p1"))

	d, err := s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBuildComplete, d.Status)
	require.NotNil(t, d.OutputPath)
	assert.Equal(t, "/nix/store/abc-p1", *d.OutputPath)
	assert.Nil(t, d.Error)
	require.NotNil(t, d.CompletedAt)
	assert.Equal(t, clock.Now(), d.CompletedAt.UTC())

	_, err = s.GetReservation(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound, "reservation releases with the status change")
}

func TestFinishSuccess_NotOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)
	require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))

	err := s.FinishSuccess(ctx, "p1", "worker-2", "/nix/store/abc-p1")
	assert.ErrorIs(t, err, ErrNotOwner)

	// Nothing from the rejected finish sticks.
	d, err := s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBuildInProgress, d.Status)
	assert.Nil(t, d.OutputPath)
}

func TestFinishFailure_BelowCapResetsForRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)
	require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))

	require.NoError(t, s.FinishFailure(ctx, "p1", "worker-1", "exit status 1", testMaxAttempts))

	d, err := s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBuildPending, d.Status)
	assert.Equal(t, 1, d.AttemptCount, "a failed attempt still counts")
	require.NotNil(t, d.Error)
	assert.Equal(t, "exit status 1", *d.Error)
	assert.Nil(t, d.CompletedAt, "a retryable failure is not terminal")

	// Back in the claimable pool.
	items := buildTestQueue(t, s, false)
	assert.Equal(t, []string{"p1"}, queueIDs(items))
}

func TestFinishFailure_AtCapGoesTerminal(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)
	setAttempts(t, s, "p1", testMaxAttempts-1)
	require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))

	require.NoError(t, s.FinishFailure(ctx, "p1", "worker-1", "exit status 1", testMaxAttempts))

	d, err := s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBuildFailed, d.Status)
	assert.Equal(t, testMaxAttempts, d.AttemptCount)
	require.NotNil(t, d.CompletedAt)
	assert.Equal(t, clock.Now(), d.CompletedAt.UTC())

	items := buildTestQueue(t, s, false)
	assert.Empty(t, queueIDs(items))
}

// TestRetryAccounting_SuccessOnFinalAttempt drives a derivation through
// four failures and a fifth, successful attempt: the final row shows
// build_complete with attempt_count 5.
func TestRetryAccounting_SuccessOnFinalAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))
		require.NoError(t, s.FinishFailure(ctx, "p1", "worker-1", "flaky", testMaxAttempts))
	}

	require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))
	require.NoError(t, s.FinishSuccess(ctx, "p1", "worker-1", "/nix/store/abc-p1"))

	d, err := s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBuildComplete, d.Status)
	assert.Equal(t, 5, d.AttemptCount)
	assert.Nil(t, d.Error, "the stale failure text clears on success")
}

// TestRetryAccounting_ExhaustionIsTerminal drives a derivation through
// five straight failures: it lands in build_failed and no sixth claim is
// possible.
func TestRetryAccounting_ExhaustionIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))
		require.NoError(t, s.FinishFailure(ctx, "p1", "worker-1", "broken", testMaxAttempts))
	}

	d, err := s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBuildFailed, d.Status)
	assert.Equal(t, 5, d.AttemptCount)

	err = s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0)
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestHeartbeat(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)
	require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))

	clock.Advance(2 * time.Minute)
	require.NoError(t, s.Heartbeat(ctx, "p1", "worker-1"))

	r, err := s.GetReservation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), r.HeartbeatAt)
	assert.Equal(t, baseTime, r.ClaimedAt, "claimed_at never moves")

	err = s.Heartbeat(ctx, "p1", "worker-2")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestSweepStale_ReclaimsWithoutChargingAnAttempt(t *testing.T) {
	// Scenario: a worker claims, heartbeats stop, the staleness window
	// passes; a sweep returns the derivation to the pool with
	// attempt_count unchanged.
	s, clock := newClockedStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)
	require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))

	clock.Advance(10 * time.Minute)
	reclaimed, err := s.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, reclaimed)

	d, err := s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBuildPending, d.Status)
	assert.Equal(t, 1, d.AttemptCount, "reclamation is not an attempt")
	assert.Nil(t, d.StartedAt)

	_, err = s.GetReservation(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Another worker can pick it up; success-after-reclaim totals two
	// recorded attempts (the abandoned one and the live one).
	require.NoError(t, s.Claim(ctx, "p1", testWorker("2"), testMaxAttempts, 0))
	require.NoError(t, s.FinishSuccess(ctx, "p1", "worker-2", "/nix/store/abc-p1"))
	d, err = s.GetDerivation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, d.AttemptCount)
}

func TestSweepStale_LeavesFreshReservationsAlone(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "stale", model.KindPackage, "c1", model.StatusBuildPending)
	seedDerivation(t, s, "fresh", model.KindPackage, "c1", model.StatusBuildPending)
	require.NoError(t, s.Claim(ctx, "stale", testWorker("1"), testMaxAttempts, 0))

	clock.Advance(10 * time.Minute)
	require.NoError(t, s.Claim(ctx, "fresh", testWorker("2"), testMaxAttempts, 0))

	reclaimed, err := s.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, reclaimed)

	_, err = s.GetReservation(ctx, "fresh")
	assert.NoError(t, err, "a live reservation survives the sweep")
}

func TestSweepStale_HeartbeatDefers(t *testing.T) {
	s, clock := newClockedStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)
	require.NoError(t, s.Claim(ctx, "p1", testWorker("1"), testMaxAttempts, 0))

	clock.Advance(4 * time.Minute)
	require.NoError(t, s.Heartbeat(ctx, "p1", "worker-1"))
	clock.Advance(4 * time.Minute)

	reclaimed, err := s.SweepStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "the refreshed heartbeat keeps the reservation live")
}

func TestClaim_HostCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)
	seedDerivation(t, s, "p2", model.KindPackage, "c1", model.StatusBuildPending)
	seedDerivation(t, s, "p3", model.KindPackage, "c1", model.StatusBuildPending)

	full := model.Reservation{Worker: "a", WorkerHost: "small-host"}
	require.NoError(t, s.Claim(ctx, "p1", full, testMaxAttempts, 1))

	err := s.Claim(ctx, "p2", model.Reservation{Worker: "b", WorkerHost: "small-host"}, testMaxAttempts, 1)
	assert.ErrorIs(t, err, ErrHostSaturated)
	_, err = s.GetReservation(ctx, "p2")
	assert.ErrorIs(t, err, ErrNotFound, "a saturated claim leaves nothing behind")

	// Other hosts are unaffected by this host's saturation.
	require.NoError(t, s.Claim(ctx, "p3", model.Reservation{Worker: "c", WorkerHost: "big-host"}, testMaxAttempts, 4))

	// Releasing frees the slot.
	require.NoError(t, s.FinishSuccess(ctx, "p1", "a", "/nix/store/p1"))
	require.NoError(t, s.Claim(ctx, "p2", model.Reservation{Worker: "b", WorkerHost: "small-host"}, testMaxAttempts, 1))
}

func TestHostActiveBuilds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedCommit(t, s, "c1", "web", baseTime)
	seedDerivation(t, s, "p1", model.KindPackage, "c1", model.StatusBuildPending)
	seedDerivation(t, s, "p2", model.KindPackage, "c1", model.StatusBuildPending)
	seedDerivation(t, s, "p3", model.KindPackage, "c1", model.StatusBuildPending)

	require.NoError(t, s.Claim(ctx, "p1", model.Reservation{Worker: "a", WorkerHost: "host-1"}, testMaxAttempts, 0))
	require.NoError(t, s.Claim(ctx, "p2", model.Reservation{Worker: "b", WorkerHost: "host-1"}, testMaxAttempts, 0))
	require.NoError(t, s.Claim(ctx, "p3", model.Reservation{Worker: "c", WorkerHost: "host-2"}, testMaxAttempts, 0))

	n, err := s.HostActiveBuilds(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.HostActiveBuilds(ctx, "host-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.FinishSuccess(ctx, "p1", "a", "/nix/store/p1"))
	n, err = s.HostActiveBuilds(ctx, "host-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
