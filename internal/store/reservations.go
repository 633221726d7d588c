package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/nixforge/internal/model"
)

// Claim attempts to take exclusive ownership of a derivation for a worker.
//
// The whole claim is one transaction:
//
//  1. host capacity check — with hostMax > 0, a claim that would push the
//     host's live reservation count past the cap returns ErrHostSaturated.
//     The check runs inside the write transaction, so co-located workers
//     cannot race each other past the cap
//  2. conditional reservation insert, keyed uniquely by derivation id —
//     losing the race to a concurrent claimant returns
//     ErrReservationConflict and changes nothing
//  3. re-validation of the claimable status and the attempt headroom
//     against the row as it exists *inside* the transaction (the queue
//     snapshot the caller worked from may be stale)
//  4. attempt_count increment — the attempt is recorded when it starts, so
//     a derivation that succeeds on its Nth try finishes with
//     attempt_count == N
//  5. status advance to build_in_progress, through build_pending when the
//     derivation was still at eval_complete (stages are never skipped)
//
// On ErrReservationConflict or ErrNotClaimable the caller should rebuild
// the queue rather than retry the same row.
func (s *Store) Claim(ctx context.Context, id string, worker model.Reservation, maxAttempts, hostMax int) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}
	defer tx.Rollback()

	if hostMax > 0 {
		var active int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM reservations WHERE worker_host = ?
		`, worker.WorkerHost).Scan(&active)
		if err != nil {
			return fmt.Errorf("claim %s: %w", id, err)
		}
		if active >= hostMax {
			return fmt.Errorf("claim %s (host %s at %d/%d): %w",
				id, worker.WorkerHost, active, hostMax, ErrHostSaturated)
		}
	}

	now := s.clock.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (derivation_id, worker, worker_host, claimed_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(derivation_id) DO NOTHING
	`, id, worker.Worker, worker.WorkerHost, now, now)
	if err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	} else if n == 0 {
		return fmt.Errorf("claim %s: %w", id, ErrReservationConflict)
	}

	var (
		rawStatus string
		attempts  int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, attempt_count FROM derivations WHERE id = ?
	`, id).Scan(&rawStatus, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("claim %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}

	status, err := model.ParseStatus(rawStatus)
	if err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}
	if !status.Claimable() {
		return fmt.Errorf("claim %s (status %s): %w", id, status, ErrNotClaimable)
	}
	if attempts >= maxAttempts {
		return fmt.Errorf("claim %s (%d attempts): %w", id, attempts, ErrAttemptsExhausted)
	}

	// eval_complete passes through build_pending on its way in; both hops
	// are legal edges of the state machine.
	if status == model.StatusEvalComplete {
		if status, err = model.Transition(status, model.StatusBuildPending); err != nil {
			return fmt.Errorf("claim %s: %w", id, err)
		}
	}
	if _, err = model.Transition(status, model.StatusBuildInProgress); err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE derivations
		SET status = ?, attempt_count = attempt_count + 1, started_at = ?, error = NULL
		WHERE id = ?
	`, string(model.StatusBuildInProgress), now, id)
	if err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("claim %s: %w", id, err)
	}
	return nil
}

// Heartbeat refreshes the liveness stamp on a worker's reservation.
// Returns ErrNotOwner when the reservation no longer belongs to this
// worker, which happens after a staleness sweep reclaimed it.
func (s *Store) Heartbeat(ctx context.Context, id, worker string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET heartbeat_at = ?
		WHERE derivation_id = ? AND worker = ?
	`, s.clock.Now().Unix(), id, worker)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("heartbeat %s: %w", id, ErrNotOwner)
	}
	return nil
}

// FinishSuccess releases a build that completed successfully: the
// reservation delete and the build_complete transition commit together, so
// a status change without a released reservation (or vice versa) is never
// observable.
func (s *Store) FinishSuccess(ctx context.Context, id, worker, outputPath string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}
	defer tx.Rollback()

	if err := deleteOwnedReservation(ctx, tx, id, worker); err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}

	current, err := currentStatus(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}
	if _, err := model.Transition(current, model.StatusBuildComplete); err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}

	var out *string
	if outputPath != "" {
		out = &outputPath
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE derivations
		SET status = ?, output_path = ?, error = NULL, completed_at = ?
		WHERE id = ?
	`, string(model.StatusBuildComplete), out, s.clock.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}
	return nil
}

// FinishFailure applies the retry policy to a failed build and releases
// the reservation in the same transaction.
//
// Below the attempt cap the derivation resets to build_pending and
// re-enters the claimable pool on the next queue build; at or above the
// cap it goes terminal build_failed. The error text is persisted either
// way so operators can see the most recent failure during triage.
func (s *Store) FinishFailure(ctx context.Context, id, worker, errText string, maxAttempts int) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	defer tx.Rollback()

	if err := deleteOwnedReservation(ctx, tx, id, worker); err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}

	current, err := currentStatus(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}

	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempt_count FROM derivations WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}

	target := model.StatusBuildPending
	var completedAt *int64
	if attempts >= maxAttempts {
		target = model.StatusBuildFailed
		now := s.clock.Now().Unix()
		completedAt = &now
	}

	// build_in_progress → build_failed is a forward edge; the reset back
	// to build_pending is the retry transition applied through the failure
	// state in a single update.
	if _, err := model.Transition(current, model.StatusBuildFailed); err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE derivations SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`, string(target), errText, completedAt, id)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	return nil
}

// SweepStale reclaims reservations whose heartbeat is older than the
// staleness threshold: the abandoned reservation is deleted and its
// derivation returns to the claimable pool, all in one transaction.
// attempt_count is untouched — reclamation is not an attempt.
//
// Any idle worker may run this; crash recovery is decentralised and needs
// no coordinator. Returns the reclaimed derivation ids.
func (s *Store) SweepStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep stale: %w", err)
	}
	defer tx.Rollback()

	cutoff := s.clock.Now().Add(-olderThan).Unix()
	rows, err := tx.QueryContext(ctx, `
		SELECT derivation_id FROM reservations WHERE heartbeat_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep stale: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sweep stale: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweep stale: %w", err)
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE derivation_id = ?`, id); err != nil {
			return nil, fmt.Errorf("sweep stale %s: %w", id, err)
		}

		current, err := currentStatus(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("sweep stale %s: %w", id, err)
		}
		if target, ok := inProgressReset(current); ok {
			if _, err := tx.ExecContext(ctx, `
				UPDATE derivations SET status = ?, started_at = NULL WHERE id = ?
			`, string(target), id); err != nil {
				return nil, fmt.Errorf("sweep stale %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sweep stale: %w", err)
	}
	return stale, nil
}

// HostActiveBuilds counts live reservations held by workers on one host.
// The worker loop consults this before spawning a build so the host-wide
// concurrency cap holds across independently scheduled worker processes.
func (s *Store) HostActiveBuilds(ctx context.Context, host string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reservations WHERE worker_host = ?
	`, host).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("host active builds: %w", err)
	}
	return n, nil
}

// GetReservation reads the live reservation for a derivation, if any.
func (s *Store) GetReservation(ctx context.Context, id string) (model.Reservation, error) {
	var (
		r                      model.Reservation
		claimedAt, heartbeatAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT derivation_id, worker, worker_host, claimed_at, heartbeat_at
		FROM reservations WHERE derivation_id = ?
	`, id).Scan(&r.DerivationID, &r.Worker, &r.WorkerHost, &claimedAt, &heartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Reservation{}, fmt.Errorf("get reservation %s: %w", id, err)
	}
	r.ClaimedAt = time.Unix(claimedAt, 0).UTC()
	r.HeartbeatAt = time.Unix(heartbeatAt, 0).UTC()
	return r, nil
}

// deleteOwnedReservation removes a reservation inside an open transaction,
// verifying ownership. Zero rows affected means a sweep already reclaimed
// the reservation from this worker.
func deleteOwnedReservation(ctx context.Context, tx *sql.Tx, id, worker string) error {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM reservations WHERE derivation_id = ? AND worker = ?
	`, id, worker)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// inProgressReset maps an in-progress status to its stage's pending
// predecessor for reclamation and crash recovery.
func inProgressReset(s model.Status) (model.Status, bool) {
	switch s {
	case model.StatusEvalInProgress:
		return model.StatusEvalPending, true
	case model.StatusBuildInProgress:
		return model.StatusBuildPending, true
	}
	return s, false
}
