package store

import (
	"context"
	"fmt"

	"github.com/roach88/nixforge/internal/model"
)

// ReconcileResult reports what a reconciliation pass changed.
type ReconcileResult struct {
	// Reset derivations went back to their stage's pending predecessor.
	Reset []string
	// Failed derivations had already exhausted the attempt cap and went
	// terminal.
	Failed []string
}

// Reconcile finds derivations stranded in an in-progress status with no
// live reservation — the signature of a worker that died mid-build without
// its reservation going stale yet (or after a sweep that raced a crash) —
// and applies the same reset-or-fail-terminal logic as an ordinary
// failure, without recording another attempt beyond what the claim already
// recorded.
//
// Runs at worker startup. Idempotent: a second pass over an
// already-consistent store changes nothing.
func (s *Store) Reconcile(ctx context.Context, maxAttempts int) (ReconcileResult, error) {
	var result ReconcileResult

	tx, err := s.begin(ctx)
	if err != nil {
		return result, fmt.Errorf("reconcile: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT d.id, d.status, d.attempt_count
		FROM derivations d
		WHERE d.status IN ('eval_in_progress', 'build_in_progress')
		  AND NOT EXISTS (SELECT 1 FROM reservations r WHERE r.derivation_id = d.id)
		ORDER BY d.id
	`)
	if err != nil {
		return result, fmt.Errorf("reconcile: %w", err)
	}

	type orphan struct {
		id       string
		status   model.Status
		attempts int
	}
	var orphans []orphan
	for rows.Next() {
		var (
			o   orphan
			raw string
		)
		if err := rows.Scan(&o.id, &raw, &o.attempts); err != nil {
			rows.Close()
			return result, fmt.Errorf("reconcile: %w", err)
		}
		if o.status, err = model.ParseStatus(raw); err != nil {
			rows.Close()
			return result, fmt.Errorf("reconcile: %w", err)
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("reconcile: %w", err)
	}

	for _, o := range orphans {
		if o.attempts >= maxAttempts {
			target := model.StatusBuildFailed
			if o.status == model.StatusEvalInProgress {
				target = model.StatusEvalFailed
			}
			errText := "build interrupted: worker exited without reporting an outcome"
			_, err = tx.ExecContext(ctx, `
				UPDATE derivations SET status = ?, error = ?, completed_at = ?
				WHERE id = ?
			`, string(target), errText, s.clock.Now().Unix(), o.id)
			if err != nil {
				return result, fmt.Errorf("reconcile %s: %w", o.id, err)
			}
			result.Failed = append(result.Failed, o.id)
			continue
		}

		target, ok := inProgressReset(o.status)
		if !ok {
			// Unreachable given the WHERE clause, kept as a guard.
			continue
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE derivations SET status = ?, started_at = NULL WHERE id = ?
		`, string(target), o.id)
		if err != nil {
			return result, fmt.Errorf("reconcile %s: %w", o.id, err)
		}
		result.Reset = append(result.Reset, o.id)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("reconcile: %w", err)
	}
	return result, nil
}
