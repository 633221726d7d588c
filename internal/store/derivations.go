package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/nixforge/internal/model"
)

// InsertCommit inserts a commit row. Duplicate (flake, hash) pairs are
// silently ignored so the polling job can re-deliver without errors.
func (s *Store) InsertCommit(ctx context.Context, c model.Commit) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commits (id, flake, hostname, hash, timestamp, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, c.ID, c.Flake, c.Hostname, c.Hash, c.Timestamp.Unix(), c.AttemptCount)
	if err != nil {
		return fmt.Errorf("insert commit %s: %w", c.ID, err)
	}
	return nil
}

// GetCommit reads one commit by id.
func (s *Store) GetCommit(ctx context.Context, id string) (model.Commit, error) {
	var (
		c  model.Commit
		ts int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, flake, hostname, hash, timestamp, attempt_count
		FROM commits WHERE id = ?
	`, id).Scan(&c.ID, &c.Flake, &c.Hostname, &c.Hash, &ts, &c.AttemptCount)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Commit{}, fmt.Errorf("commit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Commit{}, fmt.Errorf("get commit %s: %w", id, err)
	}
	c.Timestamp = time.Unix(ts, 0).UTC()
	return c, nil
}

// InsertDerivation inserts a derivation seed row for the evaluator.
//
// An empty status defaults to eval_pending. The historical "pending"
// status is rejected outright: rows inserted that way were never picked up
// by any processing loop, so the defect is guarded against at the write
// boundary instead of being an intended state.
func (s *Store) InsertDerivation(ctx context.Context, d model.Derivation) error {
	if d.Status == "" {
		d.Status = model.StatusEvalPending
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("insert derivation: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO derivations
		(id, kind, name, output_path, commit_id, status, attempt_count, cached, error, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		d.ID, string(d.Kind), d.Name, d.OutputPath, d.CommitID,
		string(d.Status), d.AttemptCount, boolToInt(d.Cached), d.Error,
		s.clock.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert derivation %s: %w", d.ID, err)
	}
	return nil
}

// InsertDependencyEdge records that a system derivation requires a package
// derivation. Duplicate edges are silently ignored.
func (s *Store) InsertDependencyEdge(ctx context.Context, e model.DependencyEdge) error {
	if e.DerivationID == "" || e.DependsOnID == "" {
		return fmt.Errorf("insert dependency edge: missing endpoint")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dependency_edges (derivation_id, depends_on_id)
		VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, e.DerivationID, e.DependsOnID)
	if err != nil {
		return fmt.Errorf("insert dependency edge %s → %s: %w", e.DerivationID, e.DependsOnID, err)
	}
	return nil
}

// GetDerivation reads one derivation by id. The persisted status string is
// validated defensively: a legacy or foreign writer's unexpected value is
// surfaced as an error rather than flowing into scheduling decisions.
func (s *Store) GetDerivation(ctx context.Context, id string) (model.Derivation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, output_path, commit_id, status, attempt_count,
		       cached, error, scheduled_at, started_at, completed_at
		FROM derivations WHERE id = ?
	`, id)

	d, err := scanDerivation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Derivation{}, fmt.Errorf("derivation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Derivation{}, fmt.Errorf("get derivation %s: %w", id, err)
	}
	return d, nil
}

// ListDerivations returns all derivations in a given status, ordered by id.
// Pass an empty status to list everything.
func (s *Store) ListDerivations(ctx context.Context, status model.Status) ([]model.Derivation, error) {
	query := `
		SELECT id, kind, name, output_path, commit_id, status, attempt_count,
		       cached, error, scheduled_at, started_at, completed_at
		FROM derivations`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list derivations: %w", err)
	}
	defer rows.Close()

	var out []model.Derivation
	for rows.Next() {
		d, err := scanDerivation(rows)
		if err != nil {
			return nil, fmt.Errorf("list derivations: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetStatus applies a validated status transition outside the claim and
// release paths. The upstream evaluator uses this to move derivations
// through the eval stage; the transition is checked inside the transaction
// against the current persisted status, so an illegal or stale request is
// rejected rather than applied.
func (s *Store) SetStatus(ctx context.Context, id string, to model.Status, errText *string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}
	defer tx.Rollback()

	current, err := currentStatus(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}

	if _, err := model.Transition(current, to); err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}

	var completedAt *int64
	if to.Terminal() {
		now := s.clock.Now().Unix()
		completedAt = &now
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE derivations SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`, string(to), errText, completedAt, id)
	if err != nil {
		return fmt.Errorf("set status %s: %w", id, err)
	}

	return tx.Commit()
}

// SetCached records the external cache-push job's signal that a built
// artifact is present in the shared binary cache.
func (s *Store) SetCached(ctx context.Context, id string, cached bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE derivations SET cached = ? WHERE id = ?
	`, boolToInt(cached), id)
	if err != nil {
		return fmt.Errorf("set cached %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set cached %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("derivation %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetAttempts is the operator escape hatch for a derivation that
// exhausted its attempt cap: it zeroes the attempt counter and, when the
// derivation sits in a terminal failure state, resets it to its stage's
// pending predecessor so the next queue build offers it again.
func (s *Store) ResetAttempts(ctx context.Context, id string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("reset attempts %s: %w", id, err)
	}
	defer tx.Rollback()

	current, err := currentStatus(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("reset attempts %s: %w", id, err)
	}

	status := current
	if target, ok := model.RetryReset(current); ok {
		status = target
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE derivations
		SET attempt_count = 0, status = ?, error = NULL, completed_at = NULL
		WHERE id = ?
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("reset attempts %s: %w", id, err)
	}

	return tx.Commit()
}

// currentStatus reads and validates a derivation's persisted status inside
// an open transaction.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (model.Status, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT status FROM derivations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.ParseStatus(raw)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDerivation(row rowScanner) (model.Derivation, error) {
	var (
		d            model.Derivation
		kind, status string
		cached       int
		scheduledAt  sql.NullInt64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
	)
	err := row.Scan(
		&d.ID, &kind, &d.Name, &d.OutputPath, &d.CommitID, &status,
		&d.AttemptCount, &cached, &d.Error, &scheduledAt, &startedAt, &completedAt,
	)
	if err != nil {
		return model.Derivation{}, err
	}

	d.Kind = model.Kind(kind)
	if !d.Kind.Valid() {
		return model.Derivation{}, fmt.Errorf("derivation %s: unknown kind %q", d.ID, kind)
	}
	d.Status, err = model.ParseStatus(status)
	if err != nil {
		return model.Derivation{}, fmt.Errorf("derivation %s: %w", d.ID, err)
	}
	d.Cached = cached != 0
	d.ScheduledAt = unixPtr(scheduledAt)
	d.StartedAt = unixPtr(startedAt)
	d.CompletedAt = unixPtr(completedAt)
	return d, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
