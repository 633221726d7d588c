package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/nixforge/internal/model"
)

// QueueParams filters and bounds a claimable-queue build.
type QueueParams struct {
	// MaxAttempts excludes derivations whose attempt_count has reached the
	// cap. Must be positive.
	MaxAttempts int

	// RequireCache enables the binary-cache gate: a system derivation is
	// only offered once every dependency also carries the cache signal.
	RequireCache bool

	// Limit bounds the result size. Zero means no limit (used by the
	// operator queue listing; workers pass a small batch size).
	Limit int
}

// BuildQueue produces the ordered list of currently claimable work.
//
// Eligibility: claimable status (eval_complete or build_pending),
// attempt_count below the cap, no live reservation, and — for system
// derivations — every direct package dependency terminal-success (and
// cache-signaled when the gate is on). Packages carry no dependency gate,
// which is what lets all of a commit's packages build in parallel.
//
// Ordering, most significant key first:
//
//  1. hostname ascending — all work for one target system groups together
//  2. commit timestamp descending — newest configuration wins contention
//  3. packages before systems — a system is never offered ahead of its own
//     packages
//  4. dependency total ascending — smaller systems drain first
//  5. derivation id ascending — stable tie-break
//
// Orphan packages (no owning commit) sort before any hostname: SQLite
// orders NULL first ascending, matching "background work first seen wins".
//
// QueuePosition is stamped 1..n after ordering, for observability only.
func (s *Store) BuildQueue(ctx context.Context, p QueueParams) ([]model.QueueItem, error) {
	if p.MaxAttempts <= 0 {
		return nil, fmt.Errorf("build queue: MaxAttempts must be positive, got %d", p.MaxAttempts)
	}

	query := `
		SELECT d.id, d.kind, d.name, d.status, d.attempt_count, d.commit_id,
		       COALESCE(c.hostname, ''), COALESCE(c.timestamp, 0),
		       COALESCE(dep.total, 0), COALESCE(dep.completed, 0), COALESCE(dep.cached, 0)
		FROM derivations d
		LEFT JOIN commits c ON c.id = d.commit_id
		LEFT JOIN (` + depCountsSQL + `) dep ON dep.derivation_id = d.id
		WHERE d.status IN ('eval_complete', 'build_pending')
		  AND d.attempt_count < ?
		  AND NOT EXISTS (SELECT 1 FROM reservations r WHERE r.derivation_id = d.id)
		  AND (
		        d.kind = 'package'
		        OR (
		             COALESCE(dep.total, 0) = COALESCE(dep.completed, 0)
		             AND (? = 0 OR COALESCE(dep.total, 0) = COALESCE(dep.cached, 0))
		           )
		      )
		ORDER BY c.hostname ASC,
		         c.timestamp DESC,
		         CASE d.kind WHEN 'package' THEN 0 ELSE 1 END ASC,
		         COALESCE(dep.total, 0) ASC,
		         d.id ASC`

	args := []any{p.MaxAttempts, boolToInt(p.RequireCache)}
	if p.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, p.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("build queue: %w", err)
	}
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("build queue: %w", err)
		}
		item.QueuePosition = len(items) + 1
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("build queue: %w", err)
	}
	return items, nil
}

func scanQueueItem(rows *sql.Rows) (model.QueueItem, error) {
	var (
		item         model.QueueItem
		kind, status string
		ts           int64
	)
	err := rows.Scan(
		&item.DerivationID, &kind, &item.Name, &status, &item.AttemptCount,
		&item.CommitID, &item.Hostname, &ts,
		&item.Deps.Total, &item.Deps.Completed, &item.Deps.Cached,
	)
	if err != nil {
		return model.QueueItem{}, err
	}

	item.Kind = model.Kind(kind)
	item.Status, err = model.ParseStatus(status)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("derivation %s: %w", item.DerivationID, err)
	}
	item.CommitTimestamp = time.Unix(ts, 0).UTC()
	return item, nil
}
