package store

import (
	"context"
	"fmt"

	"github.com/roach88/nixforge/internal/model"
)

// depCountsSQL aggregates a derivation's direct dependencies. Completed
// means the dependency reached a terminal success state through either the
// build pipeline or the side channel.
const depCountsSQL = `
	SELECT e.derivation_id,
	       COUNT(*) AS total,
	       SUM(CASE WHEN p.status IN ('build_complete', 'complete') THEN 1 ELSE 0 END) AS completed,
	       SUM(CASE WHEN p.cached = 1 THEN 1 ELSE 0 END) AS cached
	FROM dependency_edges e
	JOIN derivations p ON p.id = e.depends_on_id
	GROUP BY e.derivation_id
`

// DependencyCounts answers the dependency gate question for one
// derivation: how many direct dependencies exist, how many are
// terminal-success, and how many carry the binary-cache signal.
//
// A system derivation with zero edges gets zero counts, which satisfies
// the gate trivially. Packages never have edges, so the same holds.
func (s *Store) DependencyCounts(ctx context.Context, id string) (model.DependencyCounts, error) {
	var c model.DependencyCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN p.status IN ('build_complete', 'complete') THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN p.cached = 1 THEN 1 ELSE 0 END), 0)
		FROM dependency_edges e
		JOIN derivations p ON p.id = e.depends_on_id
		WHERE e.derivation_id = ?
	`, id).Scan(&c.Total, &c.Completed, &c.Cached)
	if err != nil {
		return model.DependencyCounts{}, fmt.Errorf("dependency counts for %s: %w", id, err)
	}
	return c, nil
}
