package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/nixforge/internal/model"
	"github.com/roach88/nixforge/internal/testutil"
)

// baseTime is the instant test clocks start at.
var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// newTestStore creates a throwaway store backed by a temp file.
func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newClockedStore creates a test store driven by a fake clock.
func newClockedStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(baseTime)
	return newTestStore(t, WithClock(clock)), clock
}

// seedCommit inserts a commit for hostname with the given timestamp.
func seedCommit(t *testing.T, s *Store, id, hostname string, ts time.Time) {
	t.Helper()
	require.NoError(t, s.InsertCommit(context.Background(), model.Commit{
		ID:        id,
		Flake:     "github:fleet/" + hostname,
		Hostname:  hostname,
		Hash:      "hash-" + id,
		Timestamp: ts,
	}))
}

// seedDerivation inserts a derivation in the given status.
func seedDerivation(t *testing.T, s *Store, id string, kind model.Kind, commitID string, status model.Status) {
	t.Helper()
	d := model.Derivation{
		ID:     id,
		Kind:   kind,
		Name:   "name-" + id,
		Status: status,
	}
	if commitID != "" {
		d.CommitID = &commitID
	}
	require.NoError(t, s.InsertDerivation(context.Background(), d))
}

// seedEdge links a system derivation to a package dependency.
func seedEdge(t *testing.T, s *Store, systemID, packageID string) {
	t.Helper()
	require.NoError(t, s.InsertDependencyEdge(context.Background(), model.DependencyEdge{
		DerivationID: systemID,
		DependsOnID:  packageID,
	}))
}

// setRawStatus bypasses transition validation for test setup.
func setRawStatus(t *testing.T, s *Store, id string, status model.Status) {
	t.Helper()
	_, err := s.db.Exec(`UPDATE derivations SET status = ? WHERE id = ?`, string(status), id)
	require.NoError(t, err)
}

// setAttempts sets attempt_count directly for test setup.
func setAttempts(t *testing.T, s *Store, id string, n int) {
	t.Helper()
	_, err := s.db.Exec(`UPDATE derivations SET attempt_count = ? WHERE id = ?`, n, id)
	require.NoError(t, err)
}

// queueIDs projects queue items onto derivation ids, preserving order.
func queueIDs(items []model.QueueItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.DerivationID
	}
	return ids
}

// testWorker is a reservation identity for tests.
func testWorker(n string) model.Reservation {
	return model.Reservation{Worker: "worker-" + n, WorkerHost: "buildhost"}
}
