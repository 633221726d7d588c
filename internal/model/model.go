package model

import (
	"fmt"
	"time"
)

// Kind distinguishes the two derivation flavours.
type Kind string

const (
	// KindSystem is a full system image. Its direct dependency edges are
	// exactly the package derivations it requires.
	KindSystem Kind = "system"
	// KindPackage is a single package dependency. Packages never depend on
	// other tracked derivations.
	KindPackage Kind = "package"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindSystem || k == KindPackage
}

// Derivation is one buildable unit: a system image or one of its package
// dependencies. Rows are created by the upstream evaluator, mutated only
// through status transitions, and never deleted (they are the audit trail).
type Derivation struct {
	ID           string
	Kind         Kind
	Name         string
	OutputPath   *string // nix store path, nil until the build produced it
	CommitID     *string // nil for orphan packages imported via side channel
	Status       Status
	AttemptCount int
	Cached       bool // set by the external cache-push job
	Error        *string
	ScheduledAt  *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Validate checks the structural invariants of a derivation before insert.
func (d Derivation) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("derivation missing id")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("derivation %s: unknown kind %q", d.ID, d.Kind)
	}
	if d.Name == "" {
		return fmt.Errorf("derivation %s: missing name", d.ID)
	}
	if d.Status == StatusPending {
		// pending is the historical stuck-forever defect value; refuse it
		// at the door rather than letting a row rot in the store.
		return fmt.Errorf("derivation %s: refusing defect status %q", d.ID, StatusPending)
	}
	if d.Status != "" && !d.Status.Valid() {
		return fmt.Errorf("derivation %s: unknown status %q", d.ID, d.Status)
	}
	return nil
}

// Commit is a versioned configuration source point: one revision of one
// flake, targeting one host. Immutable once created; only its discovery
// attempt counter (maintained by the polling job, not by this core)
// changes afterwards.
type Commit struct {
	ID           string
	Flake        string
	Hostname     string
	Hash         string
	Timestamp    time.Time
	AttemptCount int
}

// Validate checks the structural invariants of a commit before insert.
func (c Commit) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("commit missing id")
	}
	if c.Flake == "" || c.Hash == "" {
		return fmt.Errorf("commit %s: missing flake or hash", c.ID)
	}
	if c.Hostname == "" {
		return fmt.Errorf("commit %s: missing hostname", c.ID)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("commit %s: missing timestamp", c.ID)
	}
	return nil
}

// DependencyEdge asserts that a system derivation requires a package
// derivation. The edge set per commit is a two-level DAG by construction
// upstream: systems are roots, packages are leaves.
type DependencyEdge struct {
	DerivationID string
	DependsOnID  string
}

// Reservation is the exclusive-claim record a worker holds while building
// a derivation. At most one live reservation exists per derivation; the
// store enforces this with a primary key on DerivationID.
type Reservation struct {
	DerivationID string
	Worker       string // opaque worker identity, "host:pid:uuid"
	WorkerHost   string // host component, used for the per-host build cap
	ClaimedAt    time.Time
	HeartbeatAt  time.Time
}

// DependencyCounts summarises a system derivation's direct package
// dependencies. A system is dependency-satisfied when Total == Completed
// (and Total == Cached when the cache gate is enabled).
type DependencyCounts struct {
	Total     int
	Completed int
	Cached    int
}

// Satisfied reports whether the counts clear the dependency gate.
func (c DependencyCounts) Satisfied(requireCache bool) bool {
	if c.Total != c.Completed {
		return false
	}
	if requireCache && c.Total != c.Cached {
		return false
	}
	return true
}

// QueueItem is one entry of the claimable queue: a derivation joined with
// its commit ordering keys and dependency counts. QueuePosition is
// assigned after ordering and exists for observability only; claim logic
// always takes the filtered, ordered head.
type QueueItem struct {
	QueuePosition   int
	DerivationID    string
	Kind            Kind
	Name            string
	Status          Status
	AttemptCount    int
	Hostname        string
	CommitID        *string
	CommitTimestamp time.Time
	Deps            DependencyCounts
}
