package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/nixforge/internal/config"
	"github.com/roach88/nixforge/internal/executor"
	"github.com/roach88/nixforge/internal/model"
	"github.com/roach88/nixforge/internal/store"
	"github.com/roach88/nixforge/internal/tracing"
)

// backoffMin is the initial idle back-off; it doubles per empty poll up
// to the configured poll interval.
const backoffMin = 250 * time.Millisecond

// errTextLimit bounds the persisted error text per failure. The full log
// lives in the build's own output; the store keeps enough for triage.
const errTextLimit = 4 * 1024

// BuildFunc executes one claimed build. Production uses the
// resource-isolated executor; tests substitute a stub.
type BuildFunc func(ctx context.Context, item model.QueueItem) (executor.Result, error)

// Worker is one scheduling loop instance.
type Worker struct {
	store *store.Store
	cfg   config.Config
	id    string // opaque identity recorded on reservations
	host  string // host component, shared by co-located workers
	build BuildFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithBuildFunc replaces the build execution function.
func WithBuildFunc(f BuildFunc) Option {
	return func(w *Worker) { w.build = f }
}

// WithIdentity overrides the generated worker identity. Tests use this to
// make reservation ownership observable.
func WithIdentity(id, host string) Option {
	return func(w *Worker) {
		w.id = id
		w.host = host
	}
}

// New creates a worker over the shared store.
//
// The default identity is "host:pid:uuid" — unique per process, with the
// host component shared by every worker on the machine so the host-wide
// build cap can count them together. UUIDv7 keeps identities
// time-sortable in triage queries.
func New(st *store.Store, cfg config.Config, opts ...Option) *Worker {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	w := &Worker{
		store: st,
		cfg:   cfg,
		host:  host,
		id:    fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.Must(uuid.NewV7()).String()),
	}
	w.build = w.runIsolated

	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's reservation identity.
func (w *Worker) ID() string { return w.id }

// Run executes the claim loop until the context is cancelled, then waits
// for in-flight builds to report their outcomes before returning.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker starting", "worker", w.id, "host", w.host,
		"max_builds", w.cfg.Worker.MaxConcurrentBuilds)

	// Crash recovery: repair anything a previous process on this store
	// left in-progress without a reservation.
	recon, err := w.store.Reconcile(ctx, w.cfg.Worker.MaxAttempts)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if len(recon.Reset) > 0 || len(recon.Failed) > 0 {
		slog.Info("startup reconciliation repaired derivations",
			"reset", recon.Reset, "failed", recon.Failed)
	}

	slots := make(chan struct{}, w.cfg.Worker.MaxConcurrentBuilds)
	var builds sync.WaitGroup
	backoff := backoffMin

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping, waiting for in-flight builds", "worker", w.id)
			builds.Wait()
			return ctx.Err()
		case slots <- struct{}{}:
		}

		release := func() { <-slots }

		// Host-wide cap, advisory pre-check: reservations held by this
		// host's workers count against a shared budget regardless of which
		// process holds them. The claim transaction re-checks
		// authoritatively; this just skips the queue query when the host is
		// visibly full.
		active, err := w.store.HostActiveBuilds(ctx, w.host)
		if err != nil {
			release()
			slog.Error("host capacity query failed", "error", err)
			backoff = w.idle(ctx, backoff)
			continue
		}
		if active >= w.cfg.Worker.HostMaxBuilds {
			release()
			backoff = w.idle(ctx, backoff)
			continue
		}

		item, err := w.claimNext(ctx)
		if errors.Is(err, errClaimRaced) {
			// Another worker won the row between the queue query and the
			// claim; re-query immediately, the queue is not empty.
			release()
			continue
		}
		if err != nil {
			release()
			w.sweep(ctx)
			backoff = w.idle(ctx, backoff)
			continue
		}

		backoff = backoffMin
		builds.Add(1)
		go func() {
			defer builds.Done()
			defer release()
			w.execute(ctx, item)
		}()
	}
}

// errQueueEmpty and errClaimRaced distinguish the two unsuccessful claim
// outcomes: an empty queue triggers the idle back-off and sweep, a lost
// race triggers an immediate re-query.
var (
	errQueueEmpty = errors.New("claimable queue is empty")
	errClaimRaced = errors.New("lost claim race")
)

// claimNext takes the head of the current claimable queue. A reservation
// conflict or a concurrently changed status means another worker won the
// race; re-querying, not retrying the same row, is the protocol.
func (w *Worker) claimNext(ctx context.Context) (model.QueueItem, error) {
	items, err := w.store.BuildQueue(ctx, store.QueueParams{
		MaxAttempts:  w.cfg.Worker.MaxAttempts,
		RequireCache: w.cfg.Worker.RequireCache,
		Limit:        1,
	})
	if err != nil {
		slog.Error("queue build failed", "error", err)
		return model.QueueItem{}, err
	}
	if len(items) == 0 {
		return model.QueueItem{}, errQueueEmpty
	}

	head := items[0]
	err = w.store.Claim(ctx, head.DerivationID, model.Reservation{
		Worker:     w.id,
		WorkerHost: w.host,
	}, w.cfg.Worker.MaxAttempts, w.cfg.Worker.HostMaxBuilds)
	switch {
	case err == nil:
		slog.Info("claimed derivation",
			"derivation", head.DerivationID, "kind", head.Kind,
			"hostname", head.Hostname, "attempt", head.AttemptCount+1)
		return head, nil
	case errors.Is(err, store.ErrReservationConflict),
		errors.Is(err, store.ErrNotClaimable),
		errors.Is(err, store.ErrAttemptsExhausted):
		slog.Debug("claim lost race", "derivation", head.DerivationID, "reason", err)
		return model.QueueItem{}, errClaimRaced
	case errors.Is(err, store.ErrHostSaturated):
		// Another worker on this host filled the last slot between the
		// pre-check and the claim. Back off like an empty queue.
		slog.Debug("host capacity saturated", "derivation", head.DerivationID)
		return model.QueueItem{}, errQueueEmpty
	default:
		slog.Error("claim failed", "derivation", head.DerivationID, "error", err)
		return model.QueueItem{}, err
	}
}

// execute runs one claimed build to completion and applies the outcome.
// The build itself is not cancelled by worker shutdown: only the resource
// limits terminate it, so the context is detached from cancellation.
func (w *Worker) execute(ctx context.Context, item model.QueueItem) {
	buildCtx := context.WithoutCancel(ctx)

	stopHeartbeat := w.startHeartbeat(buildCtx, item.DerivationID)
	defer stopHeartbeat()

	spanCtx, span := tracing.StartSpan(buildCtx, "build")
	span.WithAttributes(map[string]string{
		"derivation.id":   item.DerivationID,
		"derivation.kind": string(item.Kind),
		"hostname":        item.Hostname,
	})

	res, buildErr := w.build(spanCtx, item)
	span.End(buildErr)

	if buildErr == nil {
		if err := w.store.FinishSuccess(buildCtx, item.DerivationID, w.id, res.OutputPath); err != nil {
			slog.Error("failed to record build success",
				"derivation", item.DerivationID, "error", err)
			return
		}
		slog.Info("build complete",
			"derivation", item.DerivationID, "output", res.OutputPath)
		return
	}

	slog.Warn("build failed",
		"derivation", item.DerivationID, "error", buildErr)
	errText := truncate(buildErrText(buildErr), errTextLimit)
	if err := w.store.FinishFailure(buildCtx, item.DerivationID, w.id, errText, w.cfg.Worker.MaxAttempts); err != nil {
		// ErrNotOwner: a sweep reclaimed the reservation mid-build, the
		// derivation is already back in the pool. Anything else is a
		// store problem worth shouting about.
		if errors.Is(err, store.ErrNotOwner) {
			slog.Warn("reservation was reclaimed during build",
				"derivation", item.DerivationID)
			return
		}
		slog.Error("failed to record build failure",
			"derivation", item.DerivationID, "error", err)
	}
}

// startHeartbeat refreshes the reservation's liveness stamp at a third of
// the staleness threshold until the returned stop function is called.
func (w *Worker) startHeartbeat(ctx context.Context, derivationID string) func() {
	interval := w.cfg.Worker.StaleAfter.Std() / 3
	if interval < time.Second {
		interval = time.Second
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.store.Heartbeat(ctx, derivationID, w.id); err != nil {
					if errors.Is(err, store.ErrNotOwner) {
						slog.Warn("lost reservation ownership",
							"derivation", derivationID, "worker", w.id)
						return
					}
					slog.Error("heartbeat failed",
						"derivation", derivationID, "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// sweep reclaims reservations with stale heartbeats. Runs on idle loop
// iterations; errors are logged and swallowed — a failed sweep only
// delays reclamation until the next idle worker tries.
func (w *Worker) sweep(ctx context.Context) {
	reclaimed, err := w.store.SweepStale(ctx, w.cfg.Worker.StaleAfter.Std())
	if err != nil {
		slog.Error("staleness sweep failed", "error", err)
		return
	}
	if len(reclaimed) > 0 {
		slog.Info("reclaimed stale reservations", "derivations", reclaimed)
	}
}

// idle sleeps for the current back-off and returns the next one, doubling
// up to the configured poll interval.
func (w *Worker) idle(ctx context.Context, backoff time.Duration) time.Duration {
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}

	next := backoff * 2
	if limit := w.cfg.Worker.PollInterval.Std(); next > limit {
		next = limit
	}
	return next
}

// runIsolated is the production BuildFunc: the configured build command
// with the derivation's installable appended, under the configured
// resource ceilings.
func (w *Worker) runIsolated(ctx context.Context, item model.QueueItem) (executor.Result, error) {
	argv := append(append([]string{}, w.cfg.Build.Command...), item.Name)
	return executor.Run(ctx, item.DerivationID, argv, executor.Limits{
		MemoryBytes:    w.cfg.Build.MemoryMaxBytes,
		CPUSeconds:     w.cfg.Build.CPUSeconds,
		Timeout:        w.cfg.Build.Timeout.Std(),
		SilenceTimeout: w.cfg.Build.SilenceTimeout.Std(),
	})
}

// buildErrText renders a failure for the derivation's persisted error
// column, including the log tail when the executor captured one.
func buildErrText(err error) string {
	var (
		buildErr *executor.BuildError
		limitErr *executor.LimitError
	)
	switch {
	case errors.As(err, &buildErr) && buildErr.Log != "":
		return buildErr.Error() + "\n\n" + buildErr.Log
	case errors.As(err, &limitErr) && limitErr.Log != "":
		return limitErr.Error() + "\n\n" + limitErr.Log
	}
	return err.Error()
}

// truncate keeps the tail of s, where the most recent output lives.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}
