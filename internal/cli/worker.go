package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/nixforge/internal/config"
	"github.com/roach88/nixforge/internal/store"
	"github.com/roach88/nixforge/internal/tracing"
	"github.com/roach88/nixforge/internal/worker"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	TraceFile string
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a build worker",
		Long: `Run one build worker against the shared coordination store.

The worker reconciles any work a crashed process left behind, then loops:
claim the head of the priority queue, execute the build under the
configured resource limits, record the outcome, claim again. Multiple
workers may run concurrently against the same database.

Example:
  nixforge worker --config /etc/nixforge/config.yaml
  nixforge worker -c config.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TraceFile, "trace-file", "", "write build spans to this file instead of stdout")

	return cmd
}

func runWorker(opts *WorkerOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	if opts.TraceFile != "" {
		if err := tracing.Init("nixforge", version, opts.TraceFile); err != nil {
			return WrapExitError(ExitCommandError, "failed to initialise tracing", err)
		}
	}

	slog.Info("opening coordination store", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	w := worker.New(st, cfg)

	// Graceful shutdown on SIGINT/SIGTERM: stop claiming, let in-flight
	// builds report their outcomes.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintln(cmd.OutOrStdout(), "Worker started. Press Ctrl-C to stop.")

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "worker error", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// version is stamped by the release build; "dev" otherwise.
var version = "dev"
