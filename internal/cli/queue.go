package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/nixforge/internal/config"
	"github.com/roach88/nixforge/internal/model"
	"github.com/roach88/nixforge/internal/store"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Limit int
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the current claimable queue",
		Long: `Show the priority-ordered claimable queue as a worker would see it now.

System derivations whose package dependencies are not yet satisfied are
absent from this list by design; use "nixforge show" on the system to see
which dependencies it is waiting for.

Example:
  nixforge queue --config config.yaml
  nixforge queue -c config.yaml --format json --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showQueue(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum entries to show (0 = all)")

	return cmd
}

func showQueue(opts *QueueOptions, cmd *cobra.Command) error {
	cfg, st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	items, err := st.BuildQueue(context.Background(), store.QueueParams{
		MaxAttempts:  cfg.Worker.MaxAttempts,
		RequireCache: cfg.Worker.RequireCache,
		Limit:        opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build queue", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Success(items)
	}
	return formatter.Success(renderQueue(items))
}

// renderQueue formats the queue as an aligned text table.
func renderQueue(items []model.QueueItem) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "POS\tKIND\tHOSTNAME\tCOMMIT\tDEPS\tATTEMPTS\tNAME")
	for _, item := range items {
		deps := "-"
		if item.Kind == model.KindSystem {
			deps = fmt.Sprintf("%d/%d", item.Deps.Completed, item.Deps.Total)
		}
		hostname := item.Hostname
		if hostname == "" {
			hostname = "-"
		}
		commitTime := "-"
		if item.CommitID != nil {
			commitTime = item.CommitTimestamp.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			item.QueuePosition, item.Kind, hostname, commitTime,
			deps, item.AttemptCount, item.Name)
	}
	w.Flush()

	if len(items) == 0 {
		return "queue is empty"
	}
	return strings.TrimRight(sb.String(), "\n")
}

// openStore loads configuration and opens the coordination store. Shared
// by every command except worker (which needs its own logging setup
// first).
func openStore(opts *RootOptions) (config.Config, *store.Store, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return config.Config{}, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return cfg, st, nil
}
