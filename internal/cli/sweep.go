package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim reservations with stale heartbeats",
		Long: `Run one staleness sweep: delete any reservation whose heartbeat is
older than the configured threshold and return its derivation to the
claimable pool. Idle workers do this automatically; the command exists
for operators who want reclamation now rather than on the next idle
cycle.

Example:
  nixforge sweep -c config.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(rootOpts, cmd)
		},
	}
	return cmd
}

func runSweep(opts *RootOptions, cmd *cobra.Command) error {
	cfg, st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	reclaimed, err := st.SweepStale(context.Background(), cfg.Worker.StaleAfter.Std())
	if err != nil {
		return WrapExitError(ExitFailure, "sweep failed", err)
	}

	if len(reclaimed) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No stale reservations.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale reservation(s):\n", len(reclaimed))
	for _, id := range reclaimed {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
	}
	return nil
}
