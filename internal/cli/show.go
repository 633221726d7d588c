package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/nixforge/internal/model"
	"github.com/roach88/nixforge/internal/store"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <derivation-id>",
		Short: "Show a derivation's status, error text, and dependency state",
		Long: `Show one derivation in detail: lifecycle status, attempts, error text
from the most recent failure, and (for systems) the dependency counts
gating its entry into the claimable queue.

Example:
  nixforge show -c config.yaml drv-web-24.05.1234`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showDerivation(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

// derivationDetail is the JSON payload for show.
type derivationDetail struct {
	Derivation  model.Derivation        `json:"derivation"`
	Deps        *model.DependencyCounts `json:"dependencies,omitempty"`
	Reservation *model.Reservation      `json:"reservation,omitempty"`
}

func showDerivation(opts *RootOptions, id string, cmd *cobra.Command) error {
	_, st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	d, err := st.GetDerivation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return WrapExitError(ExitFailure, "derivation not found", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read derivation", err)
	}

	detail := derivationDetail{Derivation: d}
	if d.Kind == model.KindSystem {
		counts, err := st.DependencyCounts(ctx, id)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read dependency counts", err)
		}
		detail.Deps = &counts
	}
	if r, err := st.GetReservation(ctx, id); err == nil {
		detail.Reservation = &r
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return formatter.Success(detail)
	}
	return formatter.Success(renderDetail(detail))
}

func renderDetail(detail derivationDetail) string {
	d := detail.Derivation
	var sb strings.Builder

	fmt.Fprintf(&sb, "Derivation: %s\n", d.ID)
	fmt.Fprintf(&sb, "  Kind:     %s\n", d.Kind)
	fmt.Fprintf(&sb, "  Name:     %s\n", d.Name)
	fmt.Fprintf(&sb, "  Status:   %s\n", d.Status)
	fmt.Fprintf(&sb, "  Attempts: %d\n", d.AttemptCount)
	fmt.Fprintf(&sb, "  Cached:   %t\n", d.Cached)
	if d.CommitID != nil {
		fmt.Fprintf(&sb, "  Commit:   %s\n", *d.CommitID)
	}
	if d.OutputPath != nil {
		fmt.Fprintf(&sb, "  Output:   %s\n", *d.OutputPath)
	}
	if detail.Deps != nil {
		fmt.Fprintf(&sb, "  Dependencies: %d total, %d built, %d cached\n",
			detail.Deps.Total, detail.Deps.Completed, detail.Deps.Cached)
	}
	if detail.Reservation != nil {
		fmt.Fprintf(&sb, "  Claimed by: %s (heartbeat %s)\n",
			detail.Reservation.Worker, detail.Reservation.HeartbeatAt.Format("15:04:05"))
	}
	if d.Error != nil {
		fmt.Fprintf(&sb, "  Error:\n")
		for _, line := range strings.Split(strings.TrimRight(*d.Error, "\n"), "\n") {
			fmt.Fprintf(&sb, "    %s\n", line)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
