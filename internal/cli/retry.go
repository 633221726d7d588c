package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/nixforge/internal/store"
)

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <derivation-id>",
		Short: "Reset a derivation's attempt counter",
		Long: `Reset a derivation that exhausted its attempt cap.

Zeroes the attempt counter and, when the derivation sits in a terminal
failure state, resets it to its stage's pending state so the next queue
build offers it to workers again. This is the only way a derivation
leaves a terminal failure; there is no silent unbounded retry.

Example:
  nixforge retry -c config.yaml drv-pkg-openssl-3.0.13`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return retryDerivation(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func retryDerivation(opts *RootOptions, id string, cmd *cobra.Command) error {
	_, st, err := openStore(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ResetAttempts(context.Background(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return WrapExitError(ExitFailure, "derivation not found", err)
		}
		return WrapExitError(ExitFailure, "failed to reset attempts", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Reset attempts for %s; it will be offered on the next queue build.\n", id)
	return nil
}
