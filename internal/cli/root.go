package cli

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the netsync simulator.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "netsyncsim",
		Short: "Simulate a replicated connection",
		Long: `Simulate two peers replicating object state over a lossy, reordering link.

Both peers walk the view state handshake and, once in game, replicate their
properties through synchronization histories backed by a shared memento
allocator.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return errors.Newf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}
