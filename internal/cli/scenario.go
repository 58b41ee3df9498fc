package cli

import (
	"github.com/MergHQ/netsync/sim"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Config string
}

// NewScenarioCommand creates the scenario command, which prints the scenario a run would use.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "scenario",
		Short:         "Print the resolved scenario as YAML",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, err := sim.LoadScenario(opts.Config)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid scenario", err)
			}

			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent(2)
			if err := encoder.Encode(scenario); err != nil {
				return WrapExitError(ExitCommandError, "failed to encode scenario", err)
			}
			return encoder.Close()
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to a YAML scenario")

	return cmd
}
