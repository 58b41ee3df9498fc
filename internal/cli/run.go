package cli

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MergHQ/netsync/sim"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config string
	Ticks  int
	Loss   float64
	Seed   int64
	Serve  string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulated connection",
		Long: `Run a simulated connection and print the final statistics.

Flags override the values of the scenario file. With --serve, /metrics and
/stats stay available on the given address until interrupted.

Example:
  netsyncsim run --config ./scenario.yaml
  netsyncsim run --ticks 500 --loss 0.3 --format json
  netsyncsim run --serve :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to a YAML scenario")
	cmd.Flags().IntVar(&opts.Ticks, "ticks", 0, "ticks during which values change")
	cmd.Flags().Float64Var(&opts.Loss, "loss", 0, "probability that a packet is dropped")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed")
	cmd.Flags().StringVar(&opts.Serve, "serve", "", "address to serve /metrics and /stats on")

	return cmd
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadScenario reads the scenario file and applies the flags that were set explicitly
func loadScenario(opts *RunOptions, cmd *cobra.Command) (sim.Scenario, error) {
	scenario, err := sim.LoadScenario(opts.Config)
	if err != nil {
		return scenario, err
	}

	flags := cmd.Flags()
	if flags.Changed("ticks") {
		scenario.Ticks = opts.Ticks
	}
	if flags.Changed("loss") {
		scenario.Loss = opts.Loss
	}
	if flags.Changed("seed") {
		scenario.Seed = opts.Seed
	}

	return scenario, scenario.Validate()
}

func runSimulation(opts *RunOptions, cmd *cobra.Command) (err error) {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	scenario, err := loadScenario(opts, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid scenario", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	s, err := sim.New(logger, scenario, registry)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start simulation", err)
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			logger.LogAttrs(context.Background(), slog.LevelError, "error closing simulation",
				slog.String("error", closeErr.Error()))
			if err == nil {
				err = WrapExitError(ExitFailure, "simulation leaked mementos", closeErr)
			}
		}
	}()

	var server *http.Server
	serveErr := make(chan error, 1)
	if opts.Serve != "" {
		server = &http.Server{
			Addr:              opts.Serve,
			Handler:           sim.NewServer(s, registry),
			ReadHeaderTimeout: shutdownTimeout,
		}
		go func() {
			serveErr <- server.ListenAndServe()
		}()
		logger.LogAttrs(context.Background(), slog.LevelInfo, "serving statistics", slog.String("addr", opts.Serve))
	}

	result, err := s.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "simulation failed", err)
	}

	if err := writeResult(cmd.OutOrStdout(), opts.Format, result); err != nil {
		return WrapExitError(ExitCommandError, "failed to write result", err)
	}

	if server != nil {
		select {
		case <-ctx.Done():
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				return WrapExitError(ExitCommandError, "statistics server failed", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitCommandError, "failed to stop statistics server", err)
		}
	}

	if !result.Connected() {
		return NewExitError(ExitFailure, "peers did not reach the game")
	}
	return nil
}

func writeResult(w io.Writer, format string, result sim.Result) error {
	if format == "json" {
		_, err := io.WriteString(w, result.BuildJsonString()+"\n")
		return err
	}
	return result.WriteText(w)
}
