package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/planloop/application"
	"github.com/felixgeelhaar/planloop/infrastructure/logging"
	api "github.com/felixgeelhaar/planloop/interfaces/api"
)

var (
	// ErrRunFailed is returned when a run ends in FAILED.
	ErrRunFailed = errors.New("run failed")
	// ErrRunTimeout is returned when --timeout expires before the run ends.
	ErrRunTimeout = errors.New("run timed out")
)

// runOptions holds options for the run command.
type runOptions struct {
	configPath    string
	model         string
	tools         bool
	maxToolSteps  int
	maxIterations int
	maxReplans    int
	log           bool
	jsonOutput    bool
	timeout       time.Duration
	store         string
	dsn           string
}

// newRunCmd creates the run command.
func (a *App) newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run a task to completion",
		Long: `Run a natural-language task through intent, planning, execution and review.

The final answer is printed on stdout. A failed run prints its error code
and exits non-zero. Use "-" as the task to read it from stdin.

Examples:
  # Tool-free run with the default gateway
  planloop run "Explain what this repository does"

  # Let the model use bash, readFile and writeFile
  planloop run --tools --log "Fix the failing unit test"

  # Journal snapshots to SQLite for later inspection
  planloop run --store sqlite --dsn runs.db "Summarize the changelog"

  # Give up waiting after five minutes
  planloop run --timeout 5m -c planloop.yaml "Refactor the parser"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var task string
			if len(args) > 0 {
				task = args[0]
			}
			if task == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read task: %w", err)
				}
				task = string(data)
			}
			task = strings.TrimSpace(task)
			if task == "" {
				return errors.New("no task specified")
			}
			return a.runTask(cmd, opts, task)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	f.StringVarP(&opts.model, "model", "m", "", "Model ID (overrides config)")
	f.BoolVar(&opts.tools, "tools", false, "Resolve objectives with tool-loop sessions")
	f.IntVar(&opts.maxToolSteps, "max-tool-steps", 0, "Model turns per objective in tool mode")
	f.IntVar(&opts.maxIterations, "max-iterations", 0, "Transition ceiling (overrides config)")
	f.IntVar(&opts.maxReplans, "max-replans", 0, "Replan ceiling (overrides config)")
	f.BoolVar(&opts.log, "log", false, "Print progress lines to stderr")
	f.BoolVar(&opts.jsonOutput, "json", false, "Print the final state as JSON")
	f.DurationVar(&opts.timeout, "timeout", 0, "Stop waiting for the run after this long")
	f.StringVar(&opts.store, "store", "", "Snapshot journal driver (memory, sqlite, none)")
	f.StringVar(&opts.dsn, "dsn", "", "SQLite data source for --store sqlite")

	return cmd
}

func (o *runOptions) apply(cmd *cobra.Command, cfg *api.Config) {
	flags := cmd.Flags()
	if flags.Changed("max-iterations") {
		cfg.Agent.MaxIterations = o.maxIterations
	}
	if flags.Changed("max-replans") {
		cfg.Agent.MaxReplans = o.maxReplans
	}
	if flags.Changed("max-tool-steps") {
		cfg.Agent.MaxToolSteps = o.maxToolSteps
	}
	if o.tools {
		cfg.Agent.Tools = true
	}
	if o.store != "" {
		cfg.Storage.Driver = o.store
	}
	if o.dsn != "" {
		cfg.Storage.DSN = o.dsn
		if o.store == "" {
			cfg.Storage.Driver = "sqlite"
		}
	}
}

// runTask executes one task and reports the outcome.
func (a *App) runTask(cmd *cobra.Command, opts *runOptions, task string) error {
	ctx := cmd.Context()

	cfg, err := api.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	opts.apply(cmd, cfg)

	logging.Init(logging.Config{
		Level:  strings.ToLower(cfg.Logging.Level),
		Format: cfg.Logging.Format,
		Output: a.stderr,
	})

	rt, err := api.NewRuntime(ctx, cfg, append([]api.RuntimeOption{api.WithServiceVersion(Version)}, a.runtimeOpts...)...)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logging.Warn().Add(logging.ErrorField(err)).Msg("runtime close failed")
		}
	}()

	params := api.Params{
		Task:    task,
		ModelID: opts.model,
		RunID:   uuid.NewString(),
	}
	if opts.log {
		params.Sink = application.NewWriterSink(a.stderr)
	}

	start := time.Now()
	final, err := a.await(ctx, rt, params, opts.timeout)
	if err != nil {
		fmt.Fprintf(a.stderr, "run %s: %v\n", params.RunID, err)
		return err
	}
	elapsed := time.Since(start)

	if cfg.Telemetry.Metrics {
		a.printCounters(ctx, rt)
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{
			"run_id":   params.RunID,
			"duration": elapsed.String(),
			"result":   final,
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(a.stderr, "run %s %s in %s (%d iterations, %d replans)\n",
			params.RunID, final.Phase, elapsed.Round(time.Millisecond), final.Iterations, final.ReplanCount)
		if final.Phase == api.PhaseDone {
			fmt.Fprintln(a.stdout, final.FinalOutput)
		}
	}

	if final.Phase == api.PhaseFailed && final.Error != nil {
		return fmt.Errorf("%w: %s", ErrRunFailed, final.Error)
	}
	return nil
}

// await races the run against timeout. An expired run is abandoned, not
// interrupted; its result is discarded.
func (a *App) await(ctx context.Context, rt *api.Runtime, p api.Params, timeout time.Duration) (api.State, error) {
	done := make(chan api.State, 1)
	go func() {
		done <- rt.Run(ctx, p)
	}()

	if timeout <= 0 {
		return <-done, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case final := <-done:
		return final, nil
	case <-timer.C:
		logging.Warn().
			Add(logging.RunID(p.RunID)).
			Add(logging.Duration(timeout)).
			Msg("run abandoned")
		return api.State{}, fmt.Errorf("%w after %s", ErrRunTimeout, timeout)
	}
}

func (a *App) printCounters(ctx context.Context, rt *api.Runtime) {
	counters, err := rt.Counters(ctx)
	if err != nil {
		logging.Warn().Add(logging.ErrorField(err)).Msg("collect counters failed")
		return
	}
	for _, c := range counters {
		if c.Attributes != "" {
			fmt.Fprintf(a.stderr, "%s{%s} %d\n", c.Name, c.Attributes, c.Value)
			continue
		}
		fmt.Fprintf(a.stderr, "%s %d\n", c.Name, c.Value)
	}
}
