package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/planloop/application"
	"github.com/felixgeelhaar/planloop/infrastructure/storage/sqlite"
)

// inspectOptions holds options for the inspect command.
type inspectOptions struct {
	dsn        string
	seq        int
	outputJSON bool
}

// newInspectCmd creates the inspect command.
func (a *App) newInspectCmd() *cobra.Command {
	opts := &inspectOptions{seq: -1}

	cmd := &cobra.Command{
		Use:   "inspect [run-id]",
		Short: "Inspect journaled runs",
		Long: `Inspect runs recorded in a SQLite snapshot journal.

Without a run ID, lists the journaled runs, most recent first. With a run ID,
prints the phase transitions, plan resolutions and final state.

Examples:
  # List runs
  planloop inspect --dsn runs.db

  # Show one run
  planloop inspect --dsn runs.db 3f0c...

  # Print the snapshot taken after transition 4 as JSON
  planloop inspect --dsn runs.db --seq 4 --json 3f0c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.NewSnapshotStore(sqlite.DefaultConfig(), sqlite.WithDSN(opts.dsn))
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer store.Close()

			if len(args) == 0 {
				runs, err := store.Runs(cmd.Context())
				if err != nil {
					return err
				}
				if opts.outputJSON {
					return a.writeJSON(runs)
				}
				if len(runs) == 0 {
					fmt.Fprintln(a.stdout, "No runs recorded.")
				}
				for _, id := range runs {
					fmt.Fprintln(a.stdout, id)
				}
				return nil
			}
			return a.inspectRun(cmd, application.NewReplay(store), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.dsn, "dsn", "", "SQLite data source of the journal (required)")
	cmd.Flags().IntVar(&opts.seq, "seq", -1, "Print the snapshot recorded after this transition")
	cmd.Flags().BoolVar(&opts.outputJSON, "json", false, "Output as JSON")

	_ = cmd.MarkFlagRequired("dsn")

	return cmd
}

func (a *App) inspectRun(cmd *cobra.Command, replay *application.Replay, runID string, opts *inspectOptions) error {
	ctx := cmd.Context()

	if opts.seq >= 0 {
		s, err := replay.ReconstructAt(ctx, runID, opts.seq)
		if err != nil {
			return err
		}
		return a.writeJSON(s)
	}

	tl, err := replay.NewTimeline(ctx, runID)
	if err != nil {
		return err
	}
	if opts.outputJSON {
		return a.writeJSON(map[string]any{
			"run_id":      tl.RunID,
			"duration":    tl.Duration().String(),
			"transitions": tl.Transitions(),
			"resolutions": tl.Resolutions(),
			"final":       tl.Final(),
		})
	}

	final := tl.Final()
	fmt.Fprintf(a.stdout, "Run %s\n", tl.RunID)
	fmt.Fprintf(a.stdout, "  Phase: %s\n", final.Phase)
	fmt.Fprintf(a.stdout, "  Task: %s\n", final.Prompt)
	fmt.Fprintf(a.stdout, "  Iterations: %d, replans: %d\n", final.Iterations, final.ReplanCount)
	fmt.Fprintf(a.stdout, "  Duration: %s\n", tl.Duration().Round(time.Millisecond))

	fmt.Fprintf(a.stdout, "\nTransitions:\n")
	for _, tr := range tl.Transitions() {
		fmt.Fprintf(a.stdout, "  %3d  %s -> %s\n", tr.Seq, tr.From, tr.To)
	}

	if res := tl.Resolutions(); len(res) > 0 {
		fmt.Fprintf(a.stdout, "\nPlans:\n")
		for _, r := range res {
			fmt.Fprintf(a.stdout, "  %3d  #%d [%s] %s\n", r.Seq, r.Index+1, r.Status, r.Objective)
			if r.Detail != "" {
				fmt.Fprintf(a.stdout, "         %s\n", r.Detail)
			}
		}
	}

	switch {
	case final.Error != nil:
		fmt.Fprintf(a.stdout, "\nError: %s\n", final.Error)
	case final.FinalOutput != "":
		fmt.Fprintf(a.stdout, "\nOutput:\n%s\n", final.FinalOutput)
	}
	return nil
}

func (a *App) writeJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
