package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/planloop/infrastructure/config"
	api "github.com/felixgeelhaar/planloop/interfaces/api"
)

// listToolsOptions holds options for the list-tools command.
type listToolsOptions struct {
	configPath string
	verbose    bool
}

// newListToolsCmd creates the list-tools command.
func (a *App) newListToolsCmd() *cobra.Command {
	opts := &listToolsOptions{}

	cmd := &cobra.Command{
		Use:   "list-tools",
		Short: "List the tools offered to tool-loop sessions",
		Long: `List the tool packs enabled by the configuration and the tools they
offer to the model in tool mode.

Examples:
  # List tools from the default configuration
  planloop list-tools

  # Verbose output with annotations
  planloop list-tools -c planloop.yaml -v`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.listTools(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show detailed information")

	return cmd
}

// listTools builds the configured packs and prints their tools.
func (a *App) listTools(opts *listToolsOptions) error {
	cfg, err := api.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	cfg.Storage.Driver = "none"

	components, err := config.NewBuilder(cfg).Build()
	if err != nil {
		return err
	}
	defer components.Close()

	if len(components.Packs) == 0 {
		_, _ = fmt.Fprintf(a.stdout, "No tool packs enabled.\n")
		return nil
	}

	_, _ = fmt.Fprintf(a.stdout, "Tool Packs (%d):\n", len(components.Packs))
	for _, p := range components.Packs {
		_, _ = fmt.Fprintf(a.stdout, "\n  %s\n", p.Name)
		if opts.verbose && p.Description != "" {
			_, _ = fmt.Fprintf(a.stdout, "    %s\n", p.Description)
		}
		for _, t := range p.Tools {
			_, _ = fmt.Fprintf(a.stdout, "    - %s\n", t.Name())
			if opts.verbose {
				ann := t.Annotations()
				_, _ = fmt.Fprintf(a.stdout, "      %s\n", t.Description())
				_, _ = fmt.Fprintf(a.stdout, "      read-only=%t destructive=%t idempotent=%t risk=%v\n",
					ann.ReadOnly, ann.Destructive, ann.Idempotent, ann.RiskLevel)
			}
		}
	}
	return nil
}
