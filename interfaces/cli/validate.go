package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/planloop/infrastructure/config"
	api "github.com/felixgeelhaar/planloop/interfaces/api"
)

// validateOptions holds options for the validate command.
type validateOptions struct {
	configPath string
	strict     bool
}

// newValidateCmd creates the validate command.
func (a *App) newValidateCmd() *cobra.Command {
	opts := &validateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Validate a planloop configuration file.

This command checks:
  - File format (YAML or JSON)
  - Field types and allowed values
  - Storage and telemetry requirements
  - Environment variable references and unknown keys (in strict mode)

Examples:
  # Validate a configuration file
  planloop validate -c planloop.yaml

  # Strict validation
  planloop validate -c planloop.yaml --strict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.validateConfig(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "Fail on unset env vars and unknown keys")

	return cmd
}

// validateConfig validates the configuration file.
func (a *App) validateConfig(opts *validateOptions) error {
	if opts.configPath == "" {
		return errors.New("configuration file path is required (-c flag)")
	}

	cfg, err := api.LoadConfig(opts.configPath,
		config.WithStrictEnv(opts.strict),
		config.WithStrictFields(opts.strict),
	)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Fprintf(a.stdout, "✓ Configuration is valid\n")
	fmt.Fprintf(a.stdout, "\nConfiguration summary:\n")
	fmt.Fprintf(a.stdout, "  Provider: %s\n", cfg.Model.Provider)
	if cfg.Model.DefaultModel != "" {
		fmt.Fprintf(a.stdout, "  Model: %s\n", cfg.Model.DefaultModel)
	}
	fmt.Fprintf(a.stdout, "  Max iterations: %d\n", cfg.Agent.MaxIterations)
	fmt.Fprintf(a.stdout, "  Max replans: %d\n", cfg.Agent.MaxReplans)
	fmt.Fprintf(a.stdout, "  Tool mode: %t (max %d steps)\n", cfg.Agent.Tools, cfg.Agent.MaxToolSteps)

	var packs []string
	if cfg.Tools.Shell.Enabled {
		packs = append(packs, "shell")
	}
	if cfg.Tools.Filesystem.Enabled {
		packs = append(packs, "filesystem")
	}
	if cfg.Tools.Browser.Enabled {
		packs = append(packs, "browser")
	}
	fmt.Fprintf(a.stdout, "  Tool packs: %d\n", len(packs))
	for _, p := range packs {
		fmt.Fprintf(a.stdout, "    - %s\n", p)
	}

	fmt.Fprintf(a.stdout, "  Storage: %s\n", cfg.Storage.Driver)
	fmt.Fprintf(a.stdout, "  Telemetry: %s\n", cfg.Telemetry.Exporter)
	return nil
}
