package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"balloon/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigShowCommand(ctx))

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			} else {
				expanded, err := config.ExpandPath(target)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				target = expanded
			}

			dir := filepath.Dir(target)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create config directory %q: %w", dir, err)
			}

			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if !os.IsNotExist(err) {
					return fmt.Errorf("check config path: %w", err)
				}
			}

			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintln(out, "Edit the file to set the staging and archive directories before running balloon.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		// Loads the config itself so defaults render even when no file exists
		// and no directories get created as a side effect.
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var flagPath string
			if ctx.configFlag != nil {
				flagPath = strings.TrimSpace(*ctx.configFlag)
			}
			cfg, path, exists, err := config.Load(flagPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			out := cmd.OutOrStdout()
			if exists {
				fmt.Fprintf(out, "Configuration file: %s\n\n", path)
			} else {
				fmt.Fprintf(out, "No configuration file found (looked at %s); showing defaults\n\n", path)
			}

			rows := [][]string{
				{"paths.staging_dir", cfg.Paths.StagingDir},
				{"paths.archive_dir", cfg.Paths.ArchiveDir},
				{"paths.log_dir", cfg.Paths.LogDir},
				{"extraction.device", cfg.Extraction.Device},
				{"extraction.binary", cfg.ExtractorBinary()},
				{"extraction.sector_size", fmt.Sprintf("%d", cfg.Extraction.SectorSize)},
				{"extraction.retry_budget", fmt.Sprintf("%d", cfg.Extraction.RetryBudget)},
				{"extraction.stall_timeout", fmt.Sprintf("%ds", cfg.Extraction.StallTimeout)},
				{"integrity.algorithm", cfg.Integrity.Algorithm},
				{"integrity.unit_size_mib", fmt.Sprintf("%d", cfg.Integrity.UnitSizeMiB)},
				{"redundancy.binary", cfg.RedundancyBinary()},
				{"redundancy.ratio", fmt.Sprintf("%.3f", cfg.Redundancy.Ratio)},
				{"workflow.workers", fmt.Sprintf("%d", cfg.Workflow.Workers)},
				{"logging.format", cfg.Logging.Format},
				{"logging.level", cfg.Logging.Level},
			}
			fmt.Fprintln(out, renderTable([]string{"Setting", "Value"}, rows))
			return nil
		},
	}
	return cmd
}
