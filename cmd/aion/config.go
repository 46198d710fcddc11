package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/boshu2/aion/internal/config"
	"github.com/boshu2/aion/internal/formatter"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show resolved configuration",
	Long: `Show the resolved aion configuration and where each value came from.

Configuration priority (highest to lowest):
  1. Command-line flags
  2. Environment variables (AION_*)
  3. Project config (<root>/<base_dir>/config.yaml, or --config / AION_CONFIG;
     base_dir comes from AION_BASE_DIR or the home config, default .aion)
  4. Home config (~/.aion/config.yaml)
  5. Defaults

Environment variables:
  AION_CONFIG                - Explicit project config file path
  AION_OUTPUT                - Default output format (table, json, yaml, jsonl)
  AION_BASE_DIR              - State directory, relative to the project root
  AION_VERBOSE               - Enable verbose output (true/1)
  AION_LOG_LEVEL             - Terminal log level (debug, info, warn, error)
  AION_LOG_JOURNAL           - Also log to the systemd journal (true/1)
  AION_SNAPSHOT_COMPRESSION  - Snapshot compression (none, zstd, lz4)
  AION_SAFETY_ALLOW_BINARY   - Accept non-UTF-8 content (true/1)
  AION_SAFETY_SECRET_SCAN    - Reject content that looks like a credential (true/false)

Examples:
  aion config
  aion config -o json`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	resolved := config.Resolve(root, cfgFile, output, "", verbose)

	w := cmd.OutOrStdout()
	if ok, err := writeStructured(w, resolved); ok {
		return err
	}

	fmt.Fprintln(w, "aion configuration")
	fmt.Fprintln(w, "==================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Config files:")
	home, _ := os.UserHomeDir()
	printConfigFile(w, "Home:   ", filepath.Join(home, ".aion", "config.yaml"))
	printConfigFile(w, "Project:", config.ProjectConfigPath(root, cfgFile))

	fmt.Fprintln(w)
	tbl := formatter.NewTable(w, "SETTING", "VALUE", "SOURCE")
	for _, f := range resolved.Fields() {
		tbl.AddRow(f.Name, f.Value, f.Source)
	}
	if err := tbl.Render(); err != nil {
		return err
	}

	if cfg != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "State files:")
		for _, f := range []struct{ label, rel string }{
			{"Log file:  ", cfg.Log.File},
			{"Projection:", cfg.Handover.Projection},
			{"Metrics:   ", cfg.Metrics.Textfile},
			{"Context DB:", cfg.Context.Database},
		} {
			if !config.Enabled(f.rel) {
				fmt.Fprintf(w, "  %s (disabled)\n", f.label)
				continue
			}
			fmt.Fprintf(w, "  %s %s\n", f.label, cfg.StatePath(root, f.rel))
		}
	}

	if cfg != nil && len(cfg.Transitions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Extra transitions:")
		for _, from := range cfg.TransitionSources() {
			fmt.Fprintf(w, "  %s -> %v\n", from, cfg.Transitions[from])
		}
	}
	return nil
}

func printConfigFile(w io.Writer, label, path string) {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  ✓ %s %s\n", label, path)
	} else {
		fmt.Fprintf(w, "  ✗ %s %s (not found)\n", label, path)
	}
}
