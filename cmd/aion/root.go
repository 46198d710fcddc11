package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/boshu2/aion/internal/config"
	"github.com/boshu2/aion/internal/formatter"
	"github.com/boshu2/aion/internal/project"
	"github.com/boshu2/aion/internal/storage"
)

var (
	// Global flags
	rootDir string
	cfgFile string
	verbose bool
	output  string

	// cfg is the configuration resolved before every command runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "aion",
	Short: "Reversible micro-commits and persona handovers",
	Long: `aion records every change a persona makes as a micro-commit that can be
rolled back byte for byte, and tracks which persona is in control.

Change tracking:
  commit       Validate, snapshot, apply and record a change set
  rollback     Restore the pre-commit state of a commit
  history      List commits
  stats        Ledger and handover statistics
  reconcile    Find commits whose apply status is unknown

Persona handover:
  handover     Transfer control between personas
  state        Show, list or reset the handover state
  transitions  Show the persona transition graph
  context      Read and write persona context notes
  render       Render the handover log or commit history

State lives in .aion/ under the project root.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Project root (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: <root>/<base_dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "Output format (table, json, yaml, jsonl)")
}

// loadConfig resolves configuration with the global flags as the top layer.
func loadConfig(cmd *cobra.Command) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	loaded, err := config.Load(root, cfgFile, &config.Config{Output: output, Verbose: verbose})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = loaded
	return nil
}

// projectRoot returns --root, or the working directory.
func projectRoot() (string, error) {
	if rootDir != "" {
		return rootDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

// GetOutput returns the resolved output format for use by subcommands.
func GetOutput() string {
	if cfg == nil {
		if output != "" {
			return output
		}
		return "table"
	}
	return cfg.Output
}

// withProject opens the project, runs fn and refreshes the metrics
// textfile. Mutating commands hold the project lock for their duration.
func withProject(cmd *cobra.Command, mutating bool, fn func(p *project.Project) error) (err error) {
	root, err := projectRoot()
	if err != nil {
		return err
	}

	if mutating {
		lock, err := project.Lock(root, cfg)
		if errors.Is(err, storage.ErrLocked) {
			return fmt.Errorf("%w: another aion command is modifying %s", err, root)
		}
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
	}

	p, err := project.Open(cmd.Context(), root, cfg, project.WithStderr(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	err = fn(p)
	if merr := p.WriteMetrics(); merr != nil {
		p.Logger().Warn("metrics textfile not written", "error", merr)
	}
	return err
}

// writeStructured encodes v in the structured output formats. It reports
// false for table output, which each command renders itself.
func writeStructured(w io.Writer, v any) (bool, error) {
	switch GetOutput() {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return true, enc.Encode(v)
	case "jsonl":
		return true, formatter.WriteJSONL(w, []any{v})
	default:
		return false, nil
	}
}

// writeList is writeStructured for record lists: jsonl emits one line per
// record.
func writeList[T any](w io.Writer, records []T) (bool, error) {
	if GetOutput() == "jsonl" {
		return true, formatter.WriteJSONL(w, records)
	}
	if records == nil {
		records = []T{}
	}
	return writeStructured(w, records)
}
