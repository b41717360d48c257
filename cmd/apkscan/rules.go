package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/apk-analysis/apk-secscan/internal/engine"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect detection rules",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load the configured rule files and report loaded/skipped counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := newLogger(cfg)

		set, err := engine.LoadRuleSet(engine.RulePaths{
			Regex:    cfg.Scan.Rules.Regex,
			Smali:    cfg.Scan.Rules.Smali,
			Manifest: cfg.Scan.Rules.Manifest,
		}, logger)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "SOURCE\tLOADED\tSKIPPED\n")
		skipped := 0
		for _, st := range set.Stats {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", st.Source, st.Loaded, st.Skipped)
			skipped += st.Skipped
		}
		tw.Flush()

		if skipped > 0 {
			return &exitError{code: 1}
		}
		return nil
	},
}

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List available engines in execution order",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range engine.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func init() {
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(rulesCmd, enginesCmd)
}
