package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wltechblog/logguard/internal/classify"
)

func newTestCmd() *cobra.Command {
	var (
		format       string
		rulesPath    string
		printMatched bool
		printMissed  bool
	)

	cmd := &cobra.Command{
		Use:   "test FILE",
		Short: "Run a log file through the classifier and report what would count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := args[0]
			if format != "" {
				entry = format + ":" + entry
			}

			rules := classify.DefaultRules()
			if rulesPath != "" {
				var err error
				if rules, err = classify.LoadRulesFile(rulesPath); err != nil {
					return err
				}
			}

			src, err := classify.ParseSource(entry, rules)
			if err != nil {
				return err
			}

			f, err := os.Open(src.Path)
			if err != nil {
				return errors.Wrap(err, "failed to open log file")
			}
			defer f.Close()

			_, err = classify.SelfTest(src, f, cmd.OutOrStdout(), printMatched, printMissed)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&format, "format", "f", "", "log format: apache, caddy or ssh (inferred from the name by default)")
	f.StringVar(&rulesPath, "rules", "", "YAML rules file")
	f.BoolVar(&printMatched, "matched", false, "print lines that match")
	f.BoolVar(&printMissed, "missed", false, "print lines that do not match or fail to parse")
	return cmd
}
