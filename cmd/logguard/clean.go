package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wltechblog/logguard/internal/tracker"
)

func newCleanCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every installed block rule and empty the blocklist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			fw, err := newFirewall(cfg)
			if err != nil {
				return err
			}
			if err := fw.Flush(); err != nil {
				return errors.Wrapf(err, "failed to flush %s rules", fw.Name())
			}

			// A tracker with nothing loaded persists an empty blocklist.
			if err := tracker.New(tracker.Config{Path: cfg.Blocklist}, nil).Persist(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s rules and cleared %s\n", fw.Name(), cfg.Blocklist)
			return nil
		},
	}
}

func newRulesCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Show the block rules currently installed in the firewall",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			fw, err := newFirewall(cfg)
			if err != nil {
				return err
			}
			rules, err := fw.Rules()
			if err != nil {
				return errors.Wrapf(err, "failed to list %s rules", fw.Name())
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Current firewall rules (type: %s):\n", fw.Name())
			if len(rules) == 0 {
				fmt.Fprintln(out, "  (none)")
				return nil
			}
			fmt.Fprintf(out, "  %s\n", strings.Join(rules, "\n  "))
			return nil
		},
	}
}
