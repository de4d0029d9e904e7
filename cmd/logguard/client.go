package main

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wltechblog/logguard/internal/config"
	"github.com/wltechblog/logguard/internal/control"
	"github.com/wltechblog/logguard/internal/firewall"
	"github.com/wltechblog/logguard/internal/tracker"
)

func newListCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List blocked addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, g, control.ListCommand, "")
		},
	}
}

func newCheckCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check IP",
		Short: "Check whether an address is blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, g, control.CheckCommand, args[0])
		},
	}
}

func newUnblockCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock IP",
		Short: "Release a blocked address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, g, control.UnblockCommand, args[0])
		},
	}
}

// runClient sends the command to the running daemon. When no daemon is
// listening, the command is executed against the blocklist file directly.
func runClient(cmd *cobra.Command, g *globalOptions, command control.Command, target string) error {
	if target != "" {
		if err := control.ValidateTarget(target); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	resp, err := control.Send(cfg.SocketPath, cfg.APIKey, command, target)
	if err == nil {
		if !resp.Success {
			return errors.New(resp.Result)
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Result)
		return nil
	}
	if errors.Cause(err) == control.ErrUnauthorized {
		return err
	}

	log.Printf("Could not connect to server: %v", err)
	log.Printf("Executing command directly (changes will not affect a running server)")
	return runDirect(cmd, cfg, command, target)
}

func runDirect(cmd *cobra.Command, cfg *config.Config, command control.Command, target string) error {
	var enforcer tracker.Enforcer
	if command == control.UnblockCommand {
		fw, err := newFirewall(cfg)
		if err != nil {
			return err
		}
		enforcer = fw
	}

	tr := tracker.New(tracker.Config{Path: cfg.Blocklist}, enforcer)
	if err := tr.Load(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch command {
	case control.ListCommand:
		fmt.Fprintln(out, control.FormatBlocked(tr.Blocked()))
	case control.CheckCommand:
		if tr.IsBlocked(target) {
			fmt.Fprintf(out, "%s is blocked\n", target)
		} else {
			fmt.Fprintf(out, "%s is not blocked\n", target)
		}
	case control.UnblockCommand:
		if !tr.Release(target) {
			fmt.Fprintf(out, "%s is not blocked\n", target)
			return nil
		}
		if err := tr.Persist(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Successfully unblocked %s\n", target)
	}
	return nil
}

func newFirewall(cfg *config.Config) (firewall.Firewall, error) {
	return firewall.New(firewall.Options{
		Type:   cfg.FirewallType,
		Chain:  cfg.FirewallChain,
		Target: cfg.FirewallTarget,
		Set:    cfg.NftSet,
		Set6:   cfg.NftSet6,
	})
}
