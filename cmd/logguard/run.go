package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wltechblog/logguard/internal/classify"
	"github.com/wltechblog/logguard/internal/config"
	"github.com/wltechblog/logguard/internal/control"
	"github.com/wltechblog/logguard/internal/journal"
	"github.com/wltechblog/logguard/internal/tracker"
	"github.com/wltechblog/logguard/internal/watch"
	"github.com/wltechblog/logguard/internal/whitelist"
)

// daemonOptions override configuration file settings for the daemon.
type daemonOptions struct {
	threshold     int
	window        string
	blockDuration string
	logPaths      []string
	firewallType  string
	rules         string
	whitelist     string
	blocklist     string
}

func addDaemonFlags(cmd *cobra.Command, d *daemonOptions) {
	f := cmd.Flags()
	f.IntVar(&d.threshold, "threshold", 0, "abusive events within the window that trigger a block")
	f.StringVar(&d.window, "window", "", "sliding window, seconds or duration")
	f.StringVar(&d.blockDuration, "block-duration", "", "how long a block lasts, seconds or duration")
	f.StringSliceVar(&d.logPaths, "log-paths", nil, "log files or directories, optionally prefixed apache:, caddy: or ssh:")
	f.StringVar(&d.firewallType, "firewall", "", "firewall backend: iptables, nftables or preview")
	f.StringVar(&d.rules, "rules", "", "YAML rules file")
	f.StringVar(&d.whitelist, "whitelist", "", "whitelist file")
	f.StringVar(&d.blocklist, "blocklist", "", "blocklist file")
}

// apply copies the flags that were set on the command line into cfg.
func (d *daemonOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("threshold") {
		cfg.Threshold = d.threshold
	}
	if f.Changed("window") {
		v, err := config.ParseDuration("window", d.window)
		if err != nil {
			return err
		}
		cfg.Window = v
	}
	if f.Changed("block-duration") {
		v, err := config.ParseDuration("blockDuration", d.blockDuration)
		if err != nil {
			return err
		}
		cfg.BlockDuration = v
	}
	if f.Changed("log-paths") {
		cfg.LogPaths = d.logPaths
	}
	if f.Changed("firewall") {
		cfg.FirewallType = d.firewallType
	}
	if f.Changed("rules") {
		cfg.Rules = d.rules
	}
	if f.Changed("whitelist") {
		cfg.Whitelist = d.whitelist
	}
	if f.Changed("blocklist") {
		cfg.Blocklist = d.blocklist
	}
	return nil
}

func runDaemon(cmd *cobra.Command, g *globalOptions, d *daemonOptions) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	if err := d.apply(cmd, cfg); err != nil {
		return errors.Wrap(err, "invalid command line")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	log.Debugf("Configuration: threshold=%d, window=%s, blockDuration=%s, firewall=%s",
		cfg.Threshold, cfg.Window, cfg.BlockDuration, cfg.FirewallType)

	j := journal.New(journal.Options{
		Path:       cfg.Journal,
		MaxSize:    cfg.JournalMaxSize,
		MaxBackups: cfg.JournalMaxBackups,
		MaxAge:     cfg.JournalMaxAge,
	})
	defer j.Close()

	wl, err := whitelist.Load(cfg.Whitelist, true)
	if err != nil {
		log.Printf("Warning: Failed to read whitelist file: %v", err)
		wl = whitelist.New()
	}

	rules := classify.DefaultRules()
	if cfg.Rules != "" {
		if loaded, err := classify.LoadRulesFile(cfg.Rules); err != nil {
			log.Printf("Warning: Failed to load rules, using built-in rules: %v", err)
		} else {
			rules = loaded
		}
	}
	log.Printf("Using %d deny rules", rules.Len())

	fw, err := newFirewall(cfg)
	if err != nil {
		return err
	}
	if err := fw.Prepare(); err != nil {
		return errors.Wrapf(err, "failed to prepare %s", fw.Name())
	}

	tr := tracker.New(tracker.Config{
		Threshold:     cfg.Threshold,
		Window:        cfg.Window,
		BlockDuration: cfg.BlockDuration,
		Path:          cfg.Blocklist,
	}, fw, tracker.WithLogger(j))
	if err := tr.Load(); err != nil {
		return err
	}
	if n := tr.Reapply(); n > 0 {
		log.Printf("Applied %d blocked addresses to %s", n, fw.Name())
	}

	w, err := watch.New(watch.NewPipeline(tr, wl, j), watch.Options{
		PollInterval: cfg.PollInterval,
		FileSuffix:   cfg.FileSuffix,
	})
	if err != nil {
		return err
	}
	for _, entry := range cfg.LogPaths {
		src, err := classify.ParseSource(entry, rules)
		if err != nil {
			return errors.Wrapf(err, "invalid log path %q", entry)
		}
		if err := w.Add(src); err != nil {
			log.Printf("Warning: Not watching %s: %v", src.Path, err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if srv, err := control.Listen(cfg.SocketPath, cfg.APIKey, tr); err != nil {
		log.Printf("Warning: Failed to start socket server: %v", err)
	} else {
		log.Printf("Socket server started on %s", cfg.SocketPath)
		go srv.Serve(ctx)
	}

	go watch.Maintain(ctx, tr, cfg.MaintenanceInterval)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debugf("Failed to notify systemd: %v", err)
	} else if ok {
		log.Debugf("Notified systemd of readiness")
	}

	j.Printf("logguard started (threshold %d in %s, block %s)", cfg.Threshold, cfg.Window, cfg.BlockDuration)
	err = w.Run(ctx)

	log.Printf("Shutting down")
	if perr := tr.Persist(); perr != nil {
		log.Printf("Warning: Failed to save blocklist: %v", perr)
	}
	return err
}
