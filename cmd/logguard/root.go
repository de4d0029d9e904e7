package main

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wltechblog/logguard/internal/config"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configPath string
	debug      bool
	verbose    bool
	socketPath string
	apiKey     string
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	d := &daemonOptions{}

	root := &cobra.Command{
		Use:   "logguard",
		Short: "Block addresses that scan web and SSH services",
		Long: `
logguard follows web access logs (Apache/nginx combined format, Caddy JSON)
and the SSH daemon's auth log. Requests for secrets, scripts and admin paths,
malformed requests and failed SSH logins count against the client address.
An address reaching the threshold within the window is blocked in the host
firewall for the block duration, then released.

Without a subcommand the daemon is started.
`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, g, d)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", config.DefaultPath, "path to configuration file")
	pf.BoolVar(&g.debug, "debug", false, "debug mode")
	pf.BoolVar(&g.verbose, "verbose", false, "verbose debug mode (logs all processed lines)")
	pf.StringVar(&g.socketPath, "socket", "", "control socket path (overrides socketPath)")
	pf.StringVar(&g.apiKey, "api-key", "", "API key for the control socket (overrides apiKey)")

	addDaemonFlags(root, d)

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the log watching daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, g, d)
		},
	}
	addDaemonFlags(run, d)

	root.AddCommand(
		run,
		newTestCmd(),
		newListCmd(g),
		newCheckCmd(g),
		newUnblockCmd(g),
		newCleanCmd(g),
		newRulesCmd(g),
	)
	return root
}

// loadConfig reads the configuration file and applies the global flags. It
// does not validate: client commands only need a few of the settings.
func loadConfig(g *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(g.configPath, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if g.debug {
		cfg.Debug = true
	}
	if g.verbose {
		cfg.Verbose = true
	}
	if g.socketPath != "" {
		cfg.SocketPath = g.socketPath
	}
	if g.apiKey != "" {
		cfg.APIKey = g.apiKey
	}
	setLogLevel(cfg)
	return cfg, nil
}

func setLogLevel(cfg *config.Config) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	switch {
	case cfg.Verbose:
		log.SetLevel(log.TraceLevel)
	case cfg.Debug:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
