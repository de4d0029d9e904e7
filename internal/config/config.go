// Package config loads the daemon settings from a key = value file and the
// environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "/etc/logguard/logguard.conf"

// ErrMissing is wrapped by Validate for a required setting with no value.
var ErrMissing = errors.New("required setting missing")

// Config holds every daemon setting.
type Config struct {
	Threshold     int
	Window        time.Duration
	BlockDuration time.Duration

	LogPaths   []string
	FileSuffix string

	Blocklist         string
	Journal           string
	JournalMaxSize    int
	JournalMaxBackups int
	JournalMaxAge     int

	Whitelist string
	Rules     string

	FirewallType   string
	FirewallChain  string
	FirewallTarget string
	NftSet         string
	NftSet6        string

	SocketPath string
	APIKey     string

	MaintenanceInterval time.Duration
	PollInterval        time.Duration

	Debug   bool
	Verbose bool
}

// Default returns a Config with every optional setting filled in. The
// required ones (threshold, window, blockDuration, logPaths) are left zero.
func Default() *Config {
	return &Config{
		FileSuffix:          "access.log",
		Blocklist:           "/var/lib/logguard/blocklist",
		Journal:             "/var/log/logguard.log",
		JournalMaxSize:      10,
		JournalMaxBackups:   3,
		JournalMaxAge:       28,
		Whitelist:           "/etc/logguard/whitelist",
		FirewallType:        "iptables",
		FirewallChain:       "logguard",
		FirewallTarget:      "REJECT",
		NftSet:              "logguard",
		SocketPath:          "/var/run/logguard.sock",
		MaintenanceInterval: 60 * time.Second,
		PollInterval:        time.Second,
	}
}

// Environment variables that override file settings.
var envKeys = map[string]string{
	"THRESHOLD":              "threshold",
	"WINDOW_SECONDS":         "window",
	"BLOCK_DURATION_SECONDS": "blockDuration",
	"GUARD_BANNED_IP_PATH":   "blocklist",
	"GUARD_LOG_PATH":         "journal",
	"LOG_PATHS":              "logPaths",
}

// Load reads path, then applies environment overrides looked up through getenv
// (os.LookupEnv when nil). Malformed values are errors; missing required
// values are only reported by Validate, after command-line overrides. A
// missing file is replaced by a commented example but not read, so settings
// then come from the environment and defaults alone.
func Load(path string, getenv func(string) (string, bool)) (*Config, error) {
	if getenv == nil {
		getenv = os.LookupEnv
	}

	file := ini.Empty()
	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		var err error
		if file, err = ini.Load(path); err != nil {
			return nil, errors.Wrapf(err, "failed to read configuration file %s", path)
		}
	case os.IsNotExist(statErr):
		// The example leaves the required settings commented out, so they
		// must still come from the environment or the command line.
		log.Printf("Configuration file %s does not exist, creating example file", path)
		if err := CreateExample(path); err != nil {
			log.Printf("Warning: Failed to create example configuration file: %v", err)
		}
	default:
		log.Printf("Warning: Cannot read configuration file %s, using environment only: %v", path, statErr)
	}
	sec := file.Section("")

	for env, key := range envKeys {
		if v, ok := getenv(env); ok {
			sec.Key(key).SetValue(unquote(v))
			log.Debugf("Config: %s overridden by %s", key, env)
		}
	}

	cfg := Default()
	if err := cfg.apply(sec); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(sec *ini.Section) error {
	var err error
	str := func(key string, dst *string) {
		if sec.HasKey(key) {
			*dst = unquote(sec.Key(key).String())
		}
	}
	integer := func(key string, dst *int) {
		if err != nil || !sec.HasKey(key) {
			return
		}
		*dst, err = parseInt(key, sec.Key(key).String())
	}
	duration := func(key string, dst *time.Duration) {
		if err != nil || !sec.HasKey(key) {
			return
		}
		*dst, err = ParseDuration(key, sec.Key(key).String())
	}

	integer("threshold", &c.Threshold)
	duration("window", &c.Window)
	duration("blockDuration", &c.BlockDuration)
	duration("maintenanceInterval", &c.MaintenanceInterval)
	duration("pollInterval", &c.PollInterval)
	integer("journalMaxSize", &c.JournalMaxSize)
	integer("journalMaxBackups", &c.JournalMaxBackups)
	integer("journalMaxAge", &c.JournalMaxAge)
	if err != nil {
		return err
	}

	if sec.HasKey("logPaths") {
		c.LogPaths = SplitList(unquote(sec.Key("logPaths").String()))
	}
	str("fileSuffix", &c.FileSuffix)
	str("blocklist", &c.Blocklist)
	str("journal", &c.Journal)
	str("whitelist", &c.Whitelist)
	str("rules", &c.Rules)
	str("firewallType", &c.FirewallType)
	str("firewallChain", &c.FirewallChain)
	str("firewallTarget", &c.FirewallTarget)
	str("nftSet", &c.NftSet)
	str("nftSet6", &c.NftSet6)
	str("socketPath", &c.SocketPath)
	str("apiKey", &c.APIKey)

	c.Debug = sec.Key("debug").MustBool(c.Debug)
	c.Verbose = sec.Key("verbose").MustBool(c.Verbose)
	return nil
}

// Validate checks that the required settings are present and sane.
func (c *Config) Validate() error {
	switch {
	case c.Threshold == 0:
		return errors.Wrap(ErrMissing, "threshold")
	case c.Window == 0:
		return errors.Wrap(ErrMissing, "window")
	case c.BlockDuration == 0:
		return errors.Wrap(ErrMissing, "blockDuration")
	case len(c.LogPaths) == 0:
		return errors.Wrap(ErrMissing, "logPaths")
	}

	if c.Threshold < 1 {
		return errors.Errorf("threshold must be at least 1, got %d", c.Threshold)
	}
	if c.Window < 0 || c.BlockDuration < 0 {
		return errors.New("window and blockDuration must be positive")
	}
	if c.MaintenanceInterval <= 0 || c.PollInterval <= 0 {
		return errors.New("maintenanceInterval and pollInterval must be positive")
	}
	switch strings.ToLower(c.FirewallType) {
	case "iptables", "nftables", "preview":
	default:
		return errors.Errorf("invalid firewallType %q (must be iptables, nftables or preview)", c.FirewallType)
	}
	switch strings.ToUpper(c.FirewallTarget) {
	case "DROP", "REJECT":
	default:
		return errors.Errorf("invalid firewallTarget %q (must be DROP or REJECT)", c.FirewallTarget)
	}
	return nil
}

// ParseDuration accepts a whole number of seconds or a Go duration string.
func ParseDuration(key, value string) (time.Duration, error) {
	value = unquote(strings.TrimSpace(value))
	d, err := time.ParseDuration(value)
	if n, perr := strconv.ParseUint(value, 10, 32); perr == nil {
		d, err = time.Duration(n)*time.Second, nil
	}
	if err != nil {
		return 0, errors.Errorf("%s must be a number of seconds or a duration, got %q", key, value)
	}
	if d <= 0 {
		return 0, errors.Errorf("%s must be positive, got %q", key, value)
	}
	return d, nil
}

func parseInt(key, value string) (int, error) {
	value = unquote(strings.TrimSpace(value))
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Errorf("%s must be an integer, got %q", key, value)
	}
	if n < 0 {
		return 0, errors.Errorf("%s must not be negative, got %d", key, n)
	}
	return n, nil
}

// SplitList splits a comma separated list, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// CreateExample writes a commented configuration file with defaults.
func CreateExample(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	content := `# logguard configuration file
# Lines starting with # are comments and will be ignored.

# Required settings. logguard refuses to start until threshold, window,
# blockDuration and logPaths are set here, in the environment (THRESHOLD,
# WINDOW_SECONDS, BLOCK_DURATION_SECONDS, LOG_PATHS) or on the command line.

# Number of abusive events within the window that blocks an address
# threshold = 5

# Sliding window for counting events (seconds or a duration such as 10m)
# window = 60

# How long an address stays blocked (seconds or a duration such as 1h)
# blockDuration = 3600

# Comma separated log files or directories. Prefix an entry with apache:,
# caddy: or ssh: to set its format; otherwise auth.log and secure are ssh,
# *.json is caddy and everything else is the combined access log format.
# logPaths = /var/log/apache2/access.log, /var/log/auth.log

# Files inside a watched directory must end with this suffix
fileSuffix = access.log

# Persisted blocklist (address=unixExpiry per line)
blocklist = /var/lib/logguard/blocklist

# Diagnostic log and its rotation (size in MB, age in days)
journal = /var/log/logguard.log
journalMaxSize = 10
journalMaxBackups = 3
journalMaxAge = 28

# Addresses and networks that are never blocked
whitelist = /etc/logguard/whitelist

# Optional YAML file with extra deny and allow rules
rules =

# Firewall type: iptables, nftables or preview (log only)
firewallType = iptables

# iptables chain and rule target (DROP or REJECT)
firewallChain = logguard
firewallTarget = REJECT

# nftables sets for IPv4 and IPv6 (leave nftSet6 empty to skip IPv6)
nftSet = logguard
nftSet6 =

# Control socket and optional API key
socketPath = /var/run/logguard.sock
apiKey =

# Interval of the expiry sweep and of the fallback file poll
maintenanceInterval = 60s
pollInterval = 1s

debug = false
verbose = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
