package classify

import (
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Scope selects which part of a request target a rule is applied to.
type Scope string

const (
	// ScopePath applies the rule to the decoded path, without the query.
	ScopePath Scope = "path"
	// ScopeFull applies the rule to the decoded path and query.
	ScopeFull Scope = "full"
)

// Rule is a single abuse signature.
type Rule struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Pattern     string `yaml:"pattern"`
	Scope       Scope  `yaml:"scope,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`

	compiled *regexp.Regexp
}

func (r *Rule) compile() error {
	if r.Scope == "" {
		r.Scope = ScopeFull
	}
	if r.Scope != ScopePath && r.Scope != ScopeFull {
		return errors.Errorf("rule %s: unknown scope %q", r.Name, r.Scope)
	}
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return errors.Wrapf(err, "rule %s", r.Name)
	}
	r.compiled = re
	return nil
}

func (r *Rule) matches(t target) bool {
	if r.Scope == ScopePath {
		return r.compiled.MatchString(t.path)
	}
	return r.compiled.MatchString(t.full)
}

// Built-in signatures. Inputs are lower-cased before matching.
var builtinRules = []Rule{
	{
		Name:        "secret-file",
		Description: "requests for dotfiles holding credentials or repository metadata",
		Pattern:     `(?:^|/)\.(?:env|git|config|aws|ssh|svn|hg|htaccess|htpasswd|ds_store|vscode|docker)(?:[/._~-]|$)`,
		Scope:       ScopePath,
	},
	{
		Name:        "script-extension",
		Description: "server-side script, archive or dump at a path boundary",
		Pattern:     `\.(?:php[a-z0-9]*|phtml|phar|asp[a-z0-9]*|jsp[a-z0-9]*|cgi|zip|rar|7z|tar|gz|tgz|sql|bak|old|xml|ini|yml|yaml)(?:[/;~]|$)`,
		Scope:       ScopePath,
	},
	{
		Name:        "sensitive-prefix",
		Description: "known admin, CMS or framework directory",
		Pattern: `^/+(?:cgi-bin|wp-[^/]*|wordpress|solr|actuator|_profiler|geoserver|phpmyadmin|pma|myadmin|mysqladmin|` +
			`console|boaform|hnap1|gponform|vendor/phpunit|telescope|_ignition|jmx-console|manager/html|druid|nacos|hudson|` +
			`stalker_portal|cf_scripts|remote/login)(?:/|$)`,
		Scope: ScopePath,
	},
	{
		Name:        "attack-marker",
		Description: "command injection, traversal and debugger markers",
		Pattern:     `/shell\?|/query\?|xdebug_session_start=|\$\{jndi:|\.\./|/etc/passwd|allow_url_include|base64_decode\(|<script`,
		Scope:       ScopeFull,
	},
}

// RuleSet is an immutable compiled collection of deny and allow rules. A
// target is abusive when no allow rule and at least one deny rule matches.
type RuleSet struct {
	deny  []Rule
	allow []Rule
}

var defaultRules = mustCompile(builtinRules)

func mustCompile(rules []Rule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range rules {
		if err := r.compile(); err != nil {
			panic(err)
		}
		rs.deny = append(rs.deny, r)
	}
	return rs
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *RuleSet {
	return defaultRules
}

// rulesFile is the on-disk layout of an operator rules file.
type rulesFile struct {
	Deny  []Rule `yaml:"deny"`
	Allow []Rule `yaml:"allow"`
}

// LoadRulesFile reads a YAML rules file and returns the built-in rules
// extended with its deny list and guarded by its allow list. Rules with an
// invalid pattern are skipped with a warning; disabled rules are ignored.
func LoadRulesFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read rules file")
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse rules file %s", path)
	}

	rs := &RuleSet{deny: append([]Rule(nil), defaultRules.deny...)}
	rs.deny = appendCompiled(rs.deny, file.Deny)
	rs.allow = appendCompiled(rs.allow, file.Allow)

	log.Printf("Loaded %d deny and %d allow rules from %s", len(rs.deny)-len(defaultRules.deny), len(rs.allow), path)
	return rs, nil
}

func appendCompiled(dst, rules []Rule) []Rule {
	for _, r := range rules {
		if r.Enabled != nil && !*r.Enabled {
			continue
		}
		if err := r.compile(); err != nil {
			log.Warnf("Warning: Invalid rule skipped: %v", err)
			continue
		}
		dst = append(dst, r)
	}
	return dst
}

// Match reports the name of the first deny rule matching target. An empty
// target never matches.
func (rs *RuleSet) Match(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	t := normalize(raw)
	for i := range rs.allow {
		if rs.allow[i].matches(t) {
			return "", false
		}
	}
	for i := range rs.deny {
		if rs.deny[i].matches(t) {
			return rs.deny[i].Name, true
		}
	}
	return "", false
}

// Len returns the number of deny rules.
func (rs *RuleSet) Len() int {
	return len(rs.deny)
}

type target struct {
	path string
	full string
}

// normalize lower-cases and percent-decodes a request target. Absolute-form
// targets ("http://host/path") are reduced to their path. The path and query
// are split before decoding so an encoded '?' stays part of the path.
func normalize(raw string) target {
	if i := strings.Index(raw, "://"); i > 0 && !strings.Contains(raw[:i], "/") {
		rest := raw[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			raw = rest[j:]
		} else {
			raw = "/"
		}
	}

	p, q, hasQuery := strings.Cut(raw, "?")
	t := target{path: strings.ToLower(unescape(p))}
	t.full = t.path
	if hasQuery {
		t.full += "?" + strings.ToLower(unescape(q))
	}
	return t
}

func unescape(s string) string {
	if d, err := url.PathUnescape(s); err == nil {
		return d
	}
	return s
}
