package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wltechblog/logguard/internal/classify"
	"github.com/wltechblog/logguard/internal/tracker"
	"github.com/wltechblog/logguard/internal/whitelist"
)

type journalRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (j *journalRecorder) Printf(format string, args ...interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lines = append(j.lines, fmt.Sprintf(format, args...))
}

func (j *journalRecorder) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.lines...)
}

type enforcer struct {
	mu     sync.Mutex
	bans   []string
	unbans []string
}

func (e *enforcer) Ban(addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bans = append(e.bans, addr)
	return nil
}

func (e *enforcer) Unban(addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unbans = append(e.unbans, addr)
	return nil
}

type fakeBlocklist struct {
	mu         sync.Mutex
	blocked    map[string]bool
	registered []string
}

func (f *fakeBlocklist) IsBlocked(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[addr]
}

func (f *fakeBlocklist) RegisterAttempt(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, addr)
	return false
}

func accessLine(addr, request string) string {
	return addr + ` - - [10/Oct/2024:13:55:36 +0000] "` + request + `" 404 196 "-" "curl/8.0"`
}

func TestPipeline(t *testing.T) {
	blocks := &fakeBlocklist{blocked: map[string]bool{"192.0.2.66": true}}
	journal := &journalRecorder{}
	p := NewPipeline(blocks, whitelist.New("198.51.100.0/24"), journal)
	web := classify.Source{Format: classify.FormatApache}
	ssh := classify.Source{Format: classify.FormatSSH}

	p.HandleLine(web, "")
	p.HandleLine(web, "   ")
	p.HandleLine(web, accessLine("192.0.2.1", "GET /.env HTTP/1.1"))
	p.HandleLine(web, accessLine("192.0.2.2", "GET /index.html HTTP/1.1"))
	p.HandleLine(web, accessLine("198.51.100.9", "GET /.env HTTP/1.1"))
	p.HandleLine(web, accessLine("192.0.2.66", "GET /.env HTTP/1.1"))
	p.HandleLine(web, accessLine("not-an-address", "GET /.env HTTP/1.1"))
	p.HandleLine(web, accessLine("192.0.2.3", "-"))
	p.HandleLine(ssh, "Oct 10 13:55:36 web sshd[1]: Failed password for invalid user admin from 10.0.0.5 port 51515 ssh2")
	p.HandleLine(ssh, "Oct 10 13:55:36 web sshd[1]: Accepted publickey for bob from 10.0.0.6 port 22 ssh2")
	p.HandleLine(classify.Source{Format: classify.FormatCaddy}, "not json")

	assert.Equal(t, []string{"192.0.2.1", "192.0.2.3", "10.0.0.5"}, blocks.registered)

	lines := journal.all()
	assert.Contains(t, lines, "[APACHE] Registering IP 192.0.2.1 (secret-file)")
	assert.Contains(t, lines, "[APACHE] Registering IP 192.0.2.3 (malformed-request)")
	assert.Contains(t, lines, "[SSH] Registering IP 10.0.0.5 (Failed password)")
	assert.Contains(t, lines, "[CADDY] Failed to parse line: not json")
	assert.Contains(t, lines, `[APACHE] Invalid address "not-an-address" in line: `+accessLine("not-an-address", "GET /.env HTTP/1.1"))
}

func TestPipelineEndToEnd(t *testing.T) {
	now := time.Date(2024, 10, 10, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	enf := &enforcer{}
	tr := tracker.New(tracker.Config{
		Threshold:     3,
		Window:        60 * time.Second,
		BlockDuration: 300 * time.Second,
		Path:          filepath.Join(t.TempDir(), "blocklist"),
	}, enf, tracker.WithClock(clock), tracker.WithLogger(&journalRecorder{}))

	p := NewPipeline(tr, nil, &journalRecorder{})
	web := classify.Source{Format: classify.FormatApache}

	for i := 0; i < 3; i++ {
		p.HandleLine(web, accessLine("9.9.9.9", "GET /wp-login.php HTTP/1.1"))
		if i < 2 {
			assert.Empty(t, enf.bans)
			advance(5 * time.Second)
		}
	}
	assert.Equal(t, []string{"9.9.9.9"}, enf.bans)
	assert.True(t, tr.IsBlocked("9.9.9.9"))

	p.HandleLine(web, accessLine("9.9.9.9", "GET /wp-login.php HTTP/1.1"))
	assert.Len(t, enf.bans, 1, "blocked address is not registered again")

	advance(300 * time.Second)
	assert.False(t, tr.IsBlocked("9.9.9.9"))
	assert.False(t, tr.IsBlocked("9.9.9.9"))
	assert.Equal(t, []string{"9.9.9.9"}, enf.unbans)
}

type fakeMaintainer struct {
	mu       sync.Mutex
	cleanups int
	persists int
	panicky  bool
}

func (f *fakeMaintainer) Cleanup() {
	f.mu.Lock()
	f.cleanups++
	panicky := f.panicky
	f.mu.Unlock()
	if panicky {
		panic("boom")
	}
}

func (f *fakeMaintainer) Persist() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persists++
	return nil
}

func (f *fakeMaintainer) Stats() (int, int) { return 0, 0 }

func (f *fakeMaintainer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups, f.persists
}

func TestMaintainSurvivesPanics(t *testing.T) {
	m := &fakeMaintainer{panicky: true}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Maintain(ctx, m, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		cleanups, _ := m.counts()
		return cleanups >= 3
	}, 2*time.Second, 5*time.Millisecond)

	m.mu.Lock()
	m.panicky = false
	m.mu.Unlock()
	assert.Eventually(t, func() bool {
		_, persists := m.counts()
		return persists >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

type collector struct {
	mu    sync.Mutex
	lines map[string][]string
}

func newCollector() *collector {
	return &collector{lines: make(map[string][]string)}
}

func (c *collector) HandleLine(src classify.Source, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines[src.Path] = append(c.lines[src.Path], line)
}

func (c *collector) get(path string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines[path]...)
}

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func startWatcher(t *testing.T, c *collector, sources ...classify.Source) *Watcher {
	t.Helper()
	w, err := New(c, Options{PollInterval: 20 * time.Millisecond, RescanInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	for _, src := range sources {
		require.NoError(t, w.Add(src))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, w.Run(ctx))
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func eventuallyLines(t *testing.T, c *collector, path string, want []string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, c.get(path))
	}, 3*time.Second, 10*time.Millisecond, "lines of %s", path)
}

func TestWatchFileStartsAtEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	appendTo(t, path, "historical\n")

	c := newCollector()
	startWatcher(t, c, classify.Source{Format: classify.FormatApache, Path: path})

	appendTo(t, path, "first\nsecond\n")
	eventuallyLines(t, c, path, []string{"first", "second"})

	appendTo(t, path, "partial")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, c.get(path))

	appendTo(t, path, " line\n")
	eventuallyLines(t, c, path, []string{"first", "second", "partial line"})
}

func TestWatchFileRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	appendTo(t, path, "")

	c := newCollector()
	startWatcher(t, c, classify.Source{Format: classify.FormatSSH, Path: path})

	appendTo(t, path, "before rotation, a reasonably long line\n")
	eventuallyLines(t, c, path, []string{"before rotation, a reasonably long line"})

	require.NoError(t, os.Rename(path, path+".1"))
	appendTo(t, path, "after\n")
	eventuallyLines(t, c, path, []string{"before rotation, a reasonably long line", "after"})
}

func TestWatchMissingFileAppears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secure")

	c := newCollector()
	startWatcher(t, c, classify.Source{Format: classify.FormatSSH, Path: path})

	appendTo(t, path, "created later\n")
	eventuallyLines(t, c, path, []string{"created later"})
}

func TestWatchDirectory(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "site1.access.log")
	appendTo(t, existing, "old\n")
	sub := filepath.Join(dir, "customer")
	require.NoError(t, os.Mkdir(sub, 0755))
	nested := filepath.Join(sub, "site2.access.log")
	appendTo(t, nested, "nested old\n")

	c := newCollector()
	w := startWatcher(t, c, classify.Source{Format: classify.FormatApache, Path: dir})
	assert.ElementsMatch(t, []string{existing, nested}, w.Files())

	appendTo(t, existing, "new\n")
	appendTo(t, nested, "nested new\n")
	eventuallyLines(t, c, existing, []string{"new"})
	eventuallyLines(t, c, nested, []string{"nested new"})

	created := filepath.Join(dir, "site3.access.log")
	appendTo(t, created, "from the start\n")
	eventuallyLines(t, c, created, []string{"from the start"})

	ignored := filepath.Join(dir, "error.log")
	appendTo(t, ignored, "not followed\n")

	newSub := filepath.Join(dir, "later")
	require.NoError(t, os.Mkdir(newSub, 0755))
	late := filepath.Join(newSub, "x.access.log")
	appendTo(t, late, "late\n")
	eventuallyLines(t, c, late, []string{"late"})

	assert.Empty(t, c.get(ignored))
}

func newDrainTask(t *testing.T, path string, atEnd bool) (*Watcher, *collector, *fileTask) {
	t.Helper()
	c := newCollector()
	w, err := New(c, Options{})
	require.NoError(t, err)
	// The state left when opening at add time failed: no reader yet.
	task := &fileTask{
		src:   classify.Source{Format: classify.FormatApache, Path: path},
		wake:  make(chan struct{}, 1),
		atEnd: atEnd,
	}
	t.Cleanup(func() {
		if task.reader != nil {
			task.reader.Close()
		}
		w.fsw.Close()
	})
	return w, c, task
}

func TestRetriedOpenOfExistingFileSkipsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendTo(t, path, "historical 1\nhistorical 2\n")

	w, c, task := newDrainTask(t, path, true)
	w.drain(task)
	require.NotNil(t, task.reader)
	assert.Empty(t, c.get(path))

	appendTo(t, path, "new\n")
	w.drain(task)
	assert.Equal(t, []string{"new"}, c.get(path))
}

func TestLateFileIsReadFromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	appendTo(t, path, "first\n")

	w, c, task := newDrainTask(t, path, false)
	w.drain(task)
	assert.Equal(t, []string{"first"}, c.get(path))
}

func TestDrainConsumesLargeBacklog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	line := accessLine("192.0.2.1", "GET /index.html HTTP/1.1")
	const n = 30000 // well above one read chunk
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	appendTo(t, path, sb.String())

	w, c, task := newDrainTask(t, path, false)
	w.drain(task)
	assert.Len(t, c.get(path), n)
}
