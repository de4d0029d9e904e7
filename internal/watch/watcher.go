package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wltechblog/logguard/internal/classify"
	"github.com/wltechblog/logguard/internal/tail"
)

// Options tunes a Watcher.
type Options struct {
	// PollInterval wakes every file even without a change notification.
	PollInterval time.Duration
	// RescanInterval looks for new files and subdirectories in watched
	// directories that notifications may have missed.
	RescanInterval time.Duration
	// FileSuffix selects the files watched inside a directory source.
	FileSuffix string
}

// Watcher follows a set of log files, one goroutine per file, and hands
// every complete line to a LineHandler.
type Watcher struct {
	handler LineHandler
	opts    Options
	fsw     *fsnotify.Watcher

	mu      sync.Mutex
	files   map[string]*fileTask
	roots   map[string]bool            // configured directory sources
	dirs    map[string]classify.Source // roots and their subdirectories
	parents map[string]bool            // directories watched for single files
	ctx     context.Context
	wg      sync.WaitGroup
}

type fileTask struct {
	src  classify.Source
	wake chan struct{}

	// atEnd marks a file that existed when it was added. Its history is
	// never read, even when the first open is retried by the task.
	atEnd bool

	// Owned by the task goroutine. A nil reader is opened at offset 0
	// unless atEnd is set.
	reader  *tail.Reader
	failing bool
}

func (t *fileTask) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// New creates a watcher. Sources are added with Add and followed once Run
// is called.
func New(handler LineHandler, opts Options) (*Watcher, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = 5 * time.Minute
	}
	if opts.FileSuffix == "" {
		opts.FileSuffix = "access.log"
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	return &Watcher{
		handler: handler,
		opts:    opts,
		fsw:     fsw,
		files:   make(map[string]*fileTask),
		roots:   make(map[string]bool),
		dirs:    make(map[string]classify.Source),
		parents: make(map[string]bool),
	}, nil
}

// Add registers a source. A directory fans out to the files inside it (and
// its immediate subdirectories) ending in FileSuffix; existing files are
// read from their current end. A file that does not exist yet is read from
// its start once it appears.
func (w *Watcher) Add(src classify.Source) error {
	src.Path = filepath.Clean(src.Path)

	w.mu.Lock()
	defer w.mu.Unlock()

	fi, statErr := os.Stat(src.Path)
	if statErr == nil && fi.IsDir() {
		return w.addDirLocked(src)
	}
	if statErr != nil && !os.IsNotExist(statErr) {
		return errors.Wrapf(statErr, "failed to stat %s", src.Path)
	}

	dir := filepath.Dir(src.Path)
	if err := w.watchLocked(dir); err != nil {
		log.Warnf("Cannot watch %s, relying on polling: %v", dir, err)
	} else {
		w.parents[dir] = true
	}
	w.addFileLocked(src, statErr != nil)
	return nil
}

// Files returns the paths currently followed.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.files))
	for path := range w.files {
		out = append(out, path)
	}
	return out
}

func (w *Watcher) watchLocked(dir string) error {
	if w.parents[dir] {
		return nil
	}
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	return w.fsw.Add(dir)
}

// addDirLocked watches a configured directory and adds the matching files
// already in it, read from their current end.
func (w *Watcher) addDirLocked(src classify.Source) error {
	dir := src.Path
	if !w.roots[dir] {
		if err := w.watchLocked(dir); err != nil {
			return errors.Wrapf(err, "failed to watch directory %s", dir)
		}
		w.roots[dir] = true
		w.dirs[dir] = src
		log.Printf("Watching directory %s for *%s", dir, w.opts.FileSuffix)
	}
	w.scanDirLocked(dir, false)
	return nil
}

// scanDirLocked adds files of dir that are not followed yet. Immediate
// subdirectories of a configured directory are watched and scanned too.
// With fromStart, newly found files are read from offset 0.
func (w *Watcher) scanDirLocked(dir string, fromStart bool) {
	src := w.dirs[dir]
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("Warning: Failed to read log directory %s: %v", dir, err)
		return
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if w.roots[dir] {
				w.addSubdirLocked(src, path, fromStart)
			}
			continue
		}
		if w.matches(path) && entry.Type().IsRegular() {
			w.addFileLocked(src.WithPath(path), fromStart)
		}
	}
}

func (w *Watcher) addSubdirLocked(parent classify.Source, path string, fromStart bool) {
	if _, ok := w.dirs[path]; !ok {
		if err := w.watchLocked(path); err != nil {
			log.Warnf("Failed to add subdirectory %s to watcher: %v", path, err)
			return
		}
		w.dirs[path] = parent.WithPath(path)
		log.Debugf("Added subdirectory to watcher: %s", path)
	}
	w.scanDirLocked(path, fromStart)
}

func (w *Watcher) matches(path string) bool {
	return strings.HasSuffix(filepath.Base(path), w.opts.FileSuffix)
}

func (w *Watcher) addFileLocked(src classify.Source, fromStart bool) *fileTask {
	if t, ok := w.files[src.Path]; ok {
		return t
	}
	t := &fileTask{src: src, wake: make(chan struct{}, 1), atEnd: !fromStart}
	if !fromStart {
		// Open now so the starting offset is the end of file at the time the
		// source was added, not when the goroutine first runs.
		if r, err := tail.Open(src.Path); err == nil {
			t.reader = r
			log.Printf("Starting to monitor log file: %s (%s)", src.Path, src.Format)
		} else {
			log.Printf("Failed to open log file %s: %v", src.Path, err)
		}
	}
	w.files[src.Path] = t
	if w.ctx != nil {
		w.startLocked(t)
	}
	return t
}

func (w *Watcher) startLocked(t *fileTask) {
	w.wg.Add(1)
	go w.follow(w.ctx, t)
	t.notify()
}

// Run follows every source until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.ctx != nil {
		w.mu.Unlock()
		return errors.New("watcher already running")
	}
	w.ctx = ctx
	for _, t := range w.files {
		w.startLocked(t)
	}
	w.mu.Unlock()

	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()
	rescan := time.NewTicker(w.opts.RescanInterval)
	defer rescan.Stop()

	events, errs := w.fsw.Events, w.fsw.Errors
	for {
		select {
		case <-ctx.Done():
			w.fsw.Close()
			w.wg.Wait()
			return nil

		case ev, ok := <-events:
			if !ok {
				log.Warnf("File watcher closed, relying on polling")
				events, errs = nil, nil
				continue
			}
			log.Tracef("File system event: %s", ev)
			w.dispatch(ev)

		case err, ok := <-errs:
			if !ok {
				events, errs = nil, nil
				continue
			}
			log.Printf("Watcher error: %v", err)

		case <-poll.C:
			w.wakeAll()

		case <-rescan.C:
			log.Debugf("Performing periodic check for new log files and directories")
			w.rescan()
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	t, ok := w.files[path]
	if !ok && ev.Has(fsnotify.Create) {
		if src, watched := w.dirs[filepath.Dir(path)]; watched {
			t = w.addCreatedLocked(src, path)
		}
	}
	w.mu.Unlock()

	if t != nil {
		t.notify()
	}
}

// addCreatedLocked handles a path created inside a watched directory.
func (w *Watcher) addCreatedLocked(parent classify.Source, path string) *fileTask {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if fi.IsDir() {
		if w.roots[filepath.Dir(path)] {
			w.addSubdirLocked(parent, path, true)
		}
		return nil
	}
	if !w.matches(path) || !fi.Mode().IsRegular() {
		return nil
	}
	return w.addFileLocked(parent.WithPath(path), true)
}

func (w *Watcher) wakeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.files {
		t.notify()
	}
}

func (w *Watcher) rescan() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.roots {
		w.scanDirLocked(dir, true)
	}
}

// follow reads the file each time it is woken. It exits with ctx.
func (w *Watcher) follow(ctx context.Context, t *fileTask) {
	defer w.wg.Done()
	defer func() {
		if t.reader != nil {
			t.reader.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
			w.drain(t)
		}
	}
}

func (w *Watcher) drain(t *fileTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered from panic while processing %s: %v", t.src.Path, r)
		}
	}()

	if t.reader == nil {
		open := tail.OpenFromStart
		if t.atEnd {
			open = tail.Open
		}
		r, err := open(t.src.Path)
		if err != nil {
			w.reportFailure(t, err)
			return
		}
		t.reader = r
		log.Printf("Starting to monitor log file: %s (%s)", t.src.Path, t.src.Format)
	}

	// Each read is bounded; keep going while the backlog shrinks.
	for {
		before := t.reader.Offset()
		lines, err := t.reader.ReadLines()
		if err != nil {
			w.reportFailure(t, err)
			return
		}
		if t.failing {
			log.Printf("Log file %s is readable again", t.src.Path)
			t.failing = false
		}
		for _, line := range lines {
			w.handler.HandleLine(t.src, line)
		}
		if len(lines) == 0 && t.reader.Offset() == before {
			return
		}
	}
}

// reportFailure logs the first failure of a streak at normal level and the
// rest at debug level, since polling retries every interval.
func (w *Watcher) reportFailure(t *fileTask, err error) {
	if t.failing {
		log.Debugf("Still failing to read %s: %v", t.src.Path, err)
		return
	}
	t.failing = true
	log.Printf("Failed to read log file %s: %v", t.src.Path, err)
}
