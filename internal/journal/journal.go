// Package journal writes the human-readable diagnostic log of block and
// unblock events, enforcement outcomes and classification anomalies.
package journal

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeFormat = "2006-01-02 15:04:05"

// Options configures the journal file and its rotation.
type Options struct {
	Path       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// Journal appends timestamped lines to a size-rotated file and echoes them
// through logrus. Write failures are reported and otherwise ignored.
type Journal struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// New opens a journal. With an empty path, lines only go to logrus.
func New(opts Options) *Journal {
	if opts.Path == "" {
		return newWithWriter(nil)
	}
	return newWithWriter(&lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAge,
	})
}

func newWithWriter(w io.Writer) *Journal {
	return &Journal{out: w, now: time.Now}
}

// Printf writes one journal line.
func (j *Journal) Printf(format string, args ...interface{}) {
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	log.Info(msg)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.out == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s\n", j.now().Format(timeFormat), msg)
	if _, err := io.WriteString(j.out, line); err != nil {
		log.Warnf("Failed to write journal: %v", err)
	}
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if c, ok := j.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
