// Package tail incrementally reads lines appended to a log file and follows
// the file across rotation and truncation.
package tail

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// readChunk bounds the bytes read by one ReadLines call, and with it the
// longest line delivered. Longer lines are skipped.
var readChunk = 1 << 20

// Reader tracks the consumed byte offset of a single file. Lines are only
// returned once they are terminated, and never returned twice.
type Reader struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	id     fileID
	offset int64
	// discard is set inside an overlong line; bytes up to its newline are
	// dropped.
	discard bool
}

// Open starts tailing path at its current end of file, so lines already in
// the file are not delivered.
func Open(path string) (*Reader, error) {
	r := &Reader{path: path}
	if err := r.reopen(); err != nil {
		return nil, err
	}

	pos, err := r.file.Seek(0, io.SeekEnd)
	if err != nil {
		r.file.Close()
		return nil, errors.Wrapf(err, "failed to seek to end of %s", path)
	}
	r.offset = pos
	return r, nil
}

// OpenFromStart is like Open but starts at offset 0. It is used for files
// that appear after the watcher has started.
func OpenFromStart(path string) (*Reader, error) {
	r := &Reader{path: path}
	if err := r.reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the watched path.
func (r *Reader) Path() string {
	return r.path
}

// Offset returns the number of bytes consumed from the current file.
func (r *Reader) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// ReadLines returns complete lines appended since the previous call, reading
// at most readChunk bytes. Callers loop until Offset stops advancing to
// consume a large backlog. A rotated or truncated file is reopened and read
// from the start before anything else happens. On error the reader keeps its
// previous state so the next call retries.
func (r *Reader) ReadLines() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, size, err := statPath(r.path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", r.path)
	}

	if r.file == nil || !id.same(r.id) || size < r.offset {
		if r.file != nil {
			log.Printf("Log file rotated: %s", r.path)
		}
		if err := r.reopen(); err != nil {
			return nil, err
		}
		r.offset = 0
		r.discard = false
	}

	if _, err := r.file.Seek(r.offset, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "failed to seek to %d in %s", r.offset, r.path)
	}
	data, err := io.ReadAll(io.LimitReader(r.file, int64(readChunk)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", r.path)
	}
	full := len(data) == readChunk

	if r.discard {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			r.offset += int64(len(data))
			return nil, nil
		}
		r.offset += int64(i + 1)
		data = data[i+1:]
		r.discard = false
		full = false
	}

	// Bytes after the last newline belong to a line that is still being
	// written; the offset stays at its start.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		if full {
			log.Warnf("Skipping line longer than %d bytes at offset %d in %s", readChunk, r.offset, r.path)
			r.offset += int64(len(data))
			r.discard = true
		}
		return nil, nil
	}
	complete := data[:end+1]
	r.offset += int64(len(complete))

	lines := make([]string, 0, bytes.Count(complete, []byte{'\n'}))
	for len(complete) > 0 {
		i := bytes.IndexByte(complete, '\n')
		lines = append(lines, string(bytes.TrimSuffix(complete[:i], []byte{'\r'})))
		complete = complete[i+1:]
	}
	return lines, nil
}

// Close releases the file handle.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// reopen replaces the handle with a fresh one for the path. The identity is
// taken from the opened handle so a replacement racing with the open is
// detected on the next call. Callers must hold r.mu.
func (r *Reader) reopen() error {
	f, err := os.Open(r.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", r.path)
	}
	id, err := statFile(f)
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to stat open handle for %s", r.path)
	}

	if r.file != nil {
		r.file.Close()
	}
	r.file = f
	r.id = id
	return nil
}
