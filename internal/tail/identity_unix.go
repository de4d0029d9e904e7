//go:build linux || darwin || freebsd || netbsd || openbsd

package tail

import (
	"os"

	"golang.org/x/sys/unix"
)

// fileID is the device and inode pair of a file.
type fileID struct {
	dev uint64
	ino uint64
}

func (a fileID) same(b fileID) bool {
	return a == b
}

func statPath(path string) (fileID, int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fileID{}, 0, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, st.Size, nil
}

func statFile(f *os.File) (fileID, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return fileID{}, &os.PathError{Op: "fstat", Path: f.Name(), Err: err}
	}
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, nil
}
