//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package tail

import (
	"os"
)

// fileID falls back to the portable os.SameFile comparison where device and
// inode numbers are not available.
type fileID struct {
	info os.FileInfo
}

func (a fileID) same(b fileID) bool {
	if a.info == nil || b.info == nil {
		return false
	}
	return os.SameFile(a.info, b.info)
}

func statPath(path string) (fileID, int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileID{}, 0, err
	}
	return fileID{info: fi}, fi.Size(), nil
}

func statFile(f *os.File) (fileID, error) {
	fi, err := f.Stat()
	if err != nil {
		return fileID{}, err
	}
	return fileID{info: fi}, nil
}
