package sys

import (
	"io"
	"os"
)

// FileHandle is the subset of *os.File the storage layer needs. Tests and
// alternate platforms can substitute their own implementation via the
// OpenFile variable.
type FileHandle interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

// OpenFileHandler opens a file with the given flags and permissions.
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)

// OpenFile is the hook the storage layer opens its backing file through.
var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	return os.OpenFile(name, flag, perm)
}
