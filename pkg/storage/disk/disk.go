// Package disk abstracts the files the engine writes so that tests can swap
// in a disk that fails on demand.
package disk

import (
	"io"
	"os"
)

// These interfaces define the engine's file dependencies. Using the smallest
// interface possible makes them easy to replace in tests.
type (
	FileSystem interface {
		OpenFile(name string, flag int, perm os.FileMode) (File, error)
		Rename(oldpath, newpath string) error
		Remove(name string) error
		Stat(name string) (os.FileInfo, error)
	}

	// File implements the subset of *os.File methods the engine calls.
	File interface {
		io.ReaderAt
		io.WriterAt
		io.Closer
		Name() string
		Stat() (os.FileInfo, error)
		Sync() error
		Truncate(size int64) error
	}
)

// OS is a passthrough to the standard library.
type OS struct{}

func (OS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

func (OS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (OS) Remove(name string) error {
	return os.Remove(name)
}

func (OS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

// Size returns the current length of f.
func Size(f File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
