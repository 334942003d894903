package disk

import (
	"os"
	"sync"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/fastrand"
)

// ErrFaultyDisk is returned by every write or sync once a FaultyFileSystem
// has failed.
var ErrFaultyDisk = errors.New("could not write to disk (faulty disk)")

// FaultyFileSystem simulates a disk that dies after a fixed number of writes.
// The failing write stores a random strict prefix of its data, like a torn sector,
// and every later write, sync, truncate or rename fails. Reads keep working
// so that a reopened engine can inspect what reached the platter.
type FaultyFileSystem struct {
	inner FileSystem

	mu         sync.Mutex
	writeLimit int
	writes     int
	armed      bool
	failed     bool
}

// NewFaultyFileSystem wraps inner. The disk starts disarmed and behaves
// like inner until Arm is called.
func NewFaultyFileSystem(inner FileSystem) *FaultyFileSystem {
	if inner == nil {
		inner = OS{}
	}
	return &FaultyFileSystem{inner: inner}
}

// Arm lets n more writes succeed before the disk fails.
func (d *FaultyFileSystem) Arm(n int) {
	d.mu.Lock()
	d.writeLimit = n
	d.writes = 0
	d.armed = true
	d.failed = false
	d.mu.Unlock()
}

// Disarm repairs the disk.
func (d *FaultyFileSystem) Disarm() {
	d.mu.Lock()
	d.armed = false
	d.failed = false
	d.mu.Unlock()
}

// Failed reports whether the disk has died.
func (d *FaultyFileSystem) Failed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

// charge counts one write and reports whether it must fail.
func (d *FaultyFileSystem) charge() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.armed {
		return false
	}
	if d.failed {
		return true
	}
	d.writes++
	if d.writes > d.writeLimit {
		d.failed = true
	}
	return d.failed
}

func (d *FaultyFileSystem) dead() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed && d.failed
}

func (d *FaultyFileSystem) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if flag&(os.O_CREATE|os.O_TRUNC) != 0 && d.dead() {
		return nil, errors.Extend(errors.New("failed to open "+name), ErrFaultyDisk)
	}
	f, err := d.inner.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{d: d, File: f}, nil
}

func (d *FaultyFileSystem) Rename(oldpath, newpath string) error {
	if d.charge() {
		return ErrFaultyDisk
	}
	return d.inner.Rename(oldpath, newpath)
}

func (d *FaultyFileSystem) Remove(name string) error {
	if d.dead() {
		return ErrFaultyDisk
	}
	return d.inner.Remove(name)
}

func (d *FaultyFileSystem) Stat(name string) (os.FileInfo, error) {
	return d.inner.Stat(name)
}

// faultyFile implements a file that simulates a faulty disk.
type faultyFile struct {
	File
	d *FaultyFileSystem
}

func (f *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if f.d.charge() {
		if len(p) == 0 {
			return 0, ErrFaultyDisk
		}
		torn := fastrand.Intn(len(p))
		n, _ := f.File.WriteAt(p[:torn], off)
		return n, ErrFaultyDisk
	}
	return f.File.WriteAt(p, off)
}

func (f *faultyFile) Sync() error {
	if f.d.dead() {
		return ErrFaultyDisk
	}
	return f.File.Sync()
}

func (f *faultyFile) Truncate(size int64) error {
	if f.d.dead() {
		return ErrFaultyDisk
	}
	return f.File.Truncate(size)
}
