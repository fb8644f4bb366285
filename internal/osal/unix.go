// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build unix

package osal

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by a non-waiting Lock when another process holds
// a conflicting lock.
var ErrWouldBlock = errors.New("lock held by another process")

type unixPortal struct{}

func (unixPortal) ReadAt(f *os.File, b []byte, off int64) (int, error) {
	n, err := f.ReadAt(b, off)
	if err == io.EOF && n == len(b) {
		err = nil
	}
	return n, err
}

func (unixPortal) WriteAt(f *os.File, b []byte, off int64) (int, error) {
	return f.WriteAt(b, off)
}

func (unixPortal) Map(f *os.File, size int, writable bool) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("mmap %s: invalid size %d", f.Name(), size)
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", f.Name())
	}
	// Page access is random in a B-tree; read-ahead only pollutes the cache.
	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(b)
		return nil, errors.Wrap(err, "madvise")
	}
	return b, nil
}

func (unixPortal) Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return errors.Wrap(unix.Munmap(b), "munmap")
}

func (unixPortal) Sync(f *os.File, mode SyncMode) error {
	switch mode {
	case SyncData, SyncSize:
		return errors.Wrapf(fdatasync(f), "fdatasync %s", f.Name())
	default:
		return errors.Wrapf(f.Sync(), "fsync %s", f.Name())
	}
}

func (unixPortal) Truncate(f *os.File, size int64) error {
	return errors.Wrapf(unix.Ftruncate(int(f.Fd()), size), "ftruncate %s", f.Name())
}

func (unixPortal) Size(f *os.File) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return 0, errors.Wrapf(err, "fstat %s", f.Name())
	}
	return st.Size, nil
}

func (unixPortal) Lock(f *os.File, start, length int64, mode LockMode, wait bool) error {
	lk := unix.Flock_t{
		Type:   unix.F_RDLCK,
		Whence: io.SeekStart,
		Start:  start,
		Len:    length,
	}
	if mode == LockExclusive {
		lk.Type = unix.F_WRLCK
	}
	cmd := unix.F_SETLK
	if wait {
		cmd = unix.F_SETLKW
	}
	for {
		err := unix.FcntlFlock(f.Fd(), cmd, &lk)
		switch {
		case err == nil:
			return nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EACCES:
			return ErrWouldBlock
		default:
			return errors.Wrapf(err, "fcntl lock %s [%d,+%d)", f.Name(), start, length)
		}
	}
}

func (unixPortal) Unlock(f *os.File, start, length int64) error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
		Start:  start,
		Len:    length,
	}
	return errors.Wrapf(unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk), "fcntl unlock %s", f.Name())
}

func (unixPortal) Probe(f *os.File, start, length int64) (int, error) {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  start,
		Len:    length,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_GETLK, &lk); err != nil {
		return 0, errors.Wrapf(err, "fcntl getlk %s", f.Name())
	}
	if lk.Type == unix.F_UNLCK {
		return 0, nil
	}
	return int(lk.Pid), nil
}

func (unixPortal) Monotonic() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Duration(time.Now().UnixNano())
	}
	return time.Duration(ts.Nano())
}

// ProcessAlive reports whether a process with the given pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
