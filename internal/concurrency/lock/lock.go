// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package lock manages the lock file: the cross-process writer and
// registration locks, process liveness advertisement and the mapping of the
// shared reader table.
//
// All locks are POSIX byte-range locks on the lock file paired with an
// in-process primitive, since fcntl locks are owned by the process and do not
// exclude goroutines of the same process from each other.
//
//	byte 0            writer lock
//	byte 1            registration lock (reader slot claim and sweep)
//	byte 2            liveness: exclusive while formatting, shared afterwards
//	byte 2^40 + pid   held by every process with the database open
//
// The kernel drops every lock of a process when it dies, so a crashed owner
// never leaves a lock behind. Reader slots are different: they live in
// shared memory and are recycled only by Reset on an exclusive open or by an
// explicit Sweep.
package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kianostad/cowdb/internal/concurrency/readers"
	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/osal"
)

const (
	offWriter       = 0
	offRegistration = 1
	offLiveness     = 2
	pidBase         = 1 << 40
)

// PollInterval is the delay between attempts on a contended writer lock.
var PollInterval = 50 * time.Millisecond

// Each lock file may be open once per process: closing a second descriptor
// would silently drop the fcntl locks of the first.
var registry = struct {
	sync.Mutex
	open map[string]bool
}{open: map[string]bool{}}

// File is an open lock file.
type File struct {
	path      string
	f         *os.File
	portal    osal.Portal
	log       logrus.FieldLogger
	mem       []byte
	table     *readers.Table
	pid       uint32
	exclusive bool

	writer chan struct{}
	reg    sync.Mutex
}

// Open opens or creates the lock file at path. The first process to open it
// formats the reader table with maxReaders slots; later processes attach to
// the existing table.
func Open(path string, maxReaders int, portal osal.Portal, log logrus.FieldLogger) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", path)
	}
	registry.Lock()
	defer registry.Unlock()
	if registry.open[abs] {
		return nil, errors.Wrapf(errs.ErrBusy, "%s is already open in this process", abs)
	}

	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.IO(err, "open lock file")
	}
	l := &File{
		path:   abs,
		f:      f,
		portal: portal,
		log:    log,
		pid:    osal.Pid(),
		writer: make(chan struct{}, 1),
	}
	if err := l.setup(maxReaders); err != nil {
		l.release()
		return nil, err
	}
	registry.open[abs] = true
	return l, nil
}

func (l *File) setup(maxReaders int) error {
	err := l.portal.Lock(l.f, offLiveness, 1, osal.LockExclusive, false)
	switch {
	case err == nil:
		l.exclusive = true
		if err := l.format(maxReaders); err != nil {
			return err
		}
		// Downgrade atomically; waiting openers proceed once formatting is done.
		if err := l.portal.Lock(l.f, offLiveness, 1, osal.LockShared, false); err != nil {
			return errs.IO(err, "downgrade liveness lock")
		}
	case errors.Is(err, osal.ErrWouldBlock):
		if err := l.portal.Lock(l.f, offLiveness, 1, osal.LockShared, true); err != nil {
			return errs.IO(err, "liveness lock")
		}
		if err := l.attach(); err != nil {
			return err
		}
	default:
		return errs.IO(err, "liveness lock")
	}
	if err := l.portal.Lock(l.f, pidBase+int64(l.pid), 1, osal.LockExclusive, false); err != nil {
		return errs.IO(err, "pid lock")
	}
	return nil
}

// format sizes and maps the file as the sole user. An existing table with the
// same geometry is kept and its stale slots reset.
func (l *File) format(maxReaders int) error {
	size := int64(readers.Size(maxReaders))
	cur, err := l.portal.Size(l.f)
	if err != nil {
		return errs.IO(err, "stat lock file")
	}
	if cur != size {
		if err := l.portal.Truncate(l.f, size); err != nil {
			return errs.IO(err, "size lock file")
		}
	}
	if l.mem, err = l.portal.Map(l.f, int(size), true); err != nil {
		return errs.IO(err, "map lock file")
	}
	if t, err := readers.Attach(l.mem); err == nil && t.MaxReaders() == maxReaders {
		if stale := t.Reset(); stale > 0 {
			l.log.WithField("slots", stale).Warn("recycled stale reader slots")
		}
		l.table = t
		return nil
	}
	l.table, err = readers.Init(l.mem, maxReaders)
	return err
}

func (l *File) attach() error {
	size, err := l.portal.Size(l.f)
	if err != nil {
		return errs.IO(err, "stat lock file")
	}
	if size < readers.HeaderSize {
		return errors.Wrapf(errs.ErrInvalid, "lock file of %d bytes", size)
	}
	if l.mem, err = l.portal.Map(l.f, int(size), true); err != nil {
		return errs.IO(err, "map lock file")
	}
	l.table, err = readers.Attach(l.mem)
	return err
}

// Table returns the shared reader table.
func (l *File) Table() *readers.Table { return l.table }

// Exclusive reports whether this process was the sole user at open.
func (l *File) Exclusive() bool { return l.exclusive }

// Path returns the absolute path of the lock file.
func (l *File) Path() string { return l.path }

// LockWriter acquires the writer lock. Without wait it fails with ErrBusy
// when another transaction holds it; otherwise it waits until ctx is done.
func (l *File) LockWriter(ctx context.Context, wait bool) error {
	select {
	case l.writer <- struct{}{}:
	default:
		if !wait {
			return errors.Wrap(errs.ErrBusy, "write transaction in progress")
		}
		select {
		case l.writer <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		err := l.portal.Lock(l.f, offWriter, 1, osal.LockExclusive, false)
		if err == nil {
			l.table.SetWriterPid(l.pid)
			return nil
		}
		if !errors.Is(err, osal.ErrWouldBlock) {
			<-l.writer
			return errs.IO(err, "writer lock")
		}
		if !wait {
			<-l.writer
			return errors.Wrap(errs.ErrBusy, "writer lock held by another process")
		}
		select {
		case <-ctx.Done():
			<-l.writer
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}
}

// UnlockWriter releases the writer lock.
func (l *File) UnlockWriter() error {
	l.table.SetWriterPid(0)
	err := l.portal.Unlock(l.f, offWriter, 1)
	<-l.writer
	if err != nil {
		return errs.IO(err, "writer unlock")
	}
	return nil
}

// LockRegistration acquires the registration lock.
func (l *File) LockRegistration() error {
	l.reg.Lock()
	if err := l.portal.Lock(l.f, offRegistration, 1, osal.LockExclusive, true); err != nil {
		l.reg.Unlock()
		return errs.IO(err, "registration lock")
	}
	return nil
}

// UnlockRegistration releases the registration lock.
func (l *File) UnlockRegistration() {
	if err := l.portal.Unlock(l.f, offRegistration, 1); err != nil {
		l.log.WithError(err).Error("registration unlock failed")
	}
	l.reg.Unlock()
}

// Alive reports whether the process pid still has the database open.
func (l *File) Alive(pid uint32) bool {
	if pid == l.pid {
		return true
	}
	holder, err := l.portal.Probe(l.f, pidBase+int64(pid), 1)
	if err != nil {
		// Unknown: keep the slot.
		return true
	}
	return holder != 0
}

// Sweep frees reader slots of processes that are gone.
func (l *File) Sweep() (int, error) {
	if err := l.LockRegistration(); err != nil {
		return 0, err
	}
	defer l.UnlockRegistration()
	n := l.table.Sweep(l.Alive)
	if n > 0 {
		l.log.WithField("slots", n).Warn("recycled reader slots of dead processes")
	}
	return n, nil
}

// Close releases the locks and the mapping.
func (l *File) Close() error {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.open, l.path)
	return l.release()
}

func (l *File) release() error {
	var first error
	if l.mem != nil {
		first = l.portal.Unmap(l.mem)
		l.mem = nil
		l.table = nil
	}
	// Closing the descriptor drops every fcntl lock of this process.
	if err := l.f.Close(); err != nil && first == nil {
		first = err
	}
	if first != nil {
		return errs.IO(first, "close lock file")
	}
	return nil
}
