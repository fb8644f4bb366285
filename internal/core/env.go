// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package db implements the environment of the storage engine: a single data
// file of fixed-size pages shared by many reader transactions and at most one
// writer, across goroutines and processes.
//
// Readers pin the snapshot described by the newest valid meta page and see
// it unchanged until they finish. The writer never modifies a page a reader
// may see: it copies pages on write, records the pages it replaced in the
// free-list (GC) tree under its own txnid and publishes the new snapshot by
// writing one of the three rotating meta pages. Pages come back into use only
// once no live reader pins a snapshot old enough to see them.
//
// # Key Features
//
//   - Snapshot isolation for any number of concurrent readers
//   - Single writer across goroutines and processes
//   - Crash safety through three rotating, self-validating meta pages
//   - Page reclamation bounded by the oldest live reader
//   - Nested write transactions
//   - Durability modes from fully synced to no syncs at all
//   - Integrity checking, hot copies and metrics
//
// # Usage Examples
//
//	env, err := core.Open("/var/lib/app/db", core.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer env.Close()
//
//	txn, err := env.BeginWrite(ctx, 0)
//	if err != nil {
//	    return err
//	}
//	if err := txn.Put([]byte("key"), []byte("value"), 0); err != nil {
//	    txn.Abort()
//	    return err
//	}
//	if _, err := txn.Commit(); err != nil {
//	    return err
//	}
//
//	rtxn, _ := env.BeginRead()
//	defer rtxn.Abort()
//	val, err := rtxn.Get([]byte("key"))
//
// # Dangers and Warnings
//
//   - **Long Readers**: a reader that never finishes pins every page retired
//     after its snapshot; the file grows until ErrMapFull.
//   - **Transaction Ownership**: a transaction must be used by one goroutine
//     at a time. A goroutine holding a write transaction that begins another
//     one waits on itself until the context ends; with TxnNoWait it gets
//     ErrBusy.
//   - **Returned Slices**: values returned by Get and cursors point into the
//     memory map or into transaction buffers and are valid only until the
//     transaction ends.
//   - **Weak Modes**: with SafeNoSync or UtterlyNoSync, committed data may be
//     lost on a system crash. Call Env.Sync to make the head durable.
//   - **One Open Per Process**: opening the same database twice in a process
//     fails with ErrBusy, since POSIX record locks are per process.
//
// # Thread Safety
//
// Env methods are safe for concurrent use. Txn and Cursor values are not.
package db

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kianostad/cowdb/internal/concurrency/epoch"
	"github.com/kianostad/cowdb/internal/concurrency/lock"
	"github.com/kianostad/cowdb/internal/concurrency/readers"
	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/monitoring/metrics"
	"github.com/kianostad/cowdb/internal/osal"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/mvcc"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// File names inside the database directory.
const (
	DataFileName = "data.cdb"
	LockFileName = "lock.cdb"
	LockSuffix   = "-lck"
)

// Env is an open database environment.
type Env struct {
	opts     Options
	log      logrus.FieldLogger
	portal   osal.Portal
	metrics  *metrics.Metrics
	ownStats bool

	dataPath string
	file     *os.File
	lock     *lock.File
	readers  *readers.Table
	snaps    *epoch.Manager
	gc       *mvcc.GC
	pool     *mvcc.PagePool
	pageSize int
	bootID   uuid.UUID

	mapMu sync.RWMutex
	mp    *mapping

	// upper is the size limit of the data file in pages applied by this
	// process's commits.
	upper page.Pgno

	txns   atomic.Int64
	fatal  atomic.Bool
	closed atomic.Bool
}

// mapping is one memory map of the data file. Transactions hold a reference
// so a remap never unmaps memory still in use.
type mapping struct {
	data    []byte
	refs    atomic.Int64
	retired atomic.Bool
	unmap   sync.Once
	portal  osal.Portal
}

func (m *mapping) release() {
	if m.refs.Add(-1) == 0 && m.retired.Load() {
		m.drop()
	}
}

func (m *mapping) drop() {
	m.unmap.Do(func() {
		_ = m.portal.Unmap(m.data)
	})
}

// Paths returns the data and lock file paths for path.
func Paths(path string, noSubdir bool) (data, lck string) {
	if noSubdir {
		return path, path + LockSuffix
	}
	return filepath.Join(path, DataFileName), filepath.Join(path, LockFileName)
}

// Open opens the environment at path, creating it unless ReadOnly is set.
func Open(path string, opts Options) (*Env, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	e := &Env{
		opts:    opts,
		portal:  opts.Portal,
		metrics: opts.Metrics,
		bootID:  osal.BootID(),
		snaps:   epoch.NewManager(),
	}
	e.dataPath, _ = Paths(path, opts.NoSubdir)
	e.log = opts.Logger.WithField("db", path)
	if e.metrics == nil {
		e.metrics = metrics.NewMetrics()
		e.ownStats = true
	}
	if err := e.open(path); err != nil {
		e.release()
		return nil, err
	}
	return e, nil
}

func (e *Env) open(path string) error {
	dataPath, lockPath := Paths(path, e.opts.NoSubdir)
	if !e.opts.NoSubdir && !e.opts.ReadOnly {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return errs.IO(err, "create directory")
		}
	}

	var err error
	e.lock, err = lock.Open(lockPath, e.opts.MaxReaders, e.portal, e.log)
	if err != nil {
		return err
	}
	e.readers = e.lock.Table()

	flag := os.O_RDWR | os.O_CREATE
	if e.opts.ReadOnly {
		flag = os.O_RDONLY
	}
	if e.file, err = os.OpenFile(dataPath, flag, e.opts.FileMode); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(errs.ErrInvalid, "no database at %s", dataPath)
		}
		return errs.IO(err, "open data file")
	}

	size, err := e.portal.Size(e.file)
	if err != nil {
		return errs.IO(err, "stat data file")
	}
	if size == 0 {
		if e.opts.ReadOnly {
			return errors.Wrapf(errs.ErrInvalid, "empty database at %s", dataPath)
		}
		if err := e.create(); err != nil {
			return err
		}
	}

	head, err := e.probe()
	if err != nil {
		return err
	}
	e.pageSize = int(head.PageSize)
	if size, err := e.portal.Size(e.file); err != nil {
		return errs.IO(err, "stat data file")
	} else if size < int64(head.Geo.Next)*int64(e.pageSize) {
		return errors.Wrapf(errs.ErrCorrupted, "data file of %d bytes holds fewer than %d pages", size, head.Geo.Next)
	}
	e.pool = mvcc.NewPagePool(e.pageSize)
	e.upper = head.Geo.Upper
	if !e.opts.ReadOnly {
		want := e.opts.Geometry.pages(e.pageSize, head.Geo.Next).Upper
		e.upper = max(e.upper, want)
	}
	if err := e.remap(e.upper); err != nil {
		return err
	}
	e.gc = mvcc.NewGC(e.readers, e.opts.LIFOReclaim)

	e.log.WithFields(logrus.Fields{
		"page_size": e.pageSize,
		"txnid":     head.Txnid(),
		"next":      head.Geo.Next,
		"now":       head.Geo.Now,
		"upper":     e.upper,
		"steady":    head.IsSteady(),
		"exclusive": e.lock.Exclusive(),
		"readers":   e.readers.MaxReaders(),
	}).Info("environment opened")
	return nil
}

// create initializes an empty data file under the writer lock.
func (e *Env) create() error {
	if err := e.lock.LockWriter(context.Background(), true); err != nil {
		return err
	}
	defer e.lock.UnlockWriter()

	// Another process may have created it meanwhile.
	size, err := e.portal.Size(e.file)
	if err != nil {
		return errs.IO(err, "stat data file")
	}
	if size != 0 {
		return nil
	}

	ps := e.opts.Geometry.PageSize
	geo := e.opts.Geometry.pages(ps, page.NumMetas)
	m := meta.New(uint32(ps), geo, uuid.New())
	m.BootID = e.bootID
	m.Seal(true)
	if err := e.portal.Truncate(e.file, int64(geo.Now)*int64(ps)); err != nil {
		return errs.IO(err, "size data file")
	}
	buf := make([]byte, ps)
	for slot := 0; slot < page.NumMetas; slot++ {
		m.Encode(buf, slot)
		if _, err := e.portal.WriteAt(e.file, buf, int64(slot)*int64(ps)); err != nil {
			return errs.IO(err, "write meta")
		}
	}
	if err := e.portal.Sync(e.file, osal.SyncFull); err != nil {
		return errs.IO(err, "sync new database")
	}
	e.log.WithFields(logrus.Fields{"page_size": ps, "geometry": e.opts.Geometry.String()}).Info("database created")
	return nil
}

// probe discovers the page size and returns the head meta read with
// positioned reads.
func (e *Env) probe() (*meta.Meta, error) {
	buf := make([]byte, meta.Size)
	for ps := page.MinPageSize; ps <= page.MaxPageSize; ps <<= 1 {
		var pages [page.NumMetas]page.Page
		found := false
		for slot := range pages {
			pages[slot] = make(page.Page, meta.Size)
			if _, err := e.portal.ReadAt(e.file, buf, int64(slot)*int64(ps)); err != nil {
				continue
			}
			copy(pages[slot], buf)
			if m, err := meta.Decode(pages[slot]); err == nil && m.Validate(ps) == nil {
				found = true
			}
		}
		if !found {
			continue
		}
		slots, reasons := meta.Load(pages, ps)
		slots.Trusted(e.bootID)
		head, err := slots.Head()
		if err != nil {
			return nil, err
		}
		for slot, reason := range reasons {
			if reason != nil {
				e.log.WithError(reason).WithField("slot", slot).Warn("skipping meta page")
			}
		}
		return slots[head], nil
	}
	return nil, errors.Wrap(errs.ErrInvalid, "no valid meta page at any page size")
}

// remap installs a mapping of upper pages when the current one is smaller.
func (e *Env) remap(upper page.Pgno) error {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	size := int(upper) * e.pageSize
	if e.mp != nil && len(e.mp.data) >= size {
		return nil
	}
	data, err := e.portal.Map(e.file, size, false)
	if err != nil {
		return errs.IO(err, "map data file")
	}
	old := e.mp
	e.mp = &mapping{data: data, portal: e.portal}
	if old != nil {
		old.retired.Store(true)
		if old.refs.Load() == 0 {
			old.drop()
		}
		e.log.WithField("pages", upper).Debug("data file remapped")
	}
	return nil
}

// acquire returns the current mapping with a reference taken.
func (e *Env) acquire() *mapping {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	mp := e.mp
	mp.refs.Add(1)
	return mp
}

// metas decodes the meta pages from mp.
func (e *Env) metas(mp *mapping) (meta.Slots, error) {
	var pages [page.NumMetas]page.Page
	for i := range pages {
		off := i * e.pageSize
		pages[i] = page.Page(mp.data[off : off+e.pageSize])
	}
	slots, _ := meta.Load(pages, e.pageSize)
	slots.Trusted(e.bootID)
	if _, err := slots.Head(); err != nil {
		return slots, err
	}
	return slots, nil
}

// snapshot returns the head meta through a mapping large enough to hold it.
func (e *Env) snapshot() (*mapping, *meta.Meta, error) {
	for {
		mp := e.acquire()
		slots, err := e.metas(mp)
		if err != nil {
			mp.release()
			return nil, nil, err
		}
		head, _ := slots.Head()
		m := slots[head]
		if int(m.Geo.Upper)*e.pageSize <= len(mp.data) {
			return mp, m, nil
		}
		mp.release()
		if err := e.remap(m.Geo.Upper); err != nil {
			return nil, nil, err
		}
	}
}

// writeMeta publishes m into slot with two writes: first with txnid_b
// cleared, then txnid_b alone, so a torn write never validates.
func (e *Env) writeMeta(slot int, m *meta.Meta) error {
	buf := make([]byte, e.pageSize)
	m.Encode(buf, slot)
	binary.LittleEndian.PutUint64(buf[meta.TxnidBOffset:], 0)
	off := int64(slot) * int64(e.pageSize)
	if _, err := e.portal.WriteAt(e.file, buf, off); err != nil {
		return err
	}
	stamp := buf[meta.TxnidBOffset : meta.TxnidBOffset+8]
	binary.LittleEndian.PutUint64(stamp, uint64(m.TxnidB))
	_, err := e.portal.WriteAt(e.file, stamp, off+meta.TxnidBOffset)
	return err
}

// failFatal makes the environment unusable for writing after a failure that
// left the outcome of a commit unknown.
func (e *Env) failFatal(err error, what string) error {
	e.fatal.Store(true)
	e.metrics.RecordFailure(metrics.FailureIO)
	e.log.WithError(err).Error(what + ": environment is no longer writable")
	return errors.Wrapf(errs.ErrUnknownOutcome, "%s: %v", what, err)
}

func (e *Env) usable() error {
	if e.closed.Load() {
		return errs.ErrClosed
	}
	return nil
}

// PageSize returns the page size of the database.
func (e *Env) PageSize() int { return e.pageSize }

// Path returns the data file path.
func (e *Env) Path() string { return e.dataPath }

// Options returns the options the environment was opened with.
func (e *Env) Options() Options { return e.opts }

// Metrics returns the metrics collector of the environment.
func (e *Env) Metrics() *metrics.Metrics { return e.metrics }

// Sync makes the head commit steady. Without force it does nothing in
// Durable mode, where every commit is steady already.
func (e *Env) Sync(ctx context.Context, force bool) error {
	if err := e.usable(); err != nil {
		return err
	}
	if e.opts.ReadOnly {
		return errs.ErrReadOnly
	}
	if !force && e.opts.SyncMode == Durable {
		return nil
	}
	if err := e.lock.LockWriter(ctx, true); err != nil {
		return err
	}
	defer e.lock.UnlockWriter()
	return e.syncSteady()
}

// syncSteady writes a steady copy of the head meta. The writer lock is held.
func (e *Env) syncSteady() error {
	if e.fatal.Load() {
		return errs.ErrPanic
	}
	mp, head, err := e.snapshot()
	if err != nil {
		return err
	}
	defer mp.release()
	if head.IsSteady() {
		return nil
	}
	if err := e.portal.Sync(e.file, osal.SyncData); err != nil {
		return errs.IO(err, "sync data")
	}
	slots, err := e.metas(mp)
	if err != nil {
		return err
	}
	idx, _ := slots.Head()
	m := *head
	m.Seal(true)
	target := slots.Target(idx, false)
	if err := e.writeMeta(target, &m); err != nil {
		return e.failFatal(err, "write steady meta")
	}
	if err := e.portal.Sync(e.file, osal.SyncData); err != nil {
		return e.failFatal(err, "sync steady meta")
	}
	e.log.WithFields(logrus.Fields{"txnid": m.Txnid(), "slot": target}).Debug("head made steady")
	return nil
}

// ReaderCheck frees reader slots left by processes that exited without
// ending their transactions. It returns the number of slots freed.
func (e *Env) ReaderCheck() (int, error) {
	if err := e.usable(); err != nil {
		return 0, err
	}
	return e.lock.Sweep()
}

// Close releases the environment. Every transaction must be finished.
func (e *Env) Close() error {
	if n := e.txns.Load(); n > 0 {
		if oldest, ok := e.snaps.Oldest(); ok {
			return errors.Wrapf(errs.ErrBusy, "%d transactions still open, oldest snapshot %d", n, oldest)
		}
		return errors.Wrapf(errs.ErrBusy, "%d transactions still open", n)
	}
	if e.closed.Swap(true) {
		return errs.ErrClosed
	}
	e.log.Info("environment closed")
	return e.release()
}

func (e *Env) release() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	e.mapMu.Lock()
	if e.mp != nil {
		e.mp.retired.Store(true)
		if e.mp.refs.Load() == 0 {
			e.mp.drop()
		}
		e.mp = nil
	}
	e.mapMu.Unlock()
	if e.file != nil {
		keep(e.file.Close())
	}
	if e.lock != nil {
		keep(e.lock.Close())
	}
	if e.ownStats {
		e.metrics.Close()
	}
	if first != nil {
		return errs.IO(first, "close")
	}
	return nil
}
