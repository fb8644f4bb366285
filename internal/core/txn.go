// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/concurrency/readers"
	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/monitoring/metrics"
	"github.com/kianostad/cowdb/internal/osal"
	"github.com/kianostad/cowdb/internal/storage/btree"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// TxnFlags alter how a write transaction begins.
type TxnFlags uint

const (
	// TxnNoWait fails with ErrBusy instead of waiting for the writer lock.
	TxnNoWait TxnFlags = 1 << iota
)

// PutFlags alter the behaviour of Put.
type PutFlags = btree.PutFlags

// NoOverwrite fails Put with ErrKeyExist when the key is present.
const NoOverwrite = btree.NoOverwrite

type txnState int

const (
	stateActive txnState = iota
	stateHasChild
	stateReset
	stateDone
)

// Txn is a read or write transaction.
type Txn struct {
	env      *Env
	mp       *mapping
	meta     meta.Meta
	txnid    page.Txnid
	readOnly bool
	state    txnState
	begun    time.Time

	// read transactions
	slot *readers.Slot

	// write transactions
	w *writeState
}

// BeginRead starts a read transaction on the newest committed snapshot.
func (e *Env) BeginRead() (*Txn, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	if err := e.lock.LockRegistration(); err != nil {
		return nil, err
	}
	slot, err := e.readers.Acquire(osal.Pid(), osal.Tid())
	e.lock.UnlockRegistration()
	if err != nil {
		e.metrics.RecordFailure(metrics.FailureReadersFull)
		return nil, err
	}
	t := &Txn{env: e, readOnly: true, slot: slot, begun: time.Now()}
	if err := t.pin(); err != nil {
		slot.Release()
		return nil, err
	}
	e.txns.Add(1)
	e.metrics.RecordReadTxn()
	return t, nil
}

// pin publishes the head snapshot in the reader slot. A writer may commit
// between reading the head and publishing it, so the head is checked again
// after the slot is visible.
func (t *Txn) pin() error {
	e := t.env
	for {
		mp, head, err := e.snapshot()
		if err != nil {
			return err
		}
		t.slot.Pin(head.Txnid(), uint64(head.Geo.Next), head.PagesRetired, e.portal.Monotonic())
		slots, err := e.metas(mp)
		if err != nil {
			mp.release()
			t.slot.Unpin()
			return err
		}
		idx, _ := slots.Head()
		if slots[idx].Txnid() == head.Txnid() {
			e.snaps.Register(head.Txnid())
			t.mp = mp
			t.meta = *head
			t.txnid = head.Txnid()
			t.state = stateActive
			return nil
		}
		mp.release()
	}
}

// BeginWrite starts the write transaction of the environment, waiting for
// the current one to end unless TxnNoWait is given. A deadline or
// cancellation of ctx stops the wait.
func (e *Env) BeginWrite(ctx context.Context, flags TxnFlags) (*Txn, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	if e.opts.ReadOnly {
		return nil, errs.ErrReadOnly
	}
	if e.fatal.Load() {
		return nil, errs.ErrPanic
	}
	if err := e.lock.LockWriter(ctx, flags&TxnNoWait == 0); err != nil {
		return nil, err
	}
	t, err := e.beginWrite()
	if err != nil {
		_ = e.lock.UnlockWriter()
		return nil, err
	}
	e.txns.Add(1)
	return t, nil
}

func (e *Env) beginWrite() (*Txn, error) {
	if e.fatal.Load() {
		return nil, errs.ErrPanic
	}
	mp, head, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	slots, err := e.metas(mp)
	if err != nil {
		mp.release()
		return nil, err
	}
	txnid := head.Txnid() + 1
	if txnid >= page.ReservedTxnid {
		mp.release()
		return nil, errs.ErrTxnFull
	}
	var steady page.Txnid
	if i := slots.Steady(); i >= 0 {
		steady = slots[i].Txnid()
	}
	t := &Txn{
		env:   e,
		mp:    mp,
		meta:  *head,
		txnid: txnid,
		begun: time.Now(),
	}
	t.meta.Geo.Upper = max(head.Geo.Upper, e.upper)
	t.w = newWriteState(head.Txnid(), steady, head.Geo.Next)
	return t, nil
}

// ID returns the transaction id: the snapshot txnid for readers, the txnid
// being committed for writers.
func (t *Txn) ID() page.Txnid { return t.txnid }

// ReadOnly reports whether t is a read transaction.
func (t *Txn) ReadOnly() bool { return t.readOnly }

// Env returns the environment of the transaction.
func (t *Txn) Env() *Env { return t.env }

// usable fails for transactions that ended, were reset or have a child.
func (t *Txn) usable() error {
	switch t.state {
	case stateActive:
		return nil
	case stateHasChild:
		return errors.Wrap(errs.ErrBadTxn, "transaction has an open nested transaction")
	case stateReset:
		return errors.Wrap(errs.ErrBadTxn, "transaction was reset")
	default:
		return errors.Wrap(errs.ErrBadTxn, "transaction already finished")
	}
}

func (t *Txn) writable() error {
	if err := t.usable(); err != nil {
		return err
	}
	if t.readOnly {
		return errs.ErrReadOnly
	}
	if t.w.broken {
		return errors.Wrap(errs.ErrBadTxn, "transaction failed and must be aborted")
	}
	return nil
}

// mapped returns the committed page pgno from the mapping. A large run is
// returned whole.
func (t *Txn) mapped(pgno, limit page.Pgno) (page.Page, error) {
	if pgno >= limit {
		return nil, errors.Wrapf(errs.ErrPageNotFound, "page %d beyond allocated %d", pgno, limit)
	}
	ps := t.env.pageSize
	off := int(pgno) * ps
	data := t.mp.data
	pg := page.Page(data[off : off+ps : off+ps])
	if pg.IsLarge() {
		n := page.Pgno(pg.LargeCount())
		if n == 0 || pgno+n > limit {
			return nil, errors.Wrapf(errs.ErrCorrupted, "large run %d of %d pages beyond allocated %d", pgno, n, limit)
		}
		end := off + int(n)*ps
		pg = page.Page(data[off:end:end])
	}
	return pg, nil
}

// FetchPage returns a read view of pgno as seen by the transaction.
func (t *Txn) FetchPage(pgno page.Pgno) (page.Page, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return t.fetch(pgno)
}

func (t *Txn) fetch(pgno page.Pgno) (page.Page, error) {
	if t.readOnly {
		// Env.Info reads the head through a view without a slot.
		if t.slot != nil && t.slot.Txnid() != t.txnid {
			return nil, errs.ErrReaderOusted
		}
		return t.mapped(pgno, t.meta.Geo.Next)
	}
	for x := t; x != nil; x = x.w.parent {
		if d := x.w.dirty[pgno]; d != nil {
			return d.data, nil
		}
	}
	return t.mapped(pgno, t.w.headNext)
}

// RootPage returns the root page number of tree, or InvalidPgno for an
// empty tree or an unknown tree id.
func (t *Txn) RootPage(tree int) page.Pgno {
	if tree < 0 || tree >= len(t.meta.Trees) {
		return page.InvalidPgno
	}
	return t.meta.Trees[tree].Root
}

// txnPager adapts a transaction to the page access the B-tree needs.
type txnPager struct{ t *Txn }

func (p txnPager) PageSize() int                           { return p.t.env.pageSize }
func (p txnPager) Page(pgno page.Pgno) (page.Page, error)  { return p.t.fetch(pgno) }
func (p txnPager) Touch(pgno page.Pgno) (page.Page, error) { return p.t.touch(pgno) }
func (p txnPager) Alloc(flags uint16, n int) (page.Page, error) {
	return p.t.alloc(flags, n)
}
func (p txnPager) Retire(pgno page.Pgno, n int) error { return p.t.retire(pgno, n) }

func (t *Txn) pager() btree.Pager { return txnPager{t} }

// Get returns the value stored under key in the main tree.
func (t *Txn) Get(key []byte) ([]byte, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return btree.Get(t.pager(), &t.meta.Trees[meta.MainTree], key)
}

// Cursor iterates the main tree in key order.
type Cursor struct {
	t *Txn
	c *btree.Cursor
}

// Cursor opens a cursor on the main tree. Modifying the tree invalidates
// every cursor opened before.
func (t *Txn) Cursor() (*Cursor, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return &Cursor{t: t, c: btree.NewCursor(t.pager(), &t.meta.Trees[meta.MainTree])}, nil
}

func (c *Cursor) step(f func() ([]byte, []byte, error)) ([]byte, []byte, error) {
	if err := c.t.usable(); err != nil {
		return nil, nil, err
	}
	return f()
}

// First moves to the smallest key. A nil key means the tree is empty.
func (c *Cursor) First() ([]byte, []byte, error) { return c.step(c.c.First) }

// Last moves to the largest key.
func (c *Cursor) Last() ([]byte, []byte, error) { return c.step(c.c.Last) }

// Next moves to the following key. A nil key means the end was reached.
func (c *Cursor) Next() ([]byte, []byte, error) { return c.step(c.c.Next) }

// Prev moves to the preceding key.
func (c *Cursor) Prev() ([]byte, []byte, error) { return c.step(c.c.Prev) }

// Seek moves to the first key not below key.
func (c *Cursor) Seek(key []byte) ([]byte, []byte, error) {
	return c.step(func() ([]byte, []byte, error) { return c.c.Seek(key) })
}

// Canary returns the markers stored with the snapshot.
func (t *Txn) Canary() meta.Canary { return t.meta.Canary }

// Reset releases the snapshot of a read transaction but keeps its reader
// slot for Renew.
func (t *Txn) Reset() error {
	if !t.readOnly {
		return errors.Wrap(errs.ErrBadTxn, "reset of a write transaction")
	}
	if err := t.usable(); err != nil {
		return err
	}
	t.slot.Unpin()
	t.env.snaps.Unregister(t.txnid)
	t.mp.release()
	t.mp = nil
	t.state = stateReset
	return nil
}

// Renew pins the current head snapshot on a reset read transaction.
func (t *Txn) Renew() error {
	if !t.readOnly || t.state != stateReset {
		return errors.Wrap(errs.ErrBadTxn, "renew of a transaction that was not reset")
	}
	if err := t.env.usable(); err != nil {
		return err
	}
	t.begun = time.Now()
	t.env.metrics.RecordReadTxn()
	return t.pin()
}

// Abort ends the transaction, discarding the changes of a writer.
func (t *Txn) Abort() error {
	if t.state == stateDone {
		return errors.Wrap(errs.ErrBadTxn, "transaction already finished")
	}
	if t.readOnly {
		t.endRead()
		return nil
	}
	t.abortWrite()
	return nil
}

func (t *Txn) endRead() {
	t.slot.Release()
	if t.mp != nil {
		t.env.snaps.Unregister(t.txnid)
		t.mp.release()
		t.mp = nil
	}
	t.state = stateDone
	t.env.txns.Add(-1)
}
