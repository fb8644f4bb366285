// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/btree"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/mvcc"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// dirtyPage is a page (or large run) modified by a write transaction.
type dirtyPage struct {
	data   page.Page
	npages int
	// shadow marks a private copy of a page that is dirty in an ancestor
	// under the same page number.
	shadow bool
}

// writeState is the page bookkeeping of a write transaction.
type writeState struct {
	parent *Txn
	child  *Txn

	dirty map[page.Pgno]*dirtyPage
	// retired holds committed pages replaced or freed by this transaction.
	retired mvcc.List
	// retiredAncestor holds pages dirty in an ancestor and freed here.
	retiredAncestor mvcc.List
	// loose holds pages allocated and freed again by this transaction.
	loose mvcc.List
	// relist holds pages taken from reclaimed free-list records.
	relist      mvcc.List
	consumed    map[page.Txnid]bool
	maxConsumed page.Txnid

	next     page.Pgno
	headNext page.Pgno
	head     page.Txnid
	steady   page.Txnid
	horizon  page.Txnid

	inGC     bool
	broken   bool
	modified bool

	stats pageStats
}

// pageStats counts where pages came from and went to.
type pageStats struct {
	allocated int
	reclaimed int
	loose     int
	retired   int
}

func newWriteState(head, steady page.Txnid, next page.Pgno) *writeState {
	return &writeState{
		dirty:    make(map[page.Pgno]*dirtyPage),
		consumed: make(map[page.Txnid]bool),
		next:     next,
		headNext: next,
		head:     head,
		steady:   steady,
	}
}

// ancestorDirty returns the nearest ancestor's dirty copy of pgno.
func (t *Txn) ancestorDirty(pgno page.Pgno) *dirtyPage {
	for x := t.w.parent; x != nil; x = x.w.parent {
		if d := x.w.dirty[pgno]; d != nil {
			return d
		}
	}
	return nil
}

// CowPage returns a mutable version of pgno. The page keeps its number when
// it is already dirty in this transaction or an ancestor; otherwise it is
// copied to a newly allocated page and the original is retired.
func (t *Txn) CowPage(pgno page.Pgno) (page.Page, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	return t.touch(pgno)
}

func (t *Txn) touch(pgno page.Pgno) (page.Page, error) {
	w := t.w
	if d := w.dirty[pgno]; d != nil {
		return d.data, nil
	}
	w.modified = true
	if d := t.ancestorDirty(pgno); d != nil {
		buf := page.Page(t.env.pool.Get(d.npages))
		copy(buf, d.data)
		w.dirty[pgno] = &dirtyPage{data: buf, npages: d.npages, shadow: true}
		return buf, nil
	}
	src, err := t.mapped(pgno, w.headNext)
	if err != nil {
		return nil, err
	}
	n := 1
	if src.IsLarge() {
		n = int(src.LargeCount())
	}
	dst, err := t.alloc(src.Flags(), n)
	if err != nil {
		return nil, err
	}
	moved := dst.Pgno()
	copy(dst, src)
	dst.SetPgno(moved)
	dst.SetTxnid(t.txnid)
	w.retired.AddRun(pgno, n)
	w.stats.retired += n
	return dst, nil
}

// NewPage allocates npages contiguous pages formatted with flags.
func (t *Txn) NewPage(flags uint16, npages int) (page.Page, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	if npages < 1 {
		return nil, errors.Wrapf(errs.ErrInvalid, "allocation of %d pages", npages)
	}
	return t.alloc(flags, npages)
}

func (t *Txn) alloc(flags uint16, npages int) (page.Page, error) {
	pgno, err := t.allocPgno(npages)
	if err != nil {
		return nil, err
	}
	t.w.modified = true
	pg := page.Init(t.env.pool.Get(npages), pgno, flags)
	pg.SetTxnid(t.txnid)
	t.w.dirty[pgno] = &dirtyPage{data: pg, npages: npages}
	return pg, nil
}

// RetirePage releases npages pages starting at pgno.
func (t *Txn) RetirePage(pgno page.Pgno, npages int) error {
	if err := t.writable(); err != nil {
		return err
	}
	return t.retire(pgno, npages)
}

func (t *Txn) retire(pgno page.Pgno, npages int) error {
	w := t.w
	w.modified = true
	if d := w.dirty[pgno]; d != nil {
		if d.npages != npages {
			return errors.Wrapf(errs.ErrCorrupted, "retire of page %d as %d pages, dirty as %d", pgno, npages, d.npages)
		}
		delete(w.dirty, pgno)
		if d.shadow {
			w.retiredAncestor.AddRun(pgno, npages)
		} else {
			w.loose.AddRun(pgno, npages)
		}
		return nil
	}
	if t.ancestorDirty(pgno) != nil {
		w.retiredAncestor.AddRun(pgno, npages)
		return nil
	}
	if pgno < page.NumMetas || pgno+page.Pgno(npages) > w.headNext {
		return errors.Wrapf(errs.ErrCorrupted, "retire of page %d outside the database", pgno)
	}
	w.retired.AddRun(pgno, npages)
	w.stats.retired += npages
	return nil
}

// mutate runs a tree modification. A failure that may have left the trees
// half modified breaks the transaction; only Abort is possible afterwards.
func (t *Txn) mutate(f func(p btree.Pager) error) error {
	if err := t.writable(); err != nil {
		return err
	}
	err := f(t.pager())
	switch {
	case err == nil:
		t.meta.Trees[meta.MainTree].ModTxnid = t.txnid
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrKeyExist), errors.Is(err, errs.ErrBadValSize):
	default:
		t.w.broken = true
	}
	return err
}

// Put stores val under key in the main tree.
func (t *Txn) Put(key, val []byte, flags PutFlags) error {
	return t.mutate(func(p btree.Pager) error {
		return btree.Put(p, &t.meta.Trees[meta.MainTree], key, val, flags)
	})
}

// Del removes key from the main tree.
func (t *Txn) Del(key []byte) error {
	return t.mutate(func(p btree.Pager) error {
		return btree.Delete(p, &t.meta.Trees[meta.MainTree], key)
	})
}

// Drop removes every key of the main tree.
func (t *Txn) Drop() error {
	return t.mutate(func(p btree.Pager) error {
		return btree.Drop(p, &t.meta.Trees[meta.MainTree])
	})
}

// PutCanary stores markers committed with the transaction. V is replaced by
// the txnid of the commit.
func (t *Txn) PutCanary(c meta.Canary) error {
	if err := t.writable(); err != nil {
		return err
	}
	c.V = uint64(t.txnid)
	t.meta.Canary = c
	t.w.modified = true
	return nil
}

// Pending returns the number of dirty pages of the transaction.
func (t *Txn) Pending() int {
	if t.readOnly {
		return 0
	}
	return len(t.w.dirty)
}

// abortWrite discards the transaction and, for a top-level one, releases
// the writer lock.
func (t *Txn) abortWrite() {
	w := t.w
	if w.child != nil {
		w.child.abortWrite()
	}
	if w.parent != nil {
		p := w.parent
		p.w.child = nil
		p.state = stateActive
		t.state = stateDone
		return
	}
	t.finishWrite()
	t.env.metrics.RecordAbort()
	t.env.log.WithField("txnid", t.txnid).Debug("write transaction aborted")
}

// finishWrite ends a top-level write transaction.
func (t *Txn) finishWrite() {
	e := t.env
	for _, d := range t.w.dirty {
		e.pool.Put(d.data)
	}
	t.w.dirty = nil
	t.mp.release()
	t.mp = nil
	t.state = stateDone
	if err := e.lock.UnlockWriter(); err != nil {
		e.log.WithError(err).Error("writer unlock failed")
	}
	e.txns.Add(-1)
}
