// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"maps"
	"time"

	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/errs"
)

// BeginNested starts a transaction nested in the write transaction t. The
// parent cannot be used until the child commits or aborts; a child commit
// folds its changes into the parent, a child abort discards them.
func (t *Txn) BeginNested() (*Txn, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	pw := t.w
	child := &Txn{
		env:   t.env,
		mp:    t.mp,
		meta:  t.meta,
		txnid: t.txnid,
		begun: time.Now(),
	}
	w := newWriteState(pw.head, pw.steady, pw.next)
	w.headNext = pw.headNext
	w.horizon = pw.horizon
	w.parent = t
	w.loose = pw.loose.Clone()
	w.relist = pw.relist.Clone()
	w.consumed = maps.Clone(pw.consumed)
	w.maxConsumed = pw.maxConsumed
	child.w = w

	pw.child = child
	t.state = stateHasChild
	return child, nil
}

// Parent returns the parent of a nested transaction, or nil.
func (t *Txn) Parent() *Txn {
	if t.w == nil {
		return nil
	}
	return t.w.parent
}

// commitNested transfers the state of the child t into its parent. Nothing
// here can fail once the child is known to be usable.
func (t *Txn) commitNested() error {
	if err := t.writable(); err != nil {
		return err
	}
	w := t.w
	p := w.parent
	pw := p.w

	pw.loose = w.loose
	pw.relist = w.relist
	pw.consumed = w.consumed
	pw.maxConsumed = w.maxConsumed
	pw.next = w.next

	// Pages dirty in the parent and freed by the child.
	ra := w.retiredAncestor
	for i := 0; i < len(ra); {
		pgno := ra[i]
		d := pw.dirty[pgno]
		if d == nil {
			pw.retiredAncestor.Add(pgno)
			i++
			continue
		}
		delete(pw.dirty, pgno)
		if d.shadow {
			pw.retiredAncestor.AddRun(pgno, d.npages)
		} else {
			pw.loose.AddRun(pgno, d.npages)
		}
		i += d.npages
	}
	for pgno, d := range w.dirty {
		if old := pw.dirty[pgno]; old != nil {
			d.shadow = old.shadow
		} else {
			d.shadow = p.ancestorDirty(pgno) != nil
		}
		pw.dirty[pgno] = d
	}
	pw.retired.Merge(w.retired)
	pw.steady = w.steady
	pw.horizon = w.horizon
	pw.modified = pw.modified || w.modified
	pw.stats.allocated += w.stats.allocated
	pw.stats.reclaimed += w.stats.reclaimed
	pw.stats.loose += w.stats.loose
	pw.stats.retired += w.stats.retired
	p.meta = t.meta

	pw.child = nil
	p.state = stateActive
	t.state = stateDone
	return nil
}

// errNestedCommit is returned when the child was broken by a failed
// operation; the parent is left unchanged.
var errNestedCommit = errors.Wrap(errs.ErrBadTxn, "nested transaction failed and was aborted")
