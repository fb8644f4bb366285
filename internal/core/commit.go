// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/monitoring/metrics"
	"github.com/kianostad/cowdb/internal/osal"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// CommitLatency is the time spent in each phase of a commit.
type CommitLatency struct {
	// Preparation covers validation before any bookkeeping.
	Preparation time.Duration
	// GC covers free-list reconciliation.
	GC time.Duration
	// Write covers growing the file and writing dirty pages.
	Write time.Duration
	// Sync covers data and meta durability barriers.
	Sync time.Duration
	// Ending covers releasing the transaction.
	Ending time.Duration
	// Whole is the duration of the entire commit.
	Whole time.Duration
}

// Commit makes the changes of a write transaction visible and durable
// according to the sync mode, and ends the transaction. Committing a read
// transaction just ends it.
//
// A failure before the new meta page is written aborts the transaction and
// leaves the previous snapshot in place. A failure while publishing the meta
// page returns ErrUnknownOutcome: the environment then refuses further
// writes, and the next open reveals which snapshot survived.
func (t *Txn) Commit() (CommitLatency, error) {
	start := time.Now()
	var lat CommitLatency
	if t.readOnly {
		if t.state == stateDone {
			return lat, errors.Wrap(errs.ErrBadTxn, "transaction already finished")
		}
		t.endRead()
		lat.Whole = time.Since(start)
		return lat, nil
	}
	if err := t.usable(); err != nil {
		return lat, err
	}
	if t.w.broken {
		t.abortWrite()
		if t.w.parent != nil {
			return lat, errNestedCommit
		}
		return lat, errors.Wrap(errs.ErrBadTxn, "transaction failed and was aborted")
	}
	if t.w.parent != nil {
		err := t.commitNested()
		lat.Whole = time.Since(start)
		return lat, err
	}

	e := t.env
	w := t.w
	if !w.modified {
		t.finishWrite()
		e.metrics.RecordCommit(metrics.CommitPhases{Whole: time.Since(start)})
		lat.Whole = time.Since(start)
		return lat, nil
	}
	if e.fatal.Load() {
		t.abortWrite()
		return lat, errs.ErrPanic
	}
	lat.Preparation = time.Since(start)

	mark := time.Now()
	if err := t.updateGC(); err != nil {
		t.abortWrite()
		return lat, err
	}
	lat.GC = time.Since(mark)

	if err := t.flush(&lat); err != nil {
		if errors.Is(err, errs.ErrUnknownOutcome) {
			t.finishWrite()
		} else {
			t.abortWrite()
		}
		return lat, err
	}

	mark = time.Now()
	stats := w.stats
	txnid, next, dirty := t.txnid, w.next, len(w.dirty)
	retired, relist, loose := len(w.retired), len(w.relist), len(w.loose)
	t.finishWrite()
	lat.Ending = time.Since(mark)
	lat.Whole = time.Since(start)

	e.metrics.RecordCommit(metrics.CommitPhases{GC: lat.GC, Write: lat.Write, Sync: lat.Sync, Whole: lat.Whole})
	e.metrics.RecordPages(metrics.PagesAllocated, stats.allocated)
	e.metrics.RecordPages(metrics.PagesReclaimed, stats.reclaimed)
	e.metrics.RecordPages(metrics.PagesLoose, stats.loose)
	e.metrics.RecordPages(metrics.PagesRetired, stats.retired)
	e.updateReaderGauges()
	e.log.WithFields(logrus.Fields{
		"txnid":   txnid,
		"dirty":   dirty,
		"retired": retired,
		"relist":  relist,
		"loose":   loose,
		"next":    next,
		"took":    lat.Whole,
	}).Debug("committed")
	return lat, nil
}

// flush writes the dirty pages and publishes the new meta page.
func (t *Txn) flush(lat *CommitLatency) error {
	e := t.env
	w := t.w
	mode := e.opts.SyncMode
	ps := int64(e.pageSize)

	mark := time.Now()
	geo := t.meta.Geo
	geo.Next = w.next
	grew := false
	if w.next > geo.Now {
		geo.Now = growTo(geo, w.next)
		grew = true
		if err := e.portal.Truncate(e.file, int64(geo.Now)*ps); err != nil {
			return errs.IO(err, "grow data file")
		}
	}
	shrink := t.shrinkTarget(geo)

	pgnos := make([]page.Pgno, 0, len(w.dirty))
	for pgno := range w.dirty {
		pgnos = append(pgnos, pgno)
	}
	slices.Sort(pgnos)
	for _, pgno := range pgnos {
		if _, err := e.portal.WriteAt(e.file, w.dirty[pgno].data, int64(pgno)*ps); err != nil {
			e.metrics.RecordFailure(metrics.FailureIO)
			return errs.IO(err, "write page")
		}
	}
	lat.Write = time.Since(mark)

	mark = time.Now()
	if mode.syncData() {
		sm := osal.SyncData
		if grew {
			sm = osal.SyncSize
		}
		if err := e.portal.Sync(e.file, sm); err != nil {
			e.metrics.RecordFailure(metrics.FailureIO)
			return errs.IO(err, "sync data")
		}
	}

	slots, err := e.metas(t.mp)
	if err != nil {
		return err
	}
	head, _ := slots.Head()
	target := slots.Target(head, mode.keepSteady())

	m := t.meta
	m.SetTxnid(t.txnid)
	m.Geo = geo
	if shrink != 0 {
		m.Geo.Now = shrink
	}
	m.PagesRetired += uint64(w.stats.retired)
	m.BootID = e.bootID
	m.Seal(mode.steady())
	if err := e.writeMeta(target, &m); err != nil {
		return e.failFatal(err, "write meta")
	}
	if mode.steady() {
		if err := e.portal.Sync(e.file, osal.SyncData); err != nil {
			return e.failFatal(err, "sync meta")
		}
	}
	lat.Sync = time.Since(mark)

	if shrink != 0 {
		if err := e.portal.Truncate(e.file, int64(shrink)*ps); err != nil {
			e.log.WithError(err).Warn("shrinking data file failed")
		} else {
			e.log.WithFields(logrus.Fields{"from": geo.Now, "to": shrink}).Debug("data file shrunk")
		}
	}
	return nil
}

// shrinkTarget returns the size in pages to shrink the file to after the
// commit, or 0. Only steady commits shrink, and never below the pages used
// by a live reader.
func (t *Txn) shrinkTarget(geo meta.Geometry) page.Pgno {
	if !t.env.opts.SyncMode.steady() || geo.ShrinkThreshold == 0 {
		return 0
	}
	if geo.Now-geo.Next < page.Pgno(geo.ShrinkThreshold) {
		return 0
	}
	want := geo.Next
	for _, r := range t.env.readers.List() {
		if r.Pinned() && page.Pgno(r.PagesUsed) > want {
			want = page.Pgno(r.PagesUsed)
		}
	}
	target := growTo(geo, want)
	if target >= geo.Now {
		return 0
	}
	return target
}
