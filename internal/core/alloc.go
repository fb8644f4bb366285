// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/monitoring/metrics"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// reclaimHorizon returns the exclusive upper bound of free-list keys the
// transaction may reuse, computing it on first use.
func (t *Txn) reclaimHorizon() page.Txnid {
	w := t.w
	if w.horizon == 0 {
		w.horizon = t.env.gc.Horizon(w.head, w.steady, t.env.opts.SyncMode.keepSteady())
	}
	return w.horizon
}

// allocPgno finds npages contiguous free pages: loose pages first, then
// reclaimed pages, then more free-list records below the horizon, then the
// end of the file.
func (t *Txn) allocPgno(npages int) (page.Pgno, error) {
	w := t.w
	for attempt := 0; ; attempt++ {
		if pgno, ok := w.loose.TakeRun(npages); ok {
			w.stats.loose += npages
			return pgno, nil
		}
		for {
			if pgno, ok := w.relist.TakeRun(npages); ok {
				w.stats.reclaimed += npages
				return pgno, nil
			}
			if w.inGC {
				break
			}
			ok, err := t.fetchGC()
			if err != nil {
				return 0, err
			}
			if !ok {
				break
			}
		}
		if end := w.next + page.Pgno(npages); end <= t.meta.Geo.Upper && end > w.next {
			pgno := w.next
			w.next = end
			w.stats.allocated += npages
			return pgno, nil
		}
		// The free-list rewrite runs on what reserveGC set aside; blocked
		// readers were already dealt with there.
		if w.inGC || !t.unblock(attempt) {
			t.env.metrics.RecordFailure(metrics.FailureMapFull)
			return 0, errors.Wrapf(errs.ErrMapFull, "no room for %d pages below %d", npages, t.meta.Geo.Upper)
		}
	}
}

// fetchGC moves the next reclaimable free-list record into the relist.
func (t *Txn) fetchGC() (bool, error) {
	w := t.w
	key, pages, ok, err := t.env.gc.Fetch(t.pager(), &t.meta.Trees[meta.GCTree], t.reclaimHorizon(), w.consumed)
	if err != nil || !ok {
		return false, err
	}
	if err := pages.Check(w.headNext); err != nil {
		return false, errors.Wrapf(err, "free-list record %d", key)
	}
	w.consumed[key] = true
	w.maxConsumed = max(w.maxConsumed, key)
	w.relist.Merge(pages)
	return true, nil
}

// unblock tries to make more free-list records reclaimable after an
// allocation found none. It reports whether the allocation should retry.
func (t *Txn) unblock(attempt int) bool {
	e := t.env
	w := t.w
	before := w.horizon

	// Readers may have finished since the horizon was computed.
	w.horizon = 0
	if t.reclaimHorizon() > before {
		return true
	}

	readerBound := e.readers.Oldest(w.head + 1)
	if e.opts.SyncMode.keepSteady() && w.steady < w.head && w.steady < readerBound {
		if err := e.syncSteady(); err != nil {
			e.log.WithError(err).Warn("forced steady sync failed")
			return false
		}
		for x := t; x != nil; x = x.w.parent {
			x.w.steady = x.w.head
			x.w.horizon = 0
		}
		e.log.WithField("txnid", w.head).Info("forced steady sync to reclaim pages")
		return true
	}

	if e.opts.OnLaggingReader == nil || readerBound > w.head {
		return false
	}
	lagging, ok := e.laggingReader(readerBound)
	if !ok {
		return false
	}
	switch e.opts.OnLaggingReader(LaggingReader{ReaderInfo: lagging, Attempt: attempt}) {
	case Retry:
		w.horizon = 0
		return true
	case Oust:
		if e.readers.Oust(lagging.Slot, page.Txnid(lagging.Txnid)) {
			e.metrics.RecordFailure(metrics.FailureOusted)
			e.log.WithFields(logrus.Fields{
				"slot":  lagging.Slot,
				"pid":   lagging.Pid,
				"txnid": lagging.Txnid,
				"lag":   lagging.Lag,
			}).Warn("ousted lagging reader")
		}
		w.horizon = 0
		return true
	default:
		return false
	}
}

// laggingReader returns the reader pinning txnid.
func (e *Env) laggingReader(txnid page.Txnid) (ReaderInfo, bool) {
	for _, r := range e.ReaderList() {
		if page.Txnid(r.Txnid) == txnid {
			return r, true
		}
	}
	return ReaderInfo{}, false
}
