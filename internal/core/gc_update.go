// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"bytes"
	"slices"

	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/btree"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/mvcc"
	"github.com/kianostad/cowdb/internal/storage/page"
)

const (
	// maxGCPasses bounds the reconciliation loop of updateGC.
	maxGCPasses = 64
	// gcReserve is the number of pages reserved per level of the free-list
	// tree before it is rewritten.
	gcReserve = 3
)

// refund returns free pages at the end of the allocated area to the file
// tail.
func (t *Txn) refund() {
	w := t.w
	for w.next > page.NumMetas {
		last := w.next - 1
		if !w.relist.Remove(last) && !w.loose.Remove(last) {
			return
		}
		w.next = last
	}
}

// updateGC records the page bookkeeping of the transaction in the free-list
// tree. Writing the tree allocates and retires pages itself, so the records
// are rewritten until they match the page sets.
//
// Consumed records are deleted. Pages retired by the transaction are stored
// under its own txnid. Reclaimed and loose pages left unused are parked under
// the largest consumed key, which is below the horizon and stays reusable;
// when nothing was consumed they join the transaction's own record.
//
// A record written during the rewrite is never deleted again, only emptied,
// so the leaf it took is not freed back into the lists it describes.
func (t *Txn) updateGC() error {
	w := t.w
	p := t.pager()
	tree := &t.meta.Trees[meta.GCTree]

	deleted := make(map[page.Txnid]bool, len(w.consumed))
	var (
		ownWritten, parkWritten []byte
		parkKey                 page.Txnid
	)
	pass := func() (bool, error) {
		w.inGC = true
		defer func() { w.inGC = false }()

		if err := t.deleteConsumed(tree, deleted); err != nil {
			return false, err
		}
		if parkKey != w.maxConsumed {
			// A later fetch consumed a larger key; the old parking record
			// was already deleted once and holds stale pages now.
			if parkKey != 0 {
				if err := btree.Delete(p, tree, btree.IntKey(uint64(parkKey))); err != nil && !errors.Is(err, errs.ErrNotFound) {
					return false, errors.Wrapf(err, "delete free-list record %d", parkKey)
				}
			}
			parkKey, parkWritten = w.maxConsumed, nil
		}

		next := w.next
		own, park := t.gcRecords()
		written, err := t.storeRecord(tree, t.txnid, own, ownWritten)
		if err != nil {
			return false, err
		}
		ownWritten = written
		if parkKey != 0 {
			written, err = t.storeRecord(tree, parkKey, park, parkWritten)
			if err != nil {
				return false, err
			}
			parkWritten = written
		}

		own, park = t.gcRecords()
		settled := w.next == next && bytes.Equal(ownWritten, record(own, ownWritten))
		if parkKey != 0 {
			settled = settled && bytes.Equal(parkWritten, record(park, parkWritten))
		}
		return settled, nil
	}

	for n := 0; n < maxGCPasses; n++ {
		t.refund()
		// Records cannot be fetched while the tree is being rewritten, so
		// pages for the pass are reserved up front.
		if err := t.reserveGC(gcReserve * (int(tree.Height) + 1)); err != nil {
			return err
		}
		settled, err := pass()
		if err != nil || settled {
			return err
		}
	}
	return errors.Wrapf(errs.ErrCorrupted, "free-list did not settle after %d passes", maxGCPasses)
}

// reserveGC fetches free-list records until n pages are free or the end of
// the file has room for the rest. Readers blocking the records are handled
// as for any allocation.
func (t *Txn) reserveGC(n int) error {
	w := t.w
	for attempt := 0; ; {
		have := len(w.relist) + len(w.loose)
		if have >= n {
			return nil
		}
		ok, err := t.fetchGC()
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		room := 0
		if w.next < t.meta.Geo.Upper {
			room = int(t.meta.Geo.Upper - w.next)
		}
		if room >= n-have || !t.unblock(attempt) {
			return nil
		}
		attempt++
	}
}

// deleteConsumed deletes the records consumed since the last call.
func (t *Txn) deleteConsumed(tree *btree.Tree, deleted map[page.Txnid]bool) error {
	keys := make([]page.Txnid, 0, len(t.w.consumed))
	for key := range t.w.consumed {
		if !deleted[key] {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	for _, key := range keys {
		if err := btree.Delete(t.pager(), tree, btree.IntKey(uint64(key))); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return errors.Wrapf(err, "delete free-list record %d", key)
		}
		deleted[key] = true
	}
	return nil
}

// gcRecords returns the page lists of the transaction's own record and of
// the parking record.
func (t *Txn) gcRecords() (own, park mvcc.List) {
	w := t.w
	free := w.relist.Clone()
	free.Merge(w.loose)
	if w.maxConsumed == 0 {
		own = w.retired.Clone()
		own.Merge(free)
		return own, nil
	}
	return w.retired.Clone(), free
}

// record returns the value stored for list, nil meaning no record. A record
// already written keeps existing when list becomes empty.
func record(list mvcc.List, written []byte) []byte {
	if len(list) == 0 && written == nil {
		return nil
	}
	return list.Encode()
}

// storeRecord writes the record key unless it already holds list. It
// returns the encoding now stored.
func (t *Txn) storeRecord(tree *btree.Tree, key page.Txnid, list mvcc.List, written []byte) ([]byte, error) {
	enc := record(list, written)
	if bytes.Equal(enc, written) {
		return written, nil
	}
	if err := btree.Put(t.pager(), tree, btree.IntKey(uint64(key)), enc, 0); err != nil {
		return nil, errors.Wrapf(err, "store free-list record %d", key)
	}
	return enc, nil
}
