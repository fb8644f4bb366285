// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package mvcc provides the page reclamation policy of the multi-version
// storage engine.
//
// Every write transaction that replaces pages records the page numbers it
// retired in the free-list (GC) tree, keyed by its own txnid. Those pages may
// still be visible to readers pinned at an older snapshot, so they become
// reusable only once the reader horizon (the oldest snapshot any live reader
// pins) has moved past the retiring txnid.
//
// # Key Features
//
//   - Horizon computation from the shared reader table
//   - Horizon-bounded retrieval of free-list records, oldest first (FIFO) or
//     newest first (LIFO)
//   - Sorted page-number lists with run allocation and tail trimming
//   - Pooled page buffers for dirty pages
//
// # Usage Examples
//
//	gc := mvcc.NewGC(readerTable, false)
//	horizon := gc.Horizon(head, steady, weakMode)
//	key, pages, ok, err := gc.Fetch(txn, &gcTree, horizon, consumed)
//	if ok {
//	    relist.Merge(pages)
//	}
//
// # Dangers and Warnings
//
//   - **Premature Reclamation**: a page handed out below the horizon while a
//     reader still pins an older snapshot corrupts that reader's view. Every
//     reuse decision must go through Horizon.
//   - **No Background Work**: reclamation runs inside the writer's commit and
//     allocation paths only; nothing here starts goroutines.
//
// # Collection Strategy
//
// 1. Query the reader table for the oldest pinned snapshot
// 2. Bound it by the head txnid and, in weak durability modes, by the last
// steady txnid
// 3. Take free-list records whose key lies strictly below that bound
// 4. Merge their pages into the writer's reclaimed list
package mvcc

import (
	"github.com/kianostad/cowdb/internal/storage/btree"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// HorizonSource reports the oldest txnid pinned by a live reader, or limit
// when no reader pins an older snapshot.
type HorizonSource interface {
	Oldest(limit page.Txnid) page.Txnid
}

// GC decides which free-list records a writer may reuse.
type GC struct {
	readers HorizonSource
	lifo    bool
}

// NewGC creates a reclamation policy over the given reader table.
func NewGC(readers HorizonSource, lifo bool) *GC {
	return &GC{
		readers: readers,
		lifo:    lifo,
	}
}

// Horizon returns the exclusive upper bound of reusable free-list keys for a
// writer starting from snapshot head. In weak durability modes pages retired
// after the last steady commit stay reserved: after a crash the database
// rolls back to that commit and may still reference them.
func (gc *GC) Horizon(head, steady page.Txnid, keepSteady bool) page.Txnid {
	limit := head + 1
	if keepSteady && steady+1 < limit {
		limit = steady + 1
	}
	return gc.readers.Oldest(limit)
}

// Reclaimable reports whether pages retired by key may be reused.
func Reclaimable(key, horizon page.Txnid) bool {
	return key < horizon
}

// Fetch returns the next free-list record below horizon that is not in
// consumed. ok is false when no such record exists.
func (gc *GC) Fetch(p btree.Pager, tree *btree.Tree, horizon page.Txnid, consumed map[page.Txnid]bool) (page.Txnid, List, bool, error) {
	c := btree.NewCursor(p, tree)
	var (
		k, v []byte
		err  error
	)
	if gc.lifo {
		k, v, err = c.Seek(btree.IntKey(uint64(horizon)))
		if err == nil {
			if k == nil {
				k, v, err = c.Last()
			} else {
				k, v, err = c.Prev()
			}
		}
	} else {
		k, v, err = c.First()
	}

	for ; err == nil && k != nil; k, v, err = gc.step(c) {
		key, ok := btree.ParseIntKey(k)
		if !ok {
			continue
		}
		txnid := page.Txnid(key)
		if !Reclaimable(txnid, horizon) {
			if gc.lifo {
				continue
			}
			break
		}
		if consumed[txnid] {
			continue
		}
		pages, derr := DecodeList(v)
		if derr != nil {
			return 0, nil, false, derr
		}
		return txnid, pages, true, nil
	}
	return 0, nil, false, err
}

func (gc *GC) step(c *btree.Cursor) ([]byte, []byte, error) {
	if gc.lifo {
		return c.Prev()
	}
	return c.Next()
}
