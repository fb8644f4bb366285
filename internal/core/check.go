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

// CheckReport summarizes a successful integrity check.
type CheckReport struct {
	Pages     uint64 `json:"pages"`
	MainPages uint64 `json:"main_pages"`
	GCPages   uint64 `json:"gc_pages"`
	FreePages uint64 `json:"free_pages"`
	Records   int    `json:"records"`
	Entries   uint64 `json:"entries"`
}

// usage marks every page in [0, next) at most once.
type usage struct {
	seen []bool
	next page.Pgno
}

func (u *usage) mark(pgno page.Pgno, n int, what string) error {
	if pgno+page.Pgno(n) > u.next || pgno+page.Pgno(n) < pgno {
		return errors.Wrapf(errs.ErrCorrupted, "%s page %d+%d beyond allocated %d", what, pgno, n, u.next)
	}
	for i := 0; i < n; i++ {
		p := pgno + page.Pgno(i)
		if u.seen[p] {
			return errors.Wrapf(errs.ErrCorrupted, "%s page %d is referenced twice", what, p)
		}
		u.seen[p] = true
	}
	return nil
}

func (u *usage) markList(l mvcc.List, what string) error {
	for _, pgno := range l {
		if err := u.mark(pgno, 1, what); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies that every page below the allocation end of the snapshot
// is either a meta page, a page of one of the trees or a free page, and
// that no page is claimed twice. A write transaction is checked including
// its uncommitted changes.
func (t *Txn) Check() (CheckReport, error) {
	var rep CheckReport
	if err := t.usable(); err != nil {
		return rep, err
	}
	next := t.meta.Geo.Next
	if !t.readOnly {
		next = t.w.next
	}
	u := &usage{seen: make([]bool, next), next: next}
	if err := u.mark(0, page.NumMetas, "meta"); err != nil {
		return rep, err
	}

	p := t.pager()
	walk := func(tree int, count *uint64, what string) error {
		return btree.Walk(p, &t.meta.Trees[tree], func(pgno page.Pgno, n int, _ uint16, _ int) error {
			*count += uint64(n)
			return u.mark(pgno, n, what)
		})
	}
	if err := walk(meta.MainTree, &rep.MainPages, "main tree"); err != nil {
		return rep, err
	}
	if err := walk(meta.GCTree, &rep.GCPages, "free-list tree"); err != nil {
		return rep, err
	}

	var consumed map[page.Txnid]bool
	if !t.readOnly {
		consumed = t.w.consumed
	}
	err := t.eachRecord(func(key page.Txnid, l mvcc.List) error {
		rep.Records++
		if consumed[key] {
			return nil
		}
		rep.FreePages += uint64(len(l))
		return u.markList(l, "free")
	})
	if err != nil {
		return rep, err
	}

	if !t.readOnly {
		if err := u.markList(t.w.loose, "loose"); err != nil {
			return rep, err
		}
		if err := u.markList(t.w.relist, "reclaimed"); err != nil {
			return rep, err
		}
		for x := t; x != nil; x = x.w.parent {
			if err := u.markList(x.w.retired, "retired"); err != nil {
				return rep, err
			}
			if err := u.markList(x.w.retiredAncestor, "retired"); err != nil {
				return rep, err
			}
		}
	}

	for pgno, used := range u.seen {
		if !used {
			return rep, errors.Wrapf(errs.ErrCorrupted, "page %d is lost", pgno)
		}
	}
	rep.Pages = uint64(next)
	rep.Entries = t.meta.Trees[meta.MainTree].Items
	return rep, nil
}

// Check runs an integrity check on the head snapshot.
func (e *Env) Check() (CheckReport, error) {
	txn, err := e.BeginRead()
	if err != nil {
		return CheckReport{}, err
	}
	defer txn.Abort()
	return txn.Check()
}
