// Licensed under the MIT License. See LICENSE file in the project root for details.

package btree

import (
	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// VisitFunc is called once per page (or large run) owned by a tree.
type VisitFunc func(pgno page.Pgno, npages int, kind uint16, depth int) error

// Walk visits every page of the tree depth-first, validating each page.
func Walk(p Pager, t *Tree, fn VisitFunc) error {
	if t.IsEmpty() {
		return nil
	}
	return walk(p, t.Root, 1, fn)
}

func walk(p Pager, pgno page.Pgno, depth int, fn VisitFunc) error {
	if depth > maxDepth {
		return errors.Wrap(errs.ErrCorrupted, "tree deeper than limit")
	}
	pg, err := p.Page(pgno)
	if err != nil {
		return err
	}
	if err := pg.Check(pgno, p.PageSize()); err != nil {
		return err
	}
	if !pg.IsBranch() && !pg.IsLeaf() {
		return errors.Wrapf(errs.ErrCorrupted, "page %d has type %#x inside a tree", pgno, pg.Type())
	}
	if err := fn(pgno, 1, pg.Type(), depth); err != nil {
		return err
	}
	for i := 0; i < pg.NumEntries(); i++ {
		if pg.IsBranch() {
			if err := walk(p, pg.Child(i), depth+1, fn); err != nil {
				return err
			}
			continue
		}
		if pg.NodeFlags(i)&page.NodeBig == 0 {
			continue
		}
		big := pg.BigPgno(i)
		run, err := p.Page(big)
		if err != nil {
			return err
		}
		if err := run.Check(big, p.PageSize()); err != nil {
			return err
		}
		if !run.IsLarge() || page.LargePages(p.PageSize(), pg.DataSize(i)) != int(run.LargeCount()) {
			return errors.Wrapf(errs.ErrCorrupted, "large run %d does not match its node", big)
		}
		if err := fn(big, int(run.LargeCount()), page.FlagLarge, depth); err != nil {
			return err
		}
	}
	return nil
}
