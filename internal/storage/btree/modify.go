// Licensed under the MIT License. See LICENSE file in the project root for details.

package btree

import (
	"encoding/binary"
	"slices"

	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// PutFlags alter the behaviour of Put.
type PutFlags uint

const (
	// NoOverwrite fails with ErrKeyExist when the key is present.
	NoOverwrite PutFlags = 1 << iota
)

// entry is a detached copy of a node used while splitting.
type entry struct {
	key   []byte
	data  []byte
	size  int
	flags uint8
	child page.Pgno
}

// Get returns the value stored under key.
func Get(p Pager, t *Tree, key []byte) ([]byte, error) {
	if t.IsEmpty() {
		return nil, errs.ErrNotFound
	}
	path, exact, err := descend(p, t, key)
	if err != nil {
		return nil, err
	}
	if !exact {
		return nil, errs.ErrNotFound
	}
	leaf := path[len(path)-1]
	return value(p, leaf.pg, leaf.idx)
}

// Put stores val under key, replacing an existing value unless NoOverwrite
// is given.
func Put(p Pager, t *Tree, key, val []byte, flags PutFlags) error {
	if len(key) > MaxKeySize(p.PageSize()) {
		return errors.Wrapf(errs.ErrBadValSize, "key of %d bytes", len(key))
	}
	if len(val) > MaxValueSize {
		return errors.Wrapf(errs.ErrBadValSize, "value of %d bytes", len(val))
	}
	if t.IsEmpty() {
		leaf, err := p.Alloc(page.FlagLeaf, 1)
		if err != nil {
			return err
		}
		t.Root = leaf.Pgno()
		t.Height = 1
		t.LeafPages++
		e, err := newLeafEntry(p, t, key, val)
		if err != nil {
			return err
		}
		if !putEntry(leaf, 0, e) {
			return errors.Wrap(errs.ErrPageFull, "empty root leaf")
		}
		t.Items++
		return nil
	}

	path, exact, err := descend(p, t, key)
	if err != nil {
		return err
	}
	if exact && flags&NoOverwrite != 0 {
		return errs.ErrKeyExist
	}
	if err := touchPath(p, t, path); err != nil {
		return err
	}
	leaf := path[len(path)-1]
	if exact {
		if err := retireValue(p, t, leaf.pg, leaf.idx); err != nil {
			return err
		}
		leaf.pg.Remove(leaf.idx)
	} else {
		t.Items++
	}
	e, err := newLeafEntry(p, t, key, val)
	if err != nil {
		return err
	}
	return insert(p, t, path, len(path)-1, leaf.idx, e)
}

// Delete removes key from the tree.
func Delete(p Pager, t *Tree, key []byte) error {
	if t.IsEmpty() {
		return errs.ErrNotFound
	}
	path, exact, err := descend(p, t, key)
	if err != nil {
		return err
	}
	if !exact {
		return errs.ErrNotFound
	}
	if err := touchPath(p, t, path); err != nil {
		return err
	}
	lvl := len(path) - 1
	leaf := path[lvl]
	if err := retireValue(p, t, leaf.pg, leaf.idx); err != nil {
		return err
	}
	leaf.pg.Remove(leaf.idx)
	t.Items--

	// Unlink pages left empty, bottom-up.
	for lvl > 0 && path[lvl].pg.NumEntries() == 0 {
		if err := retirePage(p, t, path[lvl].pg); err != nil {
			return err
		}
		lvl--
		path[lvl].pg.Remove(path[lvl].idx)
	}
	if lvl == 0 && path[0].pg.NumEntries() == 0 {
		if err := retirePage(p, t, path[0].pg); err != nil {
			return err
		}
		t.Root = page.InvalidPgno
		t.Height = 0
		return nil
	}

	// Collapse branch roots with a single child.
	for t.Height > 1 {
		root, err := p.Page(t.Root)
		if err != nil {
			return err
		}
		if !root.IsBranch() || root.NumEntries() != 1 {
			break
		}
		child := root.Child(0)
		if err := retirePage(p, t, root); err != nil {
			return err
		}
		t.Root = child
		t.Height--
	}
	return nil
}

// Drop releases every page of the tree and leaves it empty.
func Drop(p Pager, t *Tree) error {
	type run struct {
		pgno page.Pgno
		n    int
	}
	var runs []run
	err := Walk(p, t, func(pgno page.Pgno, npages int, _ uint16, _ int) error {
		runs = append(runs, run{pgno, npages})
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range runs {
		if err := p.Retire(r.pgno, r.n); err != nil {
			return err
		}
	}
	flags := t.Flags
	seq := t.Sequence
	*t = Empty(flags)
	t.Sequence = seq
	return nil
}

func descend(p Pager, t *Tree, key []byte) ([]frame, bool, error) {
	cmp := Compare(t.Flags)
	path := make([]frame, 0, t.Height)
	pgno := t.Root
	for depth := 0; depth < maxDepth; depth++ {
		pg, err := p.Page(pgno)
		if err != nil {
			return nil, false, err
		}
		switch {
		case pg.IsBranch():
			if pg.NumEntries() == 0 {
				return nil, false, errors.Wrapf(errs.ErrCorrupted, "empty branch page %d", pgno)
			}
			i := searchBranch(pg, key, cmp)
			path = append(path, frame{pg, i})
			pgno = pg.Child(i)
		case pg.IsLeaf():
			i, exact := searchLeaf(pg, key, cmp)
			path = append(path, frame{pg, i})
			return path, exact, nil
		default:
			return nil, false, errors.Wrapf(errs.ErrCorrupted, "page %d has type %#x inside a tree", pgno, pg.Type())
		}
	}
	return nil, false, errors.Wrap(errs.ErrCorrupted, "tree deeper than limit")
}

// touchPath makes every page on the path mutable, relinking relocated pages.
func touchPath(p Pager, t *Tree, path []frame) error {
	for lvl := range path {
		old := path[lvl].pg.Pgno()
		pg, err := p.Touch(old)
		if err != nil {
			return err
		}
		path[lvl].pg = pg
		if pg.Pgno() == old {
			continue
		}
		if lvl == 0 {
			t.Root = pg.Pgno()
		} else {
			parent := path[lvl-1]
			parent.pg.SetChild(parent.idx, pg.Pgno())
		}
	}
	return nil
}

func value(p Pager, leaf page.Page, i int) ([]byte, error) {
	if leaf.NodeFlags(i)&page.NodeBig == 0 {
		return leaf.Data(i), nil
	}
	pgno := leaf.BigPgno(i)
	run, err := p.Page(pgno)
	if err != nil {
		return nil, err
	}
	n := leaf.DataSize(i)
	if !run.IsLarge() || page.HeaderSize+n > len(run) {
		return nil, errors.Wrapf(errs.ErrCorrupted, "large page %d does not hold %d bytes", pgno, n)
	}
	return run[page.HeaderSize : page.HeaderSize+n : page.HeaderSize+n], nil
}

func newLeafEntry(p Pager, t *Tree, key, val []byte) (entry, error) {
	ps := p.PageSize()
	if page.NodeCost(len(key), len(val)) <= maxNodeCost(ps) {
		return entry{key: key, data: val, size: len(val)}, nil
	}
	n := page.LargePages(ps, len(val))
	run, err := p.Alloc(page.FlagLarge, n)
	if err != nil {
		return entry{}, err
	}
	run.SetLargeCount(n)
	copy(run[page.HeaderSize:], val)
	t.LargePages += uint32(n)

	ref := make([]byte, 4)
	binary.LittleEndian.PutUint32(ref, uint32(run.Pgno()))
	return entry{key: key, data: ref, size: len(val), flags: page.NodeBig}, nil
}

func retireValue(p Pager, t *Tree, leaf page.Page, i int) error {
	if leaf.NodeFlags(i)&page.NodeBig == 0 {
		return nil
	}
	pgno := leaf.BigPgno(i)
	run, err := p.Page(pgno)
	if err != nil {
		return err
	}
	n := int(run.LargeCount())
	t.LargePages -= uint32(n)
	return p.Retire(pgno, n)
}

func retirePage(p Pager, t *Tree, pg page.Page) error {
	if pg.IsBranch() {
		t.BranchPages--
	} else {
		t.LeafPages--
	}
	return p.Retire(pg.Pgno(), 1)
}

func putEntry(pg page.Page, i int, e entry) bool {
	if pg.IsBranch() {
		return pg.InsertBranch(i, e.key, e.child)
	}
	return pg.InsertLeaf(i, e.key, e.data, e.size, e.flags)
}

func readEntry(pg page.Page, i int) entry {
	e := entry{key: slices.Clone(pg.Key(i))}
	if pg.IsBranch() {
		e.child = pg.Child(i)
		return e
	}
	e.data = slices.Clone(pg.Data(i))
	e.size = pg.DataSize(i)
	e.flags = pg.NodeFlags(i)
	return e
}

func (e entry) cost(branch, first bool) int {
	switch {
	case branch && first:
		return page.NodeCost(0, 0)
	case branch:
		return page.NodeCost(len(e.key), 0)
	default:
		return page.NodeCost(len(e.key), len(e.data))
	}
}

// insert places e at idx on path[lvl], splitting pages upward as needed.
func insert(p Pager, t *Tree, path []frame, lvl, idx int, e entry) error {
	pg := path[lvl].pg
	if putEntry(pg, idx, e) {
		return nil
	}

	n := pg.NumEntries()
	ents := make([]entry, 0, n+1)
	for i := 0; i < n; i++ {
		ents = append(ents, readEntry(pg, i))
	}
	ents = slices.Insert(ents, idx, e)
	branch := pg.IsBranch()
	sp, err := splitPoint(ents, branch, idx == n, p.PageSize())
	if err != nil {
		return err
	}

	right, err := p.Alloc(pg.Type(), 1)
	if err != nil {
		return err
	}
	if branch {
		t.BranchPages++
	} else {
		t.LeafPages++
	}
	pg.Reset()
	for i, x := range ents[:sp] {
		putEntry(pg, i, x)
	}
	sep := ents[sp].key
	for i, x := range ents[sp:] {
		if branch && i == 0 {
			x.key = nil
		}
		putEntry(right, i, x)
	}

	if lvl == 0 {
		root, err := p.Alloc(page.FlagBranch, 1)
		if err != nil {
			return err
		}
		root.InsertBranch(0, nil, pg.Pgno())
		root.InsertBranch(1, sep, right.Pgno())
		t.Root = root.Pgno()
		t.Height++
		t.BranchPages++
		return nil
	}
	return insert(p, t, path, lvl-1, path[lvl-1].idx+1, entry{key: sep, child: right.Pgno()})
}

// splitPoint picks the first index of the right half so that both halves
// fit a page and are as balanced as possible. An append to a leaf moves only
// the new entry to the right page, which keeps sequential loads dense.
func splitPoint(ents []entry, branch, appending bool, pageSize int) (int, error) {
	room := pageSize - page.HeaderSize
	n := len(ents)
	if n < 2 {
		return 0, errors.Wrap(errs.ErrPageFull, "cannot split a single node")
	}
	costs := make([]int, n)
	total := 0
	for i, e := range ents {
		costs[i] = e.cost(branch, false)
		total += costs[i]
	}
	if appending && !branch && total-costs[n-1] <= room {
		return n - 1, nil
	}

	best, bestDiff := -1, 0
	left := 0
	for sp := 1; sp < n; sp++ {
		left += costs[sp-1]
		right := total - left
		if branch {
			right += ents[sp].cost(true, true) - costs[sp]
		}
		if left > room || right > room {
			continue
		}
		diff := left - right
		if diff < 0 {
			diff = -diff
		}
		if best < 0 || diff < bestDiff {
			best, bestDiff = sp, diff
		}
	}
	if best < 0 {
		return 0, errors.Wrap(errs.ErrPageFull, "no split point fits")
	}
	return best, nil
}
