// Licensed under the MIT License. See LICENSE file in the project root for details.

package btree

import (
	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// Cursor iterates a tree in key order. Positioning methods return the key
// and value at the new position, or a nil key when the cursor ran off the
// tree.
type Cursor struct {
	p     Pager
	t     *Tree
	cmp   func(a, b []byte) int
	stack []frame
}

// NewCursor returns a cursor over t. The cursor holds t by reference and
// follows root changes made before it is positioned.
func NewCursor(p Pager, t *Tree) *Cursor {
	return &Cursor{p: p, t: t, cmp: Compare(t.Flags)}
}

// First moves to the smallest key.
func (c *Cursor) First() ([]byte, []byte, error) {
	c.stack = c.stack[:0]
	if c.t.IsEmpty() {
		return nil, nil, nil
	}
	return c.edge(c.t.Root, false)
}

// Last moves to the largest key.
func (c *Cursor) Last() ([]byte, []byte, error) {
	c.stack = c.stack[:0]
	if c.t.IsEmpty() {
		return nil, nil, nil
	}
	return c.edge(c.t.Root, true)
}

// Seek moves to the first key >= key.
func (c *Cursor) Seek(key []byte) ([]byte, []byte, error) {
	c.stack = c.stack[:0]
	if c.t.IsEmpty() {
		return nil, nil, nil
	}
	pgno := c.t.Root
	for depth := 0; depth < maxDepth; depth++ {
		pg, err := c.page(pgno)
		if err != nil {
			return nil, nil, err
		}
		if pg.IsBranch() {
			i := searchBranch(pg, key, c.cmp)
			c.stack = append(c.stack, frame{pg, i})
			pgno = pg.Child(i)
			continue
		}
		i, _ := searchLeaf(pg, key, c.cmp)
		if i >= pg.NumEntries() {
			c.stack = append(c.stack, frame{pg, pg.NumEntries() - 1})
			return c.Next()
		}
		c.stack = append(c.stack, frame{pg, i})
		return c.current()
	}
	return nil, nil, errors.Wrap(errs.ErrCorrupted, "tree deeper than limit")
}

// Next moves to the following key.
func (c *Cursor) Next() ([]byte, []byte, error) {
	for lvl := len(c.stack) - 1; lvl >= 0; lvl-- {
		f := &c.stack[lvl]
		if f.idx+1 >= f.pg.NumEntries() {
			continue
		}
		f.idx++
		c.stack = c.stack[:lvl+1]
		if f.pg.IsLeaf() {
			return c.current()
		}
		return c.edge(f.pg.Child(f.idx), false)
	}
	c.stack = c.stack[:0]
	return nil, nil, nil
}

// Prev moves to the preceding key.
func (c *Cursor) Prev() ([]byte, []byte, error) {
	for lvl := len(c.stack) - 1; lvl >= 0; lvl-- {
		f := &c.stack[lvl]
		if f.idx <= 0 {
			continue
		}
		f.idx--
		c.stack = c.stack[:lvl+1]
		if f.pg.IsLeaf() {
			return c.current()
		}
		return c.edge(f.pg.Child(f.idx), true)
	}
	c.stack = c.stack[:0]
	return nil, nil, nil
}

// Current returns the entry under the cursor.
func (c *Cursor) Current() ([]byte, []byte, error) {
	if len(c.stack) == 0 {
		return nil, nil, nil
	}
	return c.current()
}

func (c *Cursor) edge(pgno page.Pgno, last bool) ([]byte, []byte, error) {
	for depth := len(c.stack); depth < maxDepth; depth++ {
		pg, err := c.page(pgno)
		if err != nil {
			return nil, nil, err
		}
		n := pg.NumEntries()
		if n == 0 {
			return nil, nil, errors.Wrapf(errs.ErrCorrupted, "empty page %d inside a tree", pgno)
		}
		i := 0
		if last {
			i = n - 1
		}
		c.stack = append(c.stack, frame{pg, i})
		if pg.IsLeaf() {
			return c.current()
		}
		pgno = pg.Child(i)
	}
	return nil, nil, errors.Wrap(errs.ErrCorrupted, "tree deeper than limit")
}

func (c *Cursor) page(pgno page.Pgno) (page.Page, error) {
	pg, err := c.p.Page(pgno)
	if err != nil {
		return nil, err
	}
	if !pg.IsBranch() && !pg.IsLeaf() {
		return nil, errors.Wrapf(errs.ErrCorrupted, "page %d has type %#x inside a tree", pgno, pg.Type())
	}
	return pg, nil
}

func (c *Cursor) current() ([]byte, []byte, error) {
	f := c.stack[len(c.stack)-1]
	v, err := value(c.p, f.pg, f.idx)
	if err != nil {
		return nil, nil, err
	}
	return f.pg.Key(f.idx), v, nil
}
