// Licensed under the MIT License. See LICENSE file in the project root for details.

package btree

import (
	"fmt"

	"github.com/kianostad/cowdb/internal/storage/page"
)

// memPager is an in-memory Pager with copy-on-write semantics: pages become
// immutable after freeze and Touch relocates them.
type memPager struct {
	pageSize int
	pages    map[page.Pgno][]byte
	npages   map[page.Pgno]int
	frozen   map[page.Pgno]bool
	retired  map[page.Pgno]int
	next     page.Pgno
}

func newMemPager(pageSize int) *memPager {
	return &memPager{
		pageSize: pageSize,
		pages:    make(map[page.Pgno][]byte),
		npages:   make(map[page.Pgno]int),
		frozen:   make(map[page.Pgno]bool),
		retired:  make(map[page.Pgno]int),
		next:     page.NumMetas,
	}
}

func (m *memPager) PageSize() int { return m.pageSize }

func (m *memPager) Page(pgno page.Pgno) (page.Page, error) {
	b, ok := m.pages[pgno]
	if !ok {
		return nil, fmt.Errorf("page %d not allocated", pgno)
	}
	return page.Page(b), nil
}

func (m *memPager) Touch(pgno page.Pgno) (page.Page, error) {
	src, err := m.Page(pgno)
	if err != nil {
		return nil, err
	}
	if !m.frozen[pgno] {
		return src, nil
	}
	n := m.npages[pgno]
	dst, err := m.Alloc(src.Flags(), n)
	if err != nil {
		return nil, err
	}
	moved := dst.Pgno()
	copy(dst, src)
	dst.SetPgno(moved)
	return dst, m.Retire(pgno, n)
}

func (m *memPager) Alloc(flags uint16, npages int) (page.Page, error) {
	pgno := m.next
	m.next += page.Pgno(npages)
	buf := make([]byte, npages*m.pageSize)
	m.pages[pgno] = buf
	m.npages[pgno] = npages
	return page.Init(buf, pgno, flags), nil
}

func (m *memPager) Retire(pgno page.Pgno, npages int) error {
	if _, ok := m.pages[pgno]; !ok {
		return fmt.Errorf("retire of unknown page %d", pgno)
	}
	if m.npages[pgno] != npages {
		return fmt.Errorf("retire of page %d with %d pages, allocated %d", pgno, npages, m.npages[pgno])
	}
	delete(m.pages, pgno)
	delete(m.npages, pgno)
	delete(m.frozen, pgno)
	m.retired[pgno] = npages
	return nil
}

// freeze makes every live page immutable, as a commit would.
func (m *memPager) freeze() {
	for pgno := range m.pages {
		m.frozen[pgno] = true
	}
}

// live returns the number of pages currently allocated.
func (m *memPager) live() int {
	total := 0
	for _, n := range m.npages {
		total += n
	}
	return total
}
