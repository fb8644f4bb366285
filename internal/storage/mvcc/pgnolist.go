// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"encoding/binary"
	"slices"

	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// List is a sorted set of page numbers.
type List []page.Pgno

// ListOf builds a List from arbitrary page numbers.
func ListOf(pgnos ...page.Pgno) List {
	l := List(slices.Clone(pgnos))
	slices.Sort(l)
	return List(slices.Compact(l))
}

// Clone returns an independent copy.
func (l List) Clone() List { return slices.Clone(l) }

// Contains reports whether pgno is in the list.
func (l List) Contains(pgno page.Pgno) bool {
	_, ok := slices.BinarySearch(l, pgno)
	return ok
}

// Add inserts pgno, keeping the list sorted. Duplicates are ignored.
func (l *List) Add(pgno page.Pgno) {
	i, ok := slices.BinarySearch(*l, pgno)
	if ok {
		return
	}
	*l = slices.Insert(*l, i, pgno)
}

// AddRun inserts n consecutive pages starting at pgno.
func (l *List) AddRun(pgno page.Pgno, n int) {
	if n == 1 {
		l.Add(pgno)
		return
	}
	run := make(List, n)
	for i := range run {
		run[i] = pgno + page.Pgno(i)
	}
	l.Merge(run)
}

// Merge adds every page of other.
func (l *List) Merge(other List) {
	if len(other) == 0 {
		return
	}
	out := make(List, 0, len(*l)+len(other))
	a, b := *l, other
	for len(a) > 0 && len(b) > 0 {
		switch {
		case a[0] < b[0]:
			out, a = append(out, a[0]), a[1:]
		case a[0] > b[0]:
			out, b = append(out, b[0]), b[1:]
		default:
			out, a, b = append(out, a[0]), a[1:], b[1:]
		}
	}
	out = append(out, a...)
	*l = append(out, b...)
}

// Remove deletes pgno and reports whether it was present.
func (l *List) Remove(pgno page.Pgno) bool {
	i, ok := slices.BinarySearch(*l, pgno)
	if ok {
		*l = slices.Delete(*l, i, i+1)
	}
	return ok
}

// TakeRun removes and returns the lowest run of n consecutive pages.
func (l *List) TakeRun(n int) (page.Pgno, bool) {
	s := *l
	if n <= 0 || len(s) < n {
		return 0, false
	}
	for i := 0; i+n <= len(s); i++ {
		if s[i+n-1]-s[i] == page.Pgno(n-1) {
			pgno := s[i]
			*l = slices.Delete(s, i, i+n)
			return pgno, true
		}
	}
	return 0, false
}

// Max returns the highest page number, or 0 for an empty list.
func (l List) Max() page.Pgno {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1]
}

// TrimTail removes pages adjacent to the end of the allocated area and
// returns the lowered end.
func (l *List) TrimTail(next page.Pgno) page.Pgno {
	s := *l
	for len(s) > 0 && s[len(s)-1] == next-1 {
		s = s[:len(s)-1]
		next--
	}
	*l = s
	return next
}

// Check verifies the list is strictly increasing and inside [NumMetas, next).
func (l List) Check(next page.Pgno) error {
	for i, pgno := range l {
		if pgno < page.NumMetas || pgno >= next {
			return errors.Wrapf(errs.ErrCorrupted, "free page %d outside [%d,%d)", pgno, page.NumMetas, next)
		}
		if i > 0 && l[i-1] >= pgno {
			return errors.Wrapf(errs.ErrCorrupted, "free list not ordered at %d", pgno)
		}
	}
	return nil
}

// Encode serializes the list as a record value: a uint32 count followed by
// the page numbers.
func (l List) Encode() []byte {
	b := make([]byte, 4+4*len(l))
	binary.LittleEndian.PutUint32(b, uint32(len(l)))
	for i, pgno := range l {
		binary.LittleEndian.PutUint32(b[4+4*i:], uint32(pgno))
	}
	return b
}

// DecodeList parses a record value written by Encode.
func DecodeList(b []byte) (List, error) {
	if len(b) < 4 {
		return nil, errors.Wrap(errs.ErrCorrupted, "short free-list record")
	}
	n := int(binary.LittleEndian.Uint32(b))
	if len(b) != 4+4*n {
		return nil, errors.Wrapf(errs.ErrCorrupted, "free-list record of %d bytes holds %d pages", len(b), n)
	}
	l := make(List, n)
	for i := range l {
		l[i] = page.Pgno(binary.LittleEndian.Uint32(b[4+4*i:]))
		if i > 0 && l[i-1] >= l[i] {
			return nil, errors.Wrap(errs.ErrCorrupted, "free-list record not ordered")
		}
	}
	return l, nil
}
