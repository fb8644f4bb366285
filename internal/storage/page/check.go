// Licensed under the MIT License. See LICENSE file in the project root for details.

package page

import (
	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/errs"
)

// Check validates the structure of a page read from disk: its number, its
// type and, for branch and leaf pages, that every node lies inside the page.
func (p Page) Check(pgno Pgno, pageSize int) error {
	if len(p) < pageSize || len(p) < HeaderSize {
		return errors.Wrapf(errs.ErrCorrupted, "page %d: short page (%d bytes)", pgno, len(p))
	}
	if got := p.Pgno(); got != pgno {
		return errors.Wrapf(errs.ErrCorrupted, "page %d: header says %d", pgno, got)
	}
	switch p.Type() {
	case FlagBranch, FlagLeaf:
	case FlagLarge:
		if n := p.LargeCount(); n == 0 || int(n)*pageSize > len(p) {
			return errors.Wrapf(errs.ErrCorrupted, "page %d: bad large run length %d", pgno, n)
		}
		return nil
	case FlagMeta:
		return nil
	default:
		return errors.Wrapf(errs.ErrCorrupted, "page %d: bad flags %#x", pgno, p.Flags())
	}

	room := usable(pageSize)
	lower, upper := int(p.lower()), int(p.upper())
	if lower&1 != 0 || lower > upper || upper > room {
		return errors.Wrapf(errs.ErrCorrupted, "page %d: bad bounds lower=%d upper=%d", pgno, lower, upper)
	}
	for i := 0; i < p.NumEntries(); i++ {
		off := p.ptr(i)
		if off < upper || off+NodeHeaderSize > room {
			return errors.Wrapf(errs.ErrCorrupted, "page %d: node %d offset %d out of range", pgno, i, off)
		}
		ks := p.keySize(i)
		end := off + NodeHeaderSize + ks
		if p.IsLeaf() {
			ds := p.DataSize(i)
			if p.NodeFlags(i)&NodeBig != 0 {
				ds = 4
			}
			end += ds
		}
		if end > room {
			return errors.Wrapf(errs.ErrCorrupted, "page %d: node %d overruns page", pgno, i)
		}
	}
	return nil
}
