// Licensed under the MIT License. See LICENSE file in the project root for details.

package meta

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// Slots holds the decoded meta pages; a nil entry is an unusable slot.
type Slots [page.NumMetas]*Meta

// Load decodes and validates the meta pages. Each unusable slot is left nil
// and its reason reported in the returned array.
func Load(pages [page.NumMetas]page.Page, pageSize int) (Slots, [page.NumMetas]error) {
	var (
		slots   Slots
		reasons [page.NumMetas]error
	)
	for i, p := range pages {
		m, err := Decode(p)
		if err == nil {
			err = m.Validate(pageSize)
		}
		if err != nil {
			reasons[i] = errors.Wrapf(err, "meta %d", i)
			continue
		}
		slots[i] = m
	}
	return slots, reasons
}

// Trusted drops weak metas written before the last host reboot. A nil boot
// id means the host does not expose one, in which case weak metas are kept.
// It returns the number of slots dropped.
func (s *Slots) Trusted(bootID uuid.UUID) int {
	dropped := 0
	for i, m := range s {
		if m == nil || !m.IsWeak() || bootID == uuid.Nil || m.BootID == bootID {
			continue
		}
		s[i] = nil
		dropped++
	}
	return dropped
}

// newer reports whether a ranks above b as the head.
func newer(a, b *Meta) bool {
	if a.Txnid() != b.Txnid() {
		return a.Txnid() > b.Txnid()
	}
	return a.IsSteady() && !b.IsSteady()
}

// Head returns the index of the most recent usable slot.
func (s *Slots) Head() (int, error) {
	head := -1
	for i, m := range s {
		if m == nil {
			continue
		}
		if head < 0 || newer(m, s[head]) {
			head = i
		}
	}
	if head < 0 {
		return -1, errors.Wrap(errs.ErrCorrupted, "no valid meta page")
	}
	return head, nil
}

// Steady returns the index of the most recent steady slot, or -1.
func (s *Slots) Steady() int {
	best := -1
	for i, m := range s {
		if m == nil || !m.IsSteady() {
			continue
		}
		if best < 0 || m.Txnid() > s[best].Txnid() {
			best = i
		}
	}
	return best
}

// Target returns the slot the next commit overwrites. The head slot is never
// chosen; when keepSteady is set the most recent steady slot is preserved as
// well. Unusable slots are preferred, then the oldest.
func (s *Slots) Target(head int, keepSteady bool) int {
	steady := -1
	if keepSteady {
		steady = s.Steady()
	}
	target := -1
	for i, m := range s {
		if i == head || i == steady {
			continue
		}
		if m == nil {
			return i
		}
		if target < 0 || m.Txnid() < s[target].Txnid() {
			target = i
		}
	}
	if target < 0 {
		// Head and steady are distinct, so one slot is always left.
		for i := range s {
			if i != head {
				return i
			}
		}
	}
	return target
}
