// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package readers implements the shared reader table: the registry of live
// read snapshots that bounds page reclamation.
//
// The table lives in the memory-mapped lock file and is shared by every
// process that opened the database. Each read transaction owns one
// cache-line-sized slot in which it publishes the txnid of the snapshot it
// pins. Writers scan the slots without taking any lock and compute the
// oldest pinned snapshot (the reader horizon); pages retired after that
// snapshot stay reserved until it is released.
//
// # Key Features
//
//   - Lock-free horizon computation for writers
//   - Slot claim under the registration lock, publication with atomic stores
//   - 64-byte slots so readers never share a cache line
//   - Liveness sweep for slots left behind by crashed processes
//   - Ousting of lagging readers on behalf of a host policy
//
// # Usage Examples
//
//	table := readers.Init(lockFileMemory, 126)
//
//	slot, err := table.Acquire(pid, tid) // under the registration lock
//	slot.Pin(txnid, pagesUsed, pagesRetired, now)
//	...
//	slot.Release()
//
//	horizon := table.Oldest(head + 1)
//
// # Slot Layout
//
//	offset  size  field
//	0       8     txnid          pinned snapshot, or InvalidTxnid when idle
//	8       8     tid            owning thread (informational)
//	16      4     pid            owning process, 0 when the slot is free
//	24      8     pages used     first unallocated page of the snapshot
//	32      8     pages retired  cumulative retired pages at snapshot start
//	40      8     pinned at      monotonic timestamp of the pin
//
// # Dangers and Warnings
//
//   - **Registration Order**: every Acquire needs a matching Release, or the
//     slot keeps pinning its snapshot until a liveness sweep.
//   - **Stale Slots**: a slot of a crashed process is only recycled by Reset
//     (exclusive open) or by an explicit Sweep.
//   - **Long Readers**: a reader that stays pinned prevents reuse of every
//     page retired after its snapshot and grows the file.
//
// # Thread Safety
//
// Slot fields are accessed with atomic operations only. Acquire and Sweep
// must run under the registration lock; everything else is lock-free.
package readers

import (
	"encoding/binary"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/page"
)

const (
	// HeaderSize is the size of the table header.
	HeaderSize = 128
	// SlotSize is the size of one reader slot.
	SlotSize = 64

	// Magic identifies a lock file.
	Magic uint64 = 0x0C0DB10C4F11E5
	// Format is the layout version of the lock file.
	Format uint32 = 1

	// Ousted is published into a slot whose reader was evicted.
	Ousted = page.InvalidTxnid - 1
)

const (
	hdrMagic      = 0
	hdrFormat     = 8
	hdrMaxReaders = 12
	hdrNumReaders = 16
	hdrWriterPid  = 20

	slotTxnid        = 0
	slotTid          = 8
	slotPid          = 16
	slotPagesUsed    = 24
	slotPagesRetired = 32
	slotPinnedAt     = 40
)

// Size returns the bytes needed for a table of maxReaders slots.
func Size(maxReaders int) int {
	return HeaderSize + maxReaders*SlotSize
}

// Table is a view over the shared reader table.
type Table struct {
	mem []byte
	max int
}

// Info describes one occupied slot.
type Info struct {
	Slot         int
	Pid          uint32
	Tid          uint64
	Txnid        page.Txnid
	PagesUsed    uint64
	PagesRetired uint64
	PinnedAt     time.Duration
}

// Pinned reports whether the slot holds a live snapshot.
func (i Info) Pinned() bool { return i.Txnid < page.ReservedTxnid }

// Init formats mem as an empty table of maxReaders slots.
func Init(mem []byte, maxReaders int) (*Table, error) {
	if maxReaders <= 0 || len(mem) < Size(maxReaders) {
		return nil, errors.Wrapf(errs.ErrInvalidOption, "reader table of %d slots in %d bytes", maxReaders, len(mem))
	}
	t := &Table{mem: mem, max: maxReaders}
	clear(mem[:Size(maxReaders)])
	for i := 0; i < maxReaders; i++ {
		t.u64(t.slot(i) + slotTxnid).Store(uint64(page.InvalidTxnid))
	}
	binary.LittleEndian.PutUint32(mem[hdrFormat:], Format)
	binary.LittleEndian.PutUint32(mem[hdrMaxReaders:], uint32(maxReaders))
	t.u64(hdrMagic).Store(Magic)
	return t, nil
}

// Attach validates and opens a table formatted by another process.
func Attach(mem []byte) (*Table, error) {
	if len(mem) < HeaderSize {
		return nil, errors.Wrap(errs.ErrInvalid, "lock file too short")
	}
	t := &Table{mem: mem}
	if t.u64(hdrMagic).Load() != Magic {
		return nil, errors.Wrap(errs.ErrInvalid, "bad lock file magic")
	}
	if f := binary.LittleEndian.Uint32(mem[hdrFormat:]); f != Format {
		return nil, errors.Wrapf(errs.ErrVersionMismatch, "lock file format %d, want %d", f, Format)
	}
	t.max = int(binary.LittleEndian.Uint32(mem[hdrMaxReaders:]))
	if t.max <= 0 || len(mem) < Size(t.max) {
		return nil, errors.Wrapf(errs.ErrCorrupted, "lock file holds %d bytes for %d readers", len(mem), t.max)
	}
	return t, nil
}

func (t *Table) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&t.mem[off]))
}

func (t *Table) u32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&t.mem[off]))
}

func (t *Table) slot(i int) int { return HeaderSize + i*SlotSize }

// MaxReaders returns the number of slots.
func (t *Table) MaxReaders() int { return t.max }

// NumReaders returns the high-water mark of used slots.
func (t *Table) NumReaders() int { return int(t.u32(hdrNumReaders).Load()) }

// WriterPid returns the pid of the process holding the writer lock, or 0.
func (t *Table) WriterPid() uint32 { return t.u32(hdrWriterPid).Load() }

// SetWriterPid records the writer lock owner for diagnostics.
func (t *Table) SetWriterPid(pid uint32) { t.u32(hdrWriterPid).Store(pid) }

// Reset frees every slot. Only safe while no other process uses the table.
func (t *Table) Reset() int {
	stale := 0
	for i := 0; i < t.max; i++ {
		off := t.slot(i)
		if t.u32(off+slotPid).Load() != 0 {
			stale++
		}
		t.clearSlot(off)
	}
	t.u32(hdrNumReaders).Store(0)
	t.u32(hdrWriterPid).Store(0)
	return stale
}

func (t *Table) clearSlot(off int) {
	t.u64(off + slotTxnid).Store(uint64(page.InvalidTxnid))
	t.u64(off + slotTid).Store(0)
	t.u64(off + slotPagesUsed).Store(0)
	t.u64(off + slotPagesRetired).Store(0)
	t.u64(off + slotPinnedAt).Store(0)
	t.u32(off + slotPid).Store(0)
}

// Acquire claims a free slot for pid. The caller holds the registration lock.
func (t *Table) Acquire(pid uint32, tid uint64) (*Slot, error) {
	for i := 0; i < t.max; i++ {
		off := t.slot(i)
		if t.u32(off+slotPid).Load() != 0 {
			continue
		}
		t.u64(off + slotTxnid).Store(uint64(page.InvalidTxnid))
		t.u64(off + slotTid).Store(tid)
		t.u32(off + slotPid).Store(pid)
		for {
			n := t.u32(hdrNumReaders).Load()
			if uint32(i) < n || t.u32(hdrNumReaders).CompareAndSwap(n, uint32(i+1)) {
				break
			}
		}
		return &Slot{t: t, idx: i, off: off}, nil
	}
	return nil, errors.Wrapf(errs.ErrReadersFull, "all %d reader slots in use", t.max)
}

// Oldest returns the smallest txnid pinned by any slot, or limit when every
// pinned txnid is at least limit.
func (t *Table) Oldest(limit page.Txnid) page.Txnid {
	oldest := limit
	n := t.NumReaders()
	for i := 0; i < n; i++ {
		txnid := page.Txnid(t.u64(t.slot(i) + slotTxnid).Load())
		if txnid < oldest {
			oldest = txnid
		}
	}
	return oldest
}

// ActiveCount returns the number of slots pinning a snapshot.
func (t *Table) ActiveCount() int {
	count := 0
	n := t.NumReaders()
	for i := 0; i < n; i++ {
		if page.Txnid(t.u64(t.slot(i)+slotTxnid).Load()) < page.ReservedTxnid {
			count++
		}
	}
	return count
}

// List returns every occupied slot.
func (t *Table) List() []Info {
	var out []Info
	n := t.NumReaders()
	for i := 0; i < n; i++ {
		off := t.slot(i)
		pid := t.u32(off + slotPid).Load()
		if pid == 0 {
			continue
		}
		out = append(out, Info{
			Slot:         i,
			Pid:          pid,
			Tid:          t.u64(off + slotTid).Load(),
			Txnid:        page.Txnid(t.u64(off + slotTxnid).Load()),
			PagesUsed:    t.u64(off + slotPagesUsed).Load(),
			PagesRetired: t.u64(off + slotPagesRetired).Load(),
			PinnedAt:     time.Duration(t.u64(off + slotPinnedAt).Load()),
		})
	}
	return out
}

// Oust evicts the reader in slot i if it still pins txnid. The reader
// notices on its next page access.
func (t *Table) Oust(i int, txnid page.Txnid) bool {
	if i < 0 || i >= t.max {
		return false
	}
	return t.u64(t.slot(i)+slotTxnid).CompareAndSwap(uint64(txnid), uint64(Ousted))
}

// Sweep frees slots whose owning process is gone. The caller holds the
// registration lock.
func (t *Table) Sweep(alive func(pid uint32) bool) int {
	cleared := 0
	checked := map[uint32]bool{}
	n := t.NumReaders()
	for i := 0; i < n; i++ {
		off := t.slot(i)
		pid := t.u32(off + slotPid).Load()
		if pid == 0 {
			continue
		}
		live, ok := checked[pid]
		if !ok {
			live = alive(pid)
			checked[pid] = live
		}
		if !live {
			t.clearSlot(off)
			cleared++
		}
	}
	return cleared
}

// Slot is a claimed reader slot.
type Slot struct {
	t   *Table
	idx int
	off int
}

// Index returns the slot position in the table.
func (s *Slot) Index() int { return s.idx }

// Pin publishes the snapshot the reader uses. The txnid store comes last so
// a scanning writer never sees a txnid with stale companion fields.
func (s *Slot) Pin(txnid page.Txnid, pagesUsed, pagesRetired uint64, now time.Duration) {
	s.t.u64(s.off + slotPagesUsed).Store(pagesUsed)
	s.t.u64(s.off + slotPagesRetired).Store(pagesRetired)
	s.t.u64(s.off + slotPinnedAt).Store(uint64(now))
	s.t.u64(s.off + slotTxnid).Store(uint64(txnid))
}

// Txnid returns the txnid currently published in the slot.
func (s *Slot) Txnid() page.Txnid {
	return page.Txnid(s.t.u64(s.off + slotTxnid).Load())
}

// Ousted reports whether a writer evicted this reader.
func (s *Slot) Ousted() bool { return s.Txnid() == Ousted }

// Unpin stops pinning a snapshot but keeps the slot.
func (s *Slot) Unpin() {
	s.t.u64(s.off + slotTxnid).Store(uint64(page.InvalidTxnid))
}

// Release frees the slot.
func (s *Slot) Release() {
	s.t.clearSlot(s.off)
}
