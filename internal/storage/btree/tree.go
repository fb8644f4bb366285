// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package btree implements the copy-on-write B+tree used for both the main
// key/value tree and the free-list (GC) tree.
//
// The package owns no pages. Every page access goes through a Pager supplied
// by the caller, normally a write or read transaction: Page returns a read
// view, Touch returns a private mutable copy (possibly under a new page
// number), Alloc hands out fresh pages and Retire gives pages back. Because
// mutation always touches the whole root-to-leaf path first, an old snapshot
// never observes a partially modified tree.
//
// # Scope
//
//   - Ordered keys with byte-wise comparison or native integer keys
//   - Values stored inline or, when oversized, in runs of large pages
//   - Page splits on insert; empty pages are unlinked on delete and a branch
//     root with a single child collapses. Underfull pages are not merged.
//
// # Dangers and Warnings
//
//   - **Cursor Invalidation**: a Cursor must not be used after the tree it
//     walks was modified in the same transaction.
//   - **Returned Slices**: keys and values alias pager memory and are only
//     valid for the lifetime of the transaction.
package btree

import (
	"bytes"
	"cmp"
	"encoding/binary"

	"github.com/kianostad/cowdb/internal/storage/page"
)

// Tree flags.
const (
	// IntegerKey orders keys as native little-endian unsigned integers of
	// 4 or 8 bytes.
	IntegerKey uint16 = 0x08
)

// TreeSize is the encoded size of a Tree descriptor.
const TreeSize = 48

// MaxValueSize is the largest value a tree accepts.
const MaxValueSize = 0x7FFFFFFF

const maxDepth = 64

// Tree is the persistent descriptor of one B+tree, embedded in meta pages.
type Tree struct {
	Flags       uint16
	Height      uint16
	DupfixSize  uint32
	Root        page.Pgno
	BranchPages uint32
	LeafPages   uint32
	LargePages  uint32
	Sequence    uint64
	Items       uint64
	ModTxnid    page.Txnid
}

// Empty returns the descriptor of an empty tree.
func Empty(flags uint16) Tree {
	return Tree{Flags: flags, Root: page.InvalidPgno}
}

// IsEmpty reports whether the tree has no root page.
func (t *Tree) IsEmpty() bool { return t.Root == page.InvalidPgno }

// Pages returns the number of pages owned by the tree.
func (t *Tree) Pages() uint64 {
	return uint64(t.BranchPages) + uint64(t.LeafPages) + uint64(t.LargePages)
}

// Encode writes the descriptor into b, which must hold TreeSize bytes.
func (t *Tree) Encode(b []byte) {
	_ = b[TreeSize-1]
	binary.LittleEndian.PutUint16(b[0:], t.Flags)
	binary.LittleEndian.PutUint16(b[2:], t.Height)
	binary.LittleEndian.PutUint32(b[4:], t.DupfixSize)
	binary.LittleEndian.PutUint32(b[8:], uint32(t.Root))
	binary.LittleEndian.PutUint32(b[12:], t.BranchPages)
	binary.LittleEndian.PutUint32(b[16:], t.LeafPages)
	binary.LittleEndian.PutUint32(b[20:], t.LargePages)
	binary.LittleEndian.PutUint64(b[24:], t.Sequence)
	binary.LittleEndian.PutUint64(b[32:], t.Items)
	binary.LittleEndian.PutUint64(b[40:], uint64(t.ModTxnid))
}

// Decode reads a descriptor written by Encode.
func Decode(b []byte) Tree {
	_ = b[TreeSize-1]
	return Tree{
		Flags:       binary.LittleEndian.Uint16(b[0:]),
		Height:      binary.LittleEndian.Uint16(b[2:]),
		DupfixSize:  binary.LittleEndian.Uint32(b[4:]),
		Root:        page.Pgno(binary.LittleEndian.Uint32(b[8:])),
		BranchPages: binary.LittleEndian.Uint32(b[12:]),
		LeafPages:   binary.LittleEndian.Uint32(b[16:]),
		LargePages:  binary.LittleEndian.Uint32(b[20:]),
		Sequence:    binary.LittleEndian.Uint64(b[24:]),
		Items:       binary.LittleEndian.Uint64(b[32:]),
		ModTxnid:    page.Txnid(binary.LittleEndian.Uint64(b[40:])),
	}
}

// Pager provides page access to the tree algorithms.
type Pager interface {
	// PageSize returns the page size of the database.
	PageSize() int
	// Page returns a read view of pgno. For the first page of a large run the
	// view spans the whole run.
	Page(pgno page.Pgno) (page.Page, error)
	// Touch returns a mutable version of pgno. The returned page may carry a
	// different page number, in which case the caller relinks it.
	Touch(pgno page.Pgno) (page.Page, error)
	// Alloc returns npages fresh contiguous pages formatted with flags.
	Alloc(flags uint16, npages int) (page.Page, error)
	// Retire releases npages pages starting at pgno.
	Retire(pgno page.Pgno, npages int) error
}

// Compare returns the key ordering of a tree with the given flags.
func Compare(flags uint16) func(a, b []byte) int {
	if flags&IntegerKey != 0 {
		return compareInt
	}
	return bytes.Compare
}

func compareInt(a, b []byte) int {
	if len(a) != len(b) {
		return cmp.Compare(len(a), len(b))
	}
	switch len(a) {
	case 8:
		return cmp.Compare(binary.LittleEndian.Uint64(a), binary.LittleEndian.Uint64(b))
	case 4:
		return cmp.Compare(binary.LittleEndian.Uint32(a), binary.LittleEndian.Uint32(b))
	default:
		return bytes.Compare(a, b)
	}
}

// IntKey encodes v as an 8-byte integer key.
func IntKey(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// ParseIntKey decodes an 8-byte integer key.
func ParseIntKey(b []byte) (uint64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// maxNodeCost bounds a node so that any two nodes fit one page.
func maxNodeCost(pageSize int) int {
	return (pageSize - page.HeaderSize) / 2
}

// MaxKeySize returns the largest key accepted for the page size.
func MaxKeySize(pageSize int) int {
	return (maxNodeCost(pageSize) - 2 - page.NodeHeaderSize - 4) &^ 1
}

type frame struct {
	pg  page.Page
	idx int
}

// searchLeaf returns the index of the first key >= key and whether it
// matches exactly.
func searchLeaf(p page.Page, key []byte, cmp func(a, b []byte) int) (int, bool) {
	lo, hi := 0, p.NumEntries()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp(p.Key(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < p.NumEntries() && cmp(p.Key(lo), key) == 0
}

// searchBranch returns the index of the child covering key. The key of
// node 0 is ignored.
func searchBranch(p page.Page, key []byte, cmp func(a, b []byte) int) int {
	lo, hi := 1, p.NumEntries()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if cmp(p.Key(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}
