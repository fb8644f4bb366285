// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package page defines the on-disk page format of the engine.
//
// A database file is an array of fixed-size pages addressed by page number
// (Pgno). Pages 0, 1 and 2 are meta pages; every other page is a B-tree
// branch or leaf page, or the first page of a run of large (overflow) pages
// holding one oversized value.
//
// # Page Layout
//
// Every page starts with a 20-byte little-endian header:
//
//	offset  size  field
//	0       8     txnid         transaction that wrote the page
//	8       2     dupfix ksize  key size on leaf-dupfix pages
//	10      2     flags         page type and runtime markers
//	12      2     lower         bytes used by the node offset array
//	14      2     upper         start of the node area
//	16      4     pgno          page number of this page
//
// For large pages the 4 bytes at offset 12 hold the number of pages in the run.
//
// Branch and leaf pages are slotted: an array of uint16 node offsets grows up
// from the end of the header while nodes grow down from the end of the page.
// Offsets, lower and upper are relative to the end of the header.
//
// # Node Layout
//
//	offset  size  field
//	0       4     data size (leaf) or child page number (branch)
//	4       1     node flags
//	5       1     extra
//	6       2     key size
//	8       ...   key, then data (leaf only)
//
// Node sizes are rounded up to an even number of bytes. A leaf node with the
// NodeBig flag stores, instead of its value, the first page number of the
// large-page run holding the value; the data size field keeps the value size.
//
// # Dangers and Warnings
//
//   - **Aliasing**: a Page is a view over a byte slice. Pages obtained from a
//     read-only mapping must never be modified.
//   - **No Bounds Trust**: accessors assume a page that passed Check; call
//     Check on pages read from disk before walking them.
package page

import (
	"encoding/binary"
)

// Pgno is a page number.
type Pgno uint32

// Txnid is a transaction identifier.
type Txnid uint64

const (
	// HeaderSize is the size of the common page header.
	HeaderSize = 20
	// NodeHeaderSize is the size of a node header.
	NodeHeaderSize = 8
	// NumMetas is the number of meta pages at the start of the file.
	NumMetas = 3

	MinPageSize     = 256
	MaxPageSize     = 65536
	DefaultPageSize = 4096

	// InvalidPgno marks an absent page reference, such as the root of an empty tree.
	InvalidPgno Pgno = 0xFFFFFFFF
	// MaxPgno is the largest addressable page number.
	MaxPgno Pgno = 0x7FFFFFFF
)

const (
	// MinTxnid is the txnid of a freshly created database.
	MinTxnid Txnid = 1
	// InvalidTxnid marks a free or unpinned reader slot.
	InvalidTxnid Txnid = 0xFFFFFFFFFFFFFFFF
	// ReservedTxnid is the lower bound of the reserved range; no committed
	// transaction ever reaches it.
	ReservedTxnid Txnid = 0xFFFFFFFF00000000
)

// Page type flags and runtime markers.
const (
	FlagBranch  uint16 = 0x01
	FlagLeaf    uint16 = 0x02
	FlagLarge   uint16 = 0x04
	FlagMeta    uint16 = 0x08
	FlagBad     uint16 = 0x10
	FlagDupfix  uint16 = 0x20
	FlagSubpage uint16 = 0x40
	FlagSpilled uint16 = 0x2000
	FlagLoose   uint16 = 0x4000
	FlagFrozen  uint16 = 0x8000

	typeMask = FlagBranch | FlagLeaf | FlagLarge | FlagMeta | FlagDupfix | FlagSubpage
)

// Node flags.
const (
	NodeBig  uint8 = 0x01
	NodeTree uint8 = 0x02
	NodeDup  uint8 = 0x04
)

// ValidPageSize reports whether ps is a supported page size.
func ValidPageSize(ps int) bool {
	return ps >= MinPageSize && ps <= MaxPageSize && ps&(ps-1) == 0
}

// Page is a view over the bytes of one page (or of a whole large-page run).
type Page []byte

// Init formats buf as an empty page and returns it.
func Init(buf []byte, pgno Pgno, flags uint16) Page {
	p := Page(buf)
	clear(p[:HeaderSize])
	p.SetPgno(pgno)
	p.SetFlags(flags)
	if flags&(FlagLarge|FlagMeta) == 0 {
		p.setLower(0)
		p.setUpper(uint16(usable(len(buf))))
	}
	return p
}

// usable returns the number of bytes after the header, capped to the uint16
// range of upper.
func usable(n int) int {
	u := n - HeaderSize
	if u > 0xFFFF {
		u = 0xFFFF &^ 1
	}
	return u
}

func (p Page) Txnid() Txnid        { return Txnid(binary.LittleEndian.Uint64(p[0:])) }
func (p Page) SetTxnid(t Txnid)    { binary.LittleEndian.PutUint64(p[0:], uint64(t)) }
func (p Page) DupfixSize() uint16  { return binary.LittleEndian.Uint16(p[8:]) }
func (p Page) Flags() uint16       { return binary.LittleEndian.Uint16(p[10:]) }
func (p Page) SetFlags(f uint16)   { binary.LittleEndian.PutUint16(p[10:], f) }
func (p Page) Pgno() Pgno          { return Pgno(binary.LittleEndian.Uint32(p[16:])) }
func (p Page) SetPgno(n Pgno)      { binary.LittleEndian.PutUint32(p[16:], uint32(n)) }
func (p Page) lower() uint16       { return binary.LittleEndian.Uint16(p[12:]) }
func (p Page) upper() uint16       { return binary.LittleEndian.Uint16(p[14:]) }
func (p Page) setLower(v uint16)   { binary.LittleEndian.PutUint16(p[12:], v) }
func (p Page) setUpper(v uint16)   { binary.LittleEndian.PutUint16(p[14:], v) }
func (p Page) IsBranch() bool      { return p.Flags()&FlagBranch != 0 }
func (p Page) IsLeaf() bool        { return p.Flags()&FlagLeaf != 0 }
func (p Page) IsLarge() bool       { return p.Flags()&FlagLarge != 0 }
func (p Page) IsMeta() bool        { return p.Flags()&FlagMeta != 0 }
func (p Page) Type() uint16        { return p.Flags() & typeMask }
func (p Page) LargeCount() uint32  { return binary.LittleEndian.Uint32(p[12:]) }
func (p Page) SetLargeCount(n int) { binary.LittleEndian.PutUint32(p[12:], uint32(n)) }

// Payload returns the bytes after the header of a large-page run.
func (p Page) Payload() []byte { return p[HeaderSize:] }

// LargePages returns the number of pages a large run needs for a value of
// size n.
func LargePages(pageSize, n int) int {
	return (HeaderSize + n + pageSize - 1) / pageSize
}

// NumEntries returns the number of nodes on a branch or leaf page.
func (p Page) NumEntries() int { return int(p.lower() >> 1) }

// Free returns the number of unused bytes between the offset array and the
// node area.
func (p Page) Free() int { return int(p.upper()) - int(p.lower()) }

// Used returns the bytes consumed by nodes and offsets.
func (p Page) Used() int { return usable(len(p)) - p.Free() }

func (p Page) ptr(i int) int {
	return int(binary.LittleEndian.Uint16(p[HeaderSize+2*i:]))
}

func (p Page) setPtr(i int, off int) {
	binary.LittleEndian.PutUint16(p[HeaderSize+2*i:], uint16(off))
}

// node returns the absolute offset of node i.
func (p Page) node(i int) int { return HeaderSize + p.ptr(i) }

func (p Page) NodeFlags(i int) uint8 { return p[p.node(i)+4] }

func (p Page) keySize(i int) int {
	return int(binary.LittleEndian.Uint16(p[p.node(i)+6:]))
}

// Key returns the key of node i. The slice aliases the page.
func (p Page) Key(i int) []byte {
	off := p.node(i) + NodeHeaderSize
	return p[off : off+p.keySize(i) : off+p.keySize(i)]
}

// DataSize returns the logical value size of leaf node i.
func (p Page) DataSize(i int) int {
	return int(binary.LittleEndian.Uint32(p[p.node(i):]))
}

// Data returns the inline data of leaf node i: the value itself, or the
// 4-byte first page number of its large run when NodeBig is set.
func (p Page) Data(i int) []byte {
	off := p.node(i) + NodeHeaderSize + p.keySize(i)
	n := p.DataSize(i)
	if p.NodeFlags(i)&NodeBig != 0 {
		n = 4
	}
	return p[off : off+n : off+n]
}

// BigPgno returns the first page of the large run of leaf node i.
func (p Page) BigPgno(i int) Pgno {
	return Pgno(binary.LittleEndian.Uint32(p.Data(i)))
}

// Child returns the child page number of branch node i.
func (p Page) Child(i int) Pgno {
	return Pgno(binary.LittleEndian.Uint32(p[p.node(i):]))
}

// SetChild updates the child page number of branch node i.
func (p Page) SetChild(i int, child Pgno) {
	binary.LittleEndian.PutUint32(p[p.node(i):], uint32(child))
}

func align2(n int) int { return (n + 1) &^ 1 }

// NodeSize returns the even-aligned size of a node with the given key and
// inline data lengths, excluding its offset slot.
func NodeSize(klen, dlen int) int {
	return align2(NodeHeaderSize + klen + dlen)
}

// NodeCost returns the space a node consumes including its offset slot.
func NodeCost(klen, dlen int) int {
	return NodeSize(klen, dlen) + 2
}

func (p Page) nodeSize(i int) int {
	if p.IsBranch() {
		return NodeSize(p.keySize(i), 0)
	}
	return NodeSize(p.keySize(i), len(p.Data(i)))
}

// EntryCost returns the space node i consumes including its offset slot.
func (p Page) EntryCost(i int) int { return p.nodeSize(i) + 2 }

// InsertLeaf inserts a leaf node at index i. size is the logical value size
// stored in the header; for NodeBig nodes data is the encoded page number.
// It reports false when the page has no room.
func (p Page) InsertLeaf(i int, key, data []byte, size int, flags uint8) bool {
	off, ok := p.reserve(i, NodeSize(len(key), len(data)))
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint32(p[off:], uint32(size))
	p[off+4] = flags
	p[off+5] = 0
	binary.LittleEndian.PutUint16(p[off+6:], uint16(len(key)))
	copy(p[off+NodeHeaderSize:], key)
	copy(p[off+NodeHeaderSize+len(key):], data)
	return true
}

// InsertBranch inserts a branch node at index i.
func (p Page) InsertBranch(i int, key []byte, child Pgno) bool {
	off, ok := p.reserve(i, NodeSize(len(key), 0))
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint32(p[off:], uint32(child))
	p[off+4] = 0
	p[off+5] = 0
	binary.LittleEndian.PutUint16(p[off+6:], uint16(len(key)))
	copy(p[off+NodeHeaderSize:], key)
	return true
}

// reserve carves sz bytes from the node area and opens offset slot i.
func (p Page) reserve(i int, sz int) (int, bool) {
	n := p.NumEntries()
	if i < 0 || i > n || p.Free() < sz+2 {
		return 0, false
	}
	upper := int(p.upper()) - sz
	for j := n; j > i; j-- {
		p.setPtr(j, p.ptr(j-1))
	}
	p.setPtr(i, upper)
	p.setLower(p.lower() + 2)
	p.setUpper(uint16(upper))
	return HeaderSize + upper, true
}

// Remove deletes node i and compacts the node area.
func (p Page) Remove(i int) {
	n := p.NumEntries()
	off := p.ptr(i)
	sz := p.nodeSize(i)
	upper := int(p.upper())

	// Shift the nodes stored below the removed one up by sz.
	copy(p[HeaderSize+upper+sz:HeaderSize+off+sz], p[HeaderSize+upper:HeaderSize+off])
	for j := 0; j < n; j++ {
		if q := p.ptr(j); q < off {
			p.setPtr(j, q+sz)
		}
	}
	for j := i; j < n-1; j++ {
		p.setPtr(j, p.ptr(j+1))
	}
	p.setLower(p.lower() - 2)
	p.setUpper(uint16(upper + sz))
}

// Reset empties a branch or leaf page keeping its number and type.
func (p Page) Reset() {
	p.setLower(0)
	p.setUpper(uint16(usable(len(p))))
}
