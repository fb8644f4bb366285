// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package meta implements the meta page protocol: the encoding of the three
// rotating meta pages at the start of the data file, their validation and
// torn-write detection, the choice of the current head and the choice of the
// slot the next commit overwrites.
//
// # Meta Body Layout
//
// The body follows the common page header (all little-endian):
//
//	offset  size  field
//	0       8     magic and format version
//	8       8     txnid_a
//	16      4     flags
//	20      4     page size
//	24      24    geometry: lower, upper, now, next, grow step, shrink threshold
//	48      48    GC tree descriptor
//	96      48    main tree descriptor
//	144     32    canary (four user-defined uint64 markers)
//	176     8     durability signature
//	184     8     txnid_b
//	192     8     cumulative retired page count
//	200     16    boot id of the committing host
//	216     16    database id
//
// A slot is trusted only when txnid_a equals txnid_b. Commits write the slot
// once with txnid_b cleared and then again with txnid_b set, so a write torn
// at any point leaves the two stamps disagreeing.
//
// # Durability Signature
//
//   - SignNone (0): never written by a completed commit
//   - SignWeak (1): the commit skipped its data sync; trusted only while the
//     host has not rebooted (same boot id)
//   - steady (>= 2): a BLAKE3 digest of the body, proving the commit was made
//     durable and the page is intact
//
// # Dangers and Warnings
//
//   - **Three Slots**: a weak commit never overwrites the newest steady slot,
//     so there is always a durable fallback after a host crash.
package meta

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/btree"
	"github.com/kianostad/cowdb/internal/storage/page"
)

const (
	// Magic identifies a data file. Only the low 56 bits are used; the top
	// byte of the combined field carries the format version.
	Magic uint64 = 0x0C0DB5EEDC0FFE
	// Version is the on-disk format version.
	Version uint8 = 1

	// BodySize is the encoded size of the meta body.
	BodySize = 232
	// Size is the number of bytes a meta occupies from the page start.
	Size = page.HeaderSize + BodySize
)

// Tree slots.
const (
	GCTree   = 0
	MainTree = 1
	NumTrees = 2
)

// Signatures.
const (
	SignNone uint64 = 0
	SignWeak uint64 = 1
)

const (
	offMagic        = 0
	offTxnidA       = 8
	offFlags        = 16
	offPageSize     = 20
	offGeo          = 24
	offTrees        = 48
	offCanary       = 144
	offSign         = 176
	offTxnidB       = 184
	offPagesRetired = 192
	offBootID       = 200
	offDxbID        = 216
)

// Geometry is the size policy of the data file, in pages.
type Geometry struct {
	Lower           page.Pgno
	Upper           page.Pgno
	Now             page.Pgno
	Next            page.Pgno
	GrowStep        uint32
	ShrinkThreshold uint32
}

// Canary holds four user-defined markers persisted with every commit.
type Canary struct {
	X, Y, Z, V uint64
}

// Meta is the decoded content of one meta page.
type Meta struct {
	TxnidA       page.Txnid
	TxnidB       page.Txnid
	Flags        uint32
	PageSize     uint32
	Geo          Geometry
	Trees        [NumTrees]btree.Tree
	Canary       Canary
	Sign         uint64
	PagesRetired uint64
	BootID       uuid.UUID
	DxbID        uuid.UUID

	version uint8
	magic   uint64
}

// New returns a meta for a fresh database.
func New(pageSize uint32, geo Geometry, dxbID uuid.UUID) *Meta {
	return &Meta{
		TxnidA:   page.MinTxnid,
		TxnidB:   page.MinTxnid,
		PageSize: pageSize,
		Geo:      geo,
		Trees:    [NumTrees]btree.Tree{btree.Empty(btree.IntegerKey), btree.Empty(0)},
		DxbID:    dxbID,
		version:  Version,
		magic:    Magic,
	}
}

// Txnid returns the committed transaction id of the meta.
func (m *Meta) Txnid() page.Txnid { return m.TxnidA }

// SetTxnid stamps both txnid fields.
func (m *Meta) SetTxnid(t page.Txnid) {
	m.TxnidA = t
	m.TxnidB = t
}

// IsSteady reports whether the meta carries a durable signature.
func (m *Meta) IsSteady() bool { return m.Sign > SignWeak }

// IsWeak reports whether the meta was committed without a data sync.
func (m *Meta) IsWeak() bool { return m.Sign == SignWeak }

// Decode reads the meta stored in p, which must hold at least Size bytes.
// It does not validate; see Validate.
func Decode(p page.Page) (*Meta, error) {
	if len(p) < Size {
		return nil, errors.Wrapf(errs.ErrCorrupted, "meta page of %d bytes", len(p))
	}
	b := p[page.HeaderSize:]
	mv := binary.LittleEndian.Uint64(b[offMagic:])
	m := &Meta{
		magic:        mv & (1<<56 - 1),
		version:      uint8(mv >> 56),
		TxnidA:       page.Txnid(binary.LittleEndian.Uint64(b[offTxnidA:])),
		Flags:        binary.LittleEndian.Uint32(b[offFlags:]),
		PageSize:     binary.LittleEndian.Uint32(b[offPageSize:]),
		Sign:         binary.LittleEndian.Uint64(b[offSign:]),
		TxnidB:       page.Txnid(binary.LittleEndian.Uint64(b[offTxnidB:])),
		PagesRetired: binary.LittleEndian.Uint64(b[offPagesRetired:]),
	}
	g := b[offGeo:]
	m.Geo = Geometry{
		Lower:           page.Pgno(binary.LittleEndian.Uint32(g[0:])),
		Upper:           page.Pgno(binary.LittleEndian.Uint32(g[4:])),
		Now:             page.Pgno(binary.LittleEndian.Uint32(g[8:])),
		Next:            page.Pgno(binary.LittleEndian.Uint32(g[12:])),
		GrowStep:        binary.LittleEndian.Uint32(g[16:]),
		ShrinkThreshold: binary.LittleEndian.Uint32(g[20:]),
	}
	for i := range m.Trees {
		m.Trees[i] = btree.Decode(b[offTrees+i*btree.TreeSize:])
	}
	c := b[offCanary:]
	m.Canary = Canary{
		X: binary.LittleEndian.Uint64(c[0:]),
		Y: binary.LittleEndian.Uint64(c[8:]),
		Z: binary.LittleEndian.Uint64(c[16:]),
		V: binary.LittleEndian.Uint64(c[24:]),
	}
	copy(m.BootID[:], b[offBootID:offBootID+16])
	copy(m.DxbID[:], b[offDxbID:offDxbID+16])
	return m, nil
}

// Encode formats p as meta page slot and writes m into it. The signature
// field is written as stored in m; use Seal to compute it.
func (m *Meta) Encode(p page.Page, slot int) {
	clear(p[:Size])
	p.SetPgno(page.Pgno(slot))
	p.SetFlags(page.FlagMeta)
	p.SetTxnid(m.TxnidA)

	b := p[page.HeaderSize:]
	binary.LittleEndian.PutUint64(b[offMagic:], Magic|uint64(Version)<<56)
	binary.LittleEndian.PutUint64(b[offTxnidA:], uint64(m.TxnidA))
	binary.LittleEndian.PutUint32(b[offFlags:], m.Flags)
	binary.LittleEndian.PutUint32(b[offPageSize:], m.PageSize)
	g := b[offGeo:]
	binary.LittleEndian.PutUint32(g[0:], uint32(m.Geo.Lower))
	binary.LittleEndian.PutUint32(g[4:], uint32(m.Geo.Upper))
	binary.LittleEndian.PutUint32(g[8:], uint32(m.Geo.Now))
	binary.LittleEndian.PutUint32(g[12:], uint32(m.Geo.Next))
	binary.LittleEndian.PutUint32(g[16:], m.Geo.GrowStep)
	binary.LittleEndian.PutUint32(g[20:], m.Geo.ShrinkThreshold)
	for i := range m.Trees {
		m.Trees[i].Encode(b[offTrees+i*btree.TreeSize:])
	}
	c := b[offCanary:]
	binary.LittleEndian.PutUint64(c[0:], m.Canary.X)
	binary.LittleEndian.PutUint64(c[8:], m.Canary.Y)
	binary.LittleEndian.PutUint64(c[16:], m.Canary.Z)
	binary.LittleEndian.PutUint64(c[24:], m.Canary.V)
	binary.LittleEndian.PutUint64(b[offSign:], m.Sign)
	binary.LittleEndian.PutUint64(b[offTxnidB:], uint64(m.TxnidB))
	binary.LittleEndian.PutUint64(b[offPagesRetired:], m.PagesRetired)
	copy(b[offBootID:], m.BootID[:])
	copy(b[offDxbID:], m.DxbID[:])
}

// Seal sets the signature of m: steady when durable, weak otherwise.
func (m *Meta) Seal(durable bool) {
	if !durable {
		m.Sign = SignWeak
		return
	}
	m.Sign = m.signature()
}

// signature digests the body fields preceding the signature.
func (m *Meta) signature() uint64 {
	buf := make([]byte, Size)
	saved := m.Sign
	m.Encode(buf, 0)
	m.Sign = saved
	sum := blake3.Sum256(buf[page.HeaderSize+offTxnidA : page.HeaderSize+offSign])
	sig := binary.LittleEndian.Uint64(sum[:8])
	if sig <= SignWeak {
		sig += 2
	}
	return sig
}

// TxnidBOffset is the offset of txnid_b from the start of the page.
const TxnidBOffset = page.HeaderSize + offTxnidB

// Validate checks that m is a complete, consistent meta. pageSize is the
// expected page size, or 0 to accept any valid one.
func (m *Meta) Validate(pageSize int) error {
	if m.magic != Magic {
		return errors.Wrap(errs.ErrInvalid, "bad magic")
	}
	if m.version != Version {
		return errors.Wrapf(errs.ErrVersionMismatch, "format version %d, want %d", m.version, Version)
	}
	if m.TxnidA != m.TxnidB {
		return errors.Wrapf(errs.ErrCorrupted, "torn meta: txnid %d / %d", m.TxnidA, m.TxnidB)
	}
	if m.TxnidA < page.MinTxnid || m.TxnidA >= page.ReservedTxnid {
		return errors.Wrapf(errs.ErrCorrupted, "txnid %d out of range", m.TxnidA)
	}
	if !page.ValidPageSize(int(m.PageSize)) || (pageSize != 0 && int(m.PageSize) != pageSize) {
		return errors.Wrapf(errs.ErrCorrupted, "page size %d", m.PageSize)
	}
	g := m.Geo
	if g.Lower < page.NumMetas || g.Lower > g.Upper || g.Now < g.Lower || g.Now > g.Upper ||
		g.Next < page.NumMetas || g.Next > g.Now || g.Upper > page.MaxPgno {
		return errors.Wrapf(errs.ErrCorrupted, "bad geometry %+v", g)
	}
	for i, t := range m.Trees {
		if !t.IsEmpty() && (t.Root < page.NumMetas || t.Root >= g.Next) {
			return errors.Wrapf(errs.ErrCorrupted, "tree %d root %d outside [%d,%d)", i, t.Root, page.NumMetas, g.Next)
		}
	}
	if m.IsSteady() && m.signature() != m.Sign {
		return errors.Wrap(errs.ErrCorrupted, "steady signature mismatch")
	}
	return nil
}
