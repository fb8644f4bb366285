// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/osal"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// Copy stream format:
// Header: [8 bytes magic "COWDBCPY"] [1 byte version] [1 byte compression]
// [2 bytes reserved] [4 bytes page size] [4 bytes page count] [8 bytes txnid]
// Body (compressed): page count pages followed by the 32-byte BLAKE3 digest
// of those pages.

const (
	copyMagic      = "COWDBCPY"
	copyVersion    = 1
	copyHeaderSize = 28
	digestSize     = 32
)

// Compression selects the codec of a copy stream.
type Compression uint8

const (
	CompressNone Compression = iota
	CompressSnappy
	CompressLZ4
	CompressXZ
)

func (c Compression) String() string {
	switch c {
	case CompressNone:
		return "none"
	case CompressSnappy:
		return "snappy"
	case CompressLZ4:
		return "lz4"
	case CompressXZ:
		return "xz"
	default:
		return "unknown"
	}
}

// ParseCompression parses the name returned by Compression.String.
func ParseCompression(s string) (Compression, error) {
	for _, c := range []Compression{CompressNone, CompressSnappy, CompressLZ4, CompressXZ} {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, errors.Wrapf(errs.ErrInvalidOption, "unknown compression %q", s)
}

// CopyStat describes a finished copy or restore.
type CopyStat struct {
	Txnid       page.Txnid
	Pages       page.Pgno
	PageSize    int
	Compression Compression
	Digest      [digestSize]byte
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressNone:
		return nopWriteCloser{w}, nil
	case CompressSnappy:
		return snappy.NewBufferedWriter(w), nil
	case CompressLZ4:
		return lz4.NewWriter(w), nil
	case CompressXZ:
		return xz.NewWriter(w)
	default:
		return nil, errors.Wrapf(errs.ErrInvalidOption, "compression %d", c)
	}
}

func decompressor(r io.Reader, c Compression) (io.Reader, error) {
	switch c {
	case CompressNone:
		return r, nil
	case CompressSnappy:
		return snappy.NewReader(r), nil
	case CompressLZ4:
		return lz4.NewReader(r), nil
	case CompressXZ:
		return xz.NewReader(r)
	default:
		return nil, errors.Wrapf(errs.ErrInvalid, "copy stream compression %d", c)
	}
}

// Copy writes a consistent image of the head snapshot to w. Writers may keep
// committing meanwhile. The meta pages of the image all describe the
// snapshot and are sealed steady.
func (e *Env) Copy(w io.Writer, c Compression) (CopyStat, error) {
	txn, err := e.BeginRead()
	if err != nil {
		return CopyStat{}, err
	}
	defer txn.Abort()

	ps := e.pageSize
	m := txn.meta
	pages := m.Geo.Next
	st := CopyStat{Txnid: m.Txnid(), Pages: pages, PageSize: ps, Compression: c}

	hdr := make([]byte, copyHeaderSize)
	copy(hdr, copyMagic)
	hdr[8] = copyVersion
	hdr[9] = byte(c)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(ps))
	binary.LittleEndian.PutUint32(hdr[16:], uint32(pages))
	binary.LittleEndian.PutUint64(hdr[20:], uint64(m.Txnid()))
	if _, err := w.Write(hdr); err != nil {
		return st, errs.IO(err, "write copy header")
	}

	body, err := compressor(w, c)
	if err != nil {
		return st, err
	}
	hasher := blake3.New()
	out := io.MultiWriter(body, hasher)

	snap := m
	snap.Geo.Now = growTo(snap.Geo, pages)
	snap.Seal(true)
	buf := make([]byte, ps)
	for slot := 0; slot < page.NumMetas; slot++ {
		clear(buf)
		snap.Encode(buf, slot)
		if _, err := out.Write(buf); err != nil {
			return st, errs.IO(err, "write copy")
		}
	}
	for pgno := page.Pgno(page.NumMetas); pgno < pages; pgno++ {
		if txn.slot.Txnid() != txn.txnid {
			return st, errs.ErrReaderOusted
		}
		off := int(pgno) * ps
		if _, err := out.Write(txn.mp.data[off : off+ps]); err != nil {
			return st, errs.IO(err, "write copy")
		}
	}
	copy(st.Digest[:], hasher.Sum(nil))
	if _, err := body.Write(st.Digest[:]); err != nil {
		return st, errs.IO(err, "write copy digest")
	}
	if err := body.Close(); err != nil {
		return st, errs.IO(err, "finish copy")
	}
	e.log.WithFields(logrus.Fields{
		"txnid":       st.Txnid,
		"pages":       pages,
		"compression": c.String(),
	}).Info("environment copied")
	return st, nil
}

// CopyFile writes a copy of the head snapshot to a new file at path.
func (e *Env) CopyFile(path string, c Compression) (CopyStat, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, e.opts.FileMode)
	if err != nil {
		return CopyStat{}, errs.IO(err, "create copy")
	}
	st, err := e.Copy(f, c)
	if err == nil {
		err = e.portal.Sync(f, osal.SyncFull)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errs.IO(cerr, "close copy")
	}
	if err != nil {
		_ = os.Remove(path)
	}
	return st, err
}

// Restore creates the database at path from a copy stream. The target must
// not exist yet.
func Restore(r io.Reader, path string, opts Options) (CopyStat, error) {
	var st CopyStat
	if err := opts.normalize(); err != nil {
		return st, err
	}
	hdr := make([]byte, copyHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return st, errors.Wrap(errs.ErrInvalid, "short copy header")
	}
	if !bytes.Equal(hdr[:8], []byte(copyMagic)) {
		return st, errors.Wrap(errs.ErrInvalid, "not a copy stream")
	}
	if hdr[8] != copyVersion {
		return st, errors.Wrapf(errs.ErrVersionMismatch, "copy stream version %d", hdr[8])
	}
	st.Compression = Compression(hdr[9])
	st.PageSize = int(binary.LittleEndian.Uint32(hdr[12:]))
	st.Pages = page.Pgno(binary.LittleEndian.Uint32(hdr[16:]))
	st.Txnid = page.Txnid(binary.LittleEndian.Uint64(hdr[20:]))
	if !page.ValidPageSize(st.PageSize) || st.Pages < page.NumMetas || st.Pages > page.MaxPgno {
		return st, errors.Wrapf(errs.ErrInvalid, "copy of %d pages of %d bytes", st.Pages, st.PageSize)
	}
	body, err := decompressor(r, st.Compression)
	if err != nil {
		return st, errors.Wrap(errs.ErrInvalid, err.Error())
	}

	dataPath, _ := Paths(path, opts.NoSubdir)
	if !opts.NoSubdir {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return st, errs.IO(err, "create directory")
		}
	}
	f, err := os.OpenFile(filepath.Clean(dataPath), os.O_RDWR|os.O_CREATE|os.O_EXCL, opts.FileMode)
	if err != nil {
		return st, errs.IO(err, "create data file")
	}
	if err := restore(body, f, &st, opts.Portal); err != nil {
		_ = f.Close()
		_ = os.Remove(dataPath)
		return st, err
	}
	if err := f.Close(); err != nil {
		return st, errs.IO(err, "close data file")
	}
	opts.Logger.WithFields(logrus.Fields{
		"db":    path,
		"txnid": st.Txnid,
		"pages": st.Pages,
	}).Info("environment restored")
	return st, nil
}

func restore(body io.Reader, f *os.File, st *CopyStat, portal osal.Portal) error {
	ps := st.PageSize
	hasher := blake3.New()
	buf := make([]byte, ps)
	var head *meta.Meta
	for pgno := page.Pgno(0); pgno < st.Pages; pgno++ {
		if _, err := io.ReadFull(body, buf); err != nil {
			return errors.Wrapf(errs.ErrCorrupted, "copy stream ends at page %d", pgno)
		}
		_, _ = hasher.Write(buf)
		if pgno == 0 {
			m, err := meta.Decode(buf)
			if err == nil {
				err = m.Validate(ps)
			}
			if err != nil {
				return errors.Wrap(err, "copy meta")
			}
			head = m
		}
		if _, err := portal.WriteAt(f, buf, int64(pgno)*int64(ps)); err != nil {
			return errs.IO(err, "write data file")
		}
	}
	if _, err := io.ReadFull(body, st.Digest[:]); err != nil {
		return errors.Wrap(errs.ErrCorrupted, "copy stream has no digest")
	}
	if !bytes.Equal(hasher.Sum(nil), st.Digest[:]) {
		return errors.Wrap(errs.ErrCorrupted, "copy digest mismatch")
	}
	if head.Geo.Next != st.Pages {
		return errors.Wrapf(errs.ErrCorrupted, "copy holds %d pages, meta says %d", st.Pages, head.Geo.Next)
	}
	if err := portal.Truncate(f, int64(head.Geo.Now)*int64(ps)); err != nil {
		return errs.IO(err, "size data file")
	}
	if err := portal.Sync(f, osal.SyncFull); err != nil {
		return errs.IO(err, "sync data file")
	}
	return nil
}
