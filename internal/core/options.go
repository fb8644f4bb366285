// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/monitoring/metrics"
	"github.com/kianostad/cowdb/internal/osal"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// SyncMode selects the durability of commits.
type SyncMode int

const (
	// Durable syncs data and meta on every commit. Every commit is steady.
	Durable SyncMode = iota
	// NoMetaSync syncs data but not the meta page. A crash may lose the last
	// commits but never corrupts the database.
	NoMetaSync
	// SafeNoSync skips every sync. The last steady commit is kept intact and
	// its pages are not reused, so a crash rolls back to it.
	SafeNoSync
	// UtterlyNoSync skips every sync and protects nothing. A system crash may
	// leave the database unusable.
	UtterlyNoSync
)

func (m SyncMode) String() string {
	switch m {
	case Durable:
		return "durable"
	case NoMetaSync:
		return "nometasync"
	case SafeNoSync:
		return "safenosync"
	case UtterlyNoSync:
		return "utterlynosync"
	default:
		return "unknown"
	}
}

// ParseSyncMode parses the name returned by SyncMode.String.
func ParseSyncMode(s string) (SyncMode, error) {
	for _, m := range []SyncMode{Durable, NoMetaSync, SafeNoSync, UtterlyNoSync} {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, errors.Wrapf(errs.ErrInvalidOption, "unknown sync mode %q", s)
}

// steady reports whether commits in this mode produce steady metas.
func (m SyncMode) steady() bool { return m == Durable }

// keepSteady reports whether the last steady commit must survive weak
// commits in this mode.
func (m SyncMode) keepSteady() bool { return m == NoMetaSync || m == SafeNoSync }

// syncData reports whether commits sync data pages.
func (m SyncMode) syncData() bool { return m == Durable || m == NoMetaSync }

// Geometry is the size policy of the data file, in bytes. Zero fields take
// their defaults.
type Geometry struct {
	PageSize        int
	Lower           int64
	Now             int64
	Upper           int64
	GrowStep        int64
	ShrinkThreshold int64
}

// String renders the geometry with human readable sizes.
func (g Geometry) String() string {
	return "page " + humanize.IBytes(uint64(g.PageSize)) +
		", lower " + humanize.IBytes(uint64(g.Lower)) +
		", now " + humanize.IBytes(uint64(g.Now)) +
		", upper " + humanize.IBytes(uint64(g.Upper)) +
		", grow " + humanize.IBytes(uint64(g.GrowStep)) +
		", shrink " + humanize.IBytes(uint64(g.ShrinkThreshold))
}

// pages converts the geometry to page units for page size ps. next is the
// first unallocated page of the database.
func (g Geometry) pages(ps int, next page.Pgno) meta.Geometry {
	toPages := func(b int64) page.Pgno {
		n := b / int64(ps)
		if n > int64(page.MaxPgno) {
			n = int64(page.MaxPgno)
		}
		return page.Pgno(n)
	}
	out := meta.Geometry{
		Lower:           max(toPages(g.Lower), page.NumMetas),
		Upper:           toPages(g.Upper),
		GrowStep:        uint32(max(toPages(g.GrowStep), 1)),
		ShrinkThreshold: uint32(toPages(g.ShrinkThreshold)),
		Next:            next,
	}
	out.Upper = max(out.Upper, out.Lower, next)
	out.Now = growTo(out, max(toPages(g.Now), next))
	return out
}

// growTo returns the file size in pages needed to hold want pages: want
// rounded up to the grow step and clamped to [lower, upper].
func growTo(g meta.Geometry, want page.Pgno) page.Pgno {
	step := page.Pgno(max(g.GrowStep, 1))
	n := (want + step - 1) / step * step
	if n < want {
		n = want
	}
	return min(max(n, g.Lower), g.Upper)
}

// Decision is the answer of a LaggingReaderFunc.
type Decision int

const (
	// GiveUp fails the allocation with ErrMapFull.
	GiveUp Decision = iota
	// Retry repeats the allocation, typically after the reader went away.
	Retry
	// Oust evicts the reader; its next page access fails with ErrReaderOusted.
	Oust
)

// LaggingReader describes the reader whose snapshot blocks reclamation.
type LaggingReader struct {
	ReaderInfo
	// Attempt counts the callbacks made for the current allocation.
	Attempt int
}

// LaggingReaderFunc is consulted when an allocation is about to fail with
// ErrMapFull because a reader pins old pages.
type LaggingReaderFunc func(r LaggingReader) Decision

// Options configure an environment.
type Options struct {
	// NoSubdir treats the path as the data file instead of a directory.
	NoSubdir bool
	// ReadOnly opens the data file read-only; write transactions fail.
	ReadOnly bool
	SyncMode SyncMode
	// MaxReaders is the number of reader slots, fixed by the first opener.
	MaxReaders int
	// LIFOReclaim reuses the most recently freed pages first.
	LIFOReclaim bool
	Geometry    Geometry
	// OnLaggingReader handles readers that block reclamation.
	OnLaggingReader LaggingReaderFunc
	// FileMode is used when creating files.
	FileMode os.FileMode

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Portal  osal.Portal
}

// DefaultOptions returns options for a durable database with 4 KiB pages
// growing up to 1 GiB.
func DefaultOptions() Options {
	return Options{
		SyncMode:   Durable,
		MaxReaders: 126,
		Geometry: Geometry{
			PageSize:        page.DefaultPageSize,
			Lower:           0,
			Now:             0,
			Upper:           1 << 30,
			GrowStep:        1 << 20,
			ShrinkThreshold: 4 << 20,
		},
		FileMode: 0o644,
	}
}

func (o *Options) normalize() error {
	def := DefaultOptions()
	if o.MaxReaders == 0 {
		o.MaxReaders = def.MaxReaders
	}
	if o.MaxReaders < 1 || o.MaxReaders > 32767 {
		return errors.Wrapf(errs.ErrInvalidOption, "max readers %d", o.MaxReaders)
	}
	if o.SyncMode < Durable || o.SyncMode > UtterlyNoSync {
		return errors.Wrapf(errs.ErrInvalidOption, "sync mode %d", o.SyncMode)
	}
	g := &o.Geometry
	if g.PageSize == 0 {
		g.PageSize = def.Geometry.PageSize
	}
	if !page.ValidPageSize(g.PageSize) {
		return errors.Wrapf(errs.ErrInvalidOption, "page size %d", g.PageSize)
	}
	if g.Upper == 0 {
		g.Upper = def.Geometry.Upper
	}
	if g.GrowStep == 0 {
		g.GrowStep = def.Geometry.GrowStep
	}
	if g.Lower < 0 || g.Now < 0 || g.Upper < 0 || g.GrowStep < 0 || g.ShrinkThreshold < 0 {
		return errors.Wrap(errs.ErrInvalidOption, "negative geometry")
	}
	if g.Lower > g.Upper || g.Now > g.Upper {
		return errors.Wrapf(errs.ErrInvalidOption, "geometry %s", g)
	}
	if g.Upper < int64(page.NumMetas+1)*int64(g.PageSize) {
		return errors.Wrapf(errs.ErrInvalidOption, "upper bound %d below %d pages", g.Upper, page.NumMetas+1)
	}
	if o.FileMode == 0 {
		o.FileMode = def.FileMode
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Portal == nil {
		o.Portal = osal.Default()
	}
	return nil
}
