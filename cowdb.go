// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package cowdb is an embedded key-value store built on a copy-on-write
// B-tree in a single memory-mapped file.
//
// One write transaction runs at a time while any number of read
// transactions, in this or other processes, see stable snapshots without
// taking locks. Commits never overwrite live pages; a commit becomes
// visible when one of three meta pages is updated, so a crash always leaves
// the last durable snapshot intact.
//
// # Quick Start
//
//	env, err := cowdb.Open("/var/lib/app/db", cowdb.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer env.Close()
//
//	err = cowdb.Update(ctx, env, func(txn *cowdb.Txn) error {
//	    return txn.Put([]byte("key"), []byte("value"), 0)
//	})
//
//	err = cowdb.View(env, func(txn *cowdb.Txn) error {
//	    v, err := txn.Get([]byte("key"))
//	    ...
//	})
//
// # Durability
//
// SyncMode trades durability for commit latency. Durable syncs every commit.
// NoMetaSync and SafeNoSync keep the last steady snapshot intact so a crash
// rolls back to it. UtterlyNoSync gives no guarantee after a system crash.
// Env.Sync makes the head snapshot steady in the weaker modes.
//
// # Space reclamation
//
// Pages replaced by a commit are recorded in a free-list tree keyed by the
// retiring transaction and reused once no reader can still see them. A
// reader that lives for many commits pins pages; OnLaggingReader decides
// whether the writer gives up, retries or ousts it.
//
// # See Also
//
// The cmd/cowdb tool inspects, copies and serves metrics for a database.
package cowdb

import (
	"context"
	"io"

	core "github.com/kianostad/cowdb/internal/core"
	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/monitoring/metrics"
	"github.com/kianostad/cowdb/internal/storage/meta"
)

type (
	// Env is an open database environment.
	Env = core.Env
	// Txn is a read or write transaction.
	Txn = core.Txn
	// Cursor iterates a transaction's keys in order.
	Cursor = core.Cursor
	// Options configure an environment.
	Options = core.Options
	// Geometry is the size policy of the data file.
	Geometry = core.Geometry
	// SyncMode selects the durability of commits.
	SyncMode = core.SyncMode
	// TxnFlags alter how a write transaction begins.
	TxnFlags = core.TxnFlags
	// PutFlags alter the behaviour of Put.
	PutFlags = core.PutFlags
	// Decision is the answer to a lagging reader callback.
	Decision = core.Decision
	// LaggingReader describes the reader that blocks reclamation.
	LaggingReader = core.LaggingReader
	// Canary is four user words stored in the meta page.
	Canary = meta.Canary
	// Metrics collects transaction, page and latency counters. One collector
	// may be shared by several environments.
	Metrics = metrics.Metrics

	Stat          = core.Stat
	Info          = core.Info
	ReaderInfo    = core.ReaderInfo
	CheckReport   = core.CheckReport
	CommitLatency = core.CommitLatency
	Compression   = core.Compression
	CopyStat      = core.CopyStat
)

const (
	Durable       = core.Durable
	NoMetaSync    = core.NoMetaSync
	SafeNoSync    = core.SafeNoSync
	UtterlyNoSync = core.UtterlyNoSync

	TxnNoWait   = core.TxnNoWait
	NoOverwrite = core.NoOverwrite

	GiveUp = core.GiveUp
	Retry  = core.Retry
	Oust   = core.Oust

	CompressNone   = core.CompressNone
	CompressSnappy = core.CompressSnappy
	CompressLZ4    = core.CompressLZ4
	CompressXZ     = core.CompressXZ
)

// Errors returned by the engine. Match them with errors.Is.
var (
	ErrNotFound        = errs.ErrNotFound
	ErrKeyExist        = errs.ErrKeyExist
	ErrCorrupted       = errs.ErrCorrupted
	ErrInvalid         = errs.ErrInvalid
	ErrVersionMismatch = errs.ErrVersionMismatch
	ErrPageNotFound    = errs.ErrPageNotFound
	ErrMapFull         = errs.ErrMapFull
	ErrReadersFull     = errs.ErrReadersFull
	ErrTxnFull         = errs.ErrTxnFull
	ErrPageFull        = errs.ErrPageFull
	ErrBusy            = errs.ErrBusy
	ErrReaderOusted    = errs.ErrReaderOusted
	ErrIO              = errs.ErrIO
	ErrUnknownOutcome  = errs.ErrUnknownOutcome
	ErrPanic           = errs.ErrPanic
	ErrBadTxn          = errs.ErrBadTxn
	ErrReadOnly        = errs.ErrReadOnly
	ErrBadValSize      = errs.ErrBadValSize
	ErrClosed          = errs.ErrClosed
	ErrInvalidOption   = errs.ErrInvalidOption
)

// Open opens or creates the environment at path.
func Open(path string, opts Options) (*Env, error) {
	return core.Open(path, opts)
}

// DefaultOptions returns options for a durable database with 4 KiB pages.
func DefaultOptions() Options {
	return core.DefaultOptions()
}

// NewMetrics starts a metrics collector. Close it after the environments
// using it.
func NewMetrics() *Metrics {
	return metrics.NewMetrics()
}

// ParseSyncMode parses a sync mode name such as "safenosync".
func ParseSyncMode(s string) (SyncMode, error) {
	return core.ParseSyncMode(s)
}

// ParseCompression parses a compression name such as "lz4".
func ParseCompression(s string) (Compression, error) {
	return core.ParseCompression(s)
}

// Restore writes the copy read from r into a new environment at path.
func Restore(r io.Reader, path string, opts Options) (CopyStat, error) {
	return core.Restore(r, path, opts)
}

// IsRetryable reports whether the operation may succeed when repeated.
func IsRetryable(err error) bool {
	return errs.IsRetryable(err)
}

// Update runs fn in a write transaction and commits it when fn returns nil.
// The transaction is aborted when fn or the commit fails, or fn panics.
func Update(ctx context.Context, env *Env, fn func(txn *Txn) error) error {
	txn, err := env.BeginWrite(ctx, 0)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()
	if err := fn(txn); err != nil {
		return err
	}
	if _, err := txn.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// View runs fn in a read transaction.
func View(env *Env, fn func(txn *Txn) error) error {
	txn, err := env.BeginRead()
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}
