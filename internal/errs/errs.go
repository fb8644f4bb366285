// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package errs defines the error taxonomy shared by every layer of the engine.
//
// Errors are plain sentinels created with github.com/pkg/errors and wrapped at
// the call site with context (errors.Wrap / errors.Wrapf). Callers classify a
// returned error with KindOf, which unwraps the chain and reports one of the
// broad categories below.
//
// # Categories
//
//   - Corruption: the on-disk image failed validation (bad magic, torn or
//     inconsistent structures, page number out of range).
//   - Resource: a configured bound was hit (map size, reader slots, txnid space).
//   - Contention: the operation would block or lost a race; retrying may succeed.
//   - IO: the operating system reported a failure; durability may be unknown.
//   - Misuse: the API was used out of contract (finished txn, read-only env).
//   - NotFound: lookup misses. Not a failure in most contexts.
package errs

import (
	"github.com/pkg/errors"
)

// Kind classifies an error.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindCorruption
	KindResource
	KindContention
	KindIO
	KindMisuse
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not-found"
	case KindCorruption:
		return "corruption"
	case KindResource:
		return "resource"
	case KindContention:
		return "contention"
	case KindIO:
		return "io"
	case KindMisuse:
		return "misuse"
	default:
		return "unknown"
	}
}

// Lookups.
var (
	ErrNotFound = errors.New("key not found")
	ErrKeyExist = errors.New("key already exists")
)

// Corruption.
var (
	ErrCorrupted       = errors.New("database is corrupted")
	ErrInvalid         = errors.New("file is not a database")
	ErrVersionMismatch = errors.New("database format version mismatch")
	ErrPageNotFound    = errors.New("page not found")
)

// Resource exhaustion.
var (
	ErrMapFull     = errors.New("database map is full")
	ErrReadersFull = errors.New("reader table is full")
	ErrTxnFull     = errors.New("transaction id space exhausted")
	ErrPageFull    = errors.New("page has no room for node")
)

// Contention.
var (
	ErrBusy         = errors.New("resource busy")
	ErrReaderOusted = errors.New("reader was ousted by a lagging-reader policy")
)

// I/O.
var (
	ErrIO             = errors.New("i/o failure")
	ErrUnknownOutcome = errors.New("commit outcome unknown until reopen")
	ErrPanic          = errors.New("environment hit a fatal error and must be reopened")
)

// Misuse.
var (
	ErrBadTxn        = errors.New("transaction is not usable")
	ErrReadOnly      = errors.New("environment or transaction is read-only")
	ErrBadValSize    = errors.New("key or value size out of range")
	ErrClosed        = errors.New("environment is closed")
	ErrInvalidOption = errors.New("invalid option")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrKeyExist, KindNotFound},
	{ErrCorrupted, KindCorruption},
	{ErrInvalid, KindCorruption},
	{ErrVersionMismatch, KindCorruption},
	{ErrPageNotFound, KindCorruption},
	{ErrMapFull, KindResource},
	{ErrReadersFull, KindResource},
	{ErrTxnFull, KindResource},
	{ErrPageFull, KindResource},
	{ErrBusy, KindContention},
	{ErrReaderOusted, KindContention},
	{ErrIO, KindIO},
	{ErrUnknownOutcome, KindIO},
	{ErrPanic, KindIO},
	{ErrBadTxn, KindMisuse},
	{ErrReadOnly, KindMisuse},
	{ErrBadValSize, KindMisuse},
	{ErrClosed, KindMisuse},
	{ErrInvalidOption, KindMisuse},
}

// KindOf walks the wrap chain of err and returns the category of the first
// known sentinel. Unknown non-nil errors are reported as KindIO since they
// originate from the operating system in practice.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindIO
}

// IsRetryable reports whether repeating the operation may succeed without
// any other change.
func IsRetryable(err error) bool {
	return KindOf(err) == KindContention
}

// IO wraps an operating system failure so it classifies as KindIO while
// keeping the original error reachable through errors.Is / errors.As.
func IO(err error, op string) error {
	if err == nil {
		return nil
	}
	return &ioError{op: op, err: err}
}

type ioError struct {
	op  string
	err error
}

func (e *ioError) Error() string { return e.op + ": " + e.err.Error() }

func (e *ioError) Unwrap() error { return e.err }

func (e *ioError) Is(target error) bool { return target == ErrIO }
