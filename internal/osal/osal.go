// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package osal is the operating system portal of the storage engine.
//
// Every interaction the engine has with the kernel (positioned I/O, memory
// mapping, durability barriers, file growth, advisory byte-range locks and the
// monotonic clock) goes through the Portal interface. The engine never issues
// raw file-descriptor calls itself, which keeps the engine testable: tests swap
// in a FaultPortal to inject write and sync failures at precise points of the
// commit protocol.
//
// # Key Features
//
//   - Read-only shared mappings of the data file and read-write shared mappings
//     of the lock file
//   - fdatasync / fsync durability barriers selected by SyncMode
//   - POSIX fcntl byte-range locks (released by the kernel when a process dies)
//   - Liveness probing of other processes through their advertised lock bytes
//   - Host boot identifier used to discard unsynced metadata after a reboot
//
// # Dangers and Warnings
//
//   - **Lock Scope**: fcntl locks belong to the process. Closing ANY descriptor
//     of a locked file drops every lock the process holds on it, so a file that
//     carries locks must be opened exactly once per process.
//   - **Mapped Memory**: slices returned by Map point into the page cache. They
//     become invalid after Unmap and writing into a read-only mapping faults.
//
// # Thread Safety
//
// The default portal is stateless and safe for concurrent use.
package osal

import (
	"os"
	"time"
)

// SyncMode selects the durability barrier used by Portal.Sync.
type SyncMode int

const (
	// SyncData flushes file data and the metadata needed to read it back.
	SyncData SyncMode = iota
	// SyncSize is SyncData after the file length changed.
	SyncSize
	// SyncFull flushes data and all metadata.
	SyncFull
)

func (m SyncMode) String() string {
	switch m {
	case SyncData:
		return "data"
	case SyncSize:
		return "size"
	case SyncFull:
		return "full"
	default:
		return "unknown"
	}
}

// LockMode selects shared or exclusive byte-range locks.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// Portal is the set of operating system services the engine consumes.
type Portal interface {
	// ReadAt reads len(b) bytes at off.
	ReadAt(f *os.File, b []byte, off int64) (int, error)
	// WriteAt writes b at off.
	WriteAt(f *os.File, b []byte, off int64) (int, error)
	// Map maps the first size bytes of f as shared memory.
	Map(f *os.File, size int, writable bool) ([]byte, error)
	// Unmap releases a mapping obtained from Map.
	Unmap(b []byte) error
	// Sync is a durability barrier for f.
	Sync(f *os.File, mode SyncMode) error
	// Truncate sets the length of f.
	Truncate(f *os.File, size int64) error
	// Size returns the current length of f.
	Size(f *os.File) (int64, error)
	// Lock places a byte-range lock. Without wait it fails with ErrWouldBlock
	// when a conflicting lock is held by another process.
	Lock(f *os.File, start, length int64, mode LockMode, wait bool) error
	// Unlock releases a byte-range lock.
	Unlock(f *os.File, start, length int64) error
	// Probe reports the pid holding a lock conflicting with an exclusive lock
	// on the range, or 0 when the range is free for this process.
	Probe(f *os.File, start, length int64) (int, error)
	// Monotonic returns a monotonic timestamp.
	Monotonic() time.Duration
}

// Default returns the portal backed by the host operating system.
func Default() Portal {
	return unixPortal{}
}

// Pid returns the identifier of the calling process.
func Pid() uint32 {
	return uint32(os.Getpid())
}
