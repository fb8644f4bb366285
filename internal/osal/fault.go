// Licensed under the MIT License. See LICENSE file in the project root for details.

package osal

import (
	"os"
	"sync/atomic"
)

// FaultPortal wraps a Portal and lets tests fail individual writes and syncs.
// A nil hook passes the call through.
type FaultPortal struct {
	Portal

	// WriteHook is consulted before every WriteAt; a non-nil error is returned
	// instead of performing the write.
	WriteHook func(f *os.File, b []byte, off int64) error
	// SyncHook is consulted before every Sync.
	SyncHook func(f *os.File, mode SyncMode) error

	writes atomic.Int64
	syncs  atomic.Int64
}

// NewFaultPortal wraps inner, or the default portal when inner is nil.
func NewFaultPortal(inner Portal) *FaultPortal {
	if inner == nil {
		inner = Default()
	}
	return &FaultPortal{Portal: inner}
}

func (p *FaultPortal) WriteAt(f *os.File, b []byte, off int64) (int, error) {
	p.writes.Add(1)
	if p.WriteHook != nil {
		if err := p.WriteHook(f, b, off); err != nil {
			return 0, err
		}
	}
	return p.Portal.WriteAt(f, b, off)
}

func (p *FaultPortal) Sync(f *os.File, mode SyncMode) error {
	p.syncs.Add(1)
	if p.SyncHook != nil {
		if err := p.SyncHook(f, mode); err != nil {
			return err
		}
	}
	return p.Portal.Sync(f, mode)
}

// Writes returns the number of WriteAt calls seen.
func (p *FaultPortal) Writes() int64 { return p.writes.Load() }

// Syncs returns the number of Sync calls seen.
func (p *FaultPortal) Syncs() int64 { return p.syncs.Load() }
