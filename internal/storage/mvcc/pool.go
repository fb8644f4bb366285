// Licensed under the MIT License. See LICENSE file in the project root for details.

package mvcc

import (
	"sync"
)

// PagePool provides pooling of page buffers to reduce allocations for dirty
// pages. Only single-page buffers are pooled; large runs are allocated.
type PagePool struct {
	size int
	pool sync.Pool
}

// NewPagePool creates a pool of pageSize buffers.
func NewPagePool(pageSize int) *PagePool {
	p := &PagePool{size: pageSize}
	p.pool.New = func() any {
		b := make([]byte, pageSize)
		return &b
	}
	return p
}

// PageSize returns the buffer size of the pool.
func (p *PagePool) PageSize() int { return p.size }

// Get returns a zeroed buffer of npages pages.
func (p *PagePool) Get(npages int) []byte {
	if npages != 1 {
		return make([]byte, npages*p.size)
	}
	b := *p.pool.Get().(*[]byte)
	clear(b)
	return b
}

// Put returns a buffer to the pool. Buffers of any other size are dropped.
func (p *PagePool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
