// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch tracks the snapshots held by the transactions of one process.
//
// The shared reader table is the authority for reclamation across processes;
// a Manager is its in-process mirror. It answers which snapshots this process
// pins without scanning the table and without the registration lock, which is
// what Env.Info and Env.Close report.
//
//	m := epoch.NewManager()
//	m.Register(7)
//	m.Register(9)
//	m.Oldest()      // 7, true
//	m.Unregister(7)
//	m.ActiveCount() // 1
//
// Several transactions may pin the same snapshot, so registrations are
// counted per txnid. Every Register must be paired with one Unregister.
package epoch

import (
	"sync"

	"github.com/kianostad/cowdb/internal/storage/page"
)

// Manager counts pinned snapshots by txnid.
type Manager struct {
	active map[page.Txnid]int
	total  int
	mu     sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{active: make(map[page.Txnid]int)}
}

// Register records one more transaction pinning txnid.
func (m *Manager) Register(txnid page.Txnid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[txnid]++
	m.total++
}

// Unregister drops one pin of txnid. Unknown txnids are ignored.
func (m *Manager) Unregister(txnid page.Txnid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, ok := m.active[txnid]
	if !ok {
		return
	}
	if count <= 1 {
		delete(m.active, txnid)
	} else {
		m.active[txnid] = count - 1
	}
	m.total--
}

// Oldest returns the smallest pinned txnid.
func (m *Manager) Oldest() (page.Txnid, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.active) == 0 {
		return 0, false
	}
	oldest := page.InvalidTxnid
	for txnid := range m.active {
		oldest = min(oldest, txnid)
	}
	return oldest, true
}

// ActiveCount returns the number of pins, counting shared snapshots once
// per transaction.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

// Snapshots returns the number of distinct pinned txnids.
func (m *Manager) Snapshots() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
