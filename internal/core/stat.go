// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/kianostad/cowdb/internal/storage/btree"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/mvcc"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// Stat describes one B-tree.
type Stat struct {
	PageSize    int    `json:"page_size"`
	Depth       int    `json:"depth"`
	BranchPages uint64 `json:"branch_pages"`
	LeafPages   uint64 `json:"leaf_pages"`
	LargePages  uint64 `json:"large_pages"`
	Entries     uint64 `json:"entries"`
	ModTxnid    uint64 `json:"mod_txnid"`
}

func treeStat(ps int, t btree.Tree) Stat {
	return Stat{
		PageSize:    ps,
		Depth:       int(t.Height),
		BranchPages: uint64(t.BranchPages),
		LeafPages:   uint64(t.LeafPages),
		LargePages:  uint64(t.LargePages),
		Entries:     t.Items,
		ModTxnid:    uint64(t.ModTxnid),
	}
}

// Stat returns statistics of the main tree as seen by the transaction.
func (t *Txn) Stat() Stat {
	return treeStat(t.env.pageSize, t.meta.Trees[meta.MainTree])
}

// Stat returns statistics of the main tree at the head snapshot.
func (e *Env) Stat() (Stat, error) {
	txn, err := e.BeginRead()
	if err != nil {
		return Stat{}, err
	}
	defer txn.Abort()
	return txn.Stat(), nil
}

// MetaInfo summarizes one meta slot.
type MetaInfo struct {
	Slot   int    `json:"slot"`
	Valid  bool   `json:"valid"`
	Txnid  uint64 `json:"txnid"`
	Steady bool   `json:"steady"`
	Head   bool   `json:"head"`
}

// GeometryInfo is the file geometry in bytes.
type GeometryInfo struct {
	Lower   int64 `json:"lower"`
	Now     int64 `json:"now"`
	Upper   int64 `json:"upper"`
	Grow    int64 `json:"grow"`
	Shrink  int64 `json:"shrink"`
	MapSize int64 `json:"map_size"`
}

// Info describes the environment.
type Info struct {
	PageSize      int          `json:"page_size"`
	Geometry      GeometryInfo `json:"geometry"`
	LastPgno      uint64       `json:"last_pgno"`
	RecentTxnid   uint64       `json:"recent_txnid"`
	SteadyTxnid   uint64       `json:"steady_txnid"`
	OldestReader  uint64       `json:"oldest_reader"`
	MaxReaders    int          `json:"max_readers"`
	NumReaders    int          `json:"num_readers"`
	// LocalReaders counts the read transactions of this process and
	// LocalOldest is the oldest snapshot they pin, zero when there are none.
	LocalReaders int    `json:"local_readers"`
	LocalOldest  uint64 `json:"local_oldest"`
	PagesRetired  uint64       `json:"pages_retired"`
	FreelistPages uint64       `json:"freelist_pages"`
	GCStat        Stat         `json:"gc"`
	Metas         []MetaInfo   `json:"metas"`
	SyncMode      string       `json:"sync_mode"`
	BootID        uuid.UUID    `json:"boot_id"`
	DxbID         uuid.UUID    `json:"dxb_id"`
	Canary        meta.Canary  `json:"canary"`
	Exclusive     bool         `json:"exclusive"`
}

// infoAttempts bounds how often Info rereads a head that moved while the
// free-list was counted.
const infoAttempts = 8

// Info reports the state of the environment at the head snapshot. It takes
// no reader slot, so it also works while the reader table is full.
func (e *Env) Info() (Info, error) {
	if err := e.usable(); err != nil {
		return Info{}, err
	}
	for attempt := 1; ; attempt++ {
		info, err := e.info()
		if info.RecentTxnid == 0 {
			return Info{}, err
		}
		// The free-list pages are only pinned while the head stays put.
		if head, _ := e.headStamp(); uint64(head) == info.RecentTxnid || attempt == infoAttempts {
			return info, err
		}
	}
}

func (e *Env) info() (Info, error) {
	mp, m, err := e.snapshot()
	if err != nil {
		return Info{}, err
	}
	defer mp.release()

	local := e.snaps.ActiveCount()
	localOldest, _ := e.snaps.Oldest()
	ps := int64(e.pageSize)
	info := Info{
		PageSize: e.pageSize,
		Geometry: GeometryInfo{
			Lower:   int64(m.Geo.Lower) * ps,
			Now:     int64(m.Geo.Now) * ps,
			Upper:   int64(m.Geo.Upper) * ps,
			Grow:    int64(m.Geo.GrowStep) * ps,
			Shrink:  int64(m.Geo.ShrinkThreshold) * ps,
			MapSize: int64(len(mp.data)),
		},
		LastPgno:     uint64(m.Geo.Next) - 1,
		RecentTxnid:  uint64(m.Txnid()),
		OldestReader: uint64(e.readers.Oldest(m.Txnid() + 1)),
		MaxReaders:   e.readers.MaxReaders(),
		NumReaders:   e.readers.ActiveCount(),
		PagesRetired: m.PagesRetired,
		GCStat:       treeStat(e.pageSize, m.Trees[meta.GCTree]),
		SyncMode:     e.opts.SyncMode.String(),
		BootID:       m.BootID,
		DxbID:        m.DxbID,
		Canary:       m.Canary,
		Exclusive:    e.lock.Exclusive(),
		LocalReaders: local,
		LocalOldest:  uint64(localOldest),
	}

	slots, err := e.metas(mp)
	if err != nil {
		return info, err
	}
	head, _ := slots.Head()
	if i := slots.Steady(); i >= 0 {
		info.SteadyTxnid = uint64(slots[i].Txnid())
	}
	for i, s := range slots {
		mi := MetaInfo{Slot: i, Valid: s != nil, Head: i == head}
		if s != nil {
			mi.Txnid = uint64(s.Txnid())
			mi.Steady = s.IsSteady()
		}
		info.Metas = append(info.Metas, mi)
	}

	view := &Txn{env: e, mp: mp, meta: *m, txnid: m.Txnid(), readOnly: true}
	err = view.eachRecord(func(_ page.Txnid, l mvcc.List) error {
		info.FreelistPages += uint64(len(l))
		return nil
	})
	return info, err
}

// FreelistPages returns every page recorded in the free-list tree of the
// snapshot, reclaimable or not.
func (t *Txn) FreelistPages() (mvcc.List, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	var out mvcc.List
	err := t.eachRecord(func(_ page.Txnid, l mvcc.List) error {
		out.Merge(l)
		return nil
	})
	return out, err
}

// FreelistPages returns the pages recorded in the free-list at the head
// snapshot.
func (e *Env) FreelistPages() (mvcc.List, error) {
	txn, err := e.BeginRead()
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	return txn.FreelistPages()
}

// eachRecord calls fn for every free-list record of the snapshot.
func (t *Txn) eachRecord(fn func(key page.Txnid, l mvcc.List) error) error {
	c := btree.NewCursor(t.pager(), &t.meta.Trees[meta.GCTree])
	k, v, err := c.First()
	for ; err == nil && k != nil; k, v, err = c.Next() {
		key, _ := btree.ParseIntKey(k)
		l, derr := mvcc.DecodeList(v)
		if derr != nil {
			return derr
		}
		if err := fn(page.Txnid(key), l); err != nil {
			return err
		}
	}
	return err
}

// ReaderInfo describes a reader slot.
type ReaderInfo struct {
	Slot  int    `json:"slot"`
	Pid   uint32 `json:"pid"`
	Tid   uint64 `json:"tid"`
	Txnid uint64 `json:"txnid"`
	// Lag is the number of commits since the reader's snapshot.
	Lag uint64 `json:"lag"`
	// Retained estimates the pages kept from reuse by the reader.
	Retained uint64        `json:"retained"`
	Pinned   bool          `json:"pinned"`
	Age      time.Duration `json:"age"`
}

// ReaderList returns every claimed reader slot.
func (e *Env) ReaderList() []ReaderInfo {
	head, retired := e.headStamp()
	now := e.portal.Monotonic()
	var out []ReaderInfo
	for _, r := range e.readers.List() {
		ri := ReaderInfo{
			Slot:   r.Slot,
			Pid:    r.Pid,
			Tid:    r.Tid,
			Txnid:  uint64(r.Txnid),
			Pinned: r.Pinned(),
		}
		if ri.Pinned {
			if head > r.Txnid {
				ri.Lag = uint64(head - r.Txnid)
			}
			if retired > r.PagesRetired {
				ri.Retained = retired - r.PagesRetired
			}
			if now > r.PinnedAt {
				ri.Age = now - r.PinnedAt
			}
		}
		out = append(out, ri)
	}
	return out
}

// headStamp returns the head txnid and its cumulative retired page count.
func (e *Env) headStamp() (page.Txnid, uint64) {
	mp := e.acquire()
	defer mp.release()
	slots, err := e.metas(mp)
	if err != nil {
		return 0, 0
	}
	i, _ := slots.Head()
	return slots[i].Txnid(), slots[i].PagesRetired
}

// updateReaderGauges publishes the reader count and the largest lag.
func (e *Env) updateReaderGauges() {
	var active, maxLag uint64
	for _, r := range e.ReaderList() {
		if !r.Pinned {
			continue
		}
		active++
		maxLag = max(maxLag, r.Lag)
	}
	e.metrics.SetReaders(active, maxLag)
}
