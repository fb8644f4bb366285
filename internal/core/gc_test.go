// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/osal"
	"github.com/kianostad/cowdb/internal/storage/btree"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/mvcc"
	"github.com/kianostad/cowdb/internal/storage/page"
)

func overwrite(env *Env, i, size int) error {
	return update(env, func(txn *Txn) error {
		return txn.Put([]byte("hot"), value(i, size), 0)
	})
}

func lastPgno(env *Env) uint64 {
	info, err := env.Info()
	if err != nil {
		return 0
	}
	return info.LastPgno
}

func TestReclamation(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given an environment rewriting the same key", t, func() {
		env := openEnv(t, filepath.Join(t.TempDir(), "db"), testOptions())
		defer env.Close()
		for i := 0; i < 20; i++ {
			So(update(env, func(txn *Txn) error {
				return txn.Put(key(i), value(i, 200), 0)
			}), ShouldBeNil)
		}

		Convey("Without readers the file stops growing", func() {
			for i := 0; i < 20; i++ {
				So(overwrite(env, i, 2000), ShouldBeNil)
			}
			settled := lastPgno(env)
			for i := 0; i < 200; i++ {
				So(overwrite(env, i, 2000), ShouldBeNil)
			}
			// A few pages of slack for free-list records that split.
			So(lastPgno(env), ShouldBeLessThanOrEqualTo, settled+8)
			_, err := env.Check()
			So(err, ShouldBeNil)

			stats := env.Metrics()
			stats.Flush()
			So(stats.GetStats().Pages.Reclaimed, ShouldBeGreaterThan, uint64(0))
		})

		Convey("A reader's pages are never reused while it lives", func() {
			r, err := env.BeginRead()
			So(err, ShouldBeNil)
			snap := r.ID()

			var pinned []page.Pgno
			err = btree.Walk(r.pager(), &r.meta.Trees[meta.MainTree], func(pgno page.Pgno, n int, _ uint16, _ int) error {
				for i := 0; i < n; i++ {
					pinned = append(pinned, pgno+page.Pgno(i))
				}
				return nil
			})
			So(err, ShouldBeNil)
			So(pinned, ShouldNotBeEmpty)

			grown := lastPgno(env)
			for i := 0; i < 50; i++ {
				So(overwrite(env, i, 2000), ShouldBeNil)
				So(update(env, func(txn *Txn) error {
					return txn.Put(key(i%20), value(i, 200), 0)
				}), ShouldBeNil)
			}
			So(lastPgno(env), ShouldBeGreaterThan, grown)

			for _, pgno := range pinned {
				pg, err := r.FetchPage(pgno)
				So(err, ShouldBeNil)
				So(pg.Txnid(), ShouldBeLessThanOrEqualTo, snap)
			}
			for i := 0; i < 20; i++ {
				v, err := r.Get(key(i))
				So(err, ShouldBeNil)
				So(v, ShouldResemble, value(i, 200))
			}
			_, err = r.Get([]byte("hot"))
			So(errors.Is(err, errs.ErrNotFound), ShouldBeTrue)

			readers := env.ReaderList()
			So(readers, ShouldHaveLength, 1)
			So(readers[0].Pinned, ShouldBeTrue)
			So(readers[0].Txnid, ShouldEqual, uint64(snap))
			So(readers[0].Lag, ShouldEqual, uint64(100))
			So(readers[0].Retained, ShouldBeGreaterThan, uint64(0))

			Convey("And once it ends the pages come back", func() {
				So(r.Abort(), ShouldBeNil)
				peak := lastPgno(env)
				for i := 0; i < 100; i++ {
					So(overwrite(env, i, 2000), ShouldBeNil)
				}
				So(lastPgno(env), ShouldBeLessThanOrEqualTo, peak)
				So(env.ReaderList(), ShouldBeEmpty)
				_, err := env.Check()
				So(err, ShouldBeNil)
			})
		})

		Convey("LIFO reclamation also keeps the file bounded", func() {
			So(env.Close(), ShouldBeNil)
			opts := testOptions()
			opts.LIFOReclaim = true
			lifo := openEnv(t, filepath.Dir(env.Path()), opts)
			defer lifo.Close()
			for i := 0; i < 20; i++ {
				So(overwrite(lifo, i, 2000), ShouldBeNil)
			}
			settled := lastPgno(lifo)
			for i := 0; i < 200; i++ {
				So(overwrite(lifo, i, 2000), ShouldBeNil)
			}
			So(lastPgno(lifo), ShouldBeLessThanOrEqualTo, settled+8)
			_, err := lifo.Check()
			So(err, ShouldBeNil)
		})
	})
}

// smallOptions limit the map to 64 pages.
func smallOptions() Options {
	opts := testOptions()
	opts.Geometry.Upper = 64 * page.DefaultPageSize
	opts.Geometry.GrowStep = 4 * page.DefaultPageSize
	return opts
}

// fillUntilFull rewrites a key with a reader pinned until the map is full.
func fillUntilFull(env *Env) (int, error) {
	for i := 0; i < 1000; i++ {
		if err := overwrite(env, i, 3000); err != nil {
			return i, err
		}
	}
	return 1000, nil
}

func TestMapFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a small map and a reader pinning the first snapshot", t, func() {
		env := openEnv(t, filepath.Join(t.TempDir(), "db"), smallOptions())
		defer env.Close()
		So(overwrite(env, 0, 3000), ShouldBeNil)
		r, err := env.BeginRead()
		So(err, ShouldBeNil)

		Convey("Rewrites eventually fail with ErrMapFull", func() {
			n, err := fillUntilFull(env)
			So(n, ShouldBeLessThan, 1000)
			So(errors.Is(err, errs.ErrMapFull), ShouldBeTrue)
			So(errs.KindOf(err), ShouldEqual, errs.KindOf(errs.ErrMapFull))

			v, err := r.Get([]byte("hot"))
			So(err, ShouldBeNil)
			So(v, ShouldResemble, value(0, 3000))

			env.Metrics().Flush()
			So(env.Metrics().GetStats().Failures.MapFull, ShouldBeGreaterThan, uint64(0))

			Convey("And succeed again after the reader ends", func() {
				So(r.Abort(), ShouldBeNil)
				So(overwrite(env, 1, 3000), ShouldBeNil)
				So(mustGet(env, []byte("hot")), ShouldResemble, value(1, 3000))
				_, err := env.Check()
				So(err, ShouldBeNil)
			})
		})

		Convey("A failed allocation does not disturb the previous snapshot", func() {
			_, err := fillUntilFull(env)
			So(errors.Is(err, errs.ErrMapFull), ShouldBeTrue)
			So(r.Abort(), ShouldBeNil)
			_, err = env.Check()
			So(err, ShouldBeNil)
		})
	})
}

func TestLaggingReader(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a lagging reader policy", t, func() {
		var calls []LaggingReader
		decision := Oust
		opts := smallOptions()
		opts.OnLaggingReader = func(r LaggingReader) Decision {
			calls = append(calls, r)
			return decision
		}
		env := openEnv(t, filepath.Join(t.TempDir(), "db"), opts)
		defer env.Close()
		So(overwrite(env, 0, 3000), ShouldBeNil)
		r, err := env.BeginRead()
		So(err, ShouldBeNil)
		defer r.Abort()

		Convey("Ousting the reader lets the writer continue", func() {
			n, err := fillUntilFull(env)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1000)
			So(calls, ShouldNotBeEmpty)
			So(calls[0].Txnid, ShouldEqual, uint64(r.ID()))
			So(calls[0].Pid, ShouldEqual, osal.Pid())

			_, err = r.Get([]byte("hot"))
			So(errors.Is(err, errs.ErrReaderOusted), ShouldBeTrue)

			env.Metrics().Flush()
			So(env.Metrics().GetStats().Failures.Ousted, ShouldBeGreaterThan, uint64(0))
			_, err = env.Check()
			So(err, ShouldBeNil)
		})

		Convey("Giving up fails the writer", func() {
			decision = GiveUp
			_, err := fillUntilFull(env)
			So(errors.Is(err, errs.ErrMapFull), ShouldBeTrue)
			So(calls, ShouldNotBeEmpty)
			_, err = r.Get([]byte("hot"))
			So(err, ShouldBeNil)
		})
	})
}

func TestSyncModes(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given environments in each sync mode", t, func() {
		ctx := context.Background()
		dir := filepath.Join(t.TempDir(), "db")
		portal := osal.NewFaultPortal(nil)
		open := func(mode SyncMode) *Env {
			opts := testOptions()
			opts.SyncMode = mode
			opts.Portal = portal
			return openEnv(t, dir, opts)
		}

		Convey("Durable commits are steady", func() {
			env := open(Durable)
			defer env.Close()
			So(overwrite(env, 1, 10), ShouldBeNil)
			info, err := env.Info()
			So(err, ShouldBeNil)
			So(info.SteadyTxnid, ShouldEqual, info.RecentTxnid)
			So(info.SyncMode, ShouldEqual, "durable")
		})

		Convey("SafeNoSync commits are weak until synced", func() {
			env := open(SafeNoSync)
			defer env.Close()
			syncs := portal.Syncs()
			So(overwrite(env, 1, 10), ShouldBeNil)
			So(overwrite(env, 2, 10), ShouldBeNil)
			So(portal.Syncs(), ShouldEqual, syncs)

			info, err := env.Info()
			So(err, ShouldBeNil)
			So(info.SteadyTxnid, ShouldBeLessThan, info.RecentTxnid)

			So(env.Sync(ctx, false), ShouldBeNil)
			info, err = env.Info()
			So(err, ShouldBeNil)
			So(info.SteadyTxnid, ShouldEqual, info.RecentTxnid)
			So(portal.Syncs(), ShouldBeGreaterThan, syncs)
		})

		Convey("NoMetaSync syncs data but leaves the meta weak", func() {
			env := open(NoMetaSync)
			defer env.Close()
			syncs := portal.Syncs()
			So(overwrite(env, 1, 10), ShouldBeNil)
			So(portal.Syncs(), ShouldBeGreaterThan, syncs)
			info, err := env.Info()
			So(err, ShouldBeNil)
			So(info.SteadyTxnid, ShouldBeLessThan, info.RecentTxnid)
		})

		Convey("Weak commits survive a reopen on the same boot", func() {
			env := open(UtterlyNoSync)
			So(overwrite(env, 7, 10), ShouldBeNil)
			So(env.Close(), ShouldBeNil)

			env = open(Durable)
			defer env.Close()
			So(mustGet(env, []byte("hot")), ShouldResemble, value(7, 10))
		})

		Convey("A weak mode keeps the steady snapshot's pages", func() {
			env := open(SafeNoSync)
			defer env.Close()
			info, err := env.Info()
			So(err, ShouldBeNil)
			steady := info.SteadyTxnid
			for i := 0; i < 30; i++ {
				So(overwrite(env, i, 2000), ShouldBeNil)
			}
			info, err = env.Info()
			So(err, ShouldBeNil)
			So(info.SteadyTxnid, ShouldEqual, steady)
			_, err = env.Check()
			So(err, ShouldBeNil)
		})

		Convey("A weak mode forces a steady sync when the map fills", func() {
			opts := smallOptions()
			opts.SyncMode = SafeNoSync
			opts.Portal = portal
			env := openEnv(t, dir, opts)
			defer env.Close()
			n, err := fillUntilFull(env)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1000)
			info, err := env.Info()
			So(err, ShouldBeNil)
			So(info.SteadyTxnid, ShouldBeGreaterThan, uint64(page.MinTxnid))
		})
	})
}

func TestRetentionScenarios(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a ten page map and a reader pinned at the first snapshot", t, func() {
		opts := testOptions()
		opts.Geometry.Upper = 10 * page.DefaultPageSize
		opts.Geometry.GrowStep = page.DefaultPageSize
		env := openEnv(t, filepath.Join(t.TempDir(), "db"), opts)
		defer env.Close()

		r, err := env.BeginRead()
		So(err, ShouldBeNil)
		So(r.ID(), ShouldEqual, page.MinTxnid)

		var last error
		commits := 0
		for ; commits < 100; commits++ {
			if last = overwrite(env, commits, 100); last != nil {
				break
			}
		}
		So(errors.Is(last, errs.ErrMapFull), ShouldBeTrue)
		So(commits, ShouldBeLessThan, 10)

		So(r.Abort(), ShouldBeNil)
		for i := 0; i < 50; i++ {
			So(overwrite(env, i, 100), ShouldBeNil)
		}
		So(lastPgno(env), ShouldBeLessThan, uint64(10))
	})

	Convey("Given a reader at txnid 5 and commits 6 to 10", t, func() {
		env := openEnv(t, filepath.Join(t.TempDir(), "db"), testOptions())
		defer env.Close()
		for i := 0; i < 4; i++ {
			So(overwrite(env, i, 100), ShouldBeNil)
		}
		r, err := env.BeginRead()
		So(err, ShouldBeNil)
		So(r.ID(), ShouldEqual, page.Txnid(5))
		for i := 5; i < 10; i++ {
			So(overwrite(env, i, 100), ShouldBeNil)
		}

		records := func() map[page.Txnid]bool {
			keys := map[page.Txnid]bool{}
			So(view(env, func(txn *Txn) error {
				return txn.eachRecord(func(key page.Txnid, _ mvcc.List) error {
					keys[key] = true
					return nil
				})
			}), ShouldBeNil)
			return keys
		}

		Convey("The pages retired by 6 to 10 stay in the free-list", func() {
			keys := records()
			for txnid := page.Txnid(6); txnid <= 10; txnid++ {
				So(keys[txnid], ShouldBeTrue)
			}
			v, err := r.Get([]byte("hot"))
			So(err, ShouldBeNil)
			So(v, ShouldResemble, value(3, 100))
			So(r.Abort(), ShouldBeNil)

			Convey("And are reused once the reader ends", func() {
				peak := lastPgno(env)
				for i := 0; i < 20; i++ {
					So(overwrite(env, i, 100), ShouldBeNil)
				}
				So(lastPgno(env), ShouldBeLessThanOrEqualTo, peak)
				_, err := env.Check()
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestFreeListRewrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a first commit that frees a page it allocated", t, func() {
		for _, mode := range []SyncMode{Durable, UtterlyNoSync} {
			Convey("In "+mode.String()+" mode the commit settles", func() {
				opts := testOptions()
				opts.SyncMode = mode
				env := openEnv(t, filepath.Join(t.TempDir(), "db"), opts)
				defer env.Close()

				err := update(env, func(txn *Txn) error {
					if err := txn.Put([]byte("k1"), value(1, 2500), 0); err != nil {
						return err
					}
					if err := txn.Put([]byte("k0"), value(0, 2500), 0); err != nil {
						return err
					}
					return txn.Put([]byte("k1"), nil, 0)
				})
				So(err, ShouldBeNil)
				So(mustGet(env, []byte("k0")), ShouldResemble, value(0, 2500))
				So(mustGet(env, []byte("k1")), ShouldBeEmpty)
				_, err = env.Check()
				So(err, ShouldBeNil)

				Convey("And later commits reuse the recorded page", func() {
					for i := 0; i < 30; i++ {
						So(overwrite(env, i, 2500), ShouldBeNil)
					}
					So(mustGet(env, []byte("k0")), ShouldResemble, value(0, 2500))
					_, err := env.Check()
					So(err, ShouldBeNil)
				})
			})
		}
	})

	Convey("Given commits that each free exactly one page", t, func() {
		env := openEnv(t, filepath.Join(t.TempDir(), "db"), testOptions())
		defer env.Close()
		for i := 0; i < 40; i++ {
			So(update(env, func(txn *Txn) error {
				if err := txn.Put(key(i), value(i, 2500), 0); err != nil {
					return err
				}
				return txn.Put(key(i), value(i, 10), 0)
			}), ShouldBeNil)
		}
		for i := 0; i < 40; i++ {
			So(mustGet(env, key(i)), ShouldResemble, value(i, 10))
		}
		_, err := env.Check()
		So(err, ShouldBeNil)
	})
}
