// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/btree"
	"github.com/kianostad/cowdb/internal/storage/meta"
	"github.com/kianostad/cowdb/internal/storage/page"
)

func TestTransactions(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given an environment with some data", t, func() {
		ctx := context.Background()
		env := openEnv(t, filepath.Join(t.TempDir(), "db"), testOptions())
		defer env.Close()
		So(update(env, func(txn *Txn) error {
			for i := 0; i < 10; i++ {
				if err := txn.Put(key(i), value(i, 16), 0); err != nil {
					return err
				}
			}
			return nil
		}), ShouldBeNil)

		Convey("A reader keeps its snapshot while a writer commits", func() {
			r, err := env.BeginRead()
			So(err, ShouldBeNil)
			defer r.Abort()

			So(update(env, func(txn *Txn) error {
				if err := txn.Put(key(0), []byte("changed"), 0); err != nil {
					return err
				}
				return txn.Del(key(1))
			}), ShouldBeNil)

			v, err := r.Get(key(0))
			So(err, ShouldBeNil)
			So(v, ShouldResemble, value(0, 16))
			_, err = r.Get(key(1))
			So(err, ShouldBeNil)

			So(mustGet(env, key(0)), ShouldResemble, []byte("changed"))
			_, err = func() ([]byte, error) {
				txn, _ := env.BeginRead()
				defer txn.Abort()
				return txn.Get(key(1))
			}()
			So(errors.Is(err, errs.ErrNotFound), ShouldBeTrue)
		})

		Convey("A writer sees its own changes before commit", func() {
			txn, err := env.BeginWrite(ctx, 0)
			So(err, ShouldBeNil)
			So(txn.ReadOnly(), ShouldBeFalse)
			So(txn.Put([]byte("new"), []byte("v"), 0), ShouldBeNil)
			v, err := txn.Get([]byte("new"))
			So(err, ShouldBeNil)
			So(v, ShouldResemble, []byte("v"))
			So(txn.Pending(), ShouldBeGreaterThan, 0)
			So(txn.Stat().Entries, ShouldEqual, uint64(11))

			Convey("And an abort discards them", func() {
				So(txn.Abort(), ShouldBeNil)
				So(mustGet(env, []byte("new")), ShouldBeNil)
				So(errors.Is(txn.Abort(), errs.ErrBadTxn), ShouldBeTrue)
				_, err := txn.Commit()
				So(errors.Is(err, errs.ErrBadTxn), ShouldBeTrue)
			})
		})

		Convey("Only one writer runs at a time", func() {
			w, err := env.BeginWrite(ctx, 0)
			So(err, ShouldBeNil)

			_, err = env.BeginWrite(ctx, TxnNoWait)
			So(errors.Is(err, errs.ErrBusy), ShouldBeTrue)

			short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err = env.BeginWrite(short, 0)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)

			done := make(chan error, 1)
			go func() {
				txn, err := env.BeginWrite(ctx, 0)
				if err == nil {
					err = txn.Put([]byte("second"), []byte("writer"), 0)
					if err == nil {
						_, err = txn.Commit()
					}
				}
				done <- err
			}()
			So(w.Put([]byte("first"), []byte("writer"), 0), ShouldBeNil)
			_, err = w.Commit()
			So(err, ShouldBeNil)
			So(<-done, ShouldBeNil)
			So(mustGet(env, []byte("first")), ShouldResemble, []byte("writer"))
			So(mustGet(env, []byte("second")), ShouldResemble, []byte("writer"))
		})

		Convey("Expected failures leave the writer usable", func() {
			txn, err := env.BeginWrite(ctx, 0)
			So(err, ShouldBeNil)

			err = txn.Put(key(0), []byte("x"), NoOverwrite)
			So(errors.Is(err, errs.ErrKeyExist), ShouldBeTrue)
			So(errors.Is(txn.Del([]byte("absent")), errs.ErrNotFound), ShouldBeTrue)
			big := make([]byte, btree.MaxKeySize(env.PageSize())+1)
			So(errors.Is(txn.Put(big, nil, 0), errs.ErrBadValSize), ShouldBeTrue)

			So(txn.Put([]byte("after"), []byte("ok"), 0), ShouldBeNil)
			_, err = txn.Commit()
			So(err, ShouldBeNil)
			So(mustGet(env, []byte("after")), ShouldResemble, []byte("ok"))
		})

		Convey("Read transactions refuse writes", func() {
			r, err := env.BeginRead()
			So(err, ShouldBeNil)
			defer r.Abort()
			So(r.ReadOnly(), ShouldBeTrue)
			So(errors.Is(r.Put([]byte("k"), []byte("v"), 0), errs.ErrReadOnly), ShouldBeTrue)
			So(errors.Is(r.Del(key(0)), errs.ErrReadOnly), ShouldBeTrue)
			_, err = r.NewPage(page.FlagLeaf, 1)
			So(errors.Is(err, errs.ErrReadOnly), ShouldBeTrue)
			So(r.Pending(), ShouldEqual, 0)
		})

		Convey("Reset and Renew move a reader to the newest snapshot", func() {
			r, err := env.BeginRead()
			So(err, ShouldBeNil)
			defer r.Abort()
			first := r.ID()

			So(r.Reset(), ShouldBeNil)
			_, err = r.Get(key(0))
			So(errors.Is(err, errs.ErrBadTxn), ShouldBeTrue)
			So(errors.Is(r.Reset(), errs.ErrBadTxn), ShouldBeTrue)

			So(update(env, func(txn *Txn) error { return txn.Put(key(0), []byte("renewed"), 0) }), ShouldBeNil)

			So(r.Renew(), ShouldBeNil)
			So(r.ID(), ShouldEqual, first+1)
			v, err := r.Get(key(0))
			So(err, ShouldBeNil)
			So(v, ShouldResemble, []byte("renewed"))
			So(errors.Is(r.Renew(), errs.ErrBadTxn), ShouldBeTrue)
		})

		Convey("Committing a reader just ends it", func() {
			r, err := env.BeginRead()
			So(err, ShouldBeNil)
			_, err = r.Commit()
			So(err, ShouldBeNil)
			_, err = r.Commit()
			So(errors.Is(err, errs.ErrBadTxn), ShouldBeTrue)
		})

		Convey("An unmodified writer commits without a new txnid", func() {
			before, err := env.Info()
			So(err, ShouldBeNil)
			So(update(env, func(txn *Txn) error {
				_, err := txn.Get(key(0))
				return err
			}), ShouldBeNil)
			after, err := env.Info()
			So(err, ShouldBeNil)
			So(after.RecentTxnid, ShouldEqual, before.RecentTxnid)
		})

		Convey("Cursors walk keys in order", func() {
			r, err := env.BeginRead()
			So(err, ShouldBeNil)
			defer r.Abort()
			c, err := r.Cursor()
			So(err, ShouldBeNil)

			n := 0
			for k, v, err := c.First(); k != nil; k, v, err = c.Next() {
				So(err, ShouldBeNil)
				So(k, ShouldResemble, key(n))
				So(v, ShouldResemble, value(n, 16))
				n++
			}
			So(n, ShouldEqual, 10)

			k, _, err := c.Last()
			So(err, ShouldBeNil)
			So(k, ShouldResemble, key(9))
			k, _, err = c.Seek(key(5))
			So(err, ShouldBeNil)
			So(k, ShouldResemble, key(5))
			k, _, err = c.Prev()
			So(err, ShouldBeNil)
			So(k, ShouldResemble, key(4))
		})

		Convey("Canaries are stored with the commit", func() {
			var txnid page.Txnid
			So(update(env, func(txn *Txn) error {
				txnid = txn.ID()
				return txn.PutCanary(meta.Canary{X: 1, Y: 2, Z: 3, V: 99})
			}), ShouldBeNil)
			r, err := env.BeginRead()
			So(err, ShouldBeNil)
			defer r.Abort()
			c := r.Canary()
			So(c.X, ShouldEqual, uint64(1))
			So(c.Y, ShouldEqual, uint64(2))
			So(c.Z, ShouldEqual, uint64(3))
			So(c.V, ShouldEqual, uint64(txnid))
		})

		Convey("Large values span several pages", func() {
			ps := env.PageSize()
			So(update(env, func(txn *Txn) error {
				return txn.Put([]byte("large"), value(7, 5*ps+123), 0)
			}), ShouldBeNil)
			So(mustGet(env, []byte("large")), ShouldResemble, value(7, 5*ps+123))
			st, err := env.Stat()
			So(err, ShouldBeNil)
			So(st.LargePages, ShouldBeGreaterThanOrEqualTo, uint64(6))

			Convey("And replacing them frees the run", func() {
				So(update(env, func(txn *Txn) error {
					return txn.Put([]byte("large"), []byte("small"), 0)
				}), ShouldBeNil)
				st, err := env.Stat()
				So(err, ShouldBeNil)
				So(st.LargePages, ShouldEqual, uint64(0))
				rep, err := env.Check()
				So(err, ShouldBeNil)
				So(rep.FreePages, ShouldBeGreaterThanOrEqualTo, uint64(6))
			})
		})

		Convey("Drop empties the main tree", func() {
			So(update(env, func(txn *Txn) error { return txn.Drop() }), ShouldBeNil)
			st, err := env.Stat()
			So(err, ShouldBeNil)
			So(st.Entries, ShouldEqual, uint64(0))
			rep, err := env.Check()
			So(err, ShouldBeNil)
			So(rep.MainPages, ShouldEqual, uint64(0))
		})

		Convey("Root pages are reported per tree", func() {
			r, err := env.BeginRead()
			So(err, ShouldBeNil)
			defer r.Abort()
			So(r.RootPage(meta.MainTree), ShouldBeGreaterThanOrEqualTo, page.Pgno(page.NumMetas))
			So(r.RootPage(meta.MainTree), ShouldNotEqual, page.InvalidPgno)
			So(r.RootPage(meta.GCTree), ShouldEqual, page.InvalidPgno)
			So(r.RootPage(-1), ShouldEqual, page.InvalidPgno)
			So(r.RootPage(meta.NumTrees), ShouldEqual, page.InvalidPgno)
		})
	})
}

// TestSnapshotConsistency runs readers against a writer that keeps two
// counters equal in every commit.
func TestSnapshotConsistency(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := openEnv(t, filepath.Join(t.TempDir(), "db"), testOptions())
	defer env.Close()

	put := func(txn *Txn, n uint64) error {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], n)
		if err := txn.Put([]byte("a"), b[:], 0); err != nil {
			return err
		}
		// Filler spreads the counters over several pages.
		if err := txn.Put(key(int(n%50)), value(int(n), 300), 0); err != nil {
			return err
		}
		return txn.Put([]byte("z"), b[:], 0)
	}
	if err := update(env, func(txn *Txn) error { return put(txn, 0) }); err != nil {
		t.Fatal(err)
	}

	const commits = 300
	var (
		wg       sync.WaitGroup
		stop     atomic.Bool
		failures atomic.Int64
		reads    atomic.Int64
	)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				err := view(env, func(txn *Txn) error {
					a, err := txn.Get([]byte("a"))
					if err != nil {
						return err
					}
					z, err := txn.Get([]byte("z"))
					if err != nil {
						return err
					}
					if binary.BigEndian.Uint64(a) != binary.BigEndian.Uint64(z) {
						return errs.ErrCorrupted
					}
					return nil
				})
				if err != nil {
					failures.Add(1)
				}
				reads.Add(1)
			}
		}()
	}

	for n := uint64(1); n <= commits; n++ {
		if err := update(env, func(txn *Txn) error { return put(txn, n) }); err != nil {
			t.Fatalf("commit %d: %v", n, err)
		}
	}
	stop.Store(true)
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d of %d reads saw a torn snapshot", failures.Load(), reads.Load())
	}
	if _, err := env.Check(); err != nil {
		t.Fatal(err)
	}
}
