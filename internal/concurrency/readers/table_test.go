// Licensed under the MIT License. See LICENSE file in the project root for details.

package readers

import (
	"errors"
	"sync"
	"testing"
	"time"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/page"
)

// memory returns an 8-byte aligned region large enough for n slots.
func memory(n int) []byte {
	words := make([]uint64, (Size(n)+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

func newTable(n int) *Table {
	t, err := Init(memory(n), n)
	So(err, ShouldBeNil)
	return t
}

func TestTableBasicOperations(t *testing.T) {
	Convey("Given an empty reader table", t, func() {
		table := newTable(4)

		Convey("Initially", func() {
			So(table.MaxReaders(), ShouldEqual, 4)
			So(table.NumReaders(), ShouldEqual, 0)
			So(table.ActiveCount(), ShouldEqual, 0)
			So(table.Oldest(42), ShouldEqual, page.Txnid(42))
			So(table.List(), ShouldBeEmpty)
		})

		Convey("When a reader pins txnid 10", func() {
			a, err := table.Acquire(100, 1)
			So(err, ShouldBeNil)
			a.Pin(10, 64, 3, time.Second)

			Convey("Then the horizon is 10", func() {
				So(table.Oldest(20), ShouldEqual, page.Txnid(10))
				So(table.ActiveCount(), ShouldEqual, 1)
			})

			Convey("And a lower limit wins", func() {
				So(table.Oldest(7), ShouldEqual, page.Txnid(7))
			})

			Convey("And the slot is listed", func() {
				list := table.List()
				So(list, ShouldHaveLength, 1)
				So(list[0].Pid, ShouldEqual, uint32(100))
				So(list[0].Txnid, ShouldEqual, page.Txnid(10))
				So(list[0].PagesUsed, ShouldEqual, uint64(64))
				So(list[0].PagesRetired, ShouldEqual, uint64(3))
				So(list[0].PinnedAt, ShouldEqual, time.Second)
				So(list[0].Pinned(), ShouldBeTrue)
			})

			Convey("When a second reader pins txnid 5", func() {
				b, err := table.Acquire(100, 2)
				So(err, ShouldBeNil)
				b.Pin(5, 60, 2, 0)

				So(b.Index(), ShouldNotEqual, a.Index())
				So(table.Oldest(20), ShouldEqual, page.Txnid(5))
				So(table.ActiveCount(), ShouldEqual, 2)

				Convey("When it is released", func() {
					b.Release()

					So(table.Oldest(20), ShouldEqual, page.Txnid(10))
					So(table.ActiveCount(), ShouldEqual, 1)
					So(table.NumReaders(), ShouldEqual, 2)
				})
			})

			Convey("When the reader unpins", func() {
				a.Unpin()

				Convey("Then it keeps the slot without pinning", func() {
					So(table.Oldest(20), ShouldEqual, page.Txnid(20))
					So(table.List(), ShouldHaveLength, 1)
					So(table.List()[0].Pinned(), ShouldBeFalse)
				})
			})
		})
	})
}

func TestTableExhaustion(t *testing.T) {
	Convey("Given a table with two slots", t, func() {
		table := newTable(2)
		a, err := table.Acquire(1, 0)
		So(err, ShouldBeNil)
		_, err = table.Acquire(1, 0)
		So(err, ShouldBeNil)

		Convey("A third reader is refused", func() {
			_, err := table.Acquire(1, 0)
			So(errors.Is(err, errs.ErrReadersFull), ShouldBeTrue)
		})

		Convey("A released slot is reused", func() {
			a.Release()
			c, err := table.Acquire(2, 0)
			So(err, ShouldBeNil)
			So(c.Index(), ShouldEqual, a.Index())
		})
	})
}

func TestTableOust(t *testing.T) {
	Convey("Given a reader pinned at txnid 3", t, func() {
		table := newTable(4)
		s, _ := table.Acquire(1, 0)
		s.Pin(3, 0, 0, 0)

		Convey("Ousting with a stale txnid does nothing", func() {
			So(table.Oust(s.Index(), 4), ShouldBeFalse)
			So(s.Ousted(), ShouldBeFalse)
		})

		Convey("Ousting with the pinned txnid evicts the reader", func() {
			So(table.Oust(s.Index(), 3), ShouldBeTrue)
			So(s.Ousted(), ShouldBeTrue)

			Convey("And the horizon no longer includes it", func() {
				So(table.Oldest(10), ShouldEqual, page.Txnid(10))
				So(table.ActiveCount(), ShouldEqual, 0)
			})
		})

		Convey("Out of range slots are ignored", func() {
			So(table.Oust(-1, 3), ShouldBeFalse)
			So(table.Oust(4, 3), ShouldBeFalse)
		})
	})
}

func TestTableSweepAndReset(t *testing.T) {
	Convey("Given slots owned by a dead and a live process", t, func() {
		table := newTable(4)
		dead, _ := table.Acquire(7, 0)
		dead.Pin(2, 0, 0, 0)
		live, _ := table.Acquire(8, 0)
		live.Pin(4, 0, 0, 0)

		Convey("Sweep frees only the dead process's slot", func() {
			probed := 0
			n := table.Sweep(func(pid uint32) bool {
				probed++
				return pid == 8
			})
			So(n, ShouldEqual, 1)
			So(probed, ShouldEqual, 2)
			So(table.Oldest(10), ShouldEqual, page.Txnid(4))
		})

		Convey("Reset frees everything", func() {
			table.SetWriterPid(8)
			So(table.Reset(), ShouldEqual, 2)
			So(table.NumReaders(), ShouldEqual, 0)
			So(table.WriterPid(), ShouldEqual, uint32(0))
			So(table.Oldest(10), ShouldEqual, page.Txnid(10))
		})
	})
}

func TestTableAttach(t *testing.T) {
	Convey("Given a formatted region", t, func() {
		mem := memory(8)
		_, err := Init(mem, 8)
		So(err, ShouldBeNil)

		Convey("Attach sees the same geometry", func() {
			other, err := Attach(mem)
			So(err, ShouldBeNil)
			So(other.MaxReaders(), ShouldEqual, 8)
		})

		Convey("A wrong magic is rejected", func() {
			mem[0] ^= 0xFF
			_, err := Attach(mem)
			So(errors.Is(err, errs.ErrInvalid), ShouldBeTrue)
		})

		Convey("A truncated region is rejected", func() {
			_, err := Attach(mem[:Size(4)])
			So(errors.Is(err, errs.ErrCorrupted), ShouldBeTrue)
		})
	})

	Convey("Init refuses a region that is too small", t, func() {
		_, err := Init(memory(1), 2)
		So(errors.Is(err, errs.ErrInvalidOption), ShouldBeTrue)
	})
}

func TestTableConcurrentReaders(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given many readers pinning and releasing concurrently", t, func() {
		const workers = 16
		table := newTable(workers)
		var (
			reg sync.Mutex
			wg  sync.WaitGroup
		)
		floor := page.Txnid(1000)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					reg.Lock()
					s, err := table.Acquire(uint32(w+1), uint64(i))
					reg.Unlock()
					if err != nil {
						panic(err)
					}
					s.Pin(floor+page.Txnid(i), 0, 0, 0)
					s.Release()
				}
			}(w)
		}

		// The horizon is never below the lowest txnid any reader pinned.
		for i := 0; i < 1000; i++ {
			So(table.Oldest(page.InvalidTxnid) >= floor, ShouldBeTrue)
		}
		wg.Wait()

		So(table.ActiveCount(), ShouldEqual, 0)
		So(table.List(), ShouldBeEmpty)
	})
}
