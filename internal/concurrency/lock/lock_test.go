// Licensed under the MIT License. See LICENSE file in the project root for details.

package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/osal"
	"github.com/kianostad/cowdb/internal/storage/page"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestLockFile(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a fresh lock file", t, func() {
		path := filepath.Join(t.TempDir(), "lock.cdb")
		l, err := Open(path, 8, osal.Default(), quietLog())
		So(err, ShouldBeNil)
		defer l.Close()

		Convey("The opener is exclusive and the table is formatted", func() {
			So(l.Exclusive(), ShouldBeTrue)
			So(l.Table().MaxReaders(), ShouldEqual, 8)
			So(l.Path(), ShouldEqual, path)
		})

		Convey("A second open in the same process is refused", func() {
			_, err := Open(path, 8, osal.Default(), quietLog())
			So(errors.Is(err, errs.ErrBusy), ShouldBeTrue)
		})

		Convey("The writer lock is exclusive", func() {
			So(l.LockWriter(context.Background(), true), ShouldBeNil)
			So(l.Table().WriterPid(), ShouldEqual, osal.Pid())

			err := l.LockWriter(context.Background(), false)
			So(errors.Is(err, errs.ErrBusy), ShouldBeTrue)
			So(errs.IsRetryable(err), ShouldBeTrue)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			So(l.LockWriter(ctx, true), ShouldEqual, context.DeadlineExceeded)

			So(l.UnlockWriter(), ShouldBeNil)
			So(l.Table().WriterPid(), ShouldEqual, uint32(0))
			So(l.LockWriter(context.Background(), false), ShouldBeNil)
			So(l.UnlockWriter(), ShouldBeNil)
		})

		Convey("A waiting writer gets the lock once it is released", func() {
			So(l.LockWriter(context.Background(), true), ShouldBeNil)
			done := make(chan error, 1)
			go func() {
				err := l.LockWriter(context.Background(), true)
				if err == nil {
					err = l.UnlockWriter()
				}
				done <- err
			}()
			time.Sleep(10 * time.Millisecond)
			So(l.UnlockWriter(), ShouldBeNil)
			So(<-done, ShouldBeNil)
		})

		Convey("Sweep frees slots of processes that are gone", func() {
			So(l.LockRegistration(), ShouldBeNil)
			own, err := l.Table().Acquire(osal.Pid(), 0)
			So(err, ShouldBeNil)
			own.Pin(5, 0, 0, 0)
			gone, err := l.Table().Acquire(0x7FFFFFF0, 0)
			So(err, ShouldBeNil)
			gone.Pin(3, 0, 0, 0)
			l.UnlockRegistration()

			So(l.Alive(osal.Pid()), ShouldBeTrue)
			So(l.Alive(0x7FFFFFF0), ShouldBeFalse)

			n, err := l.Sweep()
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(l.Table().Oldest(100), ShouldEqual, page.Txnid(5))
			own.Release()
		})
	})

	Convey("Given a lock file left with a claimed slot", t, func() {
		path := filepath.Join(t.TempDir(), "lock.cdb")
		l, err := Open(path, 4, osal.Default(), quietLog())
		So(err, ShouldBeNil)
		s, err := l.Table().Acquire(osal.Pid(), 0)
		So(err, ShouldBeNil)
		s.Pin(9, 0, 0, 0)
		So(l.Close(), ShouldBeNil)

		Convey("An exclusive reopen recycles it", func() {
			l, err := Open(path, 4, osal.Default(), quietLog())
			So(err, ShouldBeNil)
			defer l.Close()
			So(l.Exclusive(), ShouldBeTrue)
			So(l.Table().NumReaders(), ShouldEqual, 0)
			So(l.Table().ActiveCount(), ShouldEqual, 0)
		})

		Convey("A reopen with another reader count reformats", func() {
			l, err := Open(path, 16, osal.Default(), quietLog())
			So(err, ShouldBeNil)
			defer l.Close()
			So(l.Table().MaxReaders(), ShouldEqual, 16)
		})
	})
}
