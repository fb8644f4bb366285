// Licensed under the MIT License. See LICENSE file in the project root for details.

package btree

import (
	"bytes"
	"fmt"
	"sort"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"pgregory.net/rapid"

	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/storage/page"
)

func key(i int) []byte { return []byte(fmt.Sprintf("key-%06d", i)) }

// collect returns every key/value pair in cursor order.
func collect(p Pager, t *Tree) ([]string, []string, error) {
	var ks, vs []string
	c := NewCursor(p, t)
	k, v, err := c.First()
	for ; err == nil && k != nil; k, v, err = c.Next() {
		ks = append(ks, string(k))
		vs = append(vs, string(v))
	}
	return ks, vs, err
}

// accounted walks the tree and checks that its page counters match.
func accounted(p Pager, t *Tree) (int, error) {
	seen := map[page.Pgno]bool{}
	var branch, leaf, large uint32
	err := Walk(p, t, func(pgno page.Pgno, n int, kind uint16, _ int) error {
		if seen[pgno] {
			return fmt.Errorf("page %d visited twice", pgno)
		}
		seen[pgno] = true
		switch kind {
		case page.FlagBranch:
			branch++
		case page.FlagLeaf:
			leaf++
		case page.FlagLarge:
			large += uint32(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if branch != t.BranchPages || leaf != t.LeafPages || large != t.LargePages {
		return 0, fmt.Errorf("counters %d/%d/%d, walked %d/%d/%d",
			t.BranchPages, t.LeafPages, t.LargePages, branch, leaf, large)
	}
	return int(branch + leaf + large), nil
}

func TestTreeBasics(t *testing.T) {
	Convey("Given an empty tree over 256-byte pages", t, func() {
		p := newMemPager(256)
		tree := Empty(0)

		Convey("Lookups miss and the cursor is exhausted", func() {
			_, err := Get(p, &tree, []byte("x"))
			So(err, ShouldEqual, errs.ErrNotFound)
			k, _, err := NewCursor(p, &tree).First()
			So(err, ShouldBeNil)
			So(k, ShouldBeNil)
			So(Delete(p, &tree, []byte("x")), ShouldEqual, errs.ErrNotFound)
		})

		Convey("When many keys are inserted out of order", func() {
			const n = 500
			for i := 0; i < n; i++ {
				j := (i * 7919) % n
				So(Put(p, &tree, key(j), []byte(fmt.Sprint(j)), 0), ShouldBeNil)
			}

			Convey("Then every key is found and the tree grew", func() {
				So(tree.Items, ShouldEqual, n)
				So(tree.Height, ShouldBeGreaterThan, 1)
				for i := 0; i < n; i++ {
					v, err := Get(p, &tree, key(i))
					So(err, ShouldBeNil)
					So(string(v), ShouldEqual, fmt.Sprint(i))
				}
			})

			Convey("Then the cursor yields keys in order in both directions", func() {
				ks, _, err := collect(p, &tree)
				So(err, ShouldBeNil)
				So(len(ks), ShouldEqual, n)
				So(sort.StringsAreSorted(ks), ShouldBeTrue)

				c := NewCursor(p, &tree)
				k, _, err := c.Last()
				count := 0
				for ; err == nil && k != nil; k, _, err = c.Prev() {
					So(string(k), ShouldEqual, ks[n-1-count])
					count++
				}
				So(err, ShouldBeNil)
				So(count, ShouldEqual, n)
			})

			Convey("Then Seek lands on the first key not below the target", func() {
				c := NewCursor(p, &tree)
				k, _, err := c.Seek([]byte("key-000100x"))
				So(err, ShouldBeNil)
				So(string(k), ShouldEqual, string(key(101)))
				k, _, err = c.Seek([]byte("zzz"))
				So(err, ShouldBeNil)
				So(k, ShouldBeNil)
			})

			Convey("Then page counters match a walk", func() {
				pages, err := accounted(p, &tree)
				So(err, ShouldBeNil)
				So(pages, ShouldEqual, p.live())
			})

			Convey("And all keys are deleted again", func() {
				for i := 0; i < n; i++ {
					So(Delete(p, &tree, key(i)), ShouldBeNil)
				}
				So(tree.IsEmpty(), ShouldBeTrue)
				So(tree.Items, ShouldEqual, 0)
				So(tree.Pages(), ShouldEqual, 0)
				So(p.live(), ShouldEqual, 0)
			})
		})

		Convey("NoOverwrite refuses an existing key", func() {
			So(Put(p, &tree, []byte("a"), []byte("1"), 0), ShouldBeNil)
			So(Put(p, &tree, []byte("a"), []byte("2"), NoOverwrite), ShouldEqual, errs.ErrKeyExist)
			So(Put(p, &tree, []byte("a"), []byte("3"), 0), ShouldBeNil)
			v, _ := Get(p, &tree, []byte("a"))
			So(string(v), ShouldEqual, "3")
			So(tree.Items, ShouldEqual, 1)
		})

		Convey("Oversized keys are rejected", func() {
			big := bytes.Repeat([]byte("k"), MaxKeySize(256)+1)
			err := Put(p, &tree, big, nil, 0)
			So(errs.KindOf(err), ShouldEqual, errs.KindMisuse)
			So(Put(p, &tree, big[:MaxKeySize(256)], nil, 0), ShouldBeNil)
		})
	})
}

func TestLargeValues(t *testing.T) {
	Convey("Given a tree holding values larger than a page", t, func() {
		p := newMemPager(256)
		tree := Empty(0)
		big := bytes.Repeat([]byte("0123456789"), 100)

		So(Put(p, &tree, []byte("big"), big, 0), ShouldBeNil)
		So(tree.LargePages, ShouldEqual, page.LargePages(256, len(big)))

		Convey("The value round-trips through the large run", func() {
			v, err := Get(p, &tree, []byte("big"))
			So(err, ShouldBeNil)
			So(bytes.Equal(v, big), ShouldBeTrue)
			_, err = accounted(p, &tree)
			So(err, ShouldBeNil)
		})

		Convey("Replacing it with a small value retires the run", func() {
			So(Put(p, &tree, []byte("big"), []byte("small"), 0), ShouldBeNil)
			So(tree.LargePages, ShouldEqual, 0)
			v, _ := Get(p, &tree, []byte("big"))
			So(string(v), ShouldEqual, "small")
			So(p.live(), ShouldEqual, 1)
		})

		Convey("Dropping the tree retires everything", func() {
			So(Drop(p, &tree), ShouldBeNil)
			So(tree.IsEmpty(), ShouldBeTrue)
			So(p.live(), ShouldEqual, 0)
		})
	})
}

func TestCopyOnWrite(t *testing.T) {
	Convey("Given a tree whose pages were frozen", t, func() {
		p := newMemPager(256)
		tree := Empty(0)
		for i := 0; i < 100; i++ {
			So(Put(p, &tree, key(i), []byte("v"), 0), ShouldBeNil)
		}
		p.freeze()
		oldRoot := tree.Root
		frozen := p.live()

		Convey("An update relocates exactly the root-to-leaf path", func() {
			So(Put(p, &tree, key(50), []byte("w"), 0), ShouldBeNil)
			So(tree.Root, ShouldNotEqual, oldRoot)
			So(len(p.retired), ShouldEqual, int(tree.Height))
			So(p.live(), ShouldEqual, frozen)
			v, _ := Get(p, &tree, key(50))
			So(string(v), ShouldEqual, "w")
		})
	})
}

func TestIntegerKeys(t *testing.T) {
	Convey("Integer keys order numerically", t, func() {
		p := newMemPager(256)
		tree := Empty(IntegerKey)
		for _, v := range []uint64{300, 2, 1 << 40, 17, 256} {
			So(Put(p, &tree, IntKey(v), []byte("x"), 0), ShouldBeNil)
		}
		c := NewCursor(p, &tree)
		var got []uint64
		k, _, err := c.First()
		for ; err == nil && k != nil; k, _, err = c.Next() {
			v, ok := ParseIntKey(k)
			So(ok, ShouldBeTrue)
			got = append(got, v)
		}
		So(got, ShouldResemble, []uint64{2, 17, 256, 300, 1 << 40})
	})
}

func TestTreeCodec(t *testing.T) {
	Convey("A tree descriptor survives encoding", t, func() {
		in := Tree{Flags: IntegerKey, Height: 3, Root: 99, BranchPages: 4, LeafPages: 40,
			LargePages: 7, Sequence: 12, Items: 1000, ModTxnid: 55}
		buf := make([]byte, TreeSize)
		in.Encode(buf)
		So(Decode(buf), ShouldResemble, in)
	})
}

// TestTreeMatchesModel checks the tree against a map under random
// operations with periodic freezes.
func TestTreeMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := newMemPager(256)
		tree := Empty(0)
		model := map[string]string{}

		n := rapid.IntRange(1, 300).Draw(t, "ops")
		for i := 0; i < n; i++ {
			k := fmt.Sprintf("k%d", rapid.IntRange(0, 80).Draw(t, "key"))
			switch rapid.SampledFrom([]string{"put", "put", "big", "del", "freeze"}).Draw(t, "op") {
			case "put":
				v := rapid.StringN(0, 40, -1).Draw(t, "val")
				if err := Put(p, &tree, []byte(k), []byte(v), 0); err != nil {
					t.Fatalf("put %q: %v", k, err)
				}
				model[k] = v
			case "big":
				v := string(bytes.Repeat([]byte{'b'}, rapid.IntRange(200, 900).Draw(t, "size")))
				if err := Put(p, &tree, []byte(k), []byte(v), 0); err != nil {
					t.Fatalf("put big %q: %v", k, err)
				}
				model[k] = v
			case "del":
				err := Delete(p, &tree, []byte(k))
				if _, ok := model[k]; ok != (err == nil) {
					t.Fatalf("delete %q: model has=%v err=%v", k, ok, err)
				}
				delete(model, k)
			case "freeze":
				p.freeze()
			}
		}

		if tree.Items != uint64(len(model)) {
			t.Fatalf("items %d, model %d", tree.Items, len(model))
		}
		ks, vs, err := collect(p, &tree)
		if err != nil {
			t.Fatal(err)
		}
		want := make([]string, 0, len(model))
		for k := range model {
			want = append(want, k)
		}
		sort.Strings(want)
		if len(ks) != len(want) {
			t.Fatalf("cursor saw %d keys, want %d", len(ks), len(want))
		}
		for i := range ks {
			if ks[i] != want[i] || vs[i] != model[want[i]] {
				t.Fatalf("entry %d: got %q=%q", i, ks[i], vs[i])
			}
		}
		pages, err := accounted(p, &tree)
		if err != nil {
			t.Fatal(err)
		}
		if pages != p.live() {
			t.Fatalf("tree owns %d pages, pager has %d live", pages, p.live())
		}
	})
}
