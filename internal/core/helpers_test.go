// Licensed under the MIT License. See LICENSE file in the project root for details.

package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/kianostad/cowdb/internal/storage/page"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// testOptions returns durable options with 4 KiB pages and a small map.
func testOptions() Options {
	opts := DefaultOptions()
	opts.Logger = quietLog()
	opts.MaxReaders = 16
	opts.Geometry = Geometry{
		PageSize:        page.DefaultPageSize,
		Upper:           16 << 20,
		GrowStep:        64 << 10,
		ShrinkThreshold: 0,
	}
	return opts
}

func openEnv(t testing.TB, path string, opts Options) *Env {
	t.Helper()
	env, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	return env
}

func key(i int) []byte { return []byte(fmt.Sprintf("key-%06d", i)) }

func value(i, size int) []byte {
	v := make([]byte, size)
	for j := range v {
		v[j] = byte(i + j)
	}
	return v
}

// update runs fn in a write transaction and commits it.
func update(env *Env, fn func(txn *Txn) error) error {
	txn, err := env.BeginWrite(context.Background(), 0)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	_, err = txn.Commit()
	return err
}

// view runs fn in a read transaction.
func view(env *Env, fn func(txn *Txn) error) error {
	txn, err := env.BeginRead()
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}

func mustGet(env *Env, k []byte) []byte {
	var out []byte
	err := view(env, func(txn *Txn) error {
		v, err := txn.Get(k)
		out = append([]byte(nil), v...)
		return err
	})
	if err != nil {
		return nil
	}
	return out
}
