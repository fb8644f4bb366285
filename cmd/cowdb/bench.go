// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kianostad/cowdb"
	"github.com/kianostad/cowdb/internal/monitoring/metrics"
)

type benchConfig struct {
	keys      int
	batch     int
	valueSize int
	readers   []int
}

var benchCfg = benchConfig{readers: []int{1, 2, 4, 8, 16}}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure commit, read and scan throughput",
	Long:  "bench fills a database with generated keys and measures the engine. Without --path it works in a temporary directory that is removed afterwards.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if benchCfg.keys < 1 || benchCfg.batch < 1 || benchCfg.valueSize < 0 {
			return errors.New("--keys and --batch must be positive")
		}
		c, err := loadConfigOrDefault(cmd)
		if err != nil {
			return err
		}
		if c.Path == "" {
			dir, err := os.MkdirTemp("", "cowdb-bench-")
			if err != nil {
				return errors.Wrap(err, "temp dir")
			}
			defer os.RemoveAll(dir)
			c.Path = dir
		}
		opts, err := c.Options()
		if err != nil {
			return err
		}
		m := metrics.NewMetrics()
		defer m.Close()
		opts.Metrics = m
		log := c.Logger()
		log.SetOutput(cmd.ErrOrStderr())
		opts.Logger = log

		env, err := cowdb.Open(c.Path, opts)
		if err != nil {
			return err
		}
		defer env.Close()
		b := &bench{env: env, m: m, cfg: benchCfg, ctx: cmd.Context(), out: cmd.OutOrStdout()}
		return b.run()
	},
}

// bench runs the workloads against one environment in sequence.
type bench struct {
	env *cowdb.Env
	m   *metrics.Metrics
	cfg benchConfig
	ctx context.Context
	out io.Writer
}

func benchKey(i int) []byte { return []byte(fmt.Sprintf("key%08d", i)) }

func (b *bench) report(name string, ops int, d time.Duration) {
	rate := float64(ops) / d.Seconds()
	fmt.Fprintf(b.out, "   %s: %s ops in %v (%s ops/sec)\n", name,
		humanize.Comma(int64(ops)), d.Round(time.Microsecond), humanize.Commaf(float64(int64(rate))))
}

func (b *bench) run() error {
	fmt.Fprintln(b.out, "cowdb benchmarks")
	fmt.Fprintln(b.out, "================")
	steps := []struct {
		name string
		fn   func() error
	}{
		{"1. Batched inserts", b.inserts},
		{"2. Point reads", b.reads},
		{"3. Concurrent readers", b.concurrentReads},
		{"4. Readers during commits", b.mixed},
		{"5. Hot key updates", b.hotKey},
		{"6. Cursor scan", b.scan},
	}
	for _, s := range steps {
		fmt.Fprintf(b.out, "\n%s\n", s.name)
		if err := s.fn(); err != nil {
			return errors.Wrap(err, s.name)
		}
	}
	return b.summary()
}

func (b *bench) inserts() error {
	val := make([]byte, b.cfg.valueSize)
	start := time.Now()
	for i := 0; i < b.cfg.keys; i += b.cfg.batch {
		err := cowdb.Update(b.ctx, b.env, func(txn *cowdb.Txn) error {
			for j := i; j < min(i+b.cfg.batch, b.cfg.keys); j++ {
				if err := txn.Put(benchKey(j), val, 0); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	b.report(fmt.Sprintf("Put in batches of %d", b.cfg.batch), b.cfg.keys, time.Since(start))
	return nil
}

func (b *bench) reads() error {
	start := time.Now()
	err := cowdb.View(b.env, func(txn *cowdb.Txn) error {
		for i := 0; i < b.cfg.keys; i++ {
			if _, err := txn.Get(benchKey(rand.IntN(b.cfg.keys))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.report("Random get", b.cfg.keys, time.Since(start))
	return nil
}

// readLoop runs ops random gets in short read transactions.
func (b *bench) readLoop(ops int) error {
	for j := 0; j < ops; j += 100 {
		err := cowdb.View(b.env, func(txn *cowdb.Txn) error {
			for k := 0; k < 100; k++ {
				if _, err := txn.Get(benchKey(rand.IntN(b.cfg.keys))); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *bench) concurrentReads() error {
	const opsPerReader = 20000
	for _, n := range b.cfg.readers {
		var wg sync.WaitGroup
		errc := make(chan error, n)
		start := time.Now()
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errc <- b.readLoop(opsPerReader)
			}()
		}
		wg.Wait()
		close(errc)
		for err := range errc {
			if err != nil {
				return err
			}
		}
		b.report(fmt.Sprintf("%d readers", n), n*opsPerReader, time.Since(start))
	}
	return nil
}

func (b *bench) mixed() error {
	const (
		readers      = 4
		opsPerReader = 20000
		commits      = 200
	)
	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	var wg sync.WaitGroup
	errc := make(chan error, readers)
	start := time.Now()
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errc <- b.readLoop(opsPerReader)
		}()
	}
	val := make([]byte, b.cfg.valueSize)
	for i := 0; i < commits && ctx.Err() == nil; i++ {
		err := cowdb.Update(ctx, b.env, func(txn *cowdb.Txn) error {
			return txn.Put(benchKey(rand.IntN(b.cfg.keys)), val, 0)
		})
		if err != nil {
			return err
		}
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		if err != nil {
			return err
		}
	}
	b.report(fmt.Sprintf("%d readers with %d commits", readers, commits), readers*opsPerReader+commits, time.Since(start))
	return nil
}

func (b *bench) hotKey() error {
	const ops = 2000
	val := make([]byte, b.cfg.valueSize)
	start := time.Now()
	for i := 0; i < ops; i++ {
		err := cowdb.Update(b.ctx, b.env, func(txn *cowdb.Txn) error {
			return txn.Put(benchKey(1), val, 0)
		})
		if err != nil {
			return err
		}
	}
	b.report("Single key commits", ops, time.Since(start))
	return nil
}

func (b *bench) scan() error {
	count := 0
	start := time.Now()
	err := cowdb.View(b.env, func(txn *cowdb.Txn) error {
		c, err := txn.Cursor()
		if err != nil {
			return err
		}
		for k, _, err := c.First(); k != nil || err != nil; k, _, err = c.Next() {
			if err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.report("Cursor over all keys", count, time.Since(start))
	return nil
}

func (b *bench) summary() error {
	b.m.Flush()
	st := b.m.GetStats()
	info, err := b.env.Info()
	if err != nil {
		return err
	}
	fmt.Fprintln(b.out, "\nSummary")
	fmt.Fprintf(b.out, "   Commits: %s, commit p50 %v, p99 %v\n", humanize.Comma(int64(st.Txns.Commits)),
		st.Latency.Commit.P50, st.Latency.Commit.P99)
	fmt.Fprintf(b.out, "   Pages: %s allocated, %s reclaimed, %s retired\n", humanize.Comma(int64(st.Pages.Allocated)),
		humanize.Comma(int64(st.Pages.Reclaimed)), humanize.Comma(int64(st.Pages.Retired)))
	fmt.Fprintf(b.out, "   File: %s of %s\n", humanize.IBytes(info.LastPgno*uint64(info.PageSize)),
		humanize.IBytes(uint64(info.Geometry.Upper)))
	return nil
}

func init() {
	f := benchCmd.Flags()
	f.IntVar(&benchCfg.keys, "keys", 100000, "number of keys to insert")
	f.IntVar(&benchCfg.batch, "batch", 1000, "puts per insert commit")
	f.IntVar(&benchCfg.valueSize, "value-size", 100, "value size in bytes")
	f.IntSliceVar(&benchCfg.readers, "readers", benchCfg.readers, "reader goroutine counts to measure")
	RootCmd.AddCommand(benchCmd)
}
