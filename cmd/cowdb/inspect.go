// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kianostad/cowdb"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show geometry, meta slots and transaction ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _, err := openEnv(cmd, true, nil)
		if err != nil {
			return err
		}
		defer env.Close()
		info, err := env.Info()
		if err != nil {
			return err
		}
		if flags.json {
			return printJSON(cmd.OutOrStdout(), info)
		}
		writeInfo(cmd.OutOrStdout(), env.Path(), info)
		return nil
	},
}

func writeInfo(out io.Writer, path string, info cowdb.Info) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	ps := uint64(info.PageSize)
	g := info.Geometry
	fmt.Fprintf(w, "path\t%s\n", path)
	fmt.Fprintf(w, "database id\t%s\n", info.DxbID)
	fmt.Fprintf(w, "page size\t%s\n", humanize.IBytes(ps))
	fmt.Fprintf(w, "geometry\tlower %s, now %s, upper %s, grow %s, shrink %s\n",
		humanize.IBytes(uint64(g.Lower)), humanize.IBytes(uint64(g.Now)), humanize.IBytes(uint64(g.Upper)),
		humanize.IBytes(uint64(g.Grow)), humanize.IBytes(uint64(g.Shrink)))
	fmt.Fprintf(w, "allocated\t%s pages (%s)\n", humanize.Comma(int64(info.LastPgno)), humanize.IBytes(info.LastPgno*ps))
	fmt.Fprintf(w, "free list\t%s pages\n", humanize.Comma(int64(info.FreelistPages)))
	fmt.Fprintf(w, "retired\t%s pages\n", humanize.Comma(int64(info.PagesRetired)))
	fmt.Fprintf(w, "recent txnid\t%d\n", info.RecentTxnid)
	fmt.Fprintf(w, "steady txnid\t%d\n", info.SteadyTxnid)
	fmt.Fprintf(w, "oldest reader\t%d\n", info.OldestReader)
	fmt.Fprintf(w, "readers\t%d of %d\n", info.NumReaders, info.MaxReaders)
	fmt.Fprintf(w, "canary\t%d %d %d %d\n", info.Canary.X, info.Canary.Y, info.Canary.Z, info.Canary.V)
	for _, m := range info.Metas {
		state := "weak"
		if m.Steady {
			state = "steady"
		}
		if !m.Valid {
			state = "invalid"
		}
		head := ""
		if m.Head {
			head = " (head)"
		}
		fmt.Fprintf(w, "meta %d\ttxnid %d %s%s\n", m.Slot, m.Txnid, state, head)
	}
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show B-tree statistics of the data and free-list trees",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _, err := openEnv(cmd, true, nil)
		if err != nil {
			return err
		}
		defer env.Close()
		data, err := env.Stat()
		if err != nil {
			return err
		}
		info, err := env.Info()
		if err != nil {
			return err
		}
		if flags.json {
			return printJSON(cmd.OutOrStdout(), map[string]cowdb.Stat{"main": data, "gc": info.GCStat})
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "tree\tdepth\tbranch\tleaf\tlarge\tentries\tmodified")
		for _, row := range []struct {
			name string
			st   cowdb.Stat
		}{{"main", data}, {"gc", info.GCStat}} {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%d\n", row.name, row.st.Depth,
				humanize.Comma(int64(row.st.BranchPages)), humanize.Comma(int64(row.st.LeafPages)),
				humanize.Comma(int64(row.st.LargePages)), humanize.Comma(int64(row.st.Entries)), row.st.ModTxnid)
		}
		return nil
	},
}

var readersCheck bool

var readersCmd = &cobra.Command{
	Use:   "readers",
	Short: "List reader slots and the commits they lag behind",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _, err := openEnv(cmd, true, nil)
		if err != nil {
			return err
		}
		defer env.Close()
		if readersCheck {
			freed, err := env.ReaderCheck()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "freed %d stale reader slots\n", freed)
		}
		list := env.ReaderList()
		if flags.json {
			return printJSON(cmd.OutOrStdout(), list)
		}
		writeReaders(cmd.OutOrStdout(), list)
		return nil
	},
}

func writeReaders(out io.Writer, list []cowdb.ReaderInfo) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "slot\tpid\ttid\ttxnid\tlag\tretained\tage")
	for _, r := range list {
		txnid := fmt.Sprint(r.Txnid)
		if r.Pinned {
			txnid += " (pinned)"
		}
		fmt.Fprintf(w, "%d\t%d\t%x\t%s\t%d\t%s pages\t%s\n", r.Slot, r.Pid, r.Tid, txnid, r.Lag,
			humanize.Comma(int64(r.Retained)), r.Age.Round(time.Millisecond))
	}
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that every page is accounted for exactly once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _, err := openEnv(cmd, true, nil)
		if err != nil {
			return err
		}
		defer env.Close()
		rep, err := env.Check()
		if err != nil {
			return err
		}
		if flags.json {
			return printJSON(cmd.OutOrStdout(), rep)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %s pages, %s in the data tree, %s in the free-list tree, %s free in %d records, %s entries\n",
			humanize.Comma(int64(rep.Pages)), humanize.Comma(int64(rep.MainPages)), humanize.Comma(int64(rep.GCPages)),
			humanize.Comma(int64(rep.FreePages)), rep.Records, humanize.Comma(int64(rep.Entries)))
		return nil
	},
}

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Make the head commit steady",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, log, err := openEnv(cmd, false, nil)
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.Sync(cmd.Context(), syncForce); err != nil {
			return err
		}
		info, err := env.Info()
		if err != nil {
			return err
		}
		log.WithField("txnid", info.SteadyTxnid).Info("database synced")
		return nil
	},
}

func init() {
	readersCmd.Flags().BoolVar(&readersCheck, "check", false, "free slots of exited processes first")
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "sync even in durable mode")
	RootCmd.AddCommand(infoCmd, statCmd, readersCmd, checkCmd, syncCmd)
}
