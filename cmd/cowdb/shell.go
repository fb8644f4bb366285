// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kianostad/cowdb"
)

const shellHelp = `commands:
  get <key>            print the value of key
  put <key> <value>    store value under key
  del <key>            delete key
  scan [prefix] [n]    list up to n keys starting with prefix
  begin                start a write transaction; later commands join it
  nest                 start a nested transaction inside the current one
  commit               commit the innermost transaction
  abort                abort the innermost transaction
  info                 show the head snapshot
  quit, exit           leave, aborting open transactions`

// shell runs line commands against an environment. Without begin every
// modifying command is committed on its own.
type shell struct {
	env *cowdb.Env
	ctx context.Context
	out io.Writer
	txn *cowdb.Txn
}

// run reads commands from in until EOF or quit.
func (s *shell) run(in io.Reader, prompt bool) error {
	defer func() {
		for s.txn != nil {
			parent := s.txn.Parent()
			s.txn.Abort()
			s.txn = parent
		}
	}()
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(s.out, s.prompt())
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := s.exec(fields[0], fields[1:]); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func (s *shell) prompt() string {
	depth := 0
	for t := s.txn; t != nil; t = t.Parent() {
		depth++
	}
	if depth == 0 {
		return "> "
	}
	return fmt.Sprintf("txn %d:%d> ", s.txn.ID(), depth)
}

func (s *shell) exec(cmd string, args []string) error {
	switch cmd {
	case "get":
		if len(args) != 1 {
			return errors.New("usage: get <key>")
		}
		return s.read(func(txn *cowdb.Txn) error {
			v, err := txn.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "%s\n", v)
			return nil
		})
	case "put":
		if len(args) != 2 {
			return errors.New("usage: put <key> <value>")
		}
		return s.write(func(txn *cowdb.Txn) error {
			return txn.Put([]byte(args[0]), []byte(args[1]), 0)
		})
	case "del":
		if len(args) != 1 {
			return errors.New("usage: del <key>")
		}
		return s.write(func(txn *cowdb.Txn) error {
			return txn.Del([]byte(args[0]))
		})
	case "scan":
		return s.scan(args)
	case "begin":
		if s.txn != nil {
			return errors.New("a transaction is open; use nest")
		}
		txn, err := s.env.BeginWrite(s.ctx, 0)
		if err != nil {
			return err
		}
		s.txn = txn
		return nil
	case "nest":
		if s.txn == nil {
			return errors.New("no open transaction")
		}
		child, err := s.txn.BeginNested()
		if err != nil {
			return err
		}
		s.txn = child
		return nil
	case "commit", "abort":
		if s.txn == nil {
			return errors.New("no open transaction")
		}
		txn := s.txn
		s.txn = txn.Parent()
		if cmd == "abort" {
			return txn.Abort()
		}
		lat, err := txn.Commit()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "committed in %s\n", lat.Whole)
		return nil
	case "info":
		info, err := s.env.Info()
		if err != nil {
			return err
		}
		writeInfo(s.out, s.env.Path(), info)
		return nil
	case "help":
		fmt.Fprintln(s.out, shellHelp)
		return nil
	default:
		return errors.Errorf("unknown command %q; try help", cmd)
	}
}

// read runs fn in the open transaction or in a fresh read transaction.
func (s *shell) read(fn func(txn *cowdb.Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}
	return cowdb.View(s.env, fn)
}

// write runs fn in the open transaction or commits it on its own.
func (s *shell) write(fn func(txn *cowdb.Txn) error) error {
	if s.txn != nil {
		return fn(s.txn)
	}
	return cowdb.Update(s.ctx, s.env, fn)
}

func (s *shell) scan(args []string) error {
	var prefix []byte
	limit := 20
	if len(args) > 0 {
		prefix = []byte(args[0])
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return errors.Errorf("bad limit %q", args[1])
		}
		limit = n
	}
	return s.read(func(txn *cowdb.Txn) error {
		c, err := txn.Cursor()
		if err != nil {
			return err
		}
		first := c.First
		if len(prefix) > 0 {
			first = func() ([]byte, []byte, error) { return c.Seek(prefix) }
		}
		n := 0
		for k, v, err := first(); k != nil || err != nil; k, v, err = c.Next() {
			if err != nil {
				return err
			}
			if !bytes.HasPrefix(k, prefix) || n == limit {
				break
			}
			fmt.Fprintf(s.out, "%s = %s\n", k, v)
			n++
		}
		return nil
	})
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Read and modify keys interactively",
	Long:  "shell reads commands from standard input.\n\n" + shellHelp,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _, err := openEnv(cmd, false, nil)
		if err != nil {
			return err
		}
		defer env.Close()
		s := &shell{env: env, ctx: cmd.Context(), out: cmd.OutOrStdout()}
		return s.run(cmd.InOrStdin(), true)
	},
}

func init() {
	RootCmd.AddCommand(shellCmd)
}
