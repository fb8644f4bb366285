// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"encoding/hex"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kianostad/cowdb"
)

var copyCompress string

var copyCmd = &cobra.Command{
	Use:   "copy <file>",
	Short: "Write a consistent compressed copy of the database",
	Long:  "copy streams the pages of the current snapshot into <file>, which must not exist. Use - for standard output.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cowdb.ParseCompression(copyCompress)
		if err != nil {
			return err
		}
		env, log, err := openEnv(cmd, true, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		var st cowdb.CopyStat
		if args[0] == "-" {
			st, err = env.Copy(cmd.OutOrStdout(), c)
		} else {
			st, err = env.CopyFile(args[0], c)
		}
		if err != nil {
			return err
		}
		logCopy(log, "copy written", st)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file> <path>",
	Short: "Create a database at <path> from a copy",
	Long:  "restore verifies the digest of the copy in <file> and writes a new database at <path>. Use - to read standard input.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfigOrDefault(cmd)
		if err != nil {
			return err
		}
		opts, err := c.Options()
		if err != nil {
			return err
		}
		log := c.Logger()
		log.SetOutput(cmd.ErrOrStderr())
		opts.Logger = log

		in := cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open copy")
			}
			defer f.Close()
			in = f
		}
		st, err := cowdb.Restore(in, args[1], opts)
		if err != nil {
			return err
		}
		logCopy(log, "database restored", st)
		return nil
	},
}

func logCopy(log logrus.FieldLogger, msg string, st cowdb.CopyStat) {
	log.WithFields(logrus.Fields{
		"txnid":       st.Txnid,
		"pages":       st.Pages,
		"size":        humanize.IBytes(uint64(st.Pages) * uint64(st.PageSize)),
		"compression": st.Compression,
		"digest":      hex.EncodeToString(st.Digest[:]),
	}).Info(msg)
}

func init() {
	copyCmd.Flags().StringVar(&copyCompress, "compress", "snappy", "none, snappy, lz4 or xz")
	RootCmd.AddCommand(copyCmd, restoreCmd)
}
