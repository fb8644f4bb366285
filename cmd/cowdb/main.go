// Licensed under the MIT License. See LICENSE file in the project root for details.

// Command cowdb inspects and maintains cowdb databases.
//
// Every command takes the database location from --path or from the path
// key of the file given with --config. Flags override the file.
//
//	cowdb info -p /var/lib/app/db
//	cowdb readers --check -p /var/lib/app/db
//	cowdb copy --compress lz4 -p /var/lib/app/db backup.cdbc
//	cowdb restore backup.cdbc /var/lib/app/restored
//	cowdb serve --addr :9180 -p /var/lib/app/db
//	cowdb shell -p /tmp/scratch
//
// The inspection commands open the database read-only and can run next to
// the application that owns it.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kianostad/cowdb"
	"github.com/kianostad/cowdb/internal/config"
	"github.com/kianostad/cowdb/internal/errs"
	"github.com/kianostad/cowdb/internal/monitoring/metrics"
)

// globals holds the persistent flags of the root command.
type globals struct {
	configPath string
	path       string
	noSubdir   bool
	syncMode   string
	maxReaders int
	logLevel   string
	json       bool
}

var flags globals

// RootCmd is the cowdb command.
var RootCmd = &cobra.Command{
	Use:           "cowdb",
	Short:         "Inspect and maintain cowdb databases",
	Long:          "cowdb reports the state of a copy-on-write B-tree database, checks its integrity, copies and restores it, and serves its metrics over HTTP.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVarP(&flags.path, "path", "p", "", "database directory, or data file with --no-subdir")
	pf.BoolVar(&flags.noSubdir, "no-subdir", false, "treat --path as the data file")
	pf.StringVar(&flags.syncMode, "sync-mode", "", "durable, nometasync, safenosync or utterlynosync")
	pf.IntVar(&flags.maxReaders, "max-readers", 0, "reader slots when creating the database")
	pf.StringVar(&flags.logLevel, "log-level", "", "logrus level name")
	pf.BoolVar(&flags.json, "json", false, "print JSON instead of text")
}

// loadConfigOrDefault reads --config when given and applies the flags that
// were set on the command line.
func loadConfigOrDefault(cmd *cobra.Command) (config.Config, error) {
	c := config.Default()
	if flags.configPath != "" {
		var err error
		if c, err = config.Load(flags.configPath); err != nil {
			return c, err
		}
	}
	pf := cmd.Flags()
	if pf.Changed("path") {
		c.Path = flags.path
	}
	if pf.Changed("no-subdir") {
		c.NoSubdir = flags.noSubdir
	}
	if pf.Changed("sync-mode") {
		c.SyncMode = flags.syncMode
	}
	if pf.Changed("max-readers") {
		c.MaxReaders = flags.maxReaders
	}
	if pf.Changed("log-level") {
		c.Log.Level = flags.logLevel
	}
	return c, c.Validate()
}

// loadConfig is loadConfigOrDefault for commands that need a database path.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c, err := loadConfigOrDefault(cmd)
	if err != nil {
		return c, err
	}
	if c.Path == "" {
		return c, errors.Wrap(errs.ErrInvalidOption, "no database path; use --path or --config")
	}
	return c, nil
}

// openEnv opens the configured database. Read-only opens leave the data
// file untouched.
func openEnv(cmd *cobra.Command, readOnly bool, m *metrics.Metrics) (*cowdb.Env, *logrus.Logger, error) {
	c, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if readOnly {
		c.ReadOnly = true
	}
	opts, err := c.Options()
	if err != nil {
		return nil, nil, err
	}
	opts.Metrics = m
	log := c.Logger()
	log.SetOutput(cmd.ErrOrStderr())
	opts.Logger = log
	env, err := cowdb.Open(c.Path, opts)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", c.Path)
	}
	return env, log, nil
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode maps the error category to the process status.
func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNone:
		return 0
	case errs.KindCorruption:
		return 3
	case errs.KindContention:
		return 4
	default:
		return 1
	}
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cowdb: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func main() {
	Execute()
}
