// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads environment settings from YAML files.
//
// Sizes accept human readable values such as "4KiB", "64 MiB" or "1GB" as
// well as plain byte counts. Unknown keys are rejected so that typos do not
// silently fall back to defaults.
//
//	path: /var/lib/app/db
//	sync_mode: safenosync
//	max_readers: 64
//	geometry:
//	  page_size: 4KiB
//	  upper: 8GiB
//	  grow_step: 64MiB
//	log:
//	  level: info
//	  format: json
package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	core "github.com/kianostad/cowdb/internal/core"
	"github.com/kianostad/cowdb/internal/errs"
)

// Size is a byte count written with an optional unit.
type Size int64

// UnmarshalYAML accepts "64MiB", "1 GB" or a plain integer.
func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return errors.Wrapf(errs.ErrInvalidOption, "line %d: size must be a scalar", n.Line)
	}
	v, err := humanize.ParseBytes(n.Value)
	if err != nil {
		return errors.Wrapf(errs.ErrInvalidOption, "line %d: size %q", n.Line, n.Value)
	}
	if v > 1<<62 {
		return errors.Wrapf(errs.ErrInvalidOption, "line %d: size %q too large", n.Line, n.Value)
	}
	*s = Size(v)
	return nil
}

// MarshalYAML writes the size with binary units.
func (s Size) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(s)), nil
}

func (s Size) String() string { return humanize.IBytes(uint64(s)) }

// Geometry is the size policy of the data file.
type Geometry struct {
	PageSize        Size `yaml:"page_size"`
	Lower           Size `yaml:"lower"`
	Now             Size `yaml:"now"`
	Upper           Size `yaml:"upper"`
	GrowStep        Size `yaml:"grow_step"`
	ShrinkThreshold Size `yaml:"shrink_threshold"`
}

// Log configures the logger.
type Log struct {
	// Level is a logrus level name.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Config is the content of a configuration file.
type Config struct {
	Path        string   `yaml:"path"`
	NoSubdir    bool     `yaml:"no_subdir"`
	ReadOnly    bool     `yaml:"read_only"`
	SyncMode    string   `yaml:"sync_mode"`
	MaxReaders  int      `yaml:"max_readers"`
	LIFOReclaim bool     `yaml:"lifo_reclaim"`
	Geometry    Geometry `yaml:"geometry"`
	Log         Log      `yaml:"log"`
}

// Default returns the configuration matching core.DefaultOptions.
func Default() Config {
	def := core.DefaultOptions()
	g := def.Geometry
	return Config{
		SyncMode:   def.SyncMode.String(),
		MaxReaders: def.MaxReaders,
		Geometry: Geometry{
			PageSize:        Size(g.PageSize),
			Lower:           Size(g.Lower),
			Now:             Size(g.Now),
			Upper:           Size(g.Upper),
			GrowStep:        Size(g.GrowStep),
			ShrinkThreshold: Size(g.ShrinkThreshold),
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	c, err := Parse(b)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(b []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && err != io.EOF {
		return Config{}, errors.Wrap(errs.ErrInvalidOption, err.Error())
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the values that the engine would otherwise reject late.
func (c Config) Validate() error {
	if _, err := core.ParseSyncMode(c.SyncMode); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(errs.ErrInvalidOption, "log level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Wrapf(errs.ErrInvalidOption, "log format %q", c.Log.Format)
	}
	if c.MaxReaders < 0 {
		return errors.Wrapf(errs.ErrInvalidOption, "max readers %d", c.MaxReaders)
	}
	g := c.Geometry
	if g.Upper != 0 && (g.Lower > g.Upper || g.Now > g.Upper) {
		return errors.Wrapf(errs.ErrInvalidOption, "geometry lower %s, now %s above upper %s", g.Lower, g.Now, g.Upper)
	}
	return nil
}

// Logger builds the logger described by the configuration.
func (c Config) Logger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if strings.EqualFold(c.Log.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Options converts the configuration into engine options. The logger is
// built from the log section.
func (c Config) Options() (core.Options, error) {
	if err := c.Validate(); err != nil {
		return core.Options{}, err
	}
	mode, _ := core.ParseSyncMode(c.SyncMode)
	opts := core.DefaultOptions()
	opts.NoSubdir = c.NoSubdir
	opts.ReadOnly = c.ReadOnly
	opts.SyncMode = mode
	opts.MaxReaders = c.MaxReaders
	opts.LIFOReclaim = c.LIFOReclaim
	opts.Geometry = core.Geometry{
		PageSize:        int(c.Geometry.PageSize),
		Lower:           int64(c.Geometry.Lower),
		Now:             int64(c.Geometry.Now),
		Upper:           int64(c.Geometry.Upper),
		GrowStep:        int64(c.Geometry.GrowStep),
		ShrinkThreshold: int64(c.Geometry.ShrinkThreshold),
	}
	opts.Logger = c.Logger()
	return opts, nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
