// Copyright 2020-2022 Matt Layher and Michael Stapelberg
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// A config is the fully resolved narnia configuration. It is never modified
// after validation; a child process receives a restricted copy of its
// parent's config over stdin.
type config struct {
	WebRoot            string    `json:"web_root"`
	DataDir            string    `json:"data_dir,omitempty"`
	Bind               string    `json:"bind,omitempty"`
	ListDirectories    bool      `json:"list_directories,omitempty"`
	User               string    `json:"user,omitempty"`
	Chroot             string    `json:"chroot,omitempty"`
	AlwaysMultiProcess bool      `json:"always_multi_process,omitempty"`
	ChildProcess       bool      `json:"child_process,omitempty"`
	Landlock           bool      `json:"landlock,omitempty"`
	FollowSymlinks     bool      `json:"follow_symlinks"`
	MaxConns           int       `json:"max_conns,omitempty"`
	Verbose            int       `json:"verbose,omitempty"`
	Tor                torConfig `json:"tor"`
	Debug              debug     `json:"debug"`
}

// torConfig contains hidden service overlay configuration.
type torConfig struct {
	Skip     bool   `json:"skip,omitempty"`
	Binary   string `json:"binary,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// debug contains debug HTTP server configuration.
type debug struct {
	Address    string `json:"address,omitempty" toml:"address"`
	Prometheus bool   `json:"prometheus,omitempty" toml:"prometheus"`
	PProf      bool   `json:"pprof,omitempty" toml:"pprof"`
}

// file is the raw top-level configuration file representation.
type file struct {
	WebRoot            string `toml:"web_root"`
	DataDir            string `toml:"data_dir"`
	Bind               string `toml:"bind"`
	ListDirectories    bool   `toml:"list_directories"`
	User               string `toml:"user"`
	Chroot             string `toml:"chroot"`
	AlwaysMultiProcess bool   `toml:"always_multi_process"`
	Landlock           bool   `toml:"landlock"`
	FollowSymlinks     *bool  `toml:"follow_symlinks"`
	MaxConns           int    `toml:"max_conns"`
	Tor                rawTor `toml:"tor"`
	Debug              debug  `toml:"debug"`
}

// rawTor is the raw [tor] configuration table.
type rawTor struct {
	Skip     bool   `toml:"skip"`
	Binary   string `toml:"binary"`
	Required *bool  `toml:"required"`
}

const (
	// defaultTor is the overlay binary looked up in $PATH if none is set.
	defaultTor = "tor"

	// defaultWebRoot is the web root inside the data directory used when no
	// web root is configured.
	defaultWebRoot = "www"
)

// configFilePaths are searched in order when no configuration file is named
// on the command line. A missing file is not an error.
var configFilePaths = []string{
	"/etc/narnia/narnia.toml",
	"narnia.toml",
}

// parseFile parses a TOML configuration file.
func parseFile(r io.Reader) (*file, error) {
	var f file
	md, err := toml.NewDecoder(r).Decode(&f)
	if err != nil {
		return nil, err
	}
	if u := md.Undecoded(); len(u) > 0 {
		return nil, fmt.Errorf("unrecognized configuration keys: %s", u)
	}

	return &f, nil
}

// newConfig validates a raw configuration and produces a config.
func newConfig(f *file) (*config, error) {
	c := &config{
		WebRoot:            f.WebRoot,
		DataDir:            f.DataDir,
		Bind:               f.Bind,
		ListDirectories:    f.ListDirectories,
		User:               f.User,
		Chroot:             f.Chroot,
		AlwaysMultiProcess: f.AlwaysMultiProcess,
		Landlock:           f.Landlock,
		FollowSymlinks:     true,
		MaxConns:           f.MaxConns,
		Tor: torConfig{
			Skip:     f.Tor.Skip,
			Binary:   f.Tor.Binary,
			Required: true,
		},
		Debug: f.Debug,
	}
	if f.FollowSymlinks != nil {
		c.FollowSymlinks = *f.FollowSymlinks
	}
	if f.Tor.Required != nil {
		c.Tor.Required = *f.Tor.Required
	}
	if c.Tor.Binary == "" {
		c.Tor.Binary = defaultTor
	}

	if c.DataDir != "" {
		// The data directory is shared with the overlay and the child by path,
		// so pin it down before anyone changes directory.
		abs, err := filepath.Abs(c.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve data directory: %w", err)
		}
		c.DataDir = abs

		if c.WebRoot == "" {
			c.WebRoot = filepath.Join(c.DataDir, defaultWebRoot)
		}
	}

	// Without a jail the web root is a host path and can be made absolute. With
	// a jail it is interpreted relative to the new root.
	if c.WebRoot != "" && c.Chroot == "" {
		abs, err := filepath.Abs(c.WebRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve web root: %w", err)
		}
		c.WebRoot = abs
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// validate checks a config, whether it was produced from
// flags and a file or received from a parent process.
func (c *config) validate() error {
	if c.WebRoot == "" {
		return errors.New("no web root configured, set --web-root or --data-dir")
	}

	if c.Chroot != "" && !filepath.IsAbs(c.Chroot) {
		return fmt.Errorf("chroot path must be absolute: %q", c.Chroot)
	}

	if c.Bind != "" && !isLocalSocket(c.Bind) {
		// Validate the configured network address.
		if _, err := net.ResolveTCPAddr("tcp", c.Bind); err != nil {
			return fmt.Errorf("failed to parse bind address: %w", err)
		}
	}

	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns must not be negative: %d", c.MaxConns)
	}

	// Validate debug configuration if set.
	if c.Debug.Address != "" {
		if _, err := net.ResolveTCPAddr("tcp", c.Debug.Address); err != nil {
			return fmt.Errorf("failed to parse debug HTTP server address: %w", err)
		}
	}

	return nil
}

// childConfig derives the restricted configuration handed to a separated
// child. The child binds the already resolved target, never sees the data
// directory and runs neither the overlay nor the debug server.
func (c *config) childConfig(b bindTarget) *config {
	cc := *c
	cc.DataDir = ""
	cc.Bind = b.Address
	cc.AlwaysMultiProcess = false
	cc.ChildProcess = false
	cc.Tor = torConfig{Skip: true}
	cc.Debug = debug{}
	return &cc
}

// encode serializes c as a single newline terminated record.
func (c *config) encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}

	return append(b, '\n'), nil
}

// readChildConfig reads the single configuration record a parent process
// writes to a child's stdin. The reader must not be discarded afterward: the
// remainder of the stream is the parent liveness channel.
func readChildConfig(r *bufio.Reader) (*config, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		// A record without terminator is truncated, never partially trusted.
		return nil, fmt.Errorf("failed to read configuration record: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()

	var c config
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode configuration record: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	c.ChildProcess = true
	return &c, nil
}

// flags are the command line flags. Any flag set explicitly overrides the
// corresponding configuration file value.
type flags struct {
	fs *pflag.FlagSet

	config             string
	verbose            int
	webRoot            string
	dataDir            string
	bind               string
	user               string
	chroot             string
	listDirectories    bool
	alwaysMultiProcess bool
	childProcess       bool
	skipTor            bool
	landlock           bool
}

// parseFlags parses command line arguments, excluding the program name.
func parseFlags(args []string) (*flags, error) {
	fl := &flags{fs: pflag.NewFlagSet("narnia", pflag.ContinueOnError)}

	fs := fl.fs
	fs.StringVarP(&fl.config, "config", "c", "", "path to narnia.toml configuration file")
	fs.CountVarP(&fl.verbose, "verbose", "v", "increase logging verbosity")
	fs.StringVar(&fl.webRoot, "web-root", "", "directory with the files that should be served")
	fs.StringVar(&fl.dataDir, "data-dir", "", "directory to store hidden service data and the default socket in")
	fs.StringVarP(&fl.bind, "bind", "B", "", "address to bind to, paths starting with . or / are unix domain sockets")
	fs.StringVarP(&fl.user, "user", "u", "", "user to switch to after binding")
	fs.StringVar(&fl.chroot, "chroot", "", "directory to chroot into before serving")
	fs.BoolVarP(&fl.listDirectories, "list-directories", "L", false, "enable directory listing if no index.html was found")
	fs.BoolVar(&fl.alwaysMultiProcess, "always-multi-process", false, "always serve from a separated child process")
	fs.BoolVarP(&fl.childProcess, "child-process", "M", false, "read configuration from stdin as a separated child")
	fs.BoolVar(&fl.skipTor, "skip-tor", false, "only run the http server, without the hidden service")
	fs.BoolVar(&fl.landlock, "landlock", false, "restrict filesystem access with landlock on linux")
	_ = fs.MarkHidden("child-process")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return fl, nil
}

// apply overrides the values in f with any explicitly set flags.
func (fl *flags) apply(f *file) {
	set := fl.fs.Changed
	if set("web-root") {
		f.WebRoot = fl.webRoot
	}
	if set("data-dir") {
		f.DataDir = fl.dataDir
	}
	if set("bind") {
		f.Bind = fl.bind
	}
	if set("user") {
		f.User = fl.user
	}
	if set("chroot") {
		f.Chroot = fl.chroot
	}
	if set("list-directories") {
		f.ListDirectories = fl.listDirectories
	}
	if set("always-multi-process") {
		f.AlwaysMultiProcess = fl.alwaysMultiProcess
	}
	if set("skip-tor") {
		f.Tor.Skip = fl.skipTor
	}
	if set("landlock") {
		f.Landlock = fl.landlock
	}
}

// loadConfig produces the configuration for a process which was started from
// the command line rather than by a parent.
func loadConfig(fl *flags) (*config, error) {
	paths := configFilePaths
	if fl.config != "" {
		paths = []string{fl.config}
	}

	f := &file{}
	for _, p := range paths {
		cf, err := os.Open(p)
		if errors.Is(err, os.ErrNotExist) && fl.config == "" {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}

		f, err = parseFile(cf)
		_ = cf.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", p, err)
		}
		break
	}

	fl.apply(f)

	c, err := newConfig(f)
	if err != nil {
		return nil, err
	}
	c.Verbose = fl.verbose

	return c, nil
}
