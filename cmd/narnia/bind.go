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
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// socketName is the local socket created in the data directory when no bind
// address is configured.
const socketName = "narnia.sock"

// haveLocalSockets reports whether this platform can bind local sockets.
var haveLocalSockets = runtime.GOOS != "windows" &&
	runtime.GOOS != "plan9" &&
	runtime.GOOS != "js" &&
	runtime.GOOS != "wasip1"

// A bindTarget is a concrete listen address.
type bindTarget struct {
	// Network is either "tcp" or "unix".
	Network string
	Address string
}

// String returns the string representation of a bindTarget.
func (b bindTarget) String() string { return b.Network + ":" + b.Address }

// overlayTarget returns b in the form used by a hidden service port mapping.
func (b bindTarget) overlayTarget() string {
	if b.Network == "unix" {
		return "unix:" + b.Address
	}
	return b.Address
}

// isLocalSocket reports whether a bind value names a local socket path rather
// than a network address.
func isLocalSocket(s string) bool {
	return strings.HasPrefix(s, ".") ||
		strings.HasPrefix(s, "/") ||
		strings.HasPrefix(s, string(os.PathSeparator))
}

// resolveBind determines where the HTTP server listens.
func resolveBind(c *config) (bindTarget, error) {
	if c.Bind != "" {
		if !isLocalSocket(c.Bind) {
			return bindTarget{Network: "tcp", Address: c.Bind}, nil
		}
		if !haveLocalSockets {
			return bindTarget{}, fmt.Errorf("local socket %q is not supported on %s", c.Bind, runtime.GOOS)
		}

		return bindTarget{Network: "unix", Address: c.Bind}, nil
	}

	if !haveLocalSockets {
		return bindTarget{}, fmt.Errorf("a bind address must be configured on %s", runtime.GOOS)
	}
	if c.DataDir == "" {
		return bindTarget{}, errors.New("no bind address or data directory configured")
	}

	return bindTarget{
		Network: "unix",
		Address: filepath.Join(c.DataDir, socketName),
	}, nil
}

// listen binds b. A local socket is handed to id, if set, so a server or
// overlay running as that user can still accept or connect.
func listen(b bindTarget, id *identity) (net.Listener, error) {
	if b.Network == "unix" {
		// A socket left behind by a previous run would make the bind fail.
		if fi, err := os.Lstat(b.Address); err == nil && fi.Mode()&os.ModeSocket != 0 {
			if err := os.Remove(b.Address); err != nil {
				return nil, fmt.Errorf("failed to remove stale socket: %w", err)
			}
		}
	}

	l, err := net.Listen(b.Network, b.Address)
	if err != nil {
		return nil, err
	}

	if b.Network == "unix" && id != nil {
		if err := os.Chown(b.Address, id.UID, id.GID); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("failed to hand socket to %s: %w", id, err)
		}
	}

	return l, nil
}

// mkprivdir creates a directory only accessible to its owner, which is id if
// set. An existing directory is left as is apart from its owner.
func mkprivdir(dir string, id *identity) error {
	if err := os.Mkdir(dir, 0o700); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}

	if id != nil {
		if err := os.Chown(dir, id.UID, id.GID); err != nil {
			return fmt.Errorf("failed to hand directory to %s: %w", id, err)
		}
	}

	return nil
}
