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

//go:build openbsd

package main

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// newPlatform returns the hardening primitives of the running system.
func newPlatform() platform { return openbsdPlatform{} }

// openbsdPlatform always commits to unveil(2) and pledge(2).
type openbsdPlatform struct{}

func (openbsdPlatform) DefaultMAC() bool { return true }

func (openbsdPlatform) Chroot(dir string) error { return chroot(dir) }

func (openbsdPlatform) SetIdentity(id identity) error { return setIdentity(id) }

func (openbsdPlatform) Restrict(d declaration) error {
	for _, p := range d.ReadOnly {
		slog.Debug("unveil", "path", p, "perms", "r")
		if err := unix.Unveil(p, "r"); err != nil {
			return fmt.Errorf("failed to unveil %s: %w", p, err)
		}
	}
	for _, p := range d.ReadWrite {
		slog.Debug("unveil", "path", p, "perms", "rwc")
		if err := unix.Unveil(p, "rwc"); err != nil {
			return fmt.Errorf("failed to unveil %s: %w", p, err)
		}
	}
	if err := unix.UnveilBlock(); err != nil {
		return fmt.Errorf("failed to block unveil: %w", err)
	}

	promises := "stdio dns inet rpath unix"
	if len(d.ReadWrite) > 0 {
		promises += " wpath cpath flock"
	}
	if d.Identity {
		promises += " id"
	}

	slog.Debug("pledge", "promises", promises)
	if err := unix.PledgePromises(promises); err != nil {
		return fmt.Errorf("failed to pledge %q: %w", promises, err)
	}

	return nil
}

// DropPrivileges has nothing to do: OpenBSD has no capability sets and
// privilege is bound to the identity switched earlier.
func (openbsdPlatform) DropPrivileges() error { return nil }
