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

//go:build linux

package main

import (
	"fmt"

	"github.com/landlock-lsm/go-landlock/landlock"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// newPlatform returns the hardening primitives of the running system.
func newPlatform() platform { return linuxPlatform{} }

// linuxPlatform jails with chroot, restricts filesystem access with Landlock
// when requested and drops capabilities.
type linuxPlatform struct{}

func (linuxPlatform) DefaultMAC() bool { return false }

func (linuxPlatform) Chroot(dir string) error { return chroot(dir) }

func (linuxPlatform) SetIdentity(id identity) error { return setIdentity(id) }

func (linuxPlatform) Restrict(d declaration) error {
	var rules []landlock.Rule
	if len(d.ReadOnly) > 0 {
		rules = append(rules, landlock.RODirs(d.ReadOnly...))
	}
	if len(d.ReadWrite) > 0 {
		rules = append(rules, landlock.RWDirs(d.ReadWrite...))
	}

	// Landlock only governs the filesystem; operation categories have no
	// equivalent here.
	if err := landlock.V3.BestEffort().RestrictPaths(rules...); err != nil {
		return fmt.Errorf("failed to apply landlock rules: %w", err)
	}

	return nil
}

func (linuxPlatform) DropPrivileges() error {
	// An empty set clears the effective, permitted and inheritable sets. The
	// ambient set cannot outlive the permitted set.
	empty := cap.NewSet()
	if err := empty.SetProc(); err != nil {
		return fmt.Errorf("failed to clear capability sets: %w", err)
	}

	now := cap.GetProc()
	if cf, _ := now.Cf(empty); cf != 0 {
		return fmt.Errorf("failed to fully drop capabilities: have=%q", now)
	}

	return nil
}
