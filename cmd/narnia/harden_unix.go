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

//go:build unix

package main

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// chroot changes the root and working directory of the process to dir.
func chroot(dir string) error {
	if err := unix.Chroot(dir); err != nil {
		return fmt.Errorf("failed to chroot into %s: %w", dir, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("failed to chdir after chroot: %w", err)
	}

	return nil
}

// setIdentity switches to id. The syscall package variants apply to every
// thread of the process.
func setIdentity(id identity) error {
	if err := syscall.Setgroups([]int{}); err != nil {
		return fmt.Errorf("failed to clear supplementary groups: %w", err)
	}

	// Group first: once the user changes, changing the group is no longer
	// permitted.
	if err := syscall.Setgid(id.GID); err != nil {
		return fmt.Errorf("setgid(%d): %w", id.GID, err)
	}
	if err := syscall.Setuid(id.UID); err != nil {
		return fmt.Errorf("setuid(%d): %w", id.UID, err)
	}

	if id.UID != 0 {
		if err := syscall.Setuid(0); err == nil {
			return errors.New("unexpectedly able to re-gain uid 0 permission")
		}
	}

	return nil
}
