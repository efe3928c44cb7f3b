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

//go:build unix && !linux && !openbsd

package main

import "fmt"

// newPlatform returns the hardening primitives of the running system.
func newPlatform() platform { return unixPlatform{} }

// unixPlatform offers chroot and identity switching only.
type unixPlatform struct{}

func (unixPlatform) DefaultMAC() bool { return false }

func (unixPlatform) Chroot(dir string) error { return chroot(dir) }

func (unixPlatform) SetIdentity(id identity) error { return setIdentity(id) }

func (unixPlatform) Restrict(declaration) error {
	return fmt.Errorf("mandatory access control: %w", errUnsupported)
}

func (unixPlatform) DropPrivileges() error { return nil }
