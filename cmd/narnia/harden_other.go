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

//go:build !unix

package main

import "fmt"

// newPlatform returns the hardening primitives of the running system.
func newPlatform() platform { return otherPlatform{} }

// otherPlatform refuses every explicitly requested hardening step.
type otherPlatform struct{}

func (otherPlatform) DefaultMAC() bool { return false }

func (otherPlatform) Chroot(string) error { return fmt.Errorf("chroot: %w", errUnsupported) }

func (otherPlatform) SetIdentity(identity) error {
	return fmt.Errorf("identity switch: %w", errUnsupported)
}

func (otherPlatform) Restrict(declaration) error {
	return fmt.Errorf("mandatory access control: %w", errUnsupported)
}

func (otherPlatform) DropPrivileges() error { return nil }
