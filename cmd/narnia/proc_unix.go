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

//go:build unix && !linux

package main

import (
	"os"
	"syscall"
)

// childSysProcAttr returns the attributes of a separated child, which relies
// on the stdin liveness channel alone.
func childSysProcAttr() *syscall.SysProcAttr { return nil }

// overlaySysProcAttr runs the overlay as id when started by root.
func overlaySysProcAttr(id *identity) *syscall.SysProcAttr {
	if id == nil || os.Geteuid() != 0 {
		return nil
	}

	return &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:    uint32(id.UID),
			Gid:    uint32(id.GID),
			Groups: []uint32{},
		},
	}
}
