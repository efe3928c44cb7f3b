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
	"os"
	"syscall"
)

// childSysProcAttr makes the kernel stop a separated child along with its
// supervisor, in addition to the stdin liveness channel.
func childSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}

// overlaySysProcAttr runs the overlay as id when started by root.
func overlaySysProcAttr(id *identity) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
	if id != nil && os.Geteuid() == 0 {
		attr.Credential = &syscall.Credential{
			Uid:    uint32(id.UID),
			Gid:    uint32(id.GID),
			Groups: []uint32{},
		}
	}

	return attr
}
