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
	"log/slog"
	"os/user"
	"strconv"
)

// A stage is a step of process hardening. A process moves through the stages
// in declaration order, possibly skipping some, and never moves back.
type stage int

const (
	stageUnhardened stage = iota
	stageJailed
	stageIdentitySwitched
	stageMACDeclared
	stagePermissionsDropped
)

func (s stage) String() string {
	switch s {
	case stageUnhardened:
		return "unhardened"
	case stageJailed:
		return "chroot"
	case stageIdentitySwitched:
		return "identity"
	case stageMACDeclared:
		return "access-control"
	case stagePermissionsDropped:
		return "drop-privileges"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// A hardenError reports the stage at which hardening failed.
type hardenError struct {
	Stage stage
	Err   error
}

func (e *hardenError) Error() string {
	return fmt.Sprintf("failed to harden process at stage %s: %v", e.Stage, e.Err)
}

func (e *hardenError) Unwrap() error { return e.Err }

var (
	errAlreadyHardened = errors.New("process hardening was already applied")
	errUnsupported     = errors.New("not supported on this platform")
)

// An identity is an OS user resolved to numeric identifiers.
type identity struct {
	Name string
	UID  int
	GID  int
}

// String returns the string representation of an identity.
func (id identity) String() string {
	return fmt.Sprintf("%s (uid=%d, gid=%d)", id.Name, id.UID, id.GID)
}

// lookupIdentity resolves a user name. It must run before entering a jail,
// where the user database is usually not reachable.
func lookupIdentity(name string) (*identity, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, &hardenError{Stage: stageIdentitySwitched, Err: err}
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, &hardenError{Stage: stageIdentitySwitched, Err: fmt.Errorf("non-numeric uid %q: %w", u.Uid, err)}
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, &hardenError{Stage: stageIdentitySwitched, Err: fmt.Errorf("non-numeric gid %q: %w", u.Gid, err)}
	}

	return &identity{Name: u.Username, UID: uid, GID: gid}, nil
}

// A declaration lists what a process still needs once a mandatory access
// control facility has locked it in.
type declaration struct {
	ReadOnly  []string
	ReadWrite []string

	// Identity is set when identity related calls must remain available.
	Identity bool
}

// A platform is the set of hardening primitives an operating system offers.
type platform interface {
	Chroot(dir string) error
	SetIdentity(id identity) error
	Restrict(d declaration) error
	DropPrivileges() error

	// DefaultMAC reports whether Restrict applies without being requested.
	DefaultMAC() bool
}

// A step is a single hardening action in a plan.
type step struct {
	stage stage
	apply func() error
}

// A hardening applies a fixed plan of steps to the current process exactly
// once.
type hardening struct {
	p    platform
	ll   *slog.Logger
	plan []step

	applied bool
	state   stage
}

// newHardening computes the hardening plan for c. id is the already resolved
// c.User, if any.
func newHardening(c *config, id *identity, p platform, ll *slog.Logger) *hardening {
	h := &hardening{p: p, ll: ll}

	// A process which owns the data directory cannot live inside a jail, so
	// the jail is left to the separated child.
	jail := c.Chroot != "" && c.DataDir == ""
	if c.Chroot != "" && !jail {
		ll.Debug("not entering chroot, this process manages the data directory", "chroot", c.Chroot)
	}

	if jail {
		h.plan = append(h.plan, step{stageJailed, func() error {
			return p.Chroot(c.Chroot)
		}})
	}

	if id != nil {
		id := *id
		h.plan = append(h.plan, step{stageIdentitySwitched, func() error {
			return p.SetIdentity(id)
		}})
	}

	if c.Landlock || p.DefaultMAC() {
		d := declaration{Identity: id != nil || jail}
		if !needsChild(c) {
			// A supervisor never reads the web root itself.
			d.ReadOnly = append(d.ReadOnly, c.WebRoot)
		}
		if c.DataDir != "" {
			d.ReadWrite = append(d.ReadWrite, c.DataDir)
		}

		h.plan = append(h.plan, step{stageMACDeclared, func() error {
			return p.Restrict(d)
		}})
	}

	// Every earlier step may need elevated permissions, so dropping them
	// always comes last and is never optional.
	h.plan = append(h.plan, step{stagePermissionsDropped, p.DropPrivileges})

	return h
}

// Apply executes the plan. Any failure leaves the process unfit to serve.
func (h *hardening) Apply() error {
	if h.applied {
		return errAlreadyHardened
	}
	h.applied = true

	for _, s := range h.plan {
		if err := h.advance(s.stage); err != nil {
			h.contain()
			return &hardenError{Stage: s.stage, Err: err}
		}

		h.ll.Debug("applying hardening stage", "stage", s.stage)
		if err := s.apply(); err != nil {
			h.contain()
			return &hardenError{Stage: s.stage, Err: err}
		}

		h.ll.Info("applied hardening stage", "stage", s.stage)
	}

	if h.state != stagePermissionsDropped {
		return &hardenError{Stage: stagePermissionsDropped, Err: errors.New("plan did not drop privileges")}
	}

	return nil
}

// advance moves the state machine forward to s.
func (h *hardening) advance(s stage) error {
	if s <= h.state {
		return fmt.Errorf("invalid transition from %s to %s", h.state, s)
	}

	h.state = s
	return nil
}

// contain drops elevated permissions after a failed stage, so a process that
// is about to exit does not do so holding them.
func (h *hardening) contain() {
	if err := h.p.DropPrivileges(); err != nil {
		h.ll.Error("failed to drop privileges after hardening failure", "error", err)
	}
}
