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
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/google/go-cmp/cmp"
)

func Test_needsChild(t *testing.T) {
	tests := []struct {
		name string
		c    *config
		role string
		ok   bool
	}{
		{
			name: "nothing",
			c:    &config{WebRoot: "/srv/site"},
			role: "single",
		},
		{
			name: "data directory",
			c:    &config{WebRoot: "/srv/site", DataDir: "/var/lib/narnia"},
			role: "single",
		},
		{
			name: "chroot",
			c:    &config{WebRoot: "/site", Chroot: "/srv"},
			role: "single",
		},
		{
			name: "data directory and chroot",
			c:    &config{WebRoot: "/site", DataDir: "/var/lib/narnia", Chroot: "/srv"},
			role: "supervisor",
			ok:   true,
		},
		{
			name: "always",
			c:    &config{WebRoot: "/srv/site", AlwaysMultiProcess: true},
			role: "supervisor",
			ok:   true,
		},
		{
			name: "child",
			c: &config{
				WebRoot:            "/site",
				DataDir:            "/var/lib/narnia",
				Chroot:             "/srv",
				AlwaysMultiProcess: true,
				ChildProcess:       true,
			},
			role: "child",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.ok, needsChild(tt.c)); diff != "" {
				t.Fatalf("unexpected needsChild (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.role, processRole(tt.c)); diff != "" {
				t.Fatalf("unexpected role (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_spawnChild(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("skipping, failed to find test executable: %v", err)
	}

	cc := (&config{
		WebRoot:            "/site",
		DataDir:            "/var/lib/narnia",
		Chroot:             "/srv",
		ListDirectories:    true,
		FollowSymlinks:     true,
		AlwaysMultiProcess: true,
		Tor:                torConfig{Binary: "tor", Required: true},
	}).childConfig(bindTarget{Network: "unix", Address: "/var/lib/narnia/narnia.sock"})

	r, w := io.Pipe()
	defer r.Close()

	cp, err := spawnChild(exe, cc, w)
	if err != nil {
		t.Fatalf("failed to spawn child: %v", err)
	}

	// The child echoes the configuration it received.
	br := bufio.NewReader(r)
	line, err := br.ReadBytes('\n')
	if err != nil {
		t.Fatalf("failed to read child output: %v", err)
	}
	go func() { _, _ = io.Copy(io.Discard, br) }()

	var got config
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("failed to decode child output %q: %v", line, err)
	}

	want := *cc
	want.ChildProcess = true
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected child configuration (-want +got):\n%s", diff)
	}

	// The child keeps running for as long as its stdin is open.
	done := make(chan error, 1)
	go func() { done <- cp.wait() }()

	select {
	case err := <-done:
		t.Fatalf("child exited early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := cp.stdin.Close(); err != nil {
		t.Fatalf("failed to close child stdin: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("wait must always report an exit")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("child did not exit after its stdin was closed")
	}

	if diff := cmp.Diff(0, cp.cmd.ProcessState.ExitCode()); diff != "" {
		t.Fatalf("unexpected child exit code (-want +got):\n%s", diff)
	}
	_ = w.Close()
}

func Test_spawnChildMissingExecutable(t *testing.T) {
	_, err := spawnChild("/narnia/does/not/exist", &config{WebRoot: "/site"}, io.Discard)

	var serr *superviseError
	if !errors.As(err, &serr) {
		t.Fatalf("expected superviseError, got: %v", err)
	}
}

func Test_monitorParent(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	errRead := errors.New("read failure")

	tests := []struct {
		name string
		ctx  context.Context
		r    io.Reader
		gone bool
	}{
		{
			name: "closed",
			ctx:  context.Background(),
			r:    strings.NewReader("ignored trailing data"),
			gone: true,
		},
		{
			name: "read error",
			ctx:  context.Background(),
			r:    iotest.ErrReader(errRead),
		},
		{
			name: "canceled",
			ctx:  canceled,
			r:    strings.NewReader("data"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := monitorParent(tt.ctx, tt.r)
			if err == nil {
				t.Fatal("monitorParent must always return an error")
			}

			if diff := cmp.Diff(tt.gone, errors.Is(err, errParentGone)); diff != "" {
				t.Fatalf("unexpected parent gone state for %v (-want +got):\n%s", err, diff)
			}
		})
	}
}
