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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/dolmen-go/contextio"
	"golang.org/x/net/netutil"
)

// childFlag is passed to a re-executed child so that it reads its
// configuration from stdin instead of flags and files.
const childFlag = "-M"

// A superviseError reports a failure to start or talk to a separated child.
type superviseError struct {
	Err error
}

func (e *superviseError) Error() string { return fmt.Sprintf("failed to supervise child: %v", e.Err) }

func (e *superviseError) Unwrap() error { return e.Err }

// errParentGone is the terminal event of a child whose parent closed its
// stdin, either deliberately or by dying.
var errParentGone = errors.New("parent closed stdin")

// executable locates the program re-executed as a child.
var executable = os.Executable

// needsChild reports whether requests must be served by a separated child.
func needsChild(c *config) bool {
	if c.ChildProcess {
		return false
	}

	// A jail and a data directory can't share a process: the jail would hide
	// the directory.
	return c.AlwaysMultiProcess || (c.DataDir != "" && c.Chroot != "")
}

// processRole names how this process takes part in serving.
func processRole(c *config) string {
	switch {
	case c.ChildProcess:
		return "child"
	case needsChild(c):
		return "supervisor"
	default:
		return "single"
	}
}

// A server is whatever serves requests on behalf of this process: either a
// listener served in-process or a separated child.
type server struct {
	target bindTarget

	// Exactly one of l and child is set.
	l     net.Listener
	child *childProcess
}

// setupServer binds or spawns the server for c. id is the resolved c.User, if
// any.
func setupServer(c *config, id *identity, ll *slog.Logger) (*server, error) {
	target, err := resolveBind(c)
	if err != nil {
		return nil, err
	}

	if c.DataDir != "" {
		if err := mkprivdir(c.DataDir, id); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", c.DataDir, err)
		}
	}

	if needsChild(c) {
		exe, err := executable()
		if err != nil {
			return nil, &superviseError{Err: fmt.Errorf("failed to find own executable: %w", err)}
		}

		ll.Debug("spawning separated child", "executable", exe, "bind", target)
		child, err := spawnChild(exe, c.childConfig(target), os.Stderr)
		if err != nil {
			return nil, err
		}
		ll.Info("started separated child", "pid", child.cmd.Process.Pid)

		return &server{target: target, child: child}, nil
	}

	ll.Info("binding http server", "bind", target)
	l, err := listen(target, id)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", target, err)
	}
	if c.MaxConns > 0 {
		l = netutil.LimitListener(l, c.MaxConns)
	}

	return &server{target: target, l: l}, nil
}

// run serves until the server or the child stops. It must only be called
// once this process is hardened.
func (s *server) run(ctx context.Context, h http.Handler, ll *slog.Logger) error {
	if s.child != nil {
		return s.child.wait()
	}

	ll.Info("starting http server", "bind", s.target)

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(ll.Handler(), slog.LevelWarn),
	}

	if err := srv.Serve(s.l); err != nil {
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}

	return nil
}

// A childProcess links a supervisor to its separated child: the child's
// lifetime and the write end of its stdin.
type childProcess struct {
	cmd *exec.Cmd

	// stdin stays open for as long as the supervisor lives. The child treats
	// its closure as the death of the parent.
	stdin io.WriteCloser
}

// spawnChild starts exe as a separated child and sends it cc. The child
// inherits no environment and writes its output to out.
func spawnChild(exe string, cc *config, out io.Writer) (*childProcess, error) {
	rec, err := cc.encode()
	if err != nil {
		return nil, &superviseError{Err: fmt.Errorf("failed to encode child configuration: %w", err)}
	}

	cmd := exec.Command(exe, childFlag)
	cmd.Env = []string{}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = childSysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &superviseError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &superviseError{Err: fmt.Errorf("failed to spawn child: %w", err)}
	}

	if _, err := stdin.Write(rec); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, &superviseError{Err: fmt.Errorf("failed to send configuration to child: %w", err)}
	}

	return &childProcess{cmd: cmd, stdin: stdin}, nil
}

// wait blocks until the child exits.
func (cp *childProcess) wait() error {
	if err := cp.cmd.Wait(); err != nil {
		return fmt.Errorf("child process has exited: %w", err)
	}

	return errors.New("child process has exited")
}

// monitorParent consumes the remainder of a child's stdin until the parent
// closes it. Any data after the configuration record is ignored.
func monitorParent(ctx context.Context, r io.Reader) error {
	if _, err := io.Copy(io.Discard, contextio.NewReader(ctx, r)); err != nil {
		return fmt.Errorf("failed reading from stdin: %w", err)
	}

	return errParentGone
}
