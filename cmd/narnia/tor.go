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
	"bytes"
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	// hsDirName is the hidden service directory inside the data directory.
	hsDirName = "hs"

	// hsPublicKey is the file tor stores the v3 service public key in.
	hsPublicKey = "hs_ed25519_public_key"

	// hsPublicKeyHeader prefixes the 32 byte key in hsPublicKey.
	hsPublicKeyHeader = "== ed25519v1-public: type0 ==\x00\x00\x00"

	// onionVersion is the hidden service version published.
	onionVersion = 3
)

// torrc renders the tor configuration publishing a v3 hidden service which
// forwards port 80 to target. Tor exits by itself when the process with
// pid owner goes away.
func torrc(dataDir string, target bindTarget, owner int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DataDirectory %s\n", dataDir)
	b.WriteString("SocksPort 0\n")
	fmt.Fprintf(&b, "HiddenServiceDir %s\n", filepath.Join(dataDir, hsDirName))
	fmt.Fprintf(&b, "HiddenServiceVersion %d\n", onionVersion)
	fmt.Fprintf(&b, "HiddenServicePort 80 %s\n", target.overlayTarget())
	fmt.Fprintf(&b, "__OwningControllerProcess %d\n", owner)
	return b.String()
}

// An overlay is a running tor process publishing the hidden service.
type overlay struct {
	cmd      *exec.Cmd
	hsDir    string
	required bool
	ll       *slog.Logger
	mm       *metrics
}

// startOverlay writes the tor configuration into the data directory and
// starts tor, as id if set.
func startOverlay(c *config, target bindTarget, id *identity, ll *slog.Logger, mm *metrics) (*overlay, error) {
	path := filepath.Join(c.DataDir, "torrc")
	if err := os.WriteFile(path, []byte(torrc(c.DataDir, target, os.Getpid())), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write tor configuration: %w", err)
	}
	if id != nil {
		if err := os.Chown(path, id.UID, id.GID); err != nil {
			return nil, fmt.Errorf("failed to hand tor configuration to %s: %w", id, err)
		}
	}

	bin, err := exec.LookPath(c.Tor.Binary)
	if err != nil {
		return nil, fmt.Errorf("failed to find tor: %w", err)
	}

	ll = ll.With("source", "tor")

	cmd := exec.Command(bin, "-f", path)
	cmd.SysProcAttr = overlaySysProcAttr(id)

	// Not StdoutPipe: Wait would close the pipe before all output is logged.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w

	err = cmd.Start()
	_ = w.Close()
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to start tor: %w", err)
	}
	ll.Info("started tor", "pid", cmd.Process.Pid, "torrc", path)

	go logLines(r, ll)

	return &overlay{
		cmd:      cmd,
		hsDir:    filepath.Join(c.DataDir, hsDirName),
		required: c.Tor.Required,
		ll:       ll,
		mm:       mm,
	}, nil
}

// run supervises tor. When tor is not required its exit is only logged and
// run keeps blocking until ctx is canceled.
func (o *overlay) run(ctx context.Context) error {
	go o.announce(ctx)

	err := o.cmd.Wait()
	o.mm.overlayExits(1.0)
	if err == nil {
		err = errors.New("tor process has exited")
	} else {
		err = fmt.Errorf("tor process has exited: %w", err)
	}

	if o.required {
		return err
	}

	o.ll.Error("hidden service is down, continuing without it", "error", err)
	<-ctx.Done()
	return ctx.Err()
}

// announce logs the onion address once tor has created the service key.
func (o *overlay) announce(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	path := filepath.Join(o.hsDir, hsPublicKey)
	for {
		key, err := readOnionKey(path)
		switch {
		case err == nil:
			o.ll.Info("hidden service published", "address", onionAddress(key)+".onion")
			return
		case !errors.Is(err, os.ErrNotExist):
			o.ll.Warn("failed to read hidden service key", "path", path, "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// readOnionKey reads the ed25519 public key of a v3 hidden service.
func readOnionKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if len(b) != len(hsPublicKeyHeader)+32 || !bytes.HasPrefix(b, []byte(hsPublicKeyHeader)) {
		return nil, fmt.Errorf("malformed hidden service public key file %s", path)
	}

	return b[len(hsPublicKeyHeader):], nil
}

// onionAddress derives the v3 onion address, without the .onion suffix, of a
// hidden service ed25519 public key.
func onionAddress(key []byte) string {
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(key)
	h.Write([]byte{onionVersion})
	sum := h.Sum(nil)

	b := make([]byte, 0, len(key)+3)
	b = append(b, key...)
	b = append(b, sum[:2]...)
	b = append(b, onionVersion)

	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b))
}

// logLines logs every line read from r until it is closed.
func logLines(r io.ReadCloser, ll *slog.Logger) {
	defer r.Close()

	s := bufio.NewScanner(r)
	for s.Scan() {
		ll.Debug(s.Text())
	}
}
