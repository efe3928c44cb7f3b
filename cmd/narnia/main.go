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

// Command narnia serves a directory as a hidden service from a hardened,
// optionally privilege separated, process.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mdlayher/metricslite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

const (
	fatalConfigCode = iota + 1
	fatalSetupCode
	fatalSuperviseCode
	fatalHardenCode
)

func main() {
	fl, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}

	ll := newLogger(os.Stderr, 0)
	if err != nil {
		fatal(ll, fatalConfigCode, err, "failed to parse flags")
	}

	// The stdin reader outlives the configuration record: a separated child
	// keeps reading it to notice the death of its parent.
	stdin := bufio.NewReader(os.Stdin)

	var c *config
	if fl.childProcess {
		c, err = readChildConfig(stdin)
	} else {
		c, err = loadConfig(fl)
	}
	if err != nil {
		fatal(ll, fatalConfigCode, err, "invalid configuration")
	}

	ll = newLogger(os.Stderr, c.Verbose)
	role := processRole(c)
	ll = ll.With("role", role)

	// Set up Prometheus metrics for the process.
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mm := newMetrics(metricslite.NewPrometheus(reg))

	// The user database is not reachable once jailed, so resolve the user
	// before anything else.
	var id *identity
	if c.User != "" {
		if id, err = lookupIdentity(c.User); err != nil {
			fatal(ll, fatalHardenCode, err, "failed to resolve user", "user", c.User)
		}
	}

	srv, err := setupServer(c, id, ll)
	if err != nil {
		code := fatalSetupCode
		var serr *superviseError
		if errors.As(err, &serr) {
			code = fatalSuperviseCode
		}
		fatal(ll, code, err, "failed to set up server")
	}
	mm.processInfo(1.0, role, srv.target.String(), c.Chroot, c.User)

	// Everything needing privilege or a view of the whole filesystem happens
	// before hardening: the debug listener and the overlay.
	var dl net.Listener
	if c.Debug.Address != "" && !c.ChildProcess {
		if dl, err = net.Listen("tcp", c.Debug.Address); err != nil {
			fatal(ll, fatalSetupCode, err, "failed to listen for debug HTTP", "address", c.Debug.Address)
		}
	}

	var tor *overlay
	if c.DataDir != "" && !c.Tor.Skip {
		if tor, err = startOverlay(c, srv.target, id, ll, mm); err != nil {
			fatal(ll, fatalSetupCode, err, "failed to start hidden service")
		}
	}

	lc := newLifecycle(context.Background())

	ll.Debug("locking down process")
	if err := newHardening(c, id, newPlatform(), ll).Apply(); err != nil {
		lc.Fail("harden", err)
	} else {
		mm.hardened(1.0)
		start(lc, c, srv, stdin, tor, dl, reg, ll, mm)
	}

	ev := lc.Wait()

	var herr *hardenError
	if errors.As(ev, &herr) {
		fatal(ll, fatalHardenCode, herr.Err, "failed to harden process", "stage", herr.Stage)
	}

	if errors.Is(ev, errParentGone) {
		ll.Warn("detected stdin was closed, shutting down")
	} else {
		ll.Warn("shutting down", "source", ev.Source, "reason", ev.Err)
	}
}

// start runs every background task of a hardened process.
func start(
	lc *lifecycle,
	c *config,
	srv *server,
	stdin io.Reader,
	tor *overlay,
	dl net.Listener,
	reg *prometheus.Registry,
	ll *slog.Logger,
	mm *metrics,
) {
	h := newHandler(c, ll, mm)
	lc.Go("server", func(ctx context.Context) error {
		return srv.run(ctx, h, ll)
	})

	if c.ChildProcess {
		lc.Go("parent", func(ctx context.Context) error {
			return monitorParent(ctx, stdin)
		})
	}

	if tor != nil {
		lc.Go("tor", tor.run)
	}

	if dl != nil {
		lc.Go("debug", func(context.Context) error {
			if err := serveDebug(dl, c.Debug, reg, ll); err != nil {
				return fmt.Errorf("failed to serve debug HTTP: %w", err)
			}

			return nil
		})
	}

	lc.Go("signal", func(ctx context.Context) error {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigc:
			return fmt.Errorf("received %s", sig)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// serveDebug serves the HTTP debug server with the input configuration on l.
func serveDebug(l net.Listener, d debug, reg *prometheus.Registry, ll *slog.Logger) error {
	mux := http.NewServeMux()

	if d.Prometheus {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	if d.PProf {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	ll.Info("starting HTTP debug server",
		"address", d.Address, "prometheus", d.Prometheus, "pprof", d.PProf)

	s := &http.Server{
		ReadTimeout: 1 * time.Second,
		Handler:     mux,
	}

	return s.Serve(l)
}

// newLogger creates a logger writing to w. The verbosity counts -v flags.
func newLogger(w io.Writer, verbosity int) *slog.Logger {
	level := slog.LevelWarn
	timeFormat := time.RFC3339

	switch {
	case verbosity == 1:
		level = slog.LevelInfo
	case verbosity >= 2:
		level = slog.LevelDebug
		timeFormat = time.RFC3339Nano
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: verbosity >= 2,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.SourceKey:
				if src, ok := a.Value.Any().(*slog.Source); ok {
					src.File = filepath.Base(src.File)
					return slog.Any(slog.SourceKey, src)
				}
			case slog.TimeKey:
				t := a.Value.Time()
				return slog.String(slog.TimeKey, t.Format(timeFormat))
			}
			return a
		},
	}

	logger := slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
	return logger
}

// fatal logs the error message and exits the program with the specified code.
func fatal(ll *slog.Logger, code int, err error, msg string, args ...any) {
	ll.Error(msg, append(args, "error", err)...)
	os.Exit(code)
}
