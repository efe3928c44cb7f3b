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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/gzhttp"
)

// epochDate is sent as the Date of every response so the host clock is not
// revealed.
const epochDate = "Thu, 01 Jan 1970 00:00:00 GMT"

// A fileServer serves the files below a web root.
type fileServer struct {
	root string
	opts resolveOptions
	ll   *slog.Logger
	mm   *metrics
}

// newHandler creates the HTTP handler serving c.WebRoot.
func newHandler(c *config, ll *slog.Logger, mm *metrics) http.Handler {
	var h http.Handler = &fileServer{
		root: c.WebRoot,
		opts: resolveOptions{
			ListDirectories: c.ListDirectories,
			FollowSymlinks:  c.FollowSymlinks,
		},
		ll: ll,
		mm: mm,
	}

	h = gzhttp.GzipHandler(h)
	h = defaultHeaders(h)
	return requestLog(h, ll, mm)
}

// ServeHTTP implements http.Handler.
func (s *fileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		respond(w, http.StatusMethodNotAllowed)
		return
	}

	reqPath := strings.TrimPrefix(r.URL.Path, "/")
	p, err := resolve(s.root, reqPath, s.opts)
	if err != nil {
		s.ll.Debug("invalid request path", "path", reqPath, "error", err)
		s.mm.badRequests(1.0)
		respond(w, http.StatusBadRequest)
		return
	}

	switch p.Kind {
	case kindFile:
		s.serveFile(w, r, p.Path)
	case kindListing:
		s.serveListing(w, r, p.Path, reqPath)
	case kindDenied:
		respond(w, http.StatusForbidden)
	default:
		respond(w, http.StatusNotFound)
	}
}

// serveFile serves the contents of the file at path, without any validators
// derived from the filesystem.
func (s *fileServer) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		s.ll.Warn("failed to open file", "path", path, "error", err)
		respond(w, http.StatusForbidden)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		s.ll.Warn("failed to stat file", "path", path, "error", err)
		respond(w, http.StatusInternalServerError)
		return
	}
	if fi.IsDir() {
		respond(w, http.StatusForbidden)
		return
	}

	// A zero modification time suppresses Last-Modified.
	http.ServeContent(w, r, fi.Name(), time.Time{}, f)
}

// serveListing renders the listing of dir, first redirecting requests which
// don't end in a slash so relative links in the listing resolve.
func (s *fileServer) serveListing(w http.ResponseWriter, r *http.Request, dir, reqPath string) {
	if !utf8.ValidString(reqPath) {
		respond(w, http.StatusBadRequest)
		return
	}

	if reqPath != "" && !strings.HasSuffix(reqPath, "/") {
		u := url.URL{Path: "/" + reqPath + "/"}
		w.Header().Set("Location", u.EscapedPath())
		w.WriteHeader(http.StatusFound)
		return
	}

	body, err := listDirectory(dir, reqPath)
	if err != nil {
		s.ll.Warn("failed to list directory", "path", dir, "error", err)
		respond(w, http.StatusForbidden)
		return
	}

	s.mm.listings(1.0)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(body)
}

// respond writes a short plain text body for an HTTP status code, such as
// "404 - not found".
func respond(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(statusBody(code)))
}

// statusBody returns the body sent by respond.
func statusBody(code int) string {
	return fmt.Sprintf("%d - %s\n", code, strings.ToLower(http.StatusText(code)))
}

// defaultHeaders sets the headers every response carries.
func defaultHeaders(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Date", epochDate)
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("Referrer-Policy", "no-referrer")
		h.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and calls the underlying WriteHeader method.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.statusCode == 0 {
		rw.statusCode = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the status code and calls the underlying Write method.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher interface if the underlying ResponseWriter supports it.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// requestLog logs every request with a random request ID and counts responses
// by status code.
func requestLog(h http.Handler, ll *slog.Logger, mm *metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		logger := ll.With("id", requestID(), "method", r.Method, "path", r.URL.Path)
		logger.Info("request")

		wrapped := &responseWriter{ResponseWriter: w}
		h.ServeHTTP(wrapped, r)

		if wrapped.statusCode == 0 {
			wrapped.statusCode = http.StatusOK
		}

		mm.request(wrapped.statusCode)
		logger.Info("response",
			"duration", time.Since(start).Round(time.Millisecond),
			"status", wrapped.statusCode,
		)
	})
}

// requestID generates a random request ID.
func requestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10) // fallback
	}

	return hex.EncodeToString(b)
}
