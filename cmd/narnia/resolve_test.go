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
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_resolveRequestPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping, test uses slash separated roots")
	}

	const root = "/var/www"

	tests := []struct {
		name string
		req  string
		path string
		ok   bool
	}{
		{
			name: "bad current directory prefix",
			req:  "./index.html",
		},
		{
			name: "bad root",
			req:  "/",
		},
		{
			name: "bad absolute",
			req:  "/etc/passwd",
		},
		{
			name: "bad current directory",
			req:  ".",
		},
		{
			name: "bad parent directory",
			req:  "..",
		},
		{
			name: "bad inner parent directory",
			req:  "a/b/../c",
		},
		{
			name: "bad inner current directory",
			req:  "a/./b",
		},
		{
			name: "bad trailing parent directory",
			req:  "a/b/..",
		},
		{
			name: "bad NUL",
			req:  "a\x00b",
		},
		{
			name: "OK empty",
			req:  "",
			path: root,
			ok:   true,
		},
		{
			name: "OK file",
			req:  "index.html",
			path: "/var/www/index.html",
			ok:   true,
		},
		{
			name: "OK nested",
			req:  "a/b/c",
			path: "/var/www/a/b/c",
			ok:   true,
		},
		{
			name: "OK trailing slash",
			req:  "a/b/c/",
			path: "/var/www/a/b/c",
			ok:   true,
		},
		{
			name: "OK repeated slashes",
			req:  "a//b//c",
			path: "/var/www/a/b/c",
			ok:   true,
		},
		{
			name: "OK dots in names",
			req:  "...a/..b/.c",
			path: "/var/www/...a/..b/.c",
			ok:   true,
		},
		{
			name: "OK backslash",
			req:  `\`,
			path: `/var/www/\`,
			ok:   true,
		},
		{
			name: "OK drive letter",
			req:  `C:\`,
			path: `/var/www/C:\`,
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := resolveRequestPath(root, tt.req)
			if tt.ok && err != nil {
				t.Fatalf("failed to resolve path: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("expected an error, but got %q", path)
			}
			if err != nil {
				t.Logf("err: %v", err)
				return
			}

			if diff := cmp.Diff(tt.path, path); diff != "" {
				t.Fatalf("unexpected path (-want +got):\n%s", diff)
			}
			if !strings.HasPrefix(path, root) {
				t.Fatalf("path %q escaped root %q", path, root)
			}
		})
	}
}

func Test_resolve(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	mkdir(t, root, "empty")
	mkdir(t, root, "site")
	write(t, root, "site/index.html", "<h1>hello</h1>")
	write(t, root, "site/about.txt", "about")
	write(t, outside, "secret.txt", "secret")

	links := true
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "escape.txt")); err != nil {
		links = false
	}
	if err := os.Symlink(outside, filepath.Join(root, "elsewhere")); err != nil {
		links = false
	}

	var (
		list   = resolveOptions{ListDirectories: true, FollowSymlinks: true}
		nolist = resolveOptions{FollowSymlinks: true}
		strict = resolveOptions{ListDirectories: true}
	)

	tests := []struct {
		name  string
		req   string
		opts  resolveOptions
		links bool
		want  resolvedPath
	}{
		{
			name: "missing",
			req:  "nope.html",
			opts: list,
			want: resolvedPath{Kind: kindMissing},
		},
		{
			name: "missing below file",
			req:  "site/about.txt/x",
			opts: list,
			want: resolvedPath{Kind: kindMissing},
		},
		{
			name: "file",
			req:  "site/about.txt",
			opts: nolist,
			want: resolvedPath{Kind: kindFile, Path: filepath.Join(root, "site", "about.txt")},
		},
		{
			name: "index takes precedence over listing",
			req:  "site/",
			opts: list,
			want: resolvedPath{Kind: kindFile, Path: filepath.Join(root, "site", indexFile)},
		},
		{
			name: "index without listing",
			req:  "site",
			opts: nolist,
			want: resolvedPath{Kind: kindFile, Path: filepath.Join(root, "site", indexFile)},
		},
		{
			name: "listing",
			req:  "empty",
			opts: list,
			want: resolvedPath{Kind: kindListing, Path: filepath.Join(root, "empty")},
		},
		{
			name: "root listing",
			req:  "",
			opts: list,
			want: resolvedPath{Kind: kindListing, Path: root},
		},
		{
			name: "listing disabled",
			req:  "empty/",
			opts: nolist,
			want: resolvedPath{Kind: kindDenied},
		},
		{
			name:  "followed symlink",
			req:   "escape.txt",
			opts:  nolist,
			links: true,
			want:  resolvedPath{Kind: kindFile, Path: filepath.Join(root, "escape.txt")},
		},
		{
			name:  "symlink escape",
			req:   "escape.txt",
			opts:  strict,
			links: true,
			want:  resolvedPath{Kind: kindDenied},
		},
		{
			name:  "symlinked directory escape",
			req:   "elsewhere/secret.txt",
			opts:  strict,
			links: true,
			want:  resolvedPath{Kind: kindDenied},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.links && !links {
				t.Skip("skipping, symlinks are not supported")
			}

			got, err := resolve(root, tt.req, tt.opts)
			if err != nil {
				t.Fatalf("failed to resolve: %v", err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected resolved path (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_within(t *testing.T) {
	root := t.TempDir()
	mkdir(t, root, "a")

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{name: "root", path: root, ok: true},
		{name: "child", path: filepath.Join(root, "a"), ok: true},
		{name: "parent", path: filepath.Dir(root)},
		{name: "missing", path: filepath.Join(root, "nope")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.ok, within(root, tt.path)); diff != "" {
				t.Fatalf("unexpected within result (-want +got):\n%s", diff)
			}
		})
	}
}

func mkdir(t *testing.T, root, name string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(name)), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
}

func write(t *testing.T, root, name, data string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(name)), []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}
