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
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// indexFile is served in place of a directory which contains it.
const indexFile = "index.html"

// A pathKind classifies a resolved request path.
type pathKind int

const (
	kindMissing pathKind = iota
	kindFile
	kindListing
	kindDenied
)

func (k pathKind) String() string {
	switch k {
	case kindMissing:
		return "missing"
	case kindFile:
		return "file"
	case kindListing:
		return "listing"
	case kindDenied:
		return "denied"
	default:
		return fmt.Sprintf("pathKind(%d)", int(k))
	}
}

// A resolvedPath is the result of resolving a request path. Path is only set
// for files and listings and never leaves the web root.
type resolvedPath struct {
	Kind pathKind
	Path string
}

// resolveOptions control how a resolved path is classified.
type resolveOptions struct {
	ListDirectories bool
	FollowSymlinks  bool
}

// resolveRequestPath appends each segment of the untrusted, slash separated
// request path to root as exactly one path component. Empty segments are
// skipped; anything that could address something other than a child of the
// previous component is rejected.
func resolveRequestPath(root, req string) (string, error) {
	if strings.HasPrefix(req, "/") {
		return "", errors.New("invalid component: root directory")
	}

	p := root
	for _, seg := range strings.Split(req, "/") {
		switch {
		case seg == "":
			continue
		case seg == ".":
			return "", errors.New("invalid component: current directory")
		case seg == "..":
			return "", errors.New("invalid component: parent directory")
		case filepath.VolumeName(seg) != "":
			return "", fmt.Errorf("invalid component: path prefix %q", seg)
		case strings.ContainsRune(seg, os.PathSeparator):
			// Only reachable where the separator is not a slash.
			return "", fmt.Errorf("invalid component: separator in %q", seg)
		case strings.ContainsRune(seg, 0):
			return "", errors.New("invalid component: NUL byte")
		}

		p = filepath.Join(p, seg)
	}

	return p, nil
}

// classify determines what a path within root currently is.
func classify(root, path string, opts resolveOptions) resolvedPath {
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return resolvedPath{Kind: kindMissing}
	case errors.Is(err, fs.ErrPermission):
		return resolvedPath{Kind: kindDenied}
	case err != nil:
		// Not a directory along the way, a name too long and the like.
		return resolvedPath{Kind: kindMissing}
	}

	if !opts.FollowSymlinks && !within(root, path) {
		return resolvedPath{Kind: kindDenied}
	}

	if !fi.IsDir() {
		return resolvedPath{Kind: kindFile, Path: path}
	}

	index := filepath.Join(path, indexFile)
	if _, err := os.Stat(index); err == nil {
		if !opts.FollowSymlinks && !within(root, index) {
			return resolvedPath{Kind: kindDenied}
		}
		return resolvedPath{Kind: kindFile, Path: index}
	}

	if opts.ListDirectories {
		return resolvedPath{Kind: kindListing, Path: path}
	}

	return resolvedPath{Kind: kindDenied}
}

// within reports whether path, with every symlink resolved, is still inside
// root with every symlink resolved.
func within(root, path string) bool {
	r, err := filepath.EvalSymlinks(root)
	if err != nil {
		return false
	}
	p, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(r, p)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// resolve turns an untrusted request path into a classified path within root.
// An error means the request path itself is malformed.
func resolve(root, req string, opts resolveOptions) (resolvedPath, error) {
	p, err := resolveRequestPath(root, req)
	if err != nil {
		return resolvedPath{}, err
	}

	return classify(root, p, opts), nil
}
