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
	"bytes"
	"fmt"
	"html"
	"net/url"
	"os"
	"sort"
	"strings"
	"unicode/utf8"
)

// listPadding is the column at which sizes start in a directory listing.
const listPadding = 50

// A listEntry is a single directory entry in a listing.
type listEntry struct {
	Name string
	Size int64
	Dir  bool
}

// readListing reads the entries of dir sorted by name. Entries whose name is
// not valid UTF-8 are left out.
func readListing(dir string) ([]listEntry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	entries := make([]listEntry, 0, len(des))
	for _, de := range des {
		if !utf8.ValidString(de.Name()) {
			continue
		}

		fi, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %q: %w", de.Name(), err)
		}

		entries = append(entries, listEntry{
			Name: de.Name(),
			Size: fi.Size(),
			Dir:  de.IsDir(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// renderListing renders entries as the HTML index page of reqPath, the
// slash terminated request path relative to the web root.
func renderListing(reqPath string, entries []listEntry) []byte {
	title := html.EscapeString(reqPath)

	var b bytes.Buffer
	fmt.Fprintf(&b, "<html>\n<head><title>Index of /%s</title></head>\n<body>\n<h1>Index of /%s</h1><hr><pre>\n", title, title)

	if reqPath != "" {
		b.WriteString("<a href=\"../\">../</a>\n")
	}

	for _, e := range entries {
		// Escape for the URL first so a name like "a:b" or "#x" stays a
		// relative path, then for HTML.
		href := (&url.URL{Path: e.Name}).String()
		if e.Dir {
			href += "/"
		}

		pad := listPadding - utf8.RuneCountInString(e.Name)
		if pad < 0 {
			pad = 0
		}

		fmt.Fprintf(&b, "<a href=\"%s\">%s</a>%s %d\n",
			html.EscapeString(href), html.EscapeString(e.Name), strings.Repeat(" ", pad), e.Size)
	}

	b.WriteString("</pre><hr></body>\n</html>\n")
	return b.Bytes()
}

// listDirectory produces the HTML listing of dir for reqPath.
func listDirectory(dir, reqPath string) ([]byte, error) {
	entries, err := readListing(dir)
	if err != nil {
		return nil, err
	}

	return renderListing(reqPath, entries), nil
}
