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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_renderListing(t *testing.T) {
	got := renderListing("sub/", []listEntry{
		{Name: "a.txt", Size: 3},
		{Name: "dir", Size: 4096, Dir: true},
	})

	want := strings.Join([]string{
		"<html>",
		"<head><title>Index of /sub/</title></head>",
		"<body>",
		"<h1>Index of /sub/</h1><hr><pre>",
		`<a href="../">../</a>`,
		`<a href="a.txt">a.txt</a>` + strings.Repeat(" ", 45) + " 3",
		`<a href="dir/">dir</a>` + strings.Repeat(" ", 47) + " 4096",
		"</pre><hr></body>",
		"</html>",
		"",
	}, "\n")

	if diff := cmp.Diff(want, string(got)); diff != "" {
		t.Fatalf("unexpected listing (-want +got):\n%s", diff)
	}
}

func Test_renderListingRoot(t *testing.T) {
	got := string(renderListing("", nil))

	if strings.Contains(got, `href="../"`) {
		t.Fatal("root listing must not link to its parent")
	}
	if !strings.Contains(got, "<title>Index of /</title>") {
		t.Fatalf("unexpected title in listing:\n%s", got)
	}
}

func Test_renderListingEscape(t *testing.T) {
	got := string(renderListing("<x>/", []listEntry{
		{Name: "<b>&.txt", Size: 1},
		{Name: "a:b#c", Size: 2},
		{Name: "long" + strings.Repeat("n", listPadding), Size: 5},
	}))

	for _, s := range []string{
		"Index of /&lt;x&gt;/",
		`<a href="%3Cb%3E&amp;.txt">&lt;b&gt;&amp;.txt</a>`,
		`<a href="./a:b%23c">a:b#c</a>`,
		"</a> 5\n",
	} {
		if !strings.Contains(got, s) {
			t.Errorf("listing does not contain %q:\n%s", s, got)
		}
	}

	if strings.Contains(got, "<b>") || strings.Contains(got, "<x>") {
		t.Fatalf("listing contains unescaped markup:\n%s", got)
	}
}

func Test_readListing(t *testing.T) {
	dir := t.TempDir()

	write(t, dir, "c.txt", "ccc")
	write(t, dir, "a.txt", "a")
	mkdir(t, dir, "b")

	// Names which are not valid UTF-8 are left out, where the filesystem
	// permits them at all.
	_ = os.WriteFile(filepath.Join(dir, "\xff.txt"), nil, 0o644)

	got, err := readListing(dir)
	if err != nil {
		t.Fatalf("failed to read listing: %v", err)
	}

	// Directory sizes are platform specific.
	for i := range got {
		if got[i].Dir {
			got[i].Size = 0
		}
	}

	want := []listEntry{
		{Name: "a.txt", Size: 1},
		{Name: "b", Dir: true},
		{Name: "c.txt", Size: 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}
}

func Test_listDirectoryMissing(t *testing.T) {
	if _, err := listDirectory(filepath.Join(t.TempDir(), "nope"), "nope/"); err == nil {
		t.Fatal("expected an error, but none occurred")
	}
}
