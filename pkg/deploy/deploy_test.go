package deploy

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cavaliercoder/go-cpio"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/pgzip"

	"github.com/elwinar/libtree/pkg/testingx"
	"github.com/elwinar/libtree/pkg/walk"
)

// fixture writes an executable and a versioned library with its soname link,
// and returns the items to deploy.
func fixture(t *testing.T) []walk.Item {
	t.Helper()

	src := t.TempDir()
	exe := testingx.WriteELF(t, filepath.Join(src, "bin", "app"), testingx.ELF{Needed: []string{"libfoo.so.1"}})
	testingx.WriteELF(t, filepath.Join(src, "lib", "libfoo.so.1.2.3"), testingx.ELF{SOName: "libfoo.so.1"})
	testingx.Symlink(t, "libfoo.so.1.2", filepath.Join(src, "lib", "libfoo.so.1"))
	testingx.Symlink(t, "libfoo.so.1.2.3", filepath.Join(src, "lib", "libfoo.so.1.2"))

	return []walk.Item{
		{Path: exe, Role: walk.Executable},
		{Path: filepath.Join(src, "lib", "libfoo.so.1"), Role: walk.Library},
	}
}

func TestDeploy(t *testing.T) {
	items := fixture(t)
	dest := t.TempDir()

	sum, err := New(dest, nil).Deploy(items)
	if err != nil {
		t.Fatalf(`Deploy: unexpected error: %s`, err)
	}

	if sum.Files != 2 || sum.Links != 2 {
		t.Errorf(`Deploy: wanted 2 files and 2 links, got %s`, sum)
	}

	for _, path := range []string{"usr/bin/app", "usr/lib/libfoo.so.1.2.3"} {
		fi, err := os.Stat(filepath.Join(dest, path))
		if err != nil {
			t.Errorf(`Deploy: wanted %s to exist, got %s`, path, err)
			continue
		}
		if fi.Mode().Perm() != 0755 {
			t.Errorf(`Deploy: wanted %s to keep its mode, got %s`, path, fi.Mode())
		}
	}

	for link, want := range map[string]string{
		"usr/lib/libfoo.so.1":   "libfoo.so.1.2",
		"usr/lib/libfoo.so.1.2": "libfoo.so.1.2.3",
	} {
		got, err := os.Readlink(filepath.Join(dest, link))
		if err != nil {
			t.Errorf(`Deploy: wanted %s to be a link, got %s`, link, err)
			continue
		}
		if got != want {
			t.Errorf(`Deploy: wanted %s to point to %q, got %q`, link, want, got)
		}
	}

	// Deploying twice replaces the files in place.
	_, err = New(dest, nil).Deploy(items)
	if err != nil {
		t.Fatalf(`Deploy: unexpected error on second run: %s`, err)
	}
}

func TestDeploy_commands(t *testing.T) {
	items := fixture(t)
	dest := t.TempDir()

	tools := t.TempDir()
	log := filepath.Join(tools, "log")
	script := "#!/bin/sh\necho \"$(basename \"$0\") $*\" >> " + log + "\n"
	for _, name := range []string{"chrpath", "strip"} {
		err := os.WriteFile(filepath.Join(tools, name), []byte(script), 0755)
		if err != nil {
			t.Fatalf(`writing %s: %s`, name, err)
		}
	}

	d := New(dest, nil)
	d.Chrpath = true
	d.ChrpathPath = filepath.Join(tools, "chrpath")
	d.Strip = true
	d.StripPath = filepath.Join(tools, "strip")

	_, err := d.Deploy(items)
	if err != nil {
		t.Fatalf(`Deploy: unexpected error: %s`, err)
	}

	raw, err := os.ReadFile(log)
	if err != nil {
		t.Fatalf(`reading %s: %s`, log, err)
	}

	want := []string{
		"chrpath -c -r $ORIGIN/../lib " + filepath.Join(dest, "usr/bin/app"),
		"strip " + filepath.Join(dest, "usr/bin/app"),
		"chrpath -c -r $ORIGIN " + filepath.Join(dest, "usr/lib/libfoo.so.1.2.3"),
		"strip " + filepath.Join(dest, "usr/lib/libfoo.so.1.2.3"),
	}
	got := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if !cmp.Equal(got, want) {
		t.Errorf(`Deploy: unexpected commands`)
		t.Log(cmp.Diff(got, want))
	}
}

func TestDeploy_commandFailure(t *testing.T) {
	d := New(t.TempDir(), nil)
	d.Strip = true
	d.StripPath = filepath.Join(t.TempDir(), "missing")

	_, err := d.Deploy(fixture(t))
	if err == nil {
		t.Errorf(`Deploy: wanted an error with a missing strip, got nil`)
	}
}

func TestLinks(t *testing.T) {
	dir := t.TempDir()
	testingx.WriteELF(t, filepath.Join(dir, "c"), testingx.ELF{})
	testingx.Symlink(t, "c", filepath.Join(dir, "b"))
	testingx.Symlink(t, filepath.Join(dir, "b"), filepath.Join(dir, "a"))
	testingx.Symlink(t, "loop", filepath.Join(dir, "loop"))

	got, err := links(filepath.Join(dir, "a"))
	if err != nil {
		t.Fatalf(`links: unexpected error: %s`, err)
	}
	want := []string{filepath.Join(dir, "a"), filepath.Join(dir, "b"), filepath.Join(dir, "c")}
	if !cmp.Equal(got, want) {
		t.Errorf(`links: wanted %#v, got %#v`, want, got)
	}

	_, err = links(filepath.Join(dir, "loop"))
	if err == nil {
		t.Errorf(`links: wanted an error for a loop, got nil`)
	}
}

func TestArchive(t *testing.T) {
	items := fixture(t)

	var buf bytes.Buffer
	err := Archive(&buf, items)
	if err != nil {
		t.Fatalf(`Archive: unexpected error: %s`, err)
	}

	zr, err := pgzip.NewReader(&buf)
	if err != nil {
		t.Fatalf(`Archive: unexpected compression error: %s`, err)
	}
	rd := cpio.NewReader(zr)

	type entry struct {
		Kind   string
		Target string
	}
	got := make(map[string]entry)
	var size int
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf(`Archive: unexpected read error: %s`, err)
		}

		body, err := io.ReadAll(rd)
		if err != nil {
			t.Fatalf(`Archive: unexpected read error on %s: %s`, hdr.Name, err)
		}

		switch {
		case hdr.Mode.IsDir():
			got[hdr.Name] = entry{Kind: "dir"}
		case hdr.Mode&cpio.ModeSymlink == cpio.ModeSymlink:
			target := hdr.Linkname
			if target == "" {
				target = string(body)
			}
			got[hdr.Name] = entry{Kind: "link", Target: target}
		default:
			got[hdr.Name] = entry{Kind: "file"}
			size += len(body)
		}
	}

	want := map[string]entry{
		"usr":                     {Kind: "dir"},
		"usr/bin":                 {Kind: "dir"},
		"usr/lib":                 {Kind: "dir"},
		"usr/bin/app":             {Kind: "file"},
		"usr/lib/libfoo.so.1.2.3": {Kind: "file"},
		"usr/lib/libfoo.so.1":     {Kind: "link", Target: "libfoo.so.1.2"},
		"usr/lib/libfoo.so.1.2":   {Kind: "link", Target: "libfoo.so.1.2.3"},
	}
	if !cmp.Equal(got, want) {
		t.Errorf(`Archive: unexpected entries`)
		t.Log(cmp.Diff(got, want))
	}

	wantSize := len(testingx.ELF{Needed: []string{"libfoo.so.1"}}.Bytes()) + len(testingx.ELF{SOName: "libfoo.so.1"}.Bytes())
	if size != wantSize {
		t.Errorf(`Archive: wanted %d bytes of file content, got %d`, wantSize, size)
	}
}

func TestWriteArchive(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bundle.cpio.gz")

	err := WriteArchive(dest, fixture(t))
	if err != nil {
		t.Fatalf(`WriteArchive(%q): unexpected error: %s`, dest, err)
	}

	raw, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf(`reading %s: %s`, dest, err)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Errorf(`WriteArchive(%q): wanted a gzip stream`, dest)
	}
}
