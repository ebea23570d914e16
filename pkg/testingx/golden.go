// Package testingx holds the fixtures shared by the tests of the module:
// minimal ELF files written to disk, and golden files for the rendered
// outputs. The helpers fail the test instead of returning errors.
package testingx

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// update makes Golden rewrite the golden files with the actual output. Use it
// with -run to limit the rewrite to specific tests.
var update bool

func init() {
	flag.BoolVar(&update, "updategolden", false, "update the golden files")
}

// Golden compares out with the content of the golden file at path, relative
// to the testdata directory of the package, and reports the differences.
func Golden(t *testing.T, path string, out []byte) {
	t.Helper()
	path = filepath.Join("testdata", path)

	if update {
		err := os.WriteFile(path, out, 0644)
		if err != nil {
			t.Fatalf(`updating golden file %q: %s`, path, err)
		}
	}

	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf(`reading golden file %q: %s`, path, err)
	}

	if !bytes.Equal(out, want) {
		t.Errorf(`output differs from %s`, path)
		t.Log(cmp.Diff(string(want), string(out)))
	}
}
