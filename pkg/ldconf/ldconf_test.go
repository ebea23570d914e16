package ldconf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// write creates the files of the given tree under dir.
func write(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		err := os.MkdirAll(filepath.Dir(path), 0755)
		if err != nil {
			t.Fatalf(`creating directory for %q: %s`, path, err)
		}
		err = os.WriteFile(path, []byte(content), 0644)
		if err != nil {
			t.Fatalf(`writing file %q: %s`, path, err)
		}
	}
}

func TestParse(t *testing.T) {
	type testcase struct {
		files map[string]string
		want  []string
	}

	for n, c := range map[string]testcase{
		"plain": {
			files: map[string]string{
				"ld.so.conf": "/usr/local/lib\n\n# comment\n  /opt/lib   # trailing comment\n",
			},
			want: []string{"/usr/local/lib", "/opt/lib"},
		},
		"include in order": {
			files: map[string]string{
				"ld.so.conf":             "/first\ninclude ld.so.conf.d/*.conf\n/last\n",
				"ld.so.conf.d/b.conf":    "/b\n",
				"ld.so.conf.d/a.conf":    "/a\n",
				"ld.so.conf.d/c.conf.no": "/ignored\n",
			},
			want: []string{"/first", "/a", "/b", "/last"},
		},
		"nested include": {
			files: map[string]string{
				"ld.so.conf":    "include conf.d/*.conf\n",
				"conf.d/a.conf": "/a\ninclude ../more/*.conf\n",
				"more/z.conf":   "/z\n",
			},
			want: []string{"/a", "/z"},
		},
		"include loop": {
			files: map[string]string{
				"ld.so.conf":    "/top\ninclude conf.d/*.conf\n",
				"conf.d/a.conf": "/a\ninclude ../ld.so.conf\n",
			},
			want: []string{"/top", "/a"},
		},
		"no match": {
			files: map[string]string{
				"ld.so.conf": "include nowhere/*.conf\n/lib\n",
			},
			want: []string{"/lib"},
		},
		"duplicates": {
			files: map[string]string{
				"ld.so.conf":    "/lib\ninclude conf.d/*.conf\n/usr/lib/\n",
				"conf.d/a.conf": "/usr/lib\n/lib\n",
			},
			want: []string{"/lib", "/usr/lib"},
		},
		"legacy syntax": {
			files: map[string]string{
				"ld.so.conf": "hwcap 1 nosegneg\n/usr/i486-linuxaout/lib=a.out\n/usr/lib\n",
			},
			want: []string{"/usr/i486-linuxaout/lib", "/usr/lib"},
		},
		"keyword prefix": {
			files: map[string]string{
				"ld.so.conf": "includes\n",
			},
			want: []string{"includes"},
		},
	} {
		t.Run(n, func(t *testing.T) {
			dir := t.TempDir()
			write(t, dir, c.files)

			got, err := Parse(filepath.Join(dir, "ld.so.conf"))
			if err != nil {
				t.Fatalf(`Parse(): unexpected error: %s`, err)
			}

			if !cmp.Equal(got, c.want) {
				t.Errorf(`Parse(): wanted %#v, got %#v`, c.want, got)
			}
		})
	}
}

func TestParse_absoluteInclude(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, map[string]string{
		"etc/ld.so.conf": "include " + filepath.Join(dir, "other", "*.conf") + "\n",
		"other/x.conf":   "/x\n",
	})

	got, err := Parse(filepath.Join(dir, "etc", "ld.so.conf"))
	if err != nil {
		t.Fatalf(`Parse(): unexpected error: %s`, err)
	}

	want := []string{"/x"}
	if !cmp.Equal(got, want) {
		t.Errorf(`Parse(): wanted %#v, got %#v`, want, got)
	}
}

func TestParse_missing(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "ld.so.conf"))
	if !os.IsNotExist(err) {
		t.Errorf(`Parse(): wanted a not exist error, got %v`, err)
	}
}
