package resolve

import (
	"debug/elf"
	"path/filepath"
	"testing"

	"github.com/elwinar/libtree/pkg/elfx"
	"github.com/elwinar/libtree/pkg/testingx"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSplitPath(t *testing.T) {
	type testcase struct {
		input string
		want  []string
	}

	for n, c := range map[string]testcase{
		"empty": {
			input: "",
			want:  nil,
		},
		"one": {
			input: "one",
			want:  []string{"one"},
		},
		"two": {
			input: "one:two",
			want:  []string{"one", "two"},
		},
		"three": {
			input: "one:two:three",
			want:  []string{"one", "two", "three"},
		},
		"dot": {
			input: ".:one",
			want:  []string{".", "one"},
		},
		"empty path": {
			input: ":one",
			want:  []string{".", "one"},
		},
		"semicolons": {
			input: "one;two:three",
			want:  []string{"one", "two", "three"},
		},
		"duplicates": {
			input: "one:two:one::",
			want:  []string{"one", "two", "."},
		},
	} {
		t.Run(n, func(t *testing.T) {
			got := SplitPath(c.input)
			if !cmp.Equal(got, c.want) {
				t.Errorf(`SplitPath(%q): wanted %#v, got %#v`, c.input, c.want, got)
			}
		})
	}
}

// fixture is a filesystem layout for the resolution tests.
type fixture struct {
	dir string
}

func newFixture(t *testing.T) fixture {
	return fixture{dir: t.TempDir()}
}

func (f fixture) path(p string) string {
	return filepath.Join(f.dir, p)
}

func (f fixture) write(t *testing.T, p string, e testingx.ELF) string {
	t.Helper()
	return testingx.WriteELF(t, f.path(p), e)
}

func (f fixture) open(t *testing.T, p string, e testingx.ELF) *elfx.Image {
	t.Helper()
	path := f.write(t, p, e)
	img, err := elfx.Open(path, elfx.Options{})
	if err != nil {
		t.Fatalf(`elfx.Open(%q): unexpected error: %s`, path, err)
	}
	return img
}

func TestResolver_Resolve(t *testing.T) {
	type want struct {
		Path       string
		Via        Source
		RPathDepth int
		Rejected   []string
	}

	type testcase struct {
		files  map[string]testingx.ELF
		parent testingx.ELF
		needed string
		ctx    func(f fixture) Context
		want   want
	}

	lib := testingx.ELF{}
	lib32 := testingx.ELF{Class: elf.ELFCLASS32}

	for n, c := range map[string]testcase{
		"direct absolute": {
			files:  map[string]testingx.ELF{"opt/libx.so": lib},
			needed: "<dir>/opt/libx.so",
			want:   want{Path: "opt/libx.so", Via: Direct},
		},
		"direct relative": {
			files:  map[string]testingx.ELF{"bin/sub/libx.so": lib},
			needed: "./sub/libx.so",
			want:   want{Path: "bin/sub/libx.so", Via: Direct},
		},
		"direct missing": {
			files:  map[string]testingx.ELF{"lib/libx.so": lib},
			needed: "sub/libx.so",
			ctx: func(f fixture) Context {
				return Context{DefaultPaths: []string{f.path("lib"), f.path("lib/sub")}}
			},
			want: want{},
		},
		"own rpath": {
			files:  map[string]testingx.ELF{"own/libx.so": lib, "outer/libx.so": lib},
			needed: "libx.so",
			ctx: func(f fixture) Context {
				return Context{RPathStack: []RPathEntry{
					{Depth: 0, Dirs: []string{f.path("outer")}},
					{Depth: 1, Dirs: []string{f.path("own")}},
				}}
			},
			want: want{Path: "own/libx.so", Via: RPath, RPathDepth: 1},
		},
		"ancestor rpath": {
			files:  map[string]testingx.ELF{"outer/libx.so": lib, "ld/libx.so": lib},
			needed: "libx.so",
			ctx: func(f fixture) Context {
				return Context{
					RPathStack: []RPathEntry{
						{Depth: 0, Dirs: []string{f.path("outer")}},
						{Depth: 2, Dirs: []string{f.path("own")}},
					},
					LDLibraryPath: []string{f.path("ld")},
				}
			},
			want: want{Path: "outer/libx.so", Via: RPath, RPathDepth: 0},
		},
		"runpath disables rpath": {
			files:  map[string]testingx.ELF{"outer/libx.so": lib, "run/libx.so": lib},
			parent: testingx.ELF{RunPath: "$ORIGIN/../run"},
			needed: "libx.so",
			ctx: func(f fixture) Context {
				return Context{RPathStack: []RPathEntry{{Depth: 0, Dirs: []string{f.path("outer")}}}}
			},
			want: want{Path: "run/libx.so", Via: RunPath},
		},
		"ld library path before runpath": {
			files:  map[string]testingx.ELF{"ld/libx.so": lib, "run/libx.so": lib},
			parent: testingx.ELF{RunPath: "$ORIGIN/../run"},
			needed: "libx.so",
			ctx: func(f fixture) Context {
				return Context{LDLibraryPath: []string{f.path("ld")}}
			},
			want: want{Path: "ld/libx.so", Via: LDLibraryPath},
		},
		"configured before default": {
			files:  map[string]testingx.ELF{"conf/libx.so": lib, "lib/libx.so": lib},
			needed: "libx.so",
			ctx: func(f fixture) Context {
				return Context{
					ConfiguredPaths: []string{f.path("conf")},
					DefaultPaths:    []string{f.path("lib")},
				}
			},
			want: want{Path: "conf/libx.so", Via: LDSoConf},
		},
		"default": {
			files:  map[string]testingx.ELF{"lib64/libx.so": lib},
			needed: "libx.so",
			ctx: func(f fixture) Context {
				return Context{
					ConfiguredPaths: []string{f.path("conf")},
					DefaultPaths:    []string{f.path("lib"), f.path("lib64")},
				}
			},
			want: want{Path: "lib64/libx.so", Via: Default},
		},
		"nodeflib": {
			files:  map[string]testingx.ELF{"conf/libx.so": lib, "lib/libx.so": lib},
			parent: testingx.ELF{NoDefaultLib: true},
			needed: "libx.so",
			ctx: func(f fixture) Context {
				return Context{
					ConfiguredPaths: []string{f.path("conf")},
					DefaultPaths:    []string{f.path("lib")},
				}
			},
			want: want{},
		},
		"incompatible candidate skipped": {
			files:  map[string]testingx.ELF{"lib/libx.so": lib32, "lib64/libx.so": lib},
			needed: "libx.so",
			ctx: func(f fixture) Context {
				return Context{DefaultPaths: []string{f.path("lib"), f.path("lib64")}}
			},
			want: want{Path: "lib64/libx.so", Via: Default, Rejected: []string{"lib/libx.so"}},
		},
		"directory skipped": {
			files:  map[string]testingx.ELF{"lib64/libx.so": lib, "lib/libx.so/placeholder": lib},
			needed: "libx.so",
			ctx: func(f fixture) Context {
				return Context{DefaultPaths: []string{f.path("lib"), f.path("lib64")}}
			},
			want: want{Path: "lib64/libx.so", Via: Default},
		},
	} {
		t.Run(n, func(t *testing.T) {
			f := newFixture(t)
			for p, e := range c.files {
				f.write(t, p, e)
			}
			parent := f.open(t, "bin/app", c.parent)

			var ctx Context
			if c.ctx != nil {
				ctx = c.ctx(f)
			}

			needed := c.needed
			if len(needed) > 5 && needed[:5] == "<dir>" {
				needed = f.dir + needed[5:]
			}

			o := New(elfx.Variables{}, nil).Resolve(needed, parent, ctx)

			got := want{
				Via:        o.Via,
				RPathDepth: o.RPathDepth,
			}
			if o.Found() {
				got.Path, _ = filepath.Rel(f.dir, o.Path)
			}
			for _, r := range o.Rejected {
				p, _ := filepath.Rel(f.dir, r.Path)
				got.Rejected = append(got.Rejected, p)
			}

			if !cmp.Equal(got, c.want) {
				t.Errorf(`Resolve(%q): unexpected result`, needed)
				t.Log(cmp.Diff(got, c.want))
			}

			if o.Needed != needed {
				t.Errorf(`Resolve(%q): wanted needed to be kept, got %q`, needed, o.Needed)
			}
		})
	}
}

func TestResolver_Resolve_direct(t *testing.T) {
	f := newFixture(t)
	parent := f.open(t, "bin/app", testingx.ELF{RPath: "$ORIGIN/../lib"})
	f.write(t, "lib/libx.so", testingx.ELF{})

	ctx := Context{
		RPathStack:      []RPathEntry{{Depth: 0, Dirs: parent.RPath}},
		LDLibraryPath:   []string{f.path("lib")},
		ConfiguredPaths: []string{f.path("lib")},
		DefaultPaths:    []string{f.path("lib")},
	}

	o := New(elfx.Variables{}, nil).Resolve("../libs/libx.so", parent, ctx)
	if o.Found() {
		t.Fatalf(`Resolve(): wanted not found, got %q`, o.Path)
	}

	want := Search{Direct: f.path("libs/libx.so")}
	if !cmp.Equal(o.Search, want) {
		t.Errorf(`Resolve(): a direct entry consulted other sources`)
		t.Log(cmp.Diff(o.Search, want))
	}
}

func TestResolver_Resolve_notFound(t *testing.T) {
	f := newFixture(t)
	parent := f.open(t, "bin/app", testingx.ELF{RPath: "/nope/rpath", RunPath: "/nope/runpath"})

	ctx := Context{
		RPathStack:      []RPathEntry{{Depth: 0, Dirs: []string{"/nope/outer"}}},
		LDLibraryPath:   []string{"/nope/ld"},
		ConfiguredPaths: []string{"/nope/conf"},
		DefaultPaths:    []string{"/nope/lib"},
	}

	o := New(elfx.Variables{}, nil).Resolve("libmissing.so", parent, ctx)
	if o.Found() {
		t.Fatalf(`Resolve(): wanted not found, got %q`, o.Path)
	}

	want := Search{
		RPathSkipped:  true,
		LDLibraryPath: []string{"/nope/ld"},
		RunPath:       []string{"/nope/runpath"},
		HasRunPath:    true,
		LDSoConf:      []string{"/nope/conf"},
		Default:       []string{"/nope/lib"},
	}
	if !cmp.Equal(o.Search, want) {
		t.Errorf(`Resolve(): unexpected search`)
		t.Log(cmp.Diff(o.Search, want))
	}
}

func TestResolver_Resolve_incompatible(t *testing.T) {
	f := newFixture(t)
	parent := f.open(t, "bin/app", testingx.ELF{Class: elf.ELFCLASS32, Type: elf.ET_EXEC})
	f.write(t, "lib/libx.so", testingx.ELF{})
	f.write(t, "lib64/libx.so", testingx.ELF{Class: elf.ELFCLASS32, Machine: elf.EM_ARM})

	ctx := Context{DefaultPaths: []string{f.path("lib"), f.path("lib64")}}

	o := New(elfx.Variables{}, nil).Resolve("libx.so", parent, ctx)
	if o.Found() {
		t.Fatalf(`Resolve(): wanted not found, got %q`, o.Path)
	}

	wantKinds := []elfx.ErrorKind{elfx.BitWidthMismatch, elfx.IncompatibleISA}
	var gotKinds []elfx.ErrorKind
	for _, r := range o.Rejected {
		if !r.Compatibility() {
			t.Errorf(`Resolve(): wanted %q rejected for compatibility, got %s`, r.Path, r.Err)
		}
		gotKinds = append(gotKinds, elfx.KindOf(r.Err))
	}

	if !cmp.Equal(gotKinds, wantKinds, cmpopts.EquateEmpty()) {
		t.Errorf(`Resolve(): wanted rejections %v, got %v`, wantKinds, gotKinds)
	}
}

func TestSource_Text(t *testing.T) {
	for s := None; s <= Default; s++ {
		raw, err := s.MarshalText()
		if err != nil {
			t.Fatalf(`Source(%d).MarshalText(): unexpected error: %s`, s, err)
		}

		var got Source
		err = got.UnmarshalText(raw)
		if err != nil || got != s {
			t.Errorf(`Source.UnmarshalText(%q): wanted %s, got %s (%v)`, raw, s, got, err)
		}
	}
}
