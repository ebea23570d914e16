package elfx

import (
	"debug/elf"
	"testing"
)

func TestExpand(t *testing.T) {
	type testcase struct {
		input string
		want  string
	}

	vars := Variables{
		Origin:    "/opt/app/bin",
		Lib:       "lib64",
		Platform:  "x86_64",
		OSName:    "Linux",
		OSRelease: "6.1.0",
	}

	for n, c := range map[string]testcase{
		"origin": {
			input: "$ORIGIN/foo",
			want:  "/opt/app/bin/foo",
		},
		"curly_origin": {
			input: "${ORIGIN}/foo",
			want:  "/opt/app/bin/foo",
		},
		"lib": {
			input: "foo/$LIB/bar",
			want:  "foo/lib64/bar",
		},
		"lib_end": {
			input: "foo/$LIB",
			want:  "foo/lib64",
		},
		"curly_lib_end": {
			input: "foo/${LIB}",
			want:  "foo/lib64",
		},
		"all": {
			input: "/$OSNAME/$OSREL/${PLATFORM}/$LIB",
			want:  "/Linux/6.1.0/x86_64/lib64",
		},
		"adjacent": {
			input: "${ORIGIN}${LIB}",
			want:  "/opt/app/binlib64",
		},
		"unknown": {
			input: "$ORIGIN/$HOME/lib",
			want:  "/opt/app/bin/$HOME/lib",
		},
		"curly_unknown": {
			input: "${HOME}/lib",
			want:  "${HOME}/lib",
		},
		"glued": {
			input: "$ORIGINAL/lib",
			want:  "$ORIGINAL/lib",
		},
		"unterminated": {
			input: "${ORIGIN/lib",
			want:  "${ORIGIN/lib",
		},
		"trailing_dollar": {
			input: "/lib$",
			want:  "/lib$",
		},
		"double_dollar": {
			input: "$$ORIGIN",
			want:  "$/opt/app/bin",
		},
		"no_reexpansion": {
			input: "$ORIGIN",
			want:  "/opt/$LIB",
		},
	} {
		t.Run(n, func(t *testing.T) {
			v := vars
			if n == "no_reexpansion" {
				v.Origin = "/opt/$LIB"
			}

			got := Expand(c.input, v)
			if got != c.want {
				t.Errorf(`Expand(%q): wanted %q, got %q`, c.input, c.want, got)
			}
		})
	}
}

func TestExpand_emptyValue(t *testing.T) {
	got := Expand("/opt/$PLATFORM/lib", Variables{})
	if got != "/opt/$PLATFORM/lib" {
		t.Errorf(`Expand(%q): wanted the token kept, got %q`, "/opt/$PLATFORM/lib", got)
	}
}

func TestLibFor(t *testing.T) {
	for class, want := range map[elf.Class]string{
		elf.ELFCLASS32: "lib",
		elf.ELFCLASS64: "lib64",
	} {
		got := LibFor(class)
		if got != want {
			t.Errorf(`LibFor(%s): wanted %q, got %q`, class, want, got)
		}
	}
}

func TestHostVariables(t *testing.T) {
	vars, err := HostVariables()
	if err != nil {
		t.Fatalf(`HostVariables(): unexpected error: %s`, err)
	}

	if vars.Platform == "" || vars.OSName == "" {
		t.Errorf(`HostVariables(): wanted platform and os name, got %#v`, vars)
	}

	if vars.Origin != "" || vars.Lib != "" {
		t.Errorf(`HostVariables(): wanted no image dependent values, got %#v`, vars)
	}
}
