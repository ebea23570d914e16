package main

import (
	"testing"

	"github.com/elwinar/libtree"
	"github.com/elwinar/libtree/pkg/walk"
	"github.com/google/go-cmp/cmp"
)

func TestWalker_options(t *testing.T) {
	type testcase struct {
		req           libtree.TreeRequest
		wantVerbosity walk.Verbosity
		wantSkip      []string
		wantLD        []string
	}

	for n, c := range map[string]testcase{
		"defaults": {
			req:           libtree.TreeRequest{},
			wantVerbosity: walk.None,
			wantSkip:      libtree.DefaultSkip,
		},
		"verbose": {
			req:           libtree.TreeRequest{Verbosity: 1, Skip: []string{"libfoo.so"}},
			wantVerbosity: walk.Verbose,
			wantSkip:      []string{"libfoo.so"},
		},
		"above the known levels": {
			req:           libtree.TreeRequest{Verbosity: 256},
			wantVerbosity: walk.VeryVerbose,
			wantSkip:      libtree.DefaultSkip,
		},
		"negative": {
			req:           libtree.TreeRequest{Verbosity: -1},
			wantVerbosity: walk.None,
			wantSkip:      libtree.DefaultSkip,
		},
		"library path": {
			req:           libtree.TreeRequest{LDLibraryPath: "/opt/lib;/usr/local/lib"},
			wantVerbosity: walk.None,
			wantSkip:      libtree.DefaultSkip,
			wantLD:        []string{"/opt/lib", "/usr/local/lib"},
		},
	} {
		t.Run(n, func(t *testing.T) {
			got := walker{jobs: 2}.options(c.req, nil)

			if got.Verbosity != c.wantVerbosity {
				t.Errorf(`options(%#v): wanted verbosity %d, got %d`, c.req, c.wantVerbosity, got.Verbosity)
			}
			if !cmp.Equal(got.Skip, c.wantSkip) {
				t.Errorf(`options(%#v): wanted skip %q, got %q`, c.req, c.wantSkip, got.Skip)
			}
			if !cmp.Equal(got.LDLibraryPath, c.wantLD) {
				t.Errorf(`options(%#v): wanted LD_LIBRARY_PATH %q, got %q`, c.req, c.wantLD, got.LDLibraryPath)
			}
			if got.Jobs != 2 {
				t.Errorf(`options(%#v): wanted 2 jobs, got %d`, c.req, got.Jobs)
			}
		})
	}
}
