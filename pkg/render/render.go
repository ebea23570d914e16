// Package render prints dependency forests for humans and machines.
package render

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elwinar/libtree/pkg/elfx"
	"github.com/elwinar/libtree/pkg/resolve"
	"github.com/elwinar/libtree/pkg/walk"
	"github.com/gookit/color"
	"github.com/hokaccha/go-prettyjson"
)

// Options are the parameters of the tree rendering.
type Options struct {
	// ShowPaths prints the path of the images instead of their name.
	ShowPaths bool
	// Verbosity decides whether excluded images are printed.
	Verbosity walk.Verbosity
	Color     bool
}

var (
	styleRoot     = color.New(color.FgCyan, color.OpBold)
	styleResolved = color.New(color.FgCyan, color.OpBold)
	styleCached   = color.New(color.FgBlue)
	styleExcluded = color.New(color.FgGray)
	styleTag      = color.New(color.FgYellow)
	styleError    = color.New(color.FgRed, color.OpBold)
	styleHint     = color.New(color.FgGray)
)

// Tree prints the forest as a tree per root.
func Tree(w io.Writer, f *walk.Forest, opts Options) error {
	r := &renderer{
		w:      bufio.NewWriter(w),
		forest: f,
		opts:   opts,
	}

	for _, root := range f.Roots {
		r.root(root)
	}

	return r.w.Flush()
}

type renderer struct {
	w      *bufio.Writer
	forest *walk.Forest
	opts   Options
}

func (r *renderer) paint(s color.Style, text string) string {
	if !r.opts.Color {
		return text
	}
	return s.Sprint(text)
}

func (r *renderer) label(e *walk.Edge) string {
	if e.State == walk.NotFound {
		return e.Name
	}
	img := r.forest.Nodes[e.Node].Image
	if r.opts.ShowPaths {
		return img.Path
	}
	return img.Name()
}

func (r *renderer) root(e *walk.Edge) {
	style := styleRoot
	if e.State == walk.Cached {
		style = styleCached
	}
	fmt.Fprintln(r.w, r.paint(style, r.label(e)))
	r.children(e, "")
}

// visible returns the children that are printed at the configured verbosity.
func (r *renderer) visible(e *walk.Edge) []*walk.Edge {
	var edges []*walk.Edge
	for _, c := range e.Children {
		if c.State == walk.Excluded && r.opts.Verbosity == walk.None {
			continue
		}
		edges = append(edges, c)
	}
	return edges
}

func (r *renderer) children(e *walk.Edge, prefix string) {
	edges := r.visible(e)
	for i, c := range edges {
		branch, indent := "├── ", "│   "
		if i == len(edges)-1 {
			branch, indent = "└── ", "    "
		}
		r.edge(c, prefix+branch, prefix+indent)
	}
}

func (r *renderer) edge(e *walk.Edge, head, prefix string) {
	var line strings.Builder
	line.WriteString(head)

	switch e.State {
	case walk.NotFound:
		line.WriteString(r.paint(styleError, e.Name+" not found"))
		fmt.Fprintln(r.w, line.String())
		r.failure(e.Failure, prefix)
		return
	case walk.Resolved:
		line.WriteString(r.paint(styleResolved, r.label(e)))
	case walk.Cached:
		line.WriteString(r.paint(styleCached, r.label(e)))
	case walk.Excluded:
		line.WriteString(r.paint(styleExcluded, r.label(e)))
	}

	line.WriteString(" ")
	line.WriteString(r.paint(styleTag, Tag(e)))
	if e.State == walk.Excluded {
		line.WriteString(" ")
		line.WriteString(r.paint(styleExcluded, "(skipped)"))
	}
	fmt.Fprintln(r.w, line.String())

	r.children(e, prefix)
}

// Tag returns the provenance tag of an edge.
func Tag(e *walk.Edge) string {
	switch e.Via {
	case resolve.RPath:
		if e.RPathDepth+1 == e.Depth {
			return "[rpath]"
		}
		return fmt.Sprintf("[rpath of %d]", e.RPathDepth)
	case resolve.None, resolve.Input:
		return ""
	default:
		return "[" + e.Via.String() + "]"
	}
}

// failure prints the search context of a failed resolution.
func (r *renderer) failure(f *walk.Failure, prefix string) {
	if f == nil {
		return
	}

	hint := func(format string, args ...interface{}) {
		fmt.Fprintln(r.w, prefix+r.paint(styleHint, "    "+fmt.Sprintf(format, args...)))
	}
	list := func(dirs []string) {
		for _, d := range dirs {
			hint("   - %s", d)
		}
	}

	s := f.Search
	if s.Direct != "" {
		hint("The direct path was considered:")
		list([]string{s.Direct})
	} else {
		hint("The following paths were considered:")

		switch {
		case s.RPathSkipped:
			hint("1. rpath [skipped: runpath is set]")
		case len(s.RPath) == 0:
			hint("1. rpath was not set")
		default:
			hint("1. rpath:")
			for _, entry := range s.RPath {
				hint("   - depth %d: %s", entry.Depth, strings.Join(entry.Dirs, ":"))
			}
		}

		if len(s.LDLibraryPath) == 0 {
			hint("2. LD_LIBRARY_PATH was not set")
		} else {
			hint("2. LD_LIBRARY_PATH:")
			list(s.LDLibraryPath)
		}

		switch {
		case !s.HasRunPath:
			hint("3. runpath was not set")
		case len(s.RunPath) == 0:
			hint("3. runpath is empty")
		default:
			hint("3. runpath:")
			list(s.RunPath)
		}

		if s.DefaultSkipped {
			hint("4. ld.so.conf [skipped: nodeflib is set]")
			hint("5. default paths [skipped: nodeflib is set]")
		} else {
			hint("4. ld.so.conf:")
			list(s.LDSoConf)
			hint("5. default paths:")
			list(s.Default)
		}
	}

	if len(f.Rejected) == 0 {
		return
	}
	hint("The following candidates were rejected:")
	for _, rej := range f.Rejected {
		reason := rej.Err.Error()
		if k := elfx.KindOf(rej.Err); k != 0 {
			reason = k.String()
		}
		hint("   - %s: %s", rej.Path, reason)
	}
}

// JSON prints the forest as a JSON document. The pretty version is indented
// and colored.
func JSON(w io.Writer, f *walk.Forest, pretty bool) error {
	var raw []byte
	var err error
	if pretty {
		raw, err = prettyjson.Marshal(f)
	} else {
		raw, err = json.Marshal(f)
	}
	if err != nil {
		return fmt.Errorf("encoding forest: %w", err)
	}

	_, err = w.Write(append(raw, '\n'))
	return err
}
