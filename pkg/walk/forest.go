package walk

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/elwinar/libtree/pkg/elfx"
	"github.com/elwinar/libtree/pkg/resolve"
)

// Role is the way an image is meant to be used, which decides where it goes
// in a bundle.
type Role uint8

const (
	Executable Role = iota
	Library
)

func (r Role) String() string {
	switch r {
	case Executable:
		return "executable"
	case Library:
		return "library"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

var libraryName = regexp.MustCompile(`^lib.*\.so(\.[0-9]+)*$`)

// RoleFor guesses the role of the file at path from its name.
func RoleFor(path string) Role {
	if libraryName.MatchString(filepath.Base(path)) {
		return Library
	}
	return Executable
}

// State is the outcome of one edge of the forest.
type State uint8

const (
	// Resolved edges point to an image whose dependencies are listed as
	// children.
	Resolved State = iota
	// Cached edges point to an image expanded elsewhere in the forest, or
	// found on the active chain, or past the depth limit.
	Cached
	// Excluded edges point to an image whose name is in the skip list.
	Excluded
	// NotFound edges point to nothing.
	NotFound
)

var stateNames = map[State]string{
	Resolved: "resolved",
	Cached:   "cached",
	Excluded: "excluded",
	NotFound: "not found",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Node is a distinct image of the forest.
type Node struct {
	Image *elfx.Image `json:"image"`
	Role  Role        `json:"role"`
}

// Edge is a resolution attempt, from a needed entry of a parent to an image.
// The roots of the forest are edges from the inputs.
type Edge struct {
	// Name is the needed entry as written in the parent, or the path of the
	// input for a root.
	Name  string         `json:"name"`
	Depth int            `json:"depth"`
	State State          `json:"state"`
	// Via is resolve.None for the libraries that weren't found.
	Via resolve.Source `json:"via,omitempty"`
	// RPathDepth is the depth of the image whose RPATH located the image.
	RPathDepth int `json:"rpath_depth,omitempty"`
	// Node is the index of the image in the forest's nodes, or -1 when not
	// found.
	Node     int      `json:"node"`
	Children []*Edge  `json:"children,omitempty"`
	Failure  *Failure `json:"failure,omitempty"`
}

// Failure is a needed entry that couldn't be resolved, with everything that
// was tried.
type Failure struct {
	// Parent is the index of the requesting node.
	Parent   int                 `json:"parent"`
	Needed   string              `json:"needed"`
	Depth    int                 `json:"depth"`
	Search   resolve.Search      `json:"search"`
	Rejected []resolve.Rejection `json:"rejected,omitempty"`
}

// Forest is the result of a walk.
type Forest struct {
	Nodes    []Node     `json:"nodes"`
	Roots    []*Edge    `json:"roots"`
	Failures []*Failure `json:"failures"`
}

// OK reports whether every needed entry of the forest was resolved.
func (f *Forest) OK() bool {
	return len(f.Failures) == 0
}

// Item is an image to copy when bundling the forest.
type Item struct {
	Path string
	Role Role
}

// Deployable returns the distinct images reachable from the roots without
// crossing an excluded edge, in depth-first order.
func (f *Forest) Deployable() []Item {
	// The children of a node are listed under its first resolved edge.
	expansion := make(map[int]*Edge)
	var index func(e *Edge)
	index = func(e *Edge) {
		if e.State == Resolved {
			if _, ok := expansion[e.Node]; !ok {
				expansion[e.Node] = e
			}
		}
		for _, c := range e.Children {
			index(c)
		}
	}
	for _, r := range f.Roots {
		index(r)
	}

	var items []Item
	met := make(map[int]bool)
	var collect func(e *Edge)
	collect = func(e *Edge) {
		if e.State == Excluded || e.State == NotFound || met[e.Node] {
			return
		}
		met[e.Node] = true

		n := f.Nodes[e.Node]
		items = append(items, Item{Path: n.Image.Path, Role: n.Role})

		if x, ok := expansion[e.Node]; ok {
			for _, c := range x.Children {
				collect(c)
			}
		}
	}
	for _, r := range f.Roots {
		collect(r)
	}

	return items
}

// Count returns the number of edges of the forest for each source, not
// counting the failures.
func (f *Forest) Count() map[resolve.Source]int {
	counts := make(map[resolve.Source]int)
	var count func(e *Edge)
	count = func(e *Edge) {
		if e.State != NotFound {
			counts[e.Via]++
		}
		for _, c := range e.Children {
			count(c)
		}
	}
	for _, r := range f.Roots {
		count(r)
	}
	return counts
}
