// Package walk builds the dependency forest of a set of images, the way the
// dynamic linker would load them.
package walk

import (
	"fmt"

	"github.com/elwinar/libtree/pkg/elfx"
	"github.com/elwinar/libtree/pkg/resolve"
	"github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxDepth is the depth past which images aren't expanded.
const DefaultMaxDepth = 32

// Verbosity decides which parts of the forest are expanded.
type Verbosity uint8

const (
	// None expands each image once, and skips the excluded images.
	None Verbosity = iota
	// Verbose also expands the excluded images.
	Verbose
	// VeryVerbose expands every occurrence of every image.
	VeryVerbose
)

// Input is a top-level image to walk.
type Input struct {
	Path string
	Role Role
}

// Options are the parameters of a walk.
type Options struct {
	LDLibraryPath   []string
	ConfiguredPaths []string
	// DefaultPaths are resolve.DefaultPaths if nil.
	DefaultPaths []string
	// Skip are the names of the images to exclude.
	Skip      []string
	Verbosity Verbosity
	// MaxDepth is DefaultMaxDepth if zero.
	MaxDepth  int
	Variables elfx.Variables
	// Jobs is the number of inputs whose images are parsed concurrently.
	Jobs   int
	Logger log15.Logger
}

// InputError is returned when a top-level input can't be read.
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("reading input %q: %s", e.Path, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Walk resolves the dependencies of the inputs recursively. Failures to
// resolve a dependency are recorded in the forest; only failing to read an
// input is an error.
func Walk(inputs []Input, opts Options) (*Forest, error) {
	if opts.Logger == nil {
		opts.Logger = log15.New()
		opts.Logger.SetHandler(log15.DiscardHandler())
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.DefaultPaths == nil {
		opts.DefaultPaths = resolve.DefaultPaths
	}

	cache := newImages()
	if opts.Jobs > 1 && len(inputs) > 1 {
		warmUp(inputs, opts, cache)
	}

	w := newWalker(opts, cache)
	for _, in := range inputs {
		err := w.root(in)
		if err != nil {
			return nil, err
		}
	}
	return w.forest, nil
}

// warmUp walks each input on its own, concurrently, to parse the images they
// reach into the cache. The forests are thrown away: which images are expanded,
// and under which RPATH stack, depends on the images met before, so only a
// single walk over the inputs in order gives the right forest. Errors are left
// for that walk to report, in the order of the inputs.
func warmUp(inputs []Input, opts Options, cache *images) {
	var g errgroup.Group
	g.SetLimit(opts.Jobs)
	for _, in := range inputs {
		in := in
		g.Go(func() error {
			err := newWalker(opts, cache).root(in)
			if err != nil {
				opts.Logger.Debug("warming up", "path", in.Path, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// walker holds the state of one traversal.
type walker struct {
	opts     Options
	resolver *resolve.Resolver
	open     func(string, elfx.Options) (*elfx.Image, error)
	logger   log15.Logger
	skip     map[string]bool

	forest *Forest
	// visited maps the identity of the images to their node index.
	visited map[elfx.Identity]int
	// active holds the images of the current chain.
	active map[elfx.Identity]bool
	rpaths []resolve.RPathEntry
}

func newWalker(opts Options, cache *images) *walker {
	skip := make(map[string]bool)
	for _, name := range opts.Skip {
		skip[name] = true
	}

	resolver := resolve.New(opts.Variables, opts.Logger)
	resolver.Open = cache.open

	return &walker{
		opts:     opts,
		resolver: resolver,
		open:     cache.open,
		logger:   opts.Logger,
		skip:     skip,
		forest: &Forest{
			Nodes:    []Node{},
			Roots:    []*Edge{},
			Failures: []*Failure{},
		},
		visited: make(map[elfx.Identity]int),
		active:  make(map[elfx.Identity]bool),
	}
}

func (w *walker) root(in Input) error {
	w.logger.Debug("walking input", "path", in.Path)

	img, err := w.open(in.Path, elfx.Options{Variables: w.opts.Variables})
	if err != nil {
		return &InputError{Path: in.Path, Err: err}
	}

	e := &Edge{
		Name: in.Path,
		Via:  resolve.Input,
	}
	w.forest.Roots = append(w.forest.Roots, e)
	w.visit(e, img, in.Role)
	return nil
}

// visit adds the image to the forest if needed, and decides whether the edge
// leading to it must be expanded.
func (w *walker) visit(e *Edge, img *elfx.Image, role Role) {
	idx, seen := w.visited[img.Identity]
	if !seen {
		idx = len(w.forest.Nodes)
		w.forest.Nodes = append(w.forest.Nodes, Node{Image: img, Role: role})
		w.visited[img.Identity] = idx
	}
	e.Node = idx

	excluded := e.Depth > 0 && w.skip[img.Name()]
	if excluded {
		e.State = Excluded
	}

	switch {
	case w.active[img.Identity]:
		w.logger.Debug("breaking cycle", "path", img.Path)
	case excluded && w.opts.Verbosity < Verbose:
	case seen && w.opts.Verbosity < VeryVerbose:
	case e.Depth >= w.opts.MaxDepth:
		w.logger.Debug("reached depth limit", "path", img.Path, "depth", e.Depth)
	default:
		w.expand(e, img)
		return
	}

	if !excluded {
		e.State = Cached
	}
}

// expand resolves the needed entries of the image.
func (w *walker) expand(e *Edge, img *elfx.Image) {
	w.active[img.Identity] = true
	defer delete(w.active, img.Identity)

	// glibc drops DT_RPATH when DT_RUNPATH is present (get-dynamic-info.h),
	// so an image with a RUNPATH adds nothing to the stack of its descendants.
	if len(img.RPath) > 0 && !img.HasRunPath {
		w.rpaths = append(w.rpaths, resolve.RPathEntry{Depth: e.Depth, Dirs: img.RPath})
		defer func() {
			w.rpaths = w.rpaths[:len(w.rpaths)-1]
		}()
	}

	ctx := resolve.Context{
		RPathStack:      w.rpaths,
		LDLibraryPath:   w.opts.LDLibraryPath,
		ConfiguredPaths: w.opts.ConfiguredPaths,
		DefaultPaths:    w.opts.DefaultPaths,
	}

	for _, needed := range img.Needed {
		o := w.resolver.Resolve(needed, img, ctx)

		child := &Edge{
			Name:       needed,
			Depth:      e.Depth + 1,
			Via:        o.Via,
			RPathDepth: o.RPathDepth,
			Node:       -1,
		}
		e.Children = append(e.Children, child)

		if !o.Found() {
			w.logger.Debug("library not found", "needed", needed, "parent", img.Path)
			child.State = NotFound
			child.Failure = &Failure{
				Parent:   e.Node,
				Needed:   needed,
				Depth:    child.Depth,
				Search:   o.Search,
				Rejected: o.Rejected,
			}
			w.forest.Failures = append(w.forest.Failures, child.Failure)
			continue
		}

		w.visit(child, o.Image, Library)
	}
}
