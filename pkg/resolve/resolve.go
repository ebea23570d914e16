// Package resolve locates the libraries needed by an image the way the
// dynamic linker does.
package resolve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/elwinar/libtree/pkg/elfx"
	"github.com/inconshreveable/log15"
)

// DefaultPaths are the directories searched last by the dynamic linker,
// unless the image asks otherwise.
var DefaultPaths = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64"}

// Source is the way a library was located.
type Source uint8

const (
	// None is the source of the libraries that weren't found.
	None Source = iota
	// Input is the source of the top-level images, which aren't resolved.
	Input
	Direct
	RPath
	LDLibraryPath
	RunPath
	LDSoConf
	Default
)

var sourceNames = map[Source]string{
	None:          "none",
	Input:         "input",
	Direct:        "direct",
	RPath:         "rpath",
	LDLibraryPath: "LD_LIBRARY_PATH",
	RunPath:       "runpath",
	LDSoConf:      "ld.so.conf",
	Default:       "default path",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Source(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(raw []byte) error {
	for k, n := range sourceNames {
		if n == string(raw) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown source %q", raw)
}

// RPathEntry is the RPATH of one image of the active chain.
type RPathEntry struct {
	// Depth is the depth of the image declaring the RPATH, 0 being the
	// top-level image.
	Depth int      `json:"depth"`
	Dirs  []string `json:"dirs"`
}

// Context is the search configuration for one resolution.
type Context struct {
	// RPathStack holds the non-empty RPATH of the active chain, outermost
	// first. The parent's own RPATH, if any, is the last entry.
	RPathStack      []RPathEntry
	LDLibraryPath   []string
	ConfiguredPaths []string
	DefaultPaths    []string
}

// Search records the lists consulted during a resolution, so a failure can be
// explained without running it again.
type Search struct {
	// Direct is the only candidate of a needed entry containing a slash.
	Direct string `json:"direct,omitempty"`
	// RPath is the stack in the order it was searched, innermost first.
	RPath []RPathEntry `json:"rpath,omitempty"`
	// RPathSkipped is set when the parent has a RUNPATH.
	RPathSkipped  bool     `json:"rpath_skipped,omitempty"`
	LDLibraryPath []string `json:"ld_library_path,omitempty"`
	RunPath       []string `json:"runpath,omitempty"`
	HasRunPath    bool     `json:"has_runpath,omitempty"`
	LDSoConf      []string `json:"ld_so_conf,omitempty"`
	Default       []string `json:"default,omitempty"`
	// DefaultSkipped is set when the parent has the NODEFLIB flag, which
	// disables both the configured and the default paths.
	DefaultSkipped bool `json:"default_skipped,omitempty"`
}

// Rejection is a candidate that exists but couldn't be used.
type Rejection struct {
	Path string
	Err  error
}

// Compatibility reports whether the candidate was rejected because it was
// built for another kind of machine than its parent, rather than being broken.
func (r Rejection) Compatibility() bool {
	return elfx.KindOf(r.Err).Compatibility()
}

func (r Rejection) MarshalJSON() ([]byte, error) {
	var reason string
	if k := elfx.KindOf(r.Err); k != 0 {
		reason = k.String()
	}
	return json.Marshal(struct {
		Path          string `json:"path"`
		Reason        string `json:"reason,omitempty"`
		Compatibility bool   `json:"compatibility,omitempty"`
		Error         string `json:"error"`
	}{
		Path:          r.Path,
		Reason:        reason,
		Compatibility: r.Compatibility(),
		Error:         r.Err.Error(),
	})
}

// Outcome is the result of a resolution.
type Outcome struct {
	Needed string
	// Image is nil if the library wasn't found.
	Image *elfx.Image
	Path  string
	Via   Source
	// RPathDepth is the depth of the image whose RPATH located the
	// library. It is only meaningful when Via is RPath.
	RPathDepth int
	Search     Search
	Rejected   []Rejection
}

// Found reports whether an image was located.
func (o Outcome) Found() bool {
	return o.Image != nil
}

// Resolver locates needed libraries. It holds no state between calls and can
// be used concurrently.
type Resolver struct {
	// Variables are used for the substitutions in the RPATH and RUNPATH of
	// the candidates.
	Variables elfx.Variables
	Logger    log15.Logger
	// Open parses the candidates. It is elfx.Open if nil.
	Open func(path string, opts elfx.Options) (*elfx.Image, error)
}

// New returns a resolver using the given substitution values.
func New(vars elfx.Variables, logger log15.Logger) *Resolver {
	if logger == nil {
		logger = log15.New()
		logger.SetHandler(log15.DiscardHandler())
	}
	return &Resolver{
		Variables: vars,
		Logger:    logger,
	}
}

// Resolve returns the file the dynamic linker would load for the needed
// entry of parent, and how it was found.
//
// A needed entry containing a slash is a path, relative to the directory of
// the parent, and no search is done. Otherwise the directories are searched
// in order: the RPATH stack from the parent outward (unless the parent has a
// RUNPATH), LD_LIBRARY_PATH, the RUNPATH of the parent, then the configured
// and default directories (unless the parent has the NODEFLIB flag). The first
// file that parses with the word width and machine of the parent wins.
func (r *Resolver) Resolve(needed string, parent *elfx.Image, ctx Context) Outcome {
	o := Outcome{
		Needed: needed,
	}

	logger := r.Logger.New("needed", needed, "parent", parent.Path)

	if strings.Contains(needed, "/") {
		path := needed
		if !filepath.IsAbs(path) {
			path = filepath.Join(parent.Origin(), path)
		}
		o.Search.Direct = path
		if r.try(&o, logger, parent, path) {
			o.Via = Direct
		}
		return o
	}

	if parent.HasRunPath {
		o.Search.RPathSkipped = true
	} else {
		for i := len(ctx.RPathStack) - 1; i >= 0; i-- {
			entry := ctx.RPathStack[i]
			o.Search.RPath = append(o.Search.RPath, entry)
			if r.search(&o, logger, parent, entry.Dirs) {
				o.Via = RPath
				o.RPathDepth = entry.Depth
				return o
			}
		}
	}

	o.Search.LDLibraryPath = ctx.LDLibraryPath
	if r.search(&o, logger, parent, ctx.LDLibraryPath) {
		o.Via = LDLibraryPath
		return o
	}

	o.Search.RunPath = parent.RunPath
	o.Search.HasRunPath = parent.HasRunPath
	if r.search(&o, logger, parent, parent.RunPath) {
		o.Via = RunPath
		return o
	}

	if parent.NoDefaultLib {
		o.Search.DefaultSkipped = true
		return o
	}

	o.Search.LDSoConf = ctx.ConfiguredPaths
	if r.search(&o, logger, parent, ctx.ConfiguredPaths) {
		o.Via = LDSoConf
		return o
	}

	o.Search.Default = ctx.DefaultPaths
	if r.search(&o, logger, parent, ctx.DefaultPaths) {
		o.Via = Default
		return o
	}

	logger.Debug("library not found")
	return o
}

// search looks for the needed library in each of the directories.
func (r *Resolver) search(o *Outcome, logger log15.Logger, parent *elfx.Image, dirs []string) bool {
	for _, dir := range dirs {
		if r.try(o, logger, parent, filepath.Join(dir, o.Needed)) {
			return true
		}
	}
	return false
}

// try checks a single candidate, recording it in the outcome if accepted or
// rejected.
func (r *Resolver) try(o *Outcome, logger log15.Logger, parent *elfx.Image, path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	open := r.Open
	if open == nil {
		open = elfx.Open
	}

	img, err := open(path, elfx.Options{
		Class:     parent.Class,
		Machine:   parent.Machine,
		Variables: r.Variables,
	})
	if err != nil {
		logger.Debug("rejecting candidate", "path", path, "err", err)
		o.Rejected = append(o.Rejected, Rejection{Path: path, Err: err})
		return false
	}

	logger.Debug("found library", "path", img.Path)
	o.Image = img
	o.Path = img.Path
	return true
}

// SplitPath splits a list of directories like LD_LIBRARY_PATH. Both colons and
// semicolons are separators, empty entries stand for the current directory,
// and duplicates are dropped.
func SplitPath(raw string) []string {
	if raw == "" {
		return nil
	}

	var dirs []string
	met := make(map[string]bool)
	for _, dir := range strings.Split(strings.ReplaceAll(raw, ";", ":"), ":") {
		if dir == "" {
			dir = "."
		}
		if met[dir] {
			continue
		}
		met[dir] = true
		dirs = append(dirs, dir)
	}
	return dirs
}
