package walk

import (
	"debug/elf"
	"sync"

	"github.com/elwinar/libtree/pkg/elfx"
)

// images memoizes the parsing of the files met during a walk. It is safe for
// concurrent use, so the walkers warming it up in parallel share it with the
// walk that builds the forest.
type images struct {
	mu      sync.Mutex
	entries map[imageKey]*image
}

// imageKey identifies a parse: the same file can be opened with different
// requirements by parents of different word widths or machines.
type imageKey struct {
	path    string
	class   elf.Class
	machine elf.Machine
}

type image struct {
	once sync.Once
	img  *elfx.Image
	err  error
}

func newImages() *images {
	return &images{
		entries: make(map[imageKey]*image),
	}
}

// open parses the file once per set of requirements, and returns the same
// image or error afterward.
func (c *images) open(path string, opts elfx.Options) (*elfx.Image, error) {
	key := imageKey{
		path:    path,
		class:   opts.Class,
		machine: opts.Machine,
	}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &image{}
		c.entries[key] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.img, entry.err = elfx.Open(path, opts)
	})
	return entry.img, entry.err
}
