// Package ldconf reads the list of directories configured for the dynamic
// linker in ld.so.conf and the files it includes.
package ldconf

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattn/go-zglob"
)

// DefaultPath is the location of the system configuration.
const DefaultPath = "/etc/ld.so.conf"

// Parse returns the directories listed in the configuration file at path, in
// order, with the included files expanded in place. Duplicates are dropped.
//
// The format is one directory per line, with # starting a comment. Lines of
// the form "include <glob>" are replaced by the content of every matching
// file, in lexical order; relative patterns are relative to the directory of
// the including file. An include that matches nothing is ignored, but the top
// level file must exist.
func Parse(path string) ([]string, error) {
	p := &parser{
		seen: make(map[string]bool),
		met:  make(map[string]bool),
	}

	err := p.parse(path)
	if err != nil {
		return nil, err
	}

	return p.dirs, nil
}

type parser struct {
	// seen holds the files being or already parsed, which breaks include
	// loops.
	seen map[string]bool
	met  map[string]bool
	dirs []string
}

func (p *parser) parse(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if p.seen[abs] {
		return nil
	}
	p.seen[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if pattern, ok := directive(line, "include"); ok {
			err := p.include(filepath.Dir(abs), pattern)
			if err != nil {
				return fmt.Errorf("%s:%d: %w", abs, n, err)
			}
			continue
		}

		// Hardware capabilities directories are a thing of the past.
		if _, ok := directive(line, "hwcap"); ok {
			continue
		}

		// Legacy libc5 syntax allowed a library type after the directory.
		if i := strings.IndexByte(line, '='); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		p.add(line)
	}

	return scanner.Err()
}

func (p *parser) include(dir, pattern string) error {
	for _, pattern := range strings.Fields(pattern) {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(dir, pattern)
		}

		matches, err := zglob.Glob(pattern)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("expanding %q: %w", pattern, err)
		}
		sort.Strings(matches)

		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}

			err = p.parse(match)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *parser) add(dir string) {
	dir = filepath.Clean(dir)
	if p.met[dir] {
		return
	}
	p.met[dir] = true
	p.dirs = append(p.dirs, dir)
}

// directive reports whether line is the given keyword followed by blanks,
// and returns what follows.
func directive(line, keyword string) (string, bool) {
	if !strings.HasPrefix(line, keyword) {
		return "", false
	}
	rest := line[len(keyword):]
	if rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
