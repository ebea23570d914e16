// Package deploy copies a resolved set of images into a self-contained bundle.
package deploy

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/alessio/shellescape"
	"github.com/alexflint/go-filemutex"
	"github.com/c2h5oh/datasize"
	"github.com/google/renameio"
	"github.com/inconshreveable/log15"

	"github.com/elwinar/libtree/pkg/walk"
)

// maxLinks bounds the length of the symlink chains followed.
const maxLinks = 40

// Deployer copies images into a bin and a lib directory.
type Deployer struct {
	BinDir string
	LibDir string
	// LockPath is a file locked for the duration of a deployment, if set.
	LockPath string
	// Chrpath rewrites the run path of the copies so they find their
	// dependencies in LibDir.
	Chrpath     bool
	ChrpathPath string
	Strip       bool
	StripPath   string
	Logger      log15.Logger
}

// New returns a Deployer using the usr/bin and usr/lib layout under dest.
func New(dest string, logger log15.Logger) Deployer {
	return Deployer{
		BinDir:      filepath.Join(dest, "usr", "bin"),
		LibDir:      filepath.Join(dest, "usr", "lib"),
		LockPath:    filepath.Join(dest, ".libtree.lock"),
		ChrpathPath: "chrpath",
		StripPath:   "strip",
		Logger:      logger,
	}
}

// Summary describes what a deployment wrote.
type Summary struct {
	Files int               `json:"files"`
	Links int               `json:"links"`
	Bytes datasize.ByteSize `json:"bytes"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d files, %d links, %s", s.Files, s.Links, s.Bytes.HR())
}

// Deploy copies every item into the bundle. The file is copied under its
// canonical name, and the symlinks leading to it from the item path are
// recreated next to it.
func (d Deployer) Deploy(items []walk.Item) (Summary, error) {
	logger := d.Logger
	if logger == nil {
		logger = log15.New()
		logger.SetHandler(log15.DiscardHandler())
	}

	var sum Summary

	for _, dir := range []string{d.BinDir, d.LibDir} {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return sum, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if d.LockPath != "" {
		mu, err := filemutex.New(d.LockPath)
		if err != nil {
			return sum, fmt.Errorf("creating lock %s: %w", d.LockPath, err)
		}
		defer mu.Close()

		err = mu.Lock()
		if err != nil {
			return sum, fmt.Errorf("locking %s: %w", d.LockPath, err)
		}
		defer mu.Unlock()
	}

	for _, item := range items {
		dir := d.LibDir
		if item.Role == walk.Executable {
			dir = d.BinDir
		}
		logger := logger.New("path", item.Path, "dir", dir)

		chain, err := links(item.Path)
		if err != nil {
			return sum, err
		}
		canonical := chain[len(chain)-1]

		dest := filepath.Join(dir, filepath.Base(canonical))
		n, err := copyFile(dest, canonical)
		if err != nil {
			return sum, fmt.Errorf("copying %s: %w", canonical, err)
		}
		sum.Files++
		sum.Bytes += datasize.ByteSize(n)
		logger.Debug("copied file", "dest", dest, "size", datasize.ByteSize(n).HR())

		for i := 0; i < len(chain)-1; i++ {
			link := filepath.Join(dir, filepath.Base(chain[i]))
			target := filepath.Base(chain[i+1])
			if link == filepath.Join(dir, target) {
				continue
			}
			err := renameio.Symlink(target, link)
			if err != nil {
				return sum, fmt.Errorf("linking %s: %w", link, err)
			}
			sum.Links++
			logger.Debug("created link", "link", link, "target", target)
		}

		if d.Chrpath {
			rpath := "$ORIGIN"
			if item.Role == walk.Executable {
				rpath = "$ORIGIN/../lib"
			}
			err := d.run(logger, d.ChrpathPath, "-c", "-r", rpath, dest)
			if err != nil {
				return sum, err
			}
		}

		if d.Strip {
			err := d.run(logger, d.StripPath, dest)
			if err != nil {
				return sum, err
			}
		}
	}

	return sum, nil
}

func (d Deployer) run(logger log15.Logger, args ...string) error {
	logger.Debug("running command", "cmd", shellescape.QuoteCommand(args))
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("running %s: %w: %s", shellescape.QuoteCommand(args), err, out)
	}
	return nil
}

// links returns the chain of paths from path to the regular file it
// eventually points to, both included.
func links(path string) ([]string, error) {
	chain := []string{path}
	for i := 0; i < maxLinks; i++ {
		fi, err := os.Lstat(path)
		if err != nil {
			return nil, err
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return chain, nil
		}

		target, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		path = target
		chain = append(chain, path)
	}
	return nil, fmt.Errorf("%s: too many levels of symbolic links", chain[0])
}

// copyFile atomically replaces dest with a copy of src, keeping its
// permissions.
func copyFile(dest, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return 0, err
	}

	out, err := renameio.TempFile("", dest)
	if err != nil {
		return 0, err
	}
	defer out.Cleanup()

	n, err := io.Copy(out, in)
	if err != nil {
		return 0, err
	}

	err = out.Chmod(fi.Mode().Perm())
	if err != nil {
		return 0, err
	}

	return n, out.CloseAtomicallyReplace()
}
