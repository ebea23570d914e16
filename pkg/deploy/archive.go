package deploy

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/cavaliercoder/go-cpio"
	"github.com/google/renameio"
	"github.com/klauspost/pgzip"

	"github.com/elwinar/libtree/pkg/walk"
)

// Archive writes the items as a gzip-compressed cpio archive using the same
// layout as a deployment, with usr/bin and usr/lib directories.
func Archive(w io.Writer, items []walk.Item) error {
	zw := pgzip.NewWriter(w)
	wr := cpio.NewWriter(zw)

	for _, dir := range []string{"usr", "usr/bin", "usr/lib"} {
		err := wr.WriteHeader(&cpio.Header{
			Name: dir,
			Mode: cpio.ModeDir | 0755,
		})
		if err != nil {
			return err
		}
	}

	written := make(map[string]bool)
	for _, item := range items {
		dir := "usr/lib"
		if item.Role == walk.Executable {
			dir = "usr/bin"
		}

		chain, err := links(item.Path)
		if err != nil {
			return err
		}

		canonical := chain[len(chain)-1]
		name := path.Join(dir, filepath.Base(canonical))
		if !written[name] {
			err := archiveFile(wr, name, canonical)
			if err != nil {
				return fmt.Errorf("archiving %s: %w", canonical, err)
			}
			written[name] = true
		}

		for i := 0; i < len(chain)-1; i++ {
			name := path.Join(dir, filepath.Base(chain[i]))
			target := filepath.Base(chain[i+1])
			if written[name] || name == path.Join(dir, target) {
				continue
			}
			err := wr.WriteHeader(&cpio.Header{
				Name: name,
				Mode: cpio.ModeSymlink | 0777,
				Size: int64(len(target)),
			})
			if err != nil {
				return err
			}
			_, err = wr.Write([]byte(target))
			if err != nil {
				return err
			}
			written[name] = true
		}
	}

	err := wr.Close()
	if err != nil {
		return err
	}
	return zw.Close()
}

// WriteArchive atomically replaces the file at dest with the archive of the
// items.
func WriteArchive(dest string, items []walk.Item) error {
	out, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	err = Archive(out, items)
	if err != nil {
		return err
	}

	err = out.Chmod(0644)
	if err != nil {
		return err
	}

	return out.CloseAtomicallyReplace()
}

func archiveFile(wr *cpio.Writer, name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	err = wr.WriteHeader(&cpio.Header{
		Name: name,
		Mode: cpio.FileMode(fi.Mode().Perm()),
		Size: fi.Size(),
	})
	if err != nil {
		return err
	}

	_, err = io.Copy(wr, f)
	return err
}
