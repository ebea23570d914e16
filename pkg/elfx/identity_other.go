//go:build !unix

package elfx

import (
	"hash/fnv"
	"os"
)

// identify falls back to the path of the file where there is no inode to
// speak of. Links to the same file aren't recognized.
func identify(f *os.File) (Identity, error) {
	h := fnv.New64a()
	h.Write([]byte(f.Name()))
	return Identity{Ino: h.Sum64()}, nil
}
