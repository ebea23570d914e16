//go:build unix

package elfx

import (
	"os"

	"golang.org/x/sys/unix"
)

func identify(f *os.File) (Identity, error) {
	var st unix.Stat_t
	err := unix.Fstat(int(f.Fd()), &st)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}
