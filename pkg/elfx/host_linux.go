package elfx

import (
	"github.com/elwinar/libtree/pkg/auxv"
	"golang.org/x/sys/unix"
)

// HostVariables returns the substitution values describing the running
// machine. Origin and Lib depend on the image and are left empty.
//
// PLATFORM is read from the auxiliary vector when possible, as the dynamic
// linker does, and falls back to the machine name reported by uname.
func HostVariables() (Variables, error) {
	var uts unix.Utsname
	err := unix.Uname(&uts)
	if err != nil {
		return Variables{}, err
	}

	vars := Variables{
		Platform:  unix.ByteSliceToString(uts.Machine[:]),
		OSName:    unix.ByteSliceToString(uts.Sysname[:]),
		OSRelease: unix.ByteSliceToString(uts.Release[:]),
	}

	if p, ok := auxv.Platform(); ok {
		vars.Platform = p
	}

	return vars, nil
}
