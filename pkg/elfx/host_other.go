//go:build !linux

package elfx

import (
	"runtime"
)

// HostVariables returns the substitution values describing the running
// machine. Outside of linux there is no dynamic linker to mimic, so the values
// come from the Go runtime.
func HostVariables() (Variables, error) {
	return Variables{
		Platform: runtime.GOARCH,
		OSName:   runtime.GOOS,
	}, nil
}
