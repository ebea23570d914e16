//go:build !linux || !cgo

package auxv

// Platform reports that the platform string isn't available, as it can't be
// dereferenced without cgo.
func Platform() (string, bool) {
	return "", false
}
