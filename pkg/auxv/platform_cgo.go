//go:build linux && cgo

package auxv

import (
	"C"
	"unsafe"
)

// ReadString is a simple wrapper around C.GoString to make it easier to
// translate from an auxilliary vector's pointer word to a Go string. The word
// must point into the memory of the running process.
func (w Word) ReadString() string {
	return C.GoString((*C.char)(unsafe.Pointer(uintptr(w))))
}

// Platform returns the AT_PLATFORM string of the running process, which is
// what the dynamic linker substitutes for $PLATFORM.
func Platform() (string, bool) {
	v, err := Self()
	if err != nil {
		return "", false
	}

	w, ok := v[TypePlatform]
	if !ok || w == 0 {
		return "", false
	}

	return w.ReadString(), true
}
