// Package auxv reads the auxiliary vector of the running process, i.e the
// list of key-value pairs provided by the kernel about the environment in
// which a program is operating.
// See https://www.gnu.org/software/libc/manual/html_node/Auxiliary-Vector.html.
package auxv

import (
	"fmt"
	"io"
	"os"
)

// Type is the key of the auxilliary vector entries. See
// https://github.com/torvalds/linux/blob/master/include/uapi/linux/auxvec.h
// for the complete list of accepted values.
type Type Word

// ReadFrom reads an auxilliary vector key from r.
func (t *Type) ReadFrom(r io.Reader) error {
	var w Word
	err := w.ReadFrom(r)
	if err != nil {
		return err
	}
	*t = Type(w)
	return nil
}

const (
	TypeNull     Type = 0
	TypePageSize Type = 6
	TypePlatform Type = 15
	TypeHWCap    Type = 16
	TypeHWCap2   Type = 26
)

// Vector is an auxilliary vector.
type Vector map[Type]Word

// New initialize a new empty Vector.
func New() Vector {
	return Vector{}
}

// ReadFrom takes an io.Reader and parse the auxilliary vector within it. The
// parsing stops at the first null entry or at the end of the reader.
func (v Vector) ReadFrom(r io.Reader) (err error) {
	for {
		var t Type
		err = t.ReadFrom(r)
		if err != nil {
			break
		}

		var val Word
		err = val.ReadFrom(r)
		if err != nil {
			return fmt.Errorf(`reading value: %w`, err)
		}

		if t == TypeNull {
			return nil
		}

		v[t] = val
	}

	if err == io.EOF {
		return nil
	}

	return err
}

// Self returns the auxiliary vector of the running process.
func Self() (Vector, error) {
	f, err := os.Open("/proc/self/auxv")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	v := New()
	err = v.ReadFrom(f)
	if err != nil {
		return nil, err
	}
	return v, nil
}
