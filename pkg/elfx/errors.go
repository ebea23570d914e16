package elfx

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind enumerates the reasons a file can be rejected by the parser. The
// kinds are usable as targets for errors.Is on any error returned by Open.
type ErrorKind uint8

const (
	_ ErrorKind = iota
	// Unreadable means the file couldn't be opened or stat'ed.
	Unreadable
	InvalidMagic
	InvalidClass
	InvalidData
	BitWidthMismatch
	EndiannessMismatch
	InvalidHeader
	NotLoadable
	IncompatibleISA
	Truncated
	SeekFailed
	UnorderedLoadSegments
	NoStringTable
	// UnmappedAddress means the string table address isn't covered by any
	// PT_LOAD segment, so no string can be located.
	UnmappedAddress
)

var kindNames = map[ErrorKind]string{
	Unreadable:            "unreadable file",
	InvalidMagic:          "invalid magic",
	InvalidClass:          "invalid class",
	InvalidData:           "invalid data encoding",
	BitWidthMismatch:      "word width mismatch",
	EndiannessMismatch:    "endianness mismatch",
	InvalidHeader:         "invalid header",
	NotLoadable:           "not an executable or shared object",
	IncompatibleISA:       "incompatible machine",
	Truncated:             "truncated",
	SeekFailed:            "offset out of range",
	UnorderedLoadSegments: "load segments out of order",
	NoStringTable:         "no string table",
	UnmappedAddress:       "string table not mapped by any load segment",
}

func (k ErrorKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error makes the kind usable as a sentinel error.
func (k ErrorKind) Error() string {
	return k.String()
}

// Compatibility reports whether the kind denotes a well-formed file that
// simply can't be loaded alongside the requester, as opposed to malformed
// input.
func (k ErrorKind) Compatibility() bool {
	switch k {
	case BitWidthMismatch, EndiannessMismatch, IncompatibleISA:
		return true
	}
	return false
}

// Error is the error type returned by Open. It carries the kind of failure
// and whatever context was available when it happened.
type Error struct {
	Kind   ErrorKind
	Path   string
	Offset uint64
	// Tag is the dynamic tag whose value was being processed, if any.
	Tag elf.DynTag
	// Detail is a free-form precision, like the expected and actual values
	// of a mismatch.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var buf strings.Builder
	if e.Path != "" {
		buf.WriteString(e.Path)
		buf.WriteString(": ")
	}
	buf.WriteString(e.Kind.String())
	if e.Tag != 0 {
		fmt.Fprintf(&buf, " (reading %s)", e.Tag)
	}
	if e.Detail != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Detail)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error against an ErrorKind.
func (e *Error) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// KindOf returns the kind of a parse error, or zero if err isn't one.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
