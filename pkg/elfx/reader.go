package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxStringLen bounds the strings read from the dynamic string table. Paths
// longer than this don't exist in practice, and an unbounded read on a corrupt
// file would happily slurp the whole thing.
const maxStringLen = 64 * 1024

// reader is a typed view over the bytes of an ELF file. It knows nothing
// about the meaning of the fields, only about their layout for a given class
// and byte order.
type reader struct {
	r     io.ReaderAt
	size  int64
	order binary.ByteOrder
	class elf.Class
}

// header is the part of the ELF header we care about, independently of the
// word width.
type header struct {
	Type      elf.Type
	Machine   elf.Machine
	Phoff     uint64
	Phentsize uint16
	Phnum     uint16
}

// prog is a program header entry, independently of the word width.
type prog struct {
	Type   elf.ProgType
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

// dyn is a dynamic entry, independently of the word width.
type dyn struct {
	Tag elf.DynTag
	Val uint64
}

// readIdent reads the identification block at the start of the file. It
// returns the number of bytes actually read, which can be less than
// EI_NIDENT for tiny files.
func readIdent(r io.ReaderAt) (ident [elf.EI_NIDENT]byte, n int, err error) {
	n, err = r.ReadAt(ident[:], 0)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return ident, n, err
}

// read decodes the fixed-size record v at the given offset.
func (r *reader) read(off uint64, v interface{}) error {
	if off > uint64(r.size) {
		return &Error{Kind: SeekFailed, Offset: off, Detail: fmt.Sprintf("file is %d bytes", r.size)}
	}

	n := binary.Size(v)
	buf := make([]byte, n)
	m, err := r.r.ReadAt(buf, int64(off))
	if m < n {
		if err != nil && !errors.Is(err, io.EOF) {
			return &Error{Kind: Unreadable, Offset: off, Err: err}
		}
		return &Error{Kind: Truncated, Offset: off, Detail: fmt.Sprintf("wanted %d bytes, got %d", n, m)}
	}

	return binary.Read(bytes.NewReader(buf), r.order, v)
}

func (r *reader) header() (header, error) {
	if r.class == elf.ELFCLASS32 {
		var h elf.Header32
		if err := r.read(0, &h); err != nil {
			return header{}, err
		}
		return header{
			Type:      elf.Type(h.Type),
			Machine:   elf.Machine(h.Machine),
			Phoff:     uint64(h.Phoff),
			Phentsize: h.Phentsize,
			Phnum:     h.Phnum,
		}, nil
	}

	var h elf.Header64
	if err := r.read(0, &h); err != nil {
		return header{}, err
	}
	return header{
		Type:      elf.Type(h.Type),
		Machine:   elf.Machine(h.Machine),
		Phoff:     h.Phoff,
		Phentsize: h.Phentsize,
		Phnum:     h.Phnum,
	}, nil
}

// progSize is the size of a program header entry for the reader's class.
func (r *reader) progSize() uint64 {
	if r.class == elf.ELFCLASS32 {
		return uint64(binary.Size(elf.Prog32{}))
	}
	return uint64(binary.Size(elf.Prog64{}))
}

func (r *reader) prog(off uint64) (prog, error) {
	if r.class == elf.ELFCLASS32 {
		var p elf.Prog32
		if err := r.read(off, &p); err != nil {
			return prog{}, err
		}
		return prog{
			Type:   elf.ProgType(p.Type),
			Off:    uint64(p.Off),
			Vaddr:  uint64(p.Vaddr),
			Filesz: uint64(p.Filesz),
			Memsz:  uint64(p.Memsz),
		}, nil
	}

	var p elf.Prog64
	if err := r.read(off, &p); err != nil {
		return prog{}, err
	}
	return prog{
		Type:   elf.ProgType(p.Type),
		Off:    p.Off,
		Vaddr:  p.Vaddr,
		Filesz: p.Filesz,
		Memsz:  p.Memsz,
	}, nil
}

// dynSize is the size of a dynamic entry for the reader's class.
func (r *reader) dynSize() uint64 {
	if r.class == elf.ELFCLASS32 {
		return uint64(binary.Size(elf.Dyn32{}))
	}
	return uint64(binary.Size(elf.Dyn64{}))
}

func (r *reader) dyn(off uint64) (dyn, error) {
	if r.class == elf.ELFCLASS32 {
		var d elf.Dyn32
		if err := r.read(off, &d); err != nil {
			return dyn{}, err
		}
		return dyn{Tag: elf.DynTag(d.Tag), Val: uint64(d.Val)}, nil
	}

	var d elf.Dyn64
	if err := r.read(off, &d); err != nil {
		return dyn{}, err
	}
	return dyn{Tag: elf.DynTag(d.Tag), Val: d.Val}, nil
}

// cstring reads a NUL-terminated string starting at off.
func (r *reader) cstring(off uint64) (string, error) {
	if off >= uint64(r.size) {
		return "", &Error{Kind: SeekFailed, Offset: off, Detail: fmt.Sprintf("file is %d bytes", r.size)}
	}

	var buf []byte
	chunk := make([]byte, 256)
	for len(buf) < maxStringLen {
		n, err := r.r.ReadAt(chunk, int64(off)+int64(len(buf)))
		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			return string(append(buf, chunk[:i]...)), nil
		}
		buf = append(buf, chunk[:n]...)

		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return "", &Error{Kind: Truncated, Offset: off, Detail: "unterminated string"}
		}
		if err != nil {
			return "", &Error{Kind: Unreadable, Offset: off, Err: err}
		}
	}

	return "", &Error{Kind: Truncated, Offset: off, Detail: fmt.Sprintf("string longer than %d bytes", maxStringLen)}
}
