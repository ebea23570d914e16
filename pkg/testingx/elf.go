package testingx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/cpu"
)

// ELF describes a minimal ELF file with a dynamic segment. The zero value is a
// 64-bit shared object for x86-64 in the byte order of the host, needing
// nothing.
type ELF struct {
	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
	Type    elf.Type

	SOName  string
	RPath   string
	RunPath string
	// EmptyRunPath emits a DT_RUNPATH entry even if RunPath is empty.
	EmptyRunPath bool
	Needed       []string
	NoDefaultLib bool

	// Static omits the dynamic segment altogether.
	Static bool
	// NoStringTable omits the DT_STRTAB entry.
	NoStringTable bool
	// UnorderedLoads adds a load segment with a higher address before the
	// main one.
	UnorderedLoads bool
}

func (e ELF) defaults() ELF {
	if e.Class == elf.ELFCLASSNONE {
		e.Class = elf.ELFCLASS64
	}
	if e.Data == elf.ELFDATANONE {
		e.Data = elf.ELFDATA2LSB
		if cpu.IsBigEndian {
			e.Data = elf.ELFDATA2MSB
		}
	}
	if e.Machine == elf.EM_NONE {
		e.Machine = elf.EM_X86_64
	}
	if e.Type == elf.ET_NONE {
		e.Type = elf.ET_DYN
	}
	return e
}

// Bytes returns the content of the file. The only load segment maps the whole
// file at address 0, so addresses and offsets are the same.
func (e ELF) Bytes() []byte {
	e = e.defaults()

	var order binary.ByteOrder = binary.LittleEndian
	if e.Data == elf.ELFDATA2MSB {
		order = binary.BigEndian
	}

	is32 := e.Class == elf.ELFCLASS32
	ehsize, phentsize, dynsize := 64, 56, 16
	if is32 {
		ehsize, phentsize, dynsize = 52, 32, 8
	}

	// String table.
	strtab := []byte{0}
	str := func(s string) uint64 {
		off := uint64(len(strtab))
		strtab = append(append(strtab, s...), 0)
		return off
	}

	type entry struct {
		tag elf.DynTag
		val uint64
	}
	var dyns []entry
	if e.SOName != "" {
		dyns = append(dyns, entry{elf.DT_SONAME, str(e.SOName)})
	}
	if e.RPath != "" {
		dyns = append(dyns, entry{elf.DT_RPATH, str(e.RPath)})
	}
	if e.RunPath != "" || e.EmptyRunPath {
		dyns = append(dyns, entry{elf.DT_RUNPATH, str(e.RunPath)})
	}
	for _, n := range e.Needed {
		dyns = append(dyns, entry{elf.DT_NEEDED, str(n)})
	}
	if e.NoDefaultLib {
		dyns = append(dyns, entry{elf.DynTag(0x6ffffffb), 0x800})
	}

	phnum := 1
	if !e.Static {
		phnum++
	}
	if e.UnorderedLoads {
		phnum++
	}

	strOff := ehsize + phnum*phentsize
	dynOff := strOff + len(strtab)
	if r := dynOff % 8; r != 0 {
		dynOff += 8 - r
	}
	if !e.NoStringTable {
		dyns = append(dyns, entry{elf.DT_STRTAB, uint64(strOff)})
	}
	dyns = append(dyns, entry{elf.DT_NULL, 0})

	size := dynOff
	if !e.Static {
		size += len(dyns) * dynsize
	}

	var buf bytes.Buffer
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(e.Class)
	ident[elf.EI_DATA] = byte(e.Data)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	write := func(v interface{}) {
		_ = binary.Write(&buf, order, v)
	}
	prog := func(typ elf.ProgType, off, vaddr, filesz uint64) {
		if is32 {
			write(elf.Prog32{Type: uint32(typ), Off: uint32(off), Vaddr: uint32(vaddr), Paddr: uint32(vaddr), Filesz: uint32(filesz), Memsz: uint32(filesz), Align: 8})
			return
		}
		write(elf.Prog64{Type: uint32(typ), Off: off, Vaddr: vaddr, Paddr: vaddr, Filesz: filesz, Memsz: filesz, Align: 8})
	}

	if is32 {
		write(elf.Header32{Ident: ident, Type: uint16(e.Type), Machine: uint16(e.Machine), Version: uint32(elf.EV_CURRENT), Phoff: uint32(ehsize), Ehsize: uint16(ehsize), Phentsize: uint16(phentsize), Phnum: uint16(phnum)})
	} else {
		write(elf.Header64{Ident: ident, Type: uint16(e.Type), Machine: uint16(e.Machine), Version: uint32(elf.EV_CURRENT), Phoff: uint64(ehsize), Ehsize: uint16(ehsize), Phentsize: uint16(phentsize), Phnum: uint16(phnum)})
	}

	if e.UnorderedLoads {
		prog(elf.PT_LOAD, 0, 0x10000, uint64(size))
	}
	prog(elf.PT_LOAD, 0, 0, uint64(size))
	if !e.Static {
		prog(elf.PT_DYNAMIC, uint64(dynOff), uint64(dynOff), uint64(len(dyns)*dynsize))
	}

	buf.Write(strtab)
	buf.Write(make([]byte, dynOff-buf.Len()))

	if !e.Static {
		for _, d := range dyns {
			if is32 {
				write(elf.Dyn32{Tag: int32(d.tag), Val: uint32(d.val)})
			} else {
				write(elf.Dyn64{Tag: int64(d.tag), Val: d.val})
			}
		}
	}

	return buf.Bytes()
}

// WriteELF writes the described ELF file at path, creating the parent
// directories as needed, and returns the path.
func WriteELF(t *testing.T, path string, e ELF) string {
	t.Helper()
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		t.Fatalf(`creating directory for %q: %s`, path, err)
	}
	err = os.WriteFile(path, e.Bytes(), 0755)
	if err != nil {
		t.Fatalf(`writing ELF file %q: %s`, path, err)
	}
	return path
}

// Symlink creates newname as a symbolic link to oldname, creating the parent
// directories as needed.
func Symlink(t *testing.T, oldname, newname string) {
	t.Helper()
	err := os.MkdirAll(filepath.Dir(newname), 0755)
	if err != nil {
		t.Fatalf(`creating directory for %q: %s`, newname, err)
	}
	err = os.Symlink(oldname, newname)
	if err != nil {
		t.Fatalf(`linking %q to %q: %s`, newname, oldname, err)
	}
}
