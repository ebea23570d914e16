// Package elfx parses just enough of ELF files to know how the dynamic linker
// would load them: word width, machine, SONAME, RPATH, RUNPATH, the NEEDED
// entries and the NODEFLIB flag.
package elfx

import (
	"debug/elf"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Tags and flags not (or not always) exported by debug/elf.
const (
	dtFlags1     elf.DynTag = 0x6ffffffb
	df1NoDefLib  uint64     = 0x800
	noDynamicOff uint64     = ^uint64(0)
)

// Kind is the type of an image as far as the dynamic linker is concerned.
type Kind uint8

const (
	_ Kind = iota
	Executable
	SharedObject
)

func (k Kind) String() string {
	switch k {
	case Executable:
		return "executable"
	case SharedObject:
		return "shared object"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Identity is the filesystem identity of a file. Two paths with the same
// identity name the same file, through hardlinks or symlinks.
type Identity struct {
	Dev uint64 `json:"dev"`
	Ino uint64 `json:"ino"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%d:%d", i.Dev, i.Ino)
}

// Image is an immutable snapshot of the dynamic linking information of one
// ELF file.
type Image struct {
	// Path is the absolute path the file was opened with. It isn't
	// canonicalized: symlinks are preserved.
	Path    string
	Class   elf.Class
	Kind    Kind
	Machine elf.Machine

	SOName string
	// RPath and RunPath are the search directories after variable
	// substitution.
	RPath   []string
	RunPath []string
	// HasRunPath is set when a DT_RUNPATH entry exists, even an empty one.
	// Its presence alone disables the RPATH search.
	HasRunPath bool
	Needed     []string
	// NoDefaultLib is set by DF_1_NODEFLIB.
	NoDefaultLib bool
	// Static is set when the file has no dynamic segment.
	Static bool

	Identity Identity
	Size     int64
}

// Name returns the SONAME of the image, or the base name of its path.
func (i *Image) Name() string {
	if i.SOName != "" {
		return i.SOName
	}
	return filepath.Base(i.Path)
}

// Origin returns the directory of the image, which is what $ORIGIN expands
// to.
func (i *Image) Origin() string {
	return filepath.Dir(i.Path)
}

// WordWidth returns 32 or 64.
func (i *Image) WordWidth() int {
	if i.Class == elf.ELFCLASS32 {
		return 32
	}
	return 64
}

// MarshalJSON renders the enumerations as their names rather than their
// numeric values.
func (i *Image) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Path         string   `json:"path"`
		Name         string   `json:"name"`
		Kind         Kind     `json:"kind"`
		WordWidth    int      `json:"word_width"`
		Machine      string   `json:"machine"`
		SOName       string   `json:"soname,omitempty"`
		RPath        []string `json:"rpath,omitempty"`
		RunPath      []string `json:"runpath,omitempty"`
		HasRunPath   bool     `json:"has_runpath,omitempty"`
		Needed       []string `json:"needed"`
		NoDefaultLib bool     `json:"nodeflib,omitempty"`
		Static       bool     `json:"static,omitempty"`
		Identity     Identity `json:"identity"`
		Size         int64    `json:"size"`
	}{
		Path:         i.Path,
		Name:         i.Name(),
		Kind:         i.Kind,
		WordWidth:    i.WordWidth(),
		Machine:      i.Machine.String(),
		SOName:       i.SOName,
		RPath:        i.RPath,
		RunPath:      i.RunPath,
		HasRunPath:   i.HasRunPath,
		Needed:       nonNil(i.Needed),
		NoDefaultLib: i.NoDefaultLib,
		Static:       i.Static,
		Identity:     i.Identity,
		Size:         i.Size,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Options are the requirements and context for parsing a file.
type Options struct {
	// Class is the required word width. ELFCLASSNONE accepts both.
	Class elf.Class
	// Machine is the required instruction set. EM_NONE accepts any.
	Machine elf.Machine
	// Variables are used to expand the RPATH and RUNPATH entries. Origin is
	// always overwritten with the directory of the file, and Lib is derived
	// from the word width of the file when empty.
	Variables Variables
}

// Open parses the ELF file at path. Any error is an *Error.
func Open(path string, opts Options) (*Image, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &Error{Kind: Unreadable, Path: path, Err: err}
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, &Error{Kind: Unreadable, Path: abs, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &Error{Kind: Unreadable, Path: abs, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &Error{Kind: Unreadable, Path: abs, Detail: "not a regular file"}
	}

	img, err := parse(f, info.Size(), opts)
	if err != nil {
		if e, ok := err.(*Error); ok {
			e.Path = abs
		}
		return nil, err
	}

	img.Identity, err = identify(f)
	if err != nil {
		return nil, &Error{Kind: Unreadable, Path: abs, Err: err}
	}
	img.Path = abs
	img.Size = info.Size()

	vars := opts.Variables
	vars.Origin = img.Origin()
	if vars.Lib == "" {
		vars.Lib = LibFor(img.Class)
	}
	for n := range img.RPath {
		img.RPath[n] = Expand(img.RPath[n], vars)
	}
	for n := range img.RunPath {
		img.RunPath[n] = Expand(img.RunPath[n], vars)
	}

	return img, nil
}

// parse extracts the dynamic linking information from the content of an ELF
// file. Strings are returned as found in the file, without substitution.
func parse(ra io.ReaderAt, size int64, opts Options) (*Image, error) {
	ident, n, err := readIdent(ra)
	if err != nil {
		return nil, &Error{Kind: Unreadable, Err: err}
	}

	if n < 4 || string(ident[:4]) != elf.ELFMAG {
		return nil, &Error{Kind: InvalidMagic}
	}
	if n < elf.EI_NIDENT {
		return nil, &Error{Kind: InvalidHeader, Detail: "truncated identification block"}
	}

	class := elf.Class(ident[elf.EI_CLASS])
	if class != elf.ELFCLASS32 && class != elf.ELFCLASS64 {
		return nil, &Error{Kind: InvalidClass, Detail: class.String()}
	}

	data := elf.Data(ident[elf.EI_DATA])
	if data != elf.ELFDATA2LSB && data != elf.ELFDATA2MSB {
		return nil, &Error{Kind: InvalidData, Detail: data.String()}
	}

	if opts.Class != elf.ELFCLASSNONE && opts.Class != class {
		return nil, &Error{Kind: BitWidthMismatch, Detail: fmt.Sprintf("wanted %s, got %s", opts.Class, class)}
	}

	if data != hostData() {
		return nil, &Error{Kind: EndiannessMismatch, Detail: fmt.Sprintf("host is %s, file is %s", hostData(), data)}
	}

	r := &reader{r: ra, size: size, order: byteOrder(data), class: class}

	hdr, err := r.header()
	if err != nil {
		return nil, &Error{Kind: InvalidHeader, Err: err}
	}

	var kind Kind
	switch hdr.Type {
	case elf.ET_EXEC:
		kind = Executable
	case elf.ET_DYN:
		kind = SharedObject
	default:
		return nil, &Error{Kind: NotLoadable, Detail: hdr.Type.String()}
	}

	if opts.Machine != elf.EM_NONE && opts.Machine != hdr.Machine {
		return nil, &Error{Kind: IncompatibleISA, Detail: fmt.Sprintf("wanted %s, got %s", opts.Machine, hdr.Machine)}
	}

	img := &Image{
		Class:   class,
		Kind:    kind,
		Machine: hdr.Machine,
	}

	loads, dynOff, dynSize, err := r.segments(hdr)
	if err != nil {
		return nil, err
	}

	if dynOff == noDynamicOff {
		img.Static = true
		return img, nil
	}

	err = r.dynamic(img, loads, dynOff, dynSize)
	if err != nil {
		return nil, err
	}

	return img, nil
}

// segments walks the program headers, collecting the PT_LOAD mappings and the
// location of the PT_DYNAMIC segment.
func (r *reader) segments(hdr header) (loads []prog, dynOff, dynSize uint64, err error) {
	dynOff = noDynamicOff

	stride := r.progSize()
	if hdr.Phnum != 0 && hdr.Phentsize != 0 {
		if uint64(hdr.Phentsize) < stride {
			return nil, 0, 0, &Error{Kind: InvalidHeader, Detail: fmt.Sprintf("program header entries of %d bytes", hdr.Phentsize)}
		}
		stride = uint64(hdr.Phentsize)
	}

	for i := uint64(0); i < uint64(hdr.Phnum); i++ {
		p, err := r.prog(hdr.Phoff + i*stride)
		if err != nil {
			return nil, 0, 0, err
		}

		switch p.Type {
		case elf.PT_LOAD:
			if len(loads) > 0 && p.Vaddr <= loads[len(loads)-1].Vaddr {
				return nil, 0, 0, &Error{
					Kind:   UnorderedLoadSegments,
					Offset: hdr.Phoff + i*stride,
					Detail: fmt.Sprintf("%#x after %#x", p.Vaddr, loads[len(loads)-1].Vaddr),
				}
			}
			loads = append(loads, p)
		case elf.PT_DYNAMIC:
			if dynOff == noDynamicOff {
				dynOff, dynSize = p.Off, p.Filesz
			}
		}
	}

	return loads, dynOff, dynSize, nil
}

// dynamic reads the dynamic segment and the strings it references into img.
func (r *reader) dynamic(img *Image, loads []prog, off, size uint64) error {
	var (
		strtab, soname, rpath, runpath             uint64
		hasStrtab, hasSoname, hasRPath, hasRunPath bool
		needed                                     []uint64
	)

	// Entries past the end of the file are reported as truncated when the
	// segment claims to hold them.
	end := uint64(r.size)
	if size != 0 {
		end = off + size
	}

	step := r.dynSize()
	for ; off+step <= end; off += step {
		d, err := r.dyn(off)
		if err != nil {
			return err
		}

		if d.Tag == elf.DT_NULL {
			break
		}

		switch d.Tag {
		case elf.DT_STRTAB:
			strtab, hasStrtab = d.Val, true
		case elf.DT_SONAME:
			soname, hasSoname = d.Val, true
		case elf.DT_RPATH:
			rpath, hasRPath = d.Val, true
		case elf.DT_RUNPATH:
			runpath, hasRunPath = d.Val, true
		case elf.DT_NEEDED:
			needed = append(needed, d.Val)
		case dtFlags1:
			img.NoDefaultLib = d.Val&df1NoDefLib != 0
		}
	}

	if !hasStrtab {
		return &Error{Kind: NoStringTable}
	}

	base, err := translate(loads, strtab)
	if err != nil {
		return err
	}

	str := func(tag elf.DynTag, val uint64) (string, error) {
		s, err := r.cstring(base + val)
		if err != nil {
			if e, ok := err.(*Error); ok {
				e.Tag = tag
			}
			return "", err
		}
		return s, nil
	}

	if hasSoname {
		img.SOName, err = str(elf.DT_SONAME, soname)
		if err != nil {
			return err
		}
	}

	if hasRPath {
		raw, err := str(elf.DT_RPATH, rpath)
		if err != nil {
			return err
		}
		img.RPath = splitList(raw)
	}

	if hasRunPath {
		raw, err := str(elf.DT_RUNPATH, runpath)
		if err != nil {
			return err
		}
		img.RunPath = splitList(raw)
		img.HasRunPath = true
	}

	img.Needed = make([]string, 0, len(needed))
	for _, val := range needed {
		name, err := str(elf.DT_NEEDED, val)
		if err != nil {
			return err
		}
		img.Needed = append(img.Needed, name)
	}

	return nil
}

// translate converts a virtual address to a file offset using the PT_LOAD
// segments, which must be sorted by virtual address.
func translate(loads []prog, addr uint64) (uint64, error) {
	i := sort.Search(len(loads), func(i int) bool {
		return loads[i].Vaddr > addr
	}) - 1

	if i < 0 {
		return 0, &Error{Kind: UnmappedAddress, Tag: elf.DT_STRTAB, Detail: fmt.Sprintf("%#x", addr)}
	}

	seg := loads[i]
	if seg.Memsz != 0 && addr-seg.Vaddr >= seg.Memsz {
		return 0, &Error{Kind: UnmappedAddress, Tag: elf.DT_STRTAB, Detail: fmt.Sprintf("%#x", addr)}
	}

	return seg.Off + (addr - seg.Vaddr), nil
}

// splitList splits a colon-separated list of directories, dropping the empty
// entries.
func splitList(raw string) []string {
	var dirs []string
	for _, d := range strings.Split(raw, ":") {
		if d == "" {
			continue
		}
		dirs = append(dirs, d)
	}
	return dirs
}
