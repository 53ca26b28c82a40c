// Package depgraph discovers the shared libraries a built artifact pulls in
// by reading import tables straight out of the binary.
package depgraph

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
)

var (
	// ErrUnknownFormat is returned for files that are not ELF, PE or Mach-O.
	ErrUnknownFormat = errors.New("unknown binary format")
	// ErrCorruptBinary is returned when a recognised container fails to parse.
	ErrCorruptBinary = errors.New("corrupt binary")
)

// Kind identifies a binary container format.
type Kind int

const (
	KindUnknown Kind = iota
	KindELF
	KindPE
	KindMachO
	KindFat // multi-architecture Mach-O
)

func (k Kind) String() string {
	switch k {
	case KindELF:
		return "elf"
	case KindPE:
		return "pe"
	case KindMachO:
		return "macho"
	case KindFat:
		return "macho-fat"
	default:
		return "unknown"
	}
}

// Binary is an opened container. Exactly one of the format fields is set,
// matching Kind.
type Binary struct {
	Kind  Kind
	elf   *elf.File
	pe    *pe.File
	macho *macho.File
	fat   *macho.FatFile
	file  *os.File
}

var (
	machoMagics = [][]byte{
		{0xfe, 0xed, 0xfa, 0xce}, {0xce, 0xfa, 0xed, 0xfe},
		{0xfe, 0xed, 0xfa, 0xcf}, {0xcf, 0xfa, 0xed, 0xfe},
	}
	fatMagic = []byte{0xca, 0xfe, 0xba, 0xbe}
	elfMagic = []byte(elf.ELFMAG)
)

// Sniff classifies a file by its leading bytes.
func Sniff(header []byte) Kind {
	switch {
	case bytes.HasPrefix(header, elfMagic):
		return KindELF
	case bytes.HasPrefix(header, []byte("MZ")):
		return KindPE
	case bytes.HasPrefix(header, fatMagic):
		return KindFat
	}
	for _, m := range machoMagics {
		if bytes.HasPrefix(header, m) {
			return KindMachO
		}
	}
	return KindUnknown
}

// Open sniffs and parses the binary at p.
func Open(p string) (b *Binary, err error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, p)
	}

	// The debug/* parsers have historically panicked on hostile input.
	defer func() {
		if r := recover(); r != nil {
			f.Close()
			b, err = nil, fmt.Errorf("%w: %s: %v", ErrCorruptBinary, p, r)
		}
	}()

	b = &Binary{Kind: Sniff(header), file: f}
	switch b.Kind {
	case KindELF:
		b.elf, err = elf.NewFile(f)
	case KindPE:
		b.pe, err = pe.NewFile(f)
	case KindMachO:
		b.macho, err = macho.NewFile(f)
	case KindFat:
		b.fat, err = macho.NewFatFile(f)
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, p)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptBinary, p, err)
	}
	return b, nil
}

// Close releases the underlying file.
func (b *Binary) Close() error {
	return b.file.Close()
}

// Imports returns the base names of the shared libraries b references,
// sorted and without duplicates.
func (b *Binary) Imports() (names []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			names, err = nil, fmt.Errorf("%w: %v", ErrCorruptBinary, r)
		}
	}()

	switch b.Kind {
	case KindELF:
		names, err = elfImports(b.elf)
	case KindPE:
		names, err = peImports(b.pe)
	case KindMachO:
		names, err = machoImports(b.macho)
	case KindFat:
		names, err = fatImports(b.fat)
	default:
		return nil, ErrUnknownFormat
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBinary, err)
	}
	return dedupe(names), nil
}

// ReadImports opens p and returns the libraries it references.
func ReadImports(p string) ([]string, error) {
	b, err := Open(p)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return b.Imports()
}

// elfImports reads DT_NEEDED entries from the dynamic section.
func elfImports(f *elf.File) ([]string, error) {
	return f.ImportedLibraries()
}

// peImports derives DLL names from the import directory. debug/pe only
// exposes imports as "symbol:dll" pairs.
func peImports(f *pe.File) ([]string, error) {
	syms, err := f.ImportedSymbols()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range syms {
		if i := strings.LastIndexByte(s, ':'); i >= 0 && i < len(s)-1 {
			out = append(out, s[i+1:])
		}
	}
	return out, nil
}

// machoImports reads LC_LOAD_DYLIB install names, e.g. "@rpath/libfoo.dylib".
func machoImports(f *macho.File) ([]string, error) {
	libs, err := f.ImportedLibraries()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(libs))
	for _, l := range libs {
		out = append(out, path.Base(l))
	}
	return out, nil
}

// fatImports unions the imports of every architecture slice.
func fatImports(f *macho.FatFile) ([]string, error) {
	var out []string
	for _, arch := range f.Arches {
		libs, err := machoImports(arch.File)
		if err != nil {
			return nil, fmt.Errorf("slice %s: %w", arch.Cpu, err)
		}
		out = append(out, libs...)
	}
	return out, nil
}

func dedupe(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	out := names[:1]
	for _, n := range names[1:] {
		if n != out[len(out)-1] {
			out = append(out, n)
		}
	}
	return out
}
