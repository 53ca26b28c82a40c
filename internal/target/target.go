// Package target enumerates the platforms artifacts are built for.
package target

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownTarget is returned when a target identifier is not recognised.
var ErrUnknownTarget = errors.New("unknown target")

// OSFamily groups targets whose linkers and loaders behave alike.
type OSFamily int

const (
	FamilyELF OSFamily = iota // linux, android
	FamilyMachO               // macos, ios
	FamilyPE                  // windows
)

func (f OSFamily) String() string {
	switch f {
	case FamilyELF:
		return "elf"
	case FamilyMachO:
		return "macho"
	case FamilyPE:
		return "pe"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Target is a platform/architecture identifier, e.g. "linux-x86_64".
type Target string

const (
	LinuxX86_64    Target = "linux-x86_64"
	LinuxAarch64   Target = "linux-aarch64"
	MacOSX86_64    Target = "macos-x86_64"
	MacOSAarch64   Target = "macos-aarch64"
	WindowsX86_64  Target = "windows-x86_64"
	AndroidAarch64 Target = "android-aarch64"
	IOSAarch64     Target = "ios-aarch64"
)

type info struct {
	triple string
	family OSFamily
}

var known = map[Target]info{
	LinuxX86_64:    {"x86_64-unknown-linux-gnu", FamilyELF},
	LinuxAarch64:   {"aarch64-unknown-linux-gnu", FamilyELF},
	MacOSX86_64:    {"x86_64-apple-darwin", FamilyMachO},
	MacOSAarch64:   {"aarch64-apple-darwin", FamilyMachO},
	WindowsX86_64:  {"x86_64-pc-windows-gnu", FamilyPE},
	AndroidAarch64: {"aarch64-linux-android", FamilyELF},
	IOSAarch64:     {"aarch64-apple-ios", FamilyMachO},
}

// Parse validates a target identifier.
func Parse(s string) (Target, error) {
	t := Target(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := known[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTarget, s)
	}
	return t, nil
}

// FromTriple maps a compiler target triple back to its Target.
func FromTriple(triple string) (Target, error) {
	for t, i := range known {
		if i.triple == triple {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: triple %q", ErrUnknownTarget, triple)
}

// All returns every known target in sorted order.
func All() []Target {
	out := make([]Target, 0, len(known))
	for t := range known {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t Target) String() string { return string(t) }

// Valid reports whether t is a known target.
func (t Target) Valid() bool {
	_, ok := known[t]
	return ok
}

// Triple returns the compiler target triple.
func (t Target) Triple() string { return known[t].triple }

// Family returns the OS family, which selects binary format and link flags.
func (t Target) Family() OSFamily { return known[t].family }

// LibraryExtension returns the shared library file extension including the dot.
func (t Target) LibraryExtension() string {
	switch t.Family() {
	case FamilyMachO:
		return ".dylib"
	case FamilyPE:
		return ".dll"
	default:
		return ".so"
	}
}

// IsSharedLibrary reports whether a file name looks like a shared library for t.
// ELF libraries may carry a version suffix (libfoo.so.1).
func (t Target) IsSharedLibrary(name string) bool {
	lower := strings.ToLower(name)
	ext := t.LibraryExtension()
	if strings.HasSuffix(lower, ext) {
		return true
	}
	return t.Family() == FamilyELF && strings.Contains(lower, ext+".")
}

// SearchPathVar names the environment variable the platform loader consults.
func (t Target) SearchPathVar() string {
	switch t.Family() {
	case FamilyMachO:
		return "DYLD_LIBRARY_PATH"
	case FamilyPE:
		return "PATH"
	default:
		return "LD_LIBRARY_PATH"
	}
}

// LinkerEnvVar is the cargo-style variable overriding the linker for t.
func (t Target) LinkerEnvVar() string {
	return "CARGO_TARGET_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(t.Triple())) + "_LINKER"
}
