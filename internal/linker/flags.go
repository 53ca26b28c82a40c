package linker

import (
	"strings"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

// initialFlags are appended to a full link so every symbol stays visible to
// later patches. soname is the versioned file name the library is known by.
func initialFlags(f target.OSFamily, soname string) []string {
	switch f {
	case target.FamilyMachO:
		return []string{"-dynamiclib", "-Wl,-export_dynamic", "-Wl,-install_name,@rpath/" + soname}
	case target.FamilyPE:
		return []string{"-shared", "-Wl,--export-all-symbols"}
	default:
		return []string{"-shared", "-fPIC", "-Wl,--export-dynamic", "-Wl,-soname," + soname}
	}
}

// patchFlags link a small library that leaves unresolved symbols to the
// dynamic loader, which finds them in previously loaded versions.
func patchFlags(f target.OSFamily, soname string) []string {
	switch f {
	case target.FamilyMachO:
		return []string{
			"-dynamiclib", "-nodefaultlibs",
			"-Wl,-undefined,dynamic_lookup",
			"-Wl,-export_dynamic",
			"-Wl,-install_name,@rpath/" + soname,
		}
	case target.FamilyPE:
		return []string{
			"-shared", "-nodefaultlibs",
			"-Wl,--export-all-symbols",
			"-Wl,--no-gc-sections",
		}
	default:
		return []string{
			"-shared", "-fPIC", "-nodefaultlibs",
			"-Wl,--no-gc-sections",
			"-Wl,--allow-shlib-undefined",
			"-Wl,--export-dynamic",
			"-Wl,-soname," + soname,
		}
	}
}

// stripped are driver-supplied flags that would discard symbols a later
// patch may need.
var stripped = map[string]bool{
	"-Wl,--gc-sections": true,
	"-Wl,-dead_strip":   true,
	"-Wl,--strip-all":   true,
	"-Wl,-s":            true,
	"-s":                true,
}

// toolchainFlag reports whether arg selects the toolchain or architecture and
// so must be carried into a patch link. takesValue is set when the value is
// the following argument.
func toolchainFlag(arg string) (keep, takesValue bool) {
	switch arg {
	case "-arch", "-target", "-isysroot", "--sysroot":
		return true, true
	}
	for _, p := range []string{"-fuse-ld=", "--target=", "--sysroot=", "-march=", "-B", "-m32", "-m64", "-mmacosx-version-min=", "-miphoneos-version-min="} {
		if strings.HasPrefix(arg, p) {
			return true, false
		}
	}
	return false, false
}

// isSharedLink reports whether argv asks for a shared library.
func isSharedLink(args []string) bool {
	for _, a := range args {
		switch a {
		case "-shared", "--shared", "-dynamiclib", "-Wl,-dylib":
			return true
		}
	}
	return false
}
