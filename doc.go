// Package pyrepack replaces the code bundled into a frozen Python
// executable without rebuilding it.
//
// A bundled executable is a native bootloader followed by a package
// archive (see the [carchive] package). The archive holds the entry
// scripts and one or more PYZ archives of compiled modules (see [pyz]).
// pyrepack unpacks those archives into a working directory, lets the
// caller supply replacement sources, rebuilds every archive and patches
// the new package archive into the executable (see [patch]).
//
// # Quick Start
//
// Extract, then repack with the replacement tree in ./dist:
//
//	rp, err := pyrepack.Extract(ctx, "./app", "./build")
//	if err != nil {
//	    return err
//	}
//	res, err := rp.Repack(ctx, "./dist", "pyarmor_runtime_000000")
//
// The two phases can run in separate processes. Extract records what it
// found in a manifest inside the working directory and [Resume] picks it
// up again:
//
//	rp, err := pyrepack.Resume("./app", "./build")
//
// # Runtime
//
// The replacement tree must contain a runtime package directory holding
// an __init__.py and a native library named pyarmor_runtime*.so or
// pyarmor_runtime*.pyd. The package is injected into every PYZ archive.
// The library is bundled into the package archive of one-file
// executables and copied next to the executable otherwise.
//
// # Platforms
//
// Platform specific finalization (section replacement on Linux, signing
// on macOS, checksums on Windows) is selected by the [patch.Platform] of
// the patcher, which defaults to the host platform.
package pyrepack
