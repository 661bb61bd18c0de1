//go:build (darwin || linux) && !novpx

// Shared helpers for native libraries loaded with purego.

package vidcomp

import (
	"os"
	"path/filepath"
	"runtime"
	"unsafe"
)

// goStringFromPtr converts a NUL-terminated C string to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for length < 1024 && *(*byte)(unsafe.Add(p, length)) != 0 {
		length++
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// nativeLibName returns the platform file name of lib ("media_vpx").
func nativeLibName(lib string) string {
	if runtime.GOOS == "darwin" {
		return "lib" + lib + ".dylib"
	}
	return "lib" + lib + ".so"
}

// nativeLibPaths lists candidate locations for lib, most specific first:
// the envVar override, MEDIA_SDK_LIB_PATH, build directories next to the
// executable and the module root, then the system loader paths.
func nativeLibPaths(lib, envVar string) []string {
	name := nativeLibName(lib)
	var paths []string

	if p := os.Getenv(envVar); p != "" {
		paths = append(paths, p)
	}
	if p := os.Getenv("MEDIA_SDK_LIB_PATH"); p != "" {
		paths = append(paths, filepath.Join(p, name))
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(dir, name),
			filepath.Join(dir, "..", "lib", name),
		)
	}
	if root := findModuleRoot(); root != "" {
		paths = append(paths,
			filepath.Join(root, "build", name),
			filepath.Join(root, "build", "ffi", name),
		)
	}

	paths = append(paths, name)
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths, "/usr/local/lib/"+name, "/opt/homebrew/lib/"+name)
	case "linux":
		paths = append(paths, "/usr/local/lib/"+name, "/usr/lib/"+name)
	}
	return paths
}

// findModuleRoot walks up from the working directory to the directory
// holding go.mod.
func findModuleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
