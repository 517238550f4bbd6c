//go:build linux && !novaapi

// Shared helpers for the runtime-loaded backends.

package hwdec

import (
	"os"
	"path/filepath"
	"unsafe"
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Add(p, length)) == 0 {
			break
		}
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// libraryPaths lists the candidates for a shared library, highest priority
// first. envVar names a directory override.
func libraryPaths(envVar string, names ...string) []string {
	var paths []string

	if dir := os.Getenv(envVar); dir != "" {
		for _, n := range names {
			paths = append(paths, filepath.Join(dir, n))
		}
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		for _, n := range names {
			paths = append(paths,
				filepath.Join(exeDir, n),
				filepath.Join(exeDir, "..", "lib", n),
			)
		}
	}

	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		for _, n := range names {
			paths = append(paths, filepath.Join(moduleRoot, "build", n))
		}
	}

	systemDirs := []string{
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib/aarch64-linux-gnu",
		"/usr/lib64",
		"/usr/lib",
		"/usr/local/lib",
	}
	for _, dir := range systemDirs {
		for _, n := range names {
			paths = append(paths, filepath.Join(dir, n))
		}
	}

	// Bare names last so the dynamic loader search path applies.
	paths = append(paths, names...)
	return paths
}

// findModuleRoot walks up from the working directory to the directory
// containing go.mod.
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
