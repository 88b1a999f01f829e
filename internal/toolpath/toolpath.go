// Package toolpath locates external executables without touching PATH.
package toolpath

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrNotFound is returned when a tool is neither configured, in a search
// directory, nor on PATH.
var ErrNotFound = errors.New("executable not found")

// Resolver searches configured directories before PATH.
type Resolver struct {
	SearchDirs []string
	lookPath   func(file string) (string, error)
	stat       func(name string) (os.FileInfo, error)
}

// New builds a resolver over the given search directories.
func New(searchDirs []string) *Resolver {
	return &Resolver{
		SearchDirs: append([]string(nil), searchDirs...),
		lookPath:   exec.LookPath,
		stat:       os.Stat,
	}
}

// NewForTests builds a resolver with injectable filesystem lookups.
func NewForTests(searchDirs []string, lookPath func(string) (string, error), stat func(string) (os.FileInfo, error)) *Resolver {
	return &Resolver{SearchDirs: searchDirs, lookPath: lookPath, stat: stat}
}

// Resolve returns the executable path for a tool. A configured value that
// contains a path separator must exist as given; a bare configured name
// replaces the default name in the search.
func (r *Resolver) Resolve(configured, name string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" && strings.ContainsAny(configured, `/\`) {
		info, err := r.stat(configured)
		if err != nil {
			return "", fmt.Errorf("%w: %s (configured path %s)", ErrNotFound, name, configured)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s (configured path %s is a directory)", ErrNotFound, name, configured)
		}
		return configured, nil
	}
	if configured != "" {
		name = configured
	}

	for _, dir := range r.SearchDirs {
		for _, candidate := range candidates(dir, name) {
			if info, err := r.stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}

	path, err := r.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s (searched %s and PATH)", ErrNotFound, name, describeDirs(r.SearchDirs))
	}
	return path, nil
}

// Where describes the places Resolve looks, for user-facing messages.
func (r *Resolver) Where() string {
	return describeDirs(r.SearchDirs) + " and PATH"
}

func candidates(dir, name string) []string {
	base := filepath.Join(dir, name)
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		return []string{base + ".exe", base}
	}
	return []string{base}
}

func describeDirs(dirs []string) string {
	if len(dirs) == 0 {
		return "no search directories"
	}
	return strings.Join(dirs, ", ")
}
