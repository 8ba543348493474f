// Package pkgspec represents the packages to be compiled into the
// root file system, either by registry name or by git URL.
package pkgspec

import (
	"fmt"
	"strings"
)

// A Spec names one package. Registry packages carry only Name; git
// packages carry the repository URL as well.
type Spec struct {
	// Name is the package name, which doubles as the name of the
	// installed binary.
	Name string

	// URL is the git repository to install from. Empty for registry
	// packages.
	URL string
}

// Registry returns the spec for a package installed from the package
// registry by name.
func Registry(name string) Spec {
	return Spec{Name: name}
}

// ParseGit parses a git package argument. The binary name defaults to
// the last path segment of the URL (with a ".git" suffix trimmed) and
// can be overridden by appending "%name" to the URL.
func ParseGit(arg string) (Spec, error) {
	if i := strings.LastIndexByte(arg, '%'); i != -1 {
		url, name := arg[:i], arg[i+1:]
		if name == "" || url == "" {
			return Spec{}, fmt.Errorf("malformed git package %q, want url%%name", arg)
		}
		return Spec{Name: name, URL: url}, nil
	}

	url := arg
	segments := strings.Split(strings.TrimRight(url, "/"), "/")
	name := strings.TrimSuffix(segments[len(segments)-1], ".git")
	if name == "" {
		return Spec{}, fmt.Errorf("cannot derive a package name from git URL %q", arg)
	}
	return Spec{Name: name, URL: url}, nil
}

// ContainsInit reports whether one of specs provides the binary named
// init.
func ContainsInit(specs []Spec, init string) bool {
	for _, s := range specs {
		if s.Name == init {
			return true
		}
	}
	return false
}
