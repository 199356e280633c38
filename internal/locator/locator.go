// Package locator parses "backend:path" strings.
//
// The string is split on the first colon only, so paths may contain colons
// as long as a prefix is present. A string without any colon carries no
// backend and means "the backend the facade is bound to".
package locator

import (
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/Chapsvision-dev/cloudstore/internal/apperr"
)

// Locator is a parsed "backend:path" pair. Backend is empty when the input
// had no prefix.
type Locator struct {
	Backend string
	Path    string
}

// String formats the locator back to its wire form.
func (l Locator) String() string {
	if l.Backend == "" {
		return l.Path
	}
	return l.Backend + ":" + l.Path
}

// Qualified reports whether the locator names a backend.
func (l Locator) Qualified() bool { return l.Backend != "" }

// Parse splits s on the first colon. Input without a colon yields a locator
// with an empty Backend. A leading colon (empty prefix) is rejected.
func Parse(s string) (Locator, error) {
	backend, path, ok := strings.Cut(s, ":")
	if !ok {
		return Locator{Path: s}, nil
	}
	backend = strings.TrimSpace(backend)
	if backend == "" {
		return Locator{}, apperr.InvalidLocator(s, "empty backend prefix")
	}
	return Locator{Backend: backend, Path: path}, nil
}

// ParseQualified is Parse for call sites where a backend prefix is
// mandatory (cross-backend copy). Missing prefix or empty path is an error.
func ParseQualified(s string) (Locator, error) {
	if !strings.Contains(s, ":") {
		return Locator{}, apperr.InvalidLocator(s, "missing backend prefix, expected <backend>:<path>")
	}
	l, err := Parse(s)
	if err != nil {
		return Locator{}, err
	}
	if strings.TrimSpace(l.Path) == "" {
		return Locator{}, apperr.InvalidLocator(s, "empty path")
	}
	return l, nil
}

// Expand resolves a leading "~" to the user's home directory. Paths without
// a tilde are returned unchanged.
func Expand(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	return homedir.Expand(path)
}

// Normalize returns l with its path home-expanded.
func Normalize(l Locator) (Locator, error) {
	p, err := Expand(l.Path)
	if err != nil {
		return Locator{}, apperr.InvalidLocator(l.String(), err.Error())
	}
	l.Path = p
	return l, nil
}
