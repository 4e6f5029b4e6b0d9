package main

import "path/filepath"

// globMatcher excludes any path matching one of a set of shell glob
// patterns (filepath.Match syntax, applied against the full relative
// path as well as its base name so "*.tmp" excludes at any depth),
// implementing walker.Matcher. Pattern syntax is a CLI-layer concern;
// the walker package only consumes a Matcher, it doesn't define one.
type globMatcher struct {
	excludes []string
}

func newGlobMatcher(excludes []string) *globMatcher {
	return &globMatcher{excludes: excludes}
}

func (m *globMatcher) Match(path string, isDir bool) bool {
	base := filepath.Base(path)
	for _, pat := range m.excludes {
		if ok, _ := filepath.Match(pat, path); ok {
			return false
		}
		if ok, _ := filepath.Match(pat, base); ok {
			return false
		}
	}
	return true
}
