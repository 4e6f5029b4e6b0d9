// Package walker implements the recursive filesystem enumeration that
// feeds archive.Create, generalizing the teacher's
// cmd/bk/backup.go:backupDirContents from "build a tree of DirEntry
// gob-serialized per directory" to "call a visit function once per
// file-or-directory, in a stable order, consulting an external matcher
// for inclusion" — the object-graph assembly itself moves into the
// archive package, since spec.md's Walker/Matcher split keeps path
// selection decoupled from what's done with each path.
package walker

import (
	"os"
	"path/filepath"
	"sort"
)

// Matcher decides whether a path should be included in a backup. It is
// consumed, not implemented, by this package — pattern syntax is an
// external collaborator's concern, not this module's.
type Matcher interface {
	// Match reports whether path (relative to the walk root, using
	// forward slashes) should be included. isDir lets a matcher exclude
	// whole subtrees without needing to call os.Lstat itself.
	Match(path string, isDir bool) bool
}

// MatchAll includes every path; useful as a default when no exclusion
// patterns are configured.
type MatchAll struct{}

func (MatchAll) Match(path string, isDir bool) bool { return true }

// Visit is called once per enumerated filesystem entry. path is
// relative to the walk root, using forward slashes, with no leading
// separator, matching spec.md §4.7's item-path normalisation. A
// non-nil error from Visit stops the whole walk and is returned by
// Walk; Walk logs nothing itself and leaves error reporting to the
// caller.
type Visit func(path string, fi os.FileInfo, linkTarget string) error

// Walk enumerates root depth-first, calling visit for root itself and
// every descendant that matcher admits, in lexical order within each
// directory (matching backupDirContents's implicit iteration order,
// made explicit here so two walks of an unchanged tree always visit
// paths in the same order — archive.Create relies on that to produce
// deterministic item streams).
func Walk(root string, matcher Matcher, visit Visit) error {
	return walk(root, "", matcher, visit)
}

func walk(absPath, relPath string, matcher Matcher, visit Visit) error {
	fi, err := os.Lstat(absPath)
	if err != nil {
		return err
	}

	isDir := fi.Mode().IsDir()
	if relPath != "" && !matcher.Match(relPath, isDir) {
		return nil
	}

	var linkTarget string
	if fi.Mode()&os.ModeSymlink != 0 {
		linkTarget, err = os.Readlink(absPath)
		if err != nil {
			return err
		}
	}

	if err := visit(relPath, fi, linkTarget); err != nil {
		return err
	}

	if !isDir {
		return nil
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)

	for _, name := range names {
		childRel := name
		if relPath != "" {
			childRel = relPath + "/" + name
		}
		if err := walk(filepath.Join(absPath, name), childRel, matcher, visit); err != nil {
			return err
		}
	}
	return nil
}
