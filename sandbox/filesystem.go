// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Filesystem is a capability granting access to one directory subtree.
// It carries the confining root, an optional predicate over relative
// paths, and the subset of configured classified paths relevant to
// this root. Obtain one through [Surface.RequestFilesystem]; the value
// is revoked when that call returns.
type Filesystem struct {
	guard      *guard
	gate       *purityGate
	root       string
	allow      func(relative string) bool
	classified []string
}

// Root returns the absolute, cleaned root of this capability.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Access resolves a path against the capability and returns a handle
// for it. Absolute paths must resolve inside the root; relative paths
// are joined to the root with symlink-safe resolution. The optional
// predicate is applied to the relative portion. Access does not
// require the target to exist.
func (fs *Filesystem) Access(target string) (*Entry, error) {
	if err := fs.guard.check("access"); err != nil {
		return nil, err
	}
	if err := fs.gate.check("access"); err != nil {
		return nil, err
	}

	relative := target
	if filepath.IsAbs(target) {
		rel, err := filepath.Rel(fs.root, filepath.Clean(target))
		if err != nil {
			return nil, securityErrorf("access", "path %q is outside the filesystem root %q", target, fs.root)
		}
		relative = rel
	}
	if escapesRoot(relative) {
		return nil, securityErrorf("access", "path %q is outside the filesystem root %q", target, fs.root)
	}

	resolved, err := securejoin.SecureJoin(fs.root, relative)
	if err != nil {
		return nil, securityErrorf("access", "resolving %q: %v", target, err)
	}

	// SecureJoin guarantees the lexical containment; re-derive the
	// relative portion from the resolved path for the predicate.
	relative, err = filepath.Rel(fs.root, resolved)
	if err != nil || escapesRoot(relative) {
		return nil, securityErrorf("access", "path %q is outside the filesystem root %q", target, fs.root)
	}
	if fs.allow != nil && relative != "." && !fs.allow(filepath.ToSlash(relative)) {
		return nil, securityErrorf("access", "path %q rejected by the capability's path predicate", target)
	}

	return &Entry{fs: fs, path: resolved}, nil
}

// escapesRoot reports whether a relative path steps above its base.
func escapesRoot(relative string) bool {
	clean := filepath.Clean(relative)
	return clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// isClassified reports whether an absolute path falls under any of the
// capability's classified entries (equality or prefix).
func (fs *Filesystem) isClassified(absolute string) bool {
	for _, entry := range fs.classified {
		if absolute == entry || strings.HasPrefix(absolute, entry+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// GrepMatch is one matching line from a grep over a file.
type GrepMatch struct {
	// Path is the absolute path of the file containing the match.
	Path string

	// Line is the 1-based line number of the match.
	Line int

	// Text is the matching line, without its trailing newline.
	Text string
}

// Grep reads a file and returns the lines matching the pattern.
func (fs *Filesystem) Grep(target, pattern string) ([]GrepMatch, error) {
	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	entry, err := fs.Access(target)
	if err != nil {
		return nil, err
	}
	return entry.grep(matcher)
}

// GrepRecursive walks the subtree under dir, restricts files by a glob
// applied to the file name, and greps each file. Classified subtrees
// are not descended into.
func (fs *Filesystem) GrepRecursive(dir, pattern, glob string) ([]GrepMatch, error) {
	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	root, err := fs.Access(dir)
	if err != nil {
		return nil, err
	}

	var matches []GrepMatch
	err = root.walkFiles(func(entry *Entry) error {
		matched, globErr := path.Match(glob, entry.Name())
		if globErr != nil {
			return fmt.Errorf("invalid glob %q: %w", glob, globErr)
		}
		if !matched {
			return nil
		}
		fileMatches, grepErr := entry.grep(matcher)
		if grepErr != nil {
			return grepErr
		}
		matches = append(matches, fileMatches...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// Find walks the subtree under dir and returns the absolute paths of
// files whose name matches the glob. Classified subtrees are not
// descended into.
func (fs *Filesystem) Find(dir, glob string) ([]string, error) {
	root, err := fs.Access(dir)
	if err != nil {
		return nil, err
	}

	var found []string
	err = root.walkFiles(func(entry *Entry) error {
		matched, globErr := path.Match(glob, entry.Name())
		if globErr != nil {
			return fmt.Errorf("invalid glob %q: %w", glob, globErr)
		}
		if matched {
			found = append(found, entry.Path())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(found)
	return found, nil
}

// Entry is a handle to one path, bound to the Filesystem that minted
// it. Every operation re-checks revocation, the pure-context gate, and
// the classified predicate at call time, so a handle held across a
// revocation or smuggled into a transform is useless.
type Entry struct {
	fs   *Filesystem
	path string
}

// Path returns the resolved absolute path. Metadata query, permitted
// on all paths.
func (e *Entry) Path() string {
	return e.path
}

// Name returns the final path element. Metadata query.
func (e *Entry) Name() string {
	return filepath.Base(e.path)
}

// IsClassified reports whether the path falls under the capability's
// classified set. Pure metadata query, always succeeds.
func (e *Entry) IsClassified() bool {
	return e.fs.isClassified(e.path)
}

// Exists reports whether the path exists. Metadata query.
func (e *Entry) Exists() bool {
	_, err := os.Lstat(e.path)
	return err == nil
}

// IsDir reports whether the path is a directory. Metadata query.
func (e *Entry) IsDir() bool {
	info, err := os.Stat(e.path)
	return err == nil && info.IsDir()
}

// Size returns the file size in bytes. Metadata query.
func (e *Entry) Size() (int64, error) {
	if err := e.checkAlive("size"); err != nil {
		return 0, err
	}
	info, err := os.Stat(e.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", e.path, err)
	}
	return info.Size(), nil
}

// checkAlive verifies revocation and the pure-context gate.
func (e *Entry) checkAlive(op string) error {
	if err := e.fs.guard.check(op); err != nil {
		return err
	}
	return e.fs.gate.check(op)
}

// checkPlain gates the normal operations: alive, and not classified.
func (e *Entry) checkPlain(op string) error {
	if err := e.checkAlive(op); err != nil {
		return err
	}
	if e.fs.isClassified(e.path) {
		return securityErrorf(op, "path %q is classified; only classified operations are permitted", e.path)
	}
	return nil
}

// checkClassified gates the classified operations: alive, and
// classified.
func (e *Entry) checkClassified(op string) error {
	if err := e.checkAlive(op); err != nil {
		return err
	}
	if !e.fs.isClassified(e.path) {
		return securityErrorf(op, "path %q is not classified; use the plain operations", e.path)
	}
	return nil
}

// Read returns the file contents as text.
func (e *Entry) Read() (string, error) {
	data, err := e.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadBytes returns the raw file contents.
func (e *Entry) ReadBytes() ([]byte, error) {
	if err := e.checkPlain("read"); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", e.path, err)
	}
	return data, nil
}

// ReadLines returns the file contents split into lines. A trailing
// newline does not produce an empty final line.
func (e *Entry) ReadLines() ([]string, error) {
	text, err := e.Read()
	if err != nil {
		return nil, err
	}
	return splitLines(text), nil
}

// Write replaces the file contents.
func (e *Entry) Write(content string) error {
	if err := e.checkPlain("write"); err != nil {
		return err
	}
	if err := os.WriteFile(e.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", e.path, err)
	}
	return nil
}

// Append appends to the file, creating it if absent.
func (e *Entry) Append(content string) error {
	if err := e.checkPlain("append"); err != nil {
		return err
	}
	file, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s for append: %w", e.path, err)
	}
	defer file.Close()
	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("appending to %s: %w", e.path, err)
	}
	return nil
}

// Delete removes the file or empty directory.
func (e *Entry) Delete() error {
	if err := e.checkPlain("delete"); err != nil {
		return err
	}
	if err := os.Remove(e.path); err != nil {
		return fmt.Errorf("deleting %s: %w", e.path, err)
	}
	return nil
}

// Children lists the immediate entries of a directory. Classified
// children appear in the listing (their names are metadata) but their
// contents remain reachable only through the classified operations.
func (e *Entry) Children() ([]*Entry, error) {
	if err := e.checkPlain("children"); err != nil {
		return nil, err
	}
	listing, err := os.ReadDir(e.path)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", e.path, err)
	}
	children := make([]*Entry, 0, len(listing))
	for _, item := range listing {
		children = append(children, &Entry{fs: e.fs, path: filepath.Join(e.path, item.Name())})
	}
	return children, nil
}

// Walk returns every entry in the subtree, depth-first. Classified
// directories appear as entries but are not descended into.
func (e *Entry) Walk() ([]*Entry, error) {
	if err := e.checkPlain("walk"); err != nil {
		return nil, err
	}
	var entries []*Entry
	err := e.walk(func(entry *Entry) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// walk visits every entry under e, excluding e itself. Classified
// entries are visited (metadata) but not descended into.
func (e *Entry) walk(visit func(*Entry) error) error {
	listing, err := os.ReadDir(e.path)
	if err != nil {
		return fmt.Errorf("listing %s: %w", e.path, err)
	}
	for _, item := range listing {
		child := &Entry{fs: e.fs, path: filepath.Join(e.path, item.Name())}
		if err := visit(child); err != nil {
			return err
		}
		if item.IsDir() && !e.fs.isClassified(child.path) {
			if err := child.walk(visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// walkFiles visits every regular, non-classified file under e.
func (e *Entry) walkFiles(visit func(*Entry) error) error {
	if err := e.checkPlain("walk"); err != nil {
		return err
	}
	return e.walk(func(entry *Entry) error {
		if entry.IsDir() || e.fs.isClassified(entry.path) {
			return nil
		}
		return visit(entry)
	})
}

// grep scans the entry's lines against a compiled pattern.
func (e *Entry) grep(matcher *regexp.Regexp) ([]GrepMatch, error) {
	lines, err := e.ReadLines()
	if err != nil {
		return nil, err
	}
	var matches []GrepMatch
	for index, line := range lines {
		if matcher.MatchString(line) {
			matches = append(matches, GrepMatch{Path: e.path, Line: index + 1, Text: line})
		}
	}
	return matches, nil
}

// ReadClassified reads a classified file and returns its contents
// wrapped in a Classified value. This is the only read permitted on a
// classified path.
func (e *Entry) ReadClassified() (Classified[string], error) {
	if err := e.checkClassified("read_classified"); err != nil {
		return Classified[string]{}, err
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return Classified[string]{}, fmt.Errorf("reading %s: %w", e.path, err)
	}
	return newClassified(string(data), e.fs.gate), nil
}

// WriteClassified writes a Classified value into a classified file.
// This is the only write permitted on a classified path, and the only
// file sink permitted for Classified values.
func (e *Entry) WriteClassified(value Classified[string]) error {
	if err := e.checkClassified("write_classified"); err != nil {
		return err
	}
	if err := os.WriteFile(e.path, []byte(value.unwrap()), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", e.path, err)
	}
	return nil
}

// splitLines splits text into lines without a phantom empty line after
// a trailing newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}
