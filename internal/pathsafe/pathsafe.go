// Package pathsafe provides the single boundary validator for relative
// paths accepted from requests or discovered on disk. Every relpath that
// crosses from the filesystem into the store, or from a request into the
// filesystem, goes through Normalize or Resolve exactly once.
package pathsafe

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// ErrTraversal is returned when a relpath attempts to escape its root.
var ErrTraversal = errors.New("pathsafe: path traversal rejected")

// Normalize converts an OS-native relative path into the slash-normalized,
// leading-slash-free, dot-dot-free form stored in FileRecord.relpath.
func Normalize(p string) (string, error) {
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(p, "/")
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", ErrTraversal
	}
	if err := Validate(cleaned); err != nil {
		return "", err
	}
	return cleaned, nil
}

// Validate rejects any relpath containing a traversal segment, a leading
// slash, or a backslash (which would be interpreted as a literal character
// on Unix but a separator on Windows, i.e. an ambiguity we refuse outright).
func Validate(relpath string) error {
	if relpath == "" {
		return ErrTraversal
	}
	if strings.HasPrefix(relpath, "/") {
		return ErrTraversal
	}
	if strings.Contains(relpath, "\\") {
		return ErrTraversal
	}
	for _, seg := range strings.Split(relpath, "/") {
		if seg == ".." || seg == "." {
			return ErrTraversal
		}
	}
	return nil
}

// Resolve joins relpath onto root and verifies the result is still
// contained within root, returning the absolute filesystem path.
func Resolve(root, relpath string) (string, error) {
	if err := Validate(relpath); err != nil {
		return "", err
	}
	root = filepath.Clean(root)
	full := filepath.Join(root, filepath.FromSlash(relpath))
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return "", ErrTraversal
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrTraversal
	}
	return full, nil
}

// Folder returns the immediate parent folder of a normalized relpath, or
// "" for a top-level file.
func Folder(relpath string) string {
	idx := strings.LastIndex(relpath, "/")
	if idx < 0 {
		return ""
	}
	return relpath[:idx]
}

// Segments splits a normalized relpath's folder portion into its
// path components, used to derive the folder tree for listing.
func Segments(folder string) []string {
	if folder == "" {
		return nil
	}
	return strings.Split(folder, "/")
}
