package fileset

import (
	"path/filepath"
	"strings"
)

// DuplicateAction is applied when a received file already exists.
type DuplicateAction string

const (
	DuplicateIgnore    DuplicateAction = "ignore"
	DuplicateOverwrite DuplicateAction = "overwrite"
	DuplicateMove      DuplicateAction = "move"
)

// Policy is the pull-based filtering contract: which paths are excluded,
// which are explicitly allowed back in, and how duplicates are handled on
// the receiving side. Read-only once a scan starts.
type Policy struct {
	// Exclusions removes a path and everything under it.
	Exclusions []string
	// AllowList reaches inside excluded subtrees: an allow-listed path is
	// kept (with its excluded ancestors) no matter what excludes it.
	AllowList []string
	// ExcludedExtensions drops entries by extension (with leading dot).
	ExcludedExtensions []string
	// ExcludedPrefixes drops entries whose base name starts with a prefix.
	ExcludedPrefixes []string

	Duplicates DuplicateAction
	// BackupRoot receives displaced files under DuplicateMove, mirroring
	// their relative path.
	BackupRoot string
}

// containsPath reports whether path is root or inside root.
func containsPath(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// Excluded reports whether path matches the exclusion policy: contained
// in an excluded path, a blocked extension, or a blocked name prefix.
// Allow-list overrides are the scanner's concern, not this predicate's.
func (p Policy) Excluded(path string) bool {
	for _, ex := range p.Exclusions {
		if containsPath(ex, path) {
			return true
		}
	}
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	for _, blocked := range p.ExcludedExtensions {
		if ext != "" && strings.EqualFold(ext, blocked) {
			return true
		}
	}
	for _, prefix := range p.ExcludedPrefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// AllowListedExactly reports whether path itself appears on the
// allow-list (or sits inside an allow-listed subtree).
func (p Policy) AllowListedExactly(path string) bool {
	for _, al := range p.AllowList {
		if containsPath(al, path) {
			return true
		}
	}
	return false
}

// AncestorOfAllowListed reports whether some allow-list entry lives at or
// below path. Such paths are kept even when excluded, so a narrow
// allow-list can reach inside a broadly excluded directory.
func (p Policy) AncestorOfAllowListed(path string) bool {
	for _, al := range p.AllowList {
		if containsPath(path, al) {
			return true
		}
	}
	return false
}
