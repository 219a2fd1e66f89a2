// Package fileset walks a filesystem subtree into a selectable tree of
// migration candidates, applying the exclusion and allow-list policy.
package fileset

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// Kind classifies a tree entry.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
	KindApp
	KindSocket
)

var kindNames = [...]string{
	KindFile:      "file",
	KindDirectory: "directory",
	KindSymlink:   "symlink",
	KindApp:       "app",
	KindSocket:    "socket",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// SizeUnknown marks a node whose size has not been computed yet.
const SizeUnknown int64 = -1

// Node is one entry in the discovered tree. Children are owned by their
// parent; discovery populates them eagerly to a shallow depth and lazily
// beyond. Size mutations flow upward through parent pointers, selection
// deltas additionally into the owning Option.
type Node struct {
	Path          string
	Kind          Kind
	Selected      bool
	SizeBytes     int64
	FileCount     int
	Children      []*Node
	Hidden        bool
	AllowListed   bool
	fullyAllowed  bool
	childrenReady bool
	parent        *Node
	owner         *Option
}

// ChildrenReady reports whether the node's children have been
// enumerated. Nodes beyond the eager depth stay unexpanded until the UI
// (or the sender) asks for them.
func (n *Node) ChildrenReady() bool {
	return n.childrenReady
}

// Name returns the base name of the node's path.
func (n *Node) Name() string {
	return filepath.Base(n.Path)
}

// IsLeafLike reports whether the node is sent as an opaque unit (plain
// files, symlinks, and app bundles — apps are re-walked at send time, not
// expanded in the tree).
func (n *Node) IsLeafLike() bool {
	return n.Kind != KindDirectory
}

// classify maps a directory entry to its Kind. Directories named *.app
// are app bundles, migrated as opaque units.
func classify(mode fs.FileMode, name string) Kind {
	switch {
	case mode&fs.ModeSocket != 0:
		return KindSocket
	case mode&fs.ModeSymlink != 0:
		return KindSymlink
	case mode.IsDir() && strings.HasSuffix(name, ".app"):
		return KindApp
	case mode.IsDir():
		return KindDirectory
	default:
		return KindFile
	}
}

// typeRank orders directories and symlinks before plain files and apps.
func typeRank(k Kind) int {
	switch k {
	case KindDirectory, KindSymlink:
		return 0
	default:
		return 1
	}
}

// sortSiblings sorts by type rank, ties broken lexicographically by name.
func sortSiblings(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		ri, rj := typeRank(nodes[i].Kind), typeRank(nodes[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return nodes[i].Name() < nodes[j].Name()
	})
}
