package fileset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// eagerDepth bounds how many levels below a selection root discovery
// walks up front. Deeper levels are fetched on demand.
const eagerDepth = 2

// Scanner builds Node trees under a filtering policy.
type Scanner struct {
	policy Policy
}

// NewScanner creates a scanner for the given policy.
func NewScanner(policy Policy) *Scanner {
	return &Scanner{policy: policy}
}

// Build walks root into a tree, eagerly recursing eagerDepth levels.
func (s *Scanner) Build(root string) (*Node, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, fmt.Errorf("fileset: stat root %s: %w", root, err)
	}

	node := &Node{
		Path:      filepath.Clean(root),
		Kind:      classify(info.Mode(), filepath.Base(root)),
		SizeBytes: SizeUnknown,
		Hidden:    strings.HasPrefix(filepath.Base(root), "."),
	}
	if node.Kind == KindSocket {
		return nil, fmt.Errorf("fileset: root %s is a socket", root)
	}
	// Roots are allow-listed only when named exactly; merely containing an
	// allow-list entry must not narrow the walk to that chain.
	node.AllowListed = s.policy.AllowListedExactly(node.Path)
	node.fullyAllowed = node.AllowListed

	if node.Kind == KindDirectory {
		if err := s.populate(node, eagerDepth); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// Expand lazily populates a directory node's children one eager window
// deeper. Idempotent once children are loaded.
func (s *Scanner) Expand(node *Node) error {
	if node.Kind != KindDirectory || node.childrenReady {
		return nil
	}
	return s.populate(node, 1)
}

func (s *Scanner) populate(node *Node, depth int) error {
	entries, err := os.ReadDir(node.Path)
	if err != nil {
		return fmt.Errorf("fileset: readdir %s: %w", node.Path, err)
	}

	kept := make([]*Node, 0, len(entries))
	for _, entry := range entries {
		childPath := filepath.Join(node.Path, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		kind := classify(info.Mode(), entry.Name())
		// Sockets never appear in any result list, policy or not.
		if kind == KindSocket {
			continue
		}

		child, include := s.filterChild(node, childPath, kind)
		if !include {
			continue
		}
		child.Hidden = strings.HasPrefix(entry.Name(), ".")
		child.parent = node
		child.owner = node.owner
		if kind == KindFile {
			child.SizeBytes = info.Size()
			child.FileCount = 1
		}
		kept = append(kept, child)

		if kind == KindDirectory && depth > 1 {
			if err := s.populate(child, depth-1); err != nil {
				// Unreadable subdirectory: keep the node, fetch later.
				continue
			}
		}
	}

	sortSiblings(kept)
	node.Children = kept
	node.childrenReady = true
	return nil
}

// filterChild applies the policy ordering from the parent's perspective:
// inside a fully allow-listed subtree everything is kept; inside an
// allow-listed ancestor chain only entries leading to (or at) an
// allow-list entry survive; elsewhere exclusions apply unless the entry
// is an ancestor of an allow-listed path.
func (s *Scanner) filterChild(parent *Node, childPath string, kind Kind) (*Node, bool) {
	child := &Node{
		Path:      childPath,
		Kind:      kind,
		SizeBytes: SizeUnknown,
	}

	switch {
	case parent.fullyAllowed:
		child.AllowListed = true
		child.fullyAllowed = true
		return child, true

	case parent.AllowListed:
		if s.policy.AllowListedExactly(childPath) {
			child.AllowListed = true
			child.fullyAllowed = true
			return child, true
		}
		if s.policy.AncestorOfAllowListed(childPath) {
			child.AllowListed = true
			return child, true
		}
		return nil, false

	default:
		if s.policy.Excluded(childPath) {
			// A narrow allow-list reaches inside a broad exclusion.
			if s.policy.AllowListedExactly(childPath) {
				child.AllowListed = true
				child.fullyAllowed = true
				return child, true
			}
			if s.policy.AncestorOfAllowListed(childPath) {
				child.AllowListed = true
				return child, true
			}
			return nil, false
		}
		if s.policy.AllowListedExactly(childPath) {
			child.AllowListed = true
			child.fullyAllowed = true
		}
		return child, true
	}
}
