package fileset

import "sync"

// Preset names one coherent selection shape.
type Preset string

const (
	PresetLite     Preset = "lite"
	PresetComplete Preset = "complete"
	PresetAdvanced Preset = "advanced"
)

// Option aggregates a selection of tree roots plus running totals.
// Discarding an Option discards its trees.
type Option struct {
	Preset Preset

	mu            sync.Mutex
	roots         []*Node
	selectedCount int
	totalSize     int64
}

// NewOption creates an empty selection for the given preset.
func NewOption(preset Preset) *Option {
	return &Option{Preset: preset}
}

// AddRoot attaches a discovered tree to this option.
func (o *Option) AddRoot(n *Node) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n.owner = o
	var adopt func(*Node)
	adopt = func(c *Node) {
		c.owner = o
		for _, gc := range c.Children {
			adopt(gc)
		}
	}
	adopt(n)
	o.roots = append(o.roots, n)
}

// Roots returns the attached trees.
func (o *Option) Roots() []*Node {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Node, len(o.roots))
	copy(out, o.roots)
	return out
}

// SelectedCount returns the number of selected entries.
func (o *Option) SelectedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selectedCount
}

// TotalSize returns the running size of the selection in bytes.
func (o *Option) TotalSize() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalSize
}

// ReadyForMigration reports whether at least one file or app is selected.
func (o *Option) ReadyForMigration() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	var anyFile func(*Node) bool
	anyFile = func(n *Node) bool {
		if n.Selected {
			switch n.Kind {
			case KindFile, KindApp:
				return true
			case KindDirectory:
				// A selected directory counts through the files it holds.
				if n.FileCount > 0 || len(n.Children) > 0 {
					return true
				}
			}
		}
		for _, c := range n.Children {
			if anyFile(c) {
				return true
			}
		}
		return false
	}
	for _, r := range o.roots {
		if anyFile(r) {
			return true
		}
	}
	return false
}

// Reset discards the trees and totals.
func (o *Option) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.roots = nil
	o.selectedCount = 0
	o.totalSize = 0
}

// applyDelta adjusts the running totals in O(1); called from SetSelected.
func (o *Option) applyDelta(count int, size int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.selectedCount += count
	o.totalSize += size
}

// SetSelected toggles selection and pushes the size/count delta to the
// owning option without recomputing any subtree.
func (n *Node) SetSelected(selected bool) {
	if n.Selected == selected {
		return
	}
	n.Selected = selected

	if n.owner == nil {
		return
	}
	size := n.SizeBytes
	if size == SizeUnknown {
		size = 0
	}
	count := n.FileCount
	if count == 0 {
		count = 1
	}
	if selected {
		n.owner.applyDelta(count, size)
	} else {
		n.owner.applyDelta(-count, -size)
	}
}
