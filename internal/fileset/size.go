package fileset

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/handover-sh/handover/internal/permit"
)

// ComputeSizes fills in SizeBytes and FileCount for the whole tree,
// post-order (children before parents). Leaf aggregation runs through the
// file-operation permit pool so concurrent scans stay bounded.
func ComputeSizes(ctx context.Context, pool *permit.Pool, node *Node) error {
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	var compute func(n *Node)
	compute = func(n *Node) {
		switch n.Kind {
		case KindFile:
			if n.SizeBytes == SizeUnknown {
				if info, err := os.Lstat(n.Path); err == nil {
					n.SizeBytes = info.Size()
				} else {
					n.SizeBytes = 0
				}
			}
			n.FileCount = 1

		case KindSymlink:
			if info, err := os.Lstat(n.Path); err == nil {
				n.SizeBytes = info.Size()
			} else {
				n.SizeBytes = 0
			}
			n.FileCount = 1

		case KindApp:
			// App content isn't retained in the tree; aggregate the whole
			// bundle directly from the filesystem.
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := pool.Do(ctx, func() error {
					size, count := aggregate(n.Path)
					n.SizeBytes = size
					n.FileCount = count
					return nil
				})
				if err != nil {
					errOnce.Do(func() { firstErr = err })
				}
			}()

		case KindDirectory:
			if !n.childrenReady {
				// Beyond the eager window: size via direct walk.
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := pool.Do(ctx, func() error {
						size, count := aggregate(n.Path)
						n.SizeBytes = size
						n.FileCount = count
						return nil
					})
					if err != nil {
						errOnce.Do(func() { firstErr = err })
					}
				}()
				return
			}
			for _, c := range n.Children {
				compute(c)
			}
		}
	}

	compute(node)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	// Second pass rolls loaded directories up now that async leaves are
	// settled: a directory is its children plus its own metadata size.
	var rollup func(n *Node)
	rollup = func(n *Node) {
		if n.Kind != KindDirectory || !n.childrenReady {
			return
		}
		var size int64
		var count int
		for _, c := range n.Children {
			rollup(c)
			if c.SizeBytes > 0 {
				size += c.SizeBytes
			}
			count += c.FileCount
		}
		if info, err := os.Lstat(n.Path); err == nil {
			size += info.Size()
		}
		n.SizeBytes = size
		n.FileCount = count
	}
	rollup(node)
	return nil
}

// aggregate sums sizes and file counts for a whole subtree straight from
// the filesystem, skipping entries it cannot stat.
func aggregate(root string) (int64, int) {
	var size int64
	var count int
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		size += info.Size()
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return size, count
}
