package conn

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/handover-sh/handover/internal/event"
	"github.com/handover-sh/handover/internal/fileset"
	"github.com/handover-sh/handover/internal/wire"
)

func readerFor(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}

// SendNode transmits one selected tree entry and everything under it.
// Symlinks discovered anywhere in the subtree are deferred and flushed
// after the entry itself has finished, so a link is never created before
// the files around it exist.
func (c *Connection) SendNode(node *fileset.Node) error {
	if err := c.sendNode(node); err != nil {
		return err
	}
	return c.flushSymlinks()
}

func (c *Connection) sendNode(node *fileset.Node) error {
	// The tree never hands over excluded entries, but re-check against
	// the policy before anything touches the wire.
	if c.cfg.Policy.Excluded(node.Path) && !node.AllowListed {
		slog.Debug("skipping excluded entry", "path", node.Path)
		c.cfg.Stats.AddFilesSkipped(1)
		return nil
	}

	switch node.Kind {
	case fileset.KindSocket:
		c.cfg.Stats.AddFilesSkipped(1)
		return nil
	case fileset.KindSymlink:
		c.deferSymlink(node.Path)
		return nil
	case fileset.KindApp:
		// App bundles travel as opaque directories: re-walked from disk,
		// internals never filtered.
		return c.sendDiskDir(node.Path, false)
	case fileset.KindDirectory:
		if !node.ChildrenReady() {
			return c.sendDiskDir(node.Path, true)
		}
		if err := c.sendDirectoryMarker(node.Path); err != nil {
			return err
		}
		for _, child := range node.Children {
			if err := c.sendNode(child); err != nil {
				return err
			}
		}
		return nil
	default:
		return c.sendFile(node.Path)
	}
}

// sendDiskDir walks a directory straight off the filesystem, in the same
// order discovery would have produced. applyPolicy is false inside app
// bundles.
func (c *Connection) sendDiskDir(path string, applyPolicy bool) error {
	if err := c.sendDirectoryMarker(path); err != nil {
		return err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		slog.Warn("read dir failed", "path", path, "error", err)
		c.cfg.Stats.AddFilesFailed(1)
		return nil
	}
	type diskEntry struct {
		name string
		mode fs.FileMode
	}
	list := make([]diskEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, diskEntry{name: e.Name(), mode: e.Type()})
	}
	sort.SliceStable(list, func(i, j int) bool {
		ri, rj := diskRank(list[i].mode), diskRank(list[j].mode)
		if ri != rj {
			return ri < rj
		}
		return list[i].name < list[j].name
	})

	for _, e := range list {
		child := filepath.Join(path, e.name)
		if applyPolicy && c.cfg.Policy.Excluded(child) && !c.cfg.Policy.AllowListedExactly(child) {
			c.cfg.Stats.AddFilesSkipped(1)
			continue
		}
		switch {
		case e.mode&fs.ModeSocket != 0:
			c.cfg.Stats.AddFilesSkipped(1)
		case e.mode&fs.ModeSymlink != 0:
			c.deferSymlink(child)
		case e.mode.IsDir():
			if err := c.sendDiskDir(child, applyPolicy && !strings.HasSuffix(e.name, ".app")); err != nil {
				return err
			}
		default:
			if err := c.sendFile(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// diskRank matches the discovery ordering: directories and symlinks
// ahead of plain files.
func diskRank(mode fs.FileMode) int {
	if mode.IsDir() || mode&fs.ModeSymlink != 0 {
		return 0
	}
	return 1
}

func (c *Connection) sendDirectoryMarker(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		slog.Warn("stat dir failed", "path", path, "error", err)
		c.cfg.Stats.AddFilesFailed(1)
		return nil
	}
	desc := wire.FileDescriptor{
		Attrs:  attrsFor(info, ""),
		Source: wire.FromAbsolute(path),
	}
	blob, err := wire.EncodeInfo(desc)
	if err != nil {
		return err
	}
	marker := []byte(wire.DirectoryMarker)
	if err := c.sendMsg(wire.TypeDirectory, blob, readerFor(marker), int64(len(marker))); err != nil {
		return fmt.Errorf("conn: send directory %s: %w", path, err)
	}
	return nil
}

// sendFile transmits one regular file, as a single File message or as a
// run of MultipartFile chunks when the size crosses the threshold.
// Local read failures count the file failed and keep the transfer going;
// only transport errors abort.
func (c *Connection) sendFile(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		slog.Warn("stat failed", "path", path, "error", err)
		c.cfg.Stats.AddFilesFailed(1)
		return nil
	}
	size := info.Size()

	if size > c.cfg.ChunkThreshold {
		return c.sendChunked(path, info)
	}

	var digest string
	if size > 0 {
		digest, err = hashFile(path)
		if err != nil {
			slog.Warn("hash failed", "path", path, "error", err)
			c.cfg.Stats.AddFilesFailed(1)
			return nil
		}
	}
	desc := wire.FileDescriptor{
		Attrs:  attrsFor(info, digest),
		Source: wire.FromAbsolute(path),
	}
	blob, err := wire.EncodeInfo(desc)
	if err != nil {
		return err
	}

	// Zero-byte files carry an empty body; the descriptor alone creates
	// the file, and the content is never opened.
	if size == 0 {
		if err := c.sendMsg(wire.TypeFile, blob, nil, 0); err != nil {
			return fmt.Errorf("conn: send %s: %w", path, err)
		}
		c.noteFileSent(path, 0)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		slog.Warn("open failed", "path", path, "error", err)
		c.cfg.Stats.AddFilesFailed(1)
		return nil
	}
	defer f.Close()

	if err := c.sendMsg(wire.TypeFile, blob, f, size); err != nil {
		return fmt.Errorf("conn: send %s: %w", path, err)
	}
	c.noteFileSent(path, size)
	return nil
}

// sendChunked splits a large file into sequential MultipartFile chunks.
// Parts count from zero; the descriptor's size is the whole file's so the
// receiver can report progress against the real total, and the whole-file
// digest rides on every part for verification once the last one lands.
func (c *Connection) sendChunked(path string, info fs.FileInfo) error {
	digest, err := hashFile(path)
	if err != nil {
		slog.Warn("hash failed", "path", path, "error", err)
		c.cfg.Stats.AddFilesFailed(1)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		slog.Warn("open failed", "path", path, "error", err)
		c.cfg.Stats.AddFilesFailed(1)
		return nil
	}
	defer f.Close()

	size := info.Size()
	source := wire.FromAbsolute(path)
	remaining := size
	for part := 0; remaining > 0; part++ {
		chunk := remaining
		if chunk > c.cfg.ChunkThreshold {
			chunk = c.cfg.ChunkThreshold
		}
		desc := wire.FileDescriptor{
			Part:   part,
			Attrs:  attrsFor(info, digest),
			Source: source,
		}
		blob, err := wire.EncodeInfo(desc)
		if err != nil {
			return err
		}
		if err := c.sendMsg(wire.TypeMultipartFile, blob, io.LimitReader(f, chunk), chunk); err != nil {
			return fmt.Errorf("conn: send %s part %d: %w", path, part, err)
		}
		c.cfg.Stats.AddBytesSent(chunk)
		remaining -= chunk
	}
	c.cfg.Stats.AddFilesSent(1)
	c.cfg.Bus.Publish(event.Event{Type: event.FileSent, Name: path, Size: size})
	return nil
}

func (c *Connection) noteFileSent(path string, size int64) {
	c.cfg.Stats.AddFilesSent(1)
	c.cfg.Stats.AddBytesSent(size)
	c.cfg.Bus.Publish(event.Event{Type: event.FileSent, Name: path, Size: size})
}

// deferSymlink queues a link for transmission after the entry that
// referenced it completes.
func (c *Connection) deferSymlink(path string) {
	target, err := os.Readlink(path)
	if err != nil {
		slog.Warn("readlink failed", "path", path, "error", err)
		c.cfg.Stats.AddFilesFailed(1)
		return
	}
	desc := wire.SymlinkDescriptor{Source: wire.FromAbsolute(path)}
	if filepath.IsAbs(target) {
		portable := wire.FromAbsolute(target)
		if portable.Anchor != wire.AnchorUnknown {
			desc.Target = &portable
		}
		desc.AbsTarget = target
	} else {
		// Relative targets survive as-is; they resolve against the
		// recreated source directory.
		desc.AbsTarget = target
	}
	c.symlinks = append(c.symlinks, desc)
}

func (c *Connection) flushSymlinks() error {
	links := c.symlinks
	c.symlinks = nil
	for _, desc := range links {
		blob, err := wire.EncodeInfo(desc)
		if err != nil {
			return err
		}
		if err := c.sendMsg(wire.TypeSymlink, blob, nil, 0); err != nil {
			return fmt.Errorf("conn: send symlink %s: %w", desc.Source, err)
		}
		c.cfg.Stats.AddFilesSent(1)
	}
	return nil
}

// SendDefaults transmits one settings entry for the receiver to apply.
func (c *Connection) SendDefaults(entry wire.DefaultsEntry) error {
	blob, err := wire.EncodeInfo(entry)
	if err != nil {
		return err
	}
	return c.sendMsg(wire.TypeDefaults, blob, nil, 0)
}

func attrsFor(info fs.FileInfo, digest string) wire.FileAttrs {
	return wire.FileAttrs{
		ModTime: info.ModTime(),
		Perm:    uint32(info.Mode().Perm()),
		Size:    info.Size(),
		Digest:  digest,
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
