package conn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/handover-sh/handover/internal/event"
	"github.com/handover-sh/handover/internal/fileset"
	"github.com/handover-sh/handover/internal/wire"
)

// receiveLoop reads frames until completion or transport failure. Every
// handler fully consumes the message body so the framer stays aligned.
func (c *Connection) receiveLoop() {
	for {
		msg, err := c.framer.ReadMessage()
		if err != nil {
			// A read error after an intentional close or a completed
			// migration is just the socket going away.
			if c.closed.Load() || c.completed.Load() {
				return
			}
			c.fail(err)
			return
		}

		done, err := c.dispatch(msg)
		if err != nil {
			c.fail(err)
			return
		}
		if done {
			c.finish()
			return
		}
	}
}

// dispatch routes one inbound message. The returned bool is true when
// the peer signalled migration completion.
func (c *Connection) dispatch(msg wire.Message) (bool, error) {
	switch msg.Type {
	case wire.TypeHostname:
		name, err := readBodyString(msg)
		if err != nil {
			return false, err
		}
		c.cfg.Bus.Publish(event.Event{Type: event.HostnameLearned, Name: name})

	case wire.TypeAvailableSpace:
		n, err := readBodyInt(msg)
		if err != nil {
			return false, err
		}
		c.cfg.Bus.Publish(event.Event{Type: event.FreeSpaceLearned, Size: n})

	case wire.TypeMetadata:
		n, err := readBodyInt(msg)
		if err != nil {
			return false, err
		}
		c.cfg.Stats.SetBytesTotal(n)
		c.cfg.Bus.Publish(event.Event{Type: event.MigrationSize, Size: n})

	case wire.TypeFile:
		return false, c.receiveFile(msg)

	case wire.TypeMultipartFile:
		return false, c.receiveChunk(msg)

	case wire.TypeDirectory:
		return false, c.receiveDirectory(msg)

	case wire.TypeSymlink:
		return false, c.receiveSymlink(msg)

	case wire.TypeDefaults:
		return false, c.receiveDefaults(msg)

	case wire.TypeResult:
		if err := c.framer.Discard(msg); err != nil {
			return false, err
		}
		c.completed.Store(true)
		c.cfg.Bus.Publish(event.Event{Type: event.MigrationCompleted})
		return true, nil

	default:
		// Unknown codes were already tagged invalid by the framer; the
		// length fields are still trusted, so drain and carry on.
		slog.Warn("discarding invalid message", "bodyLen", msg.BodyLen)
		if err := c.framer.Discard(msg); err != nil {
			return false, err
		}
	}
	return false, nil
}

// receiveFile materializes a whole-file transfer: duplicate policy,
// parent creation, streamed body, attributes, and digest verification.
func (c *Connection) receiveFile(msg wire.Message) error {
	var desc wire.FileDescriptor
	if err := wire.DecodeInfo(msg.Info, &desc); err != nil {
		c.cfg.Stats.AddFilesFailed(1)
		return c.framer.Discard(msg)
	}
	dest := c.cfg.Resolve(desc.Source)

	if err := c.handleDuplicate(dest, desc.Source); err != nil {
		if errors.Is(err, errSkipExisting) {
			c.cfg.Stats.AddFilesSkipped(1)
			return c.framer.Discard(msg)
		}
		c.cfg.Stats.AddFilesFailed(1)
		slog.Warn("duplicate handling failed", "path", dest, "error", err)
		return c.framer.Discard(msg)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		c.cfg.Stats.AddFilesFailed(1)
		slog.Warn("create parent failed", "path", dest, "error", err)
		return c.framer.Discard(msg)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm(desc.Attrs))
	if err != nil {
		c.cfg.Stats.AddFilesFailed(1)
		slog.Warn("create failed", "path", dest, "error", err)
		return c.framer.Discard(msg)
	}

	h := blake3.New()
	n, copyErr := io.Copy(io.MultiWriter(f, h), msg.Body)
	closeErr := f.Close()
	c.cfg.Stats.AddBytesReceived(n)
	if copyErr != nil {
		c.cfg.Stats.AddFilesFailed(1)
		return fmt.Errorf("conn: receive %s after %d bytes: %w", dest, n, copyErr)
	}
	if closeErr != nil {
		c.cfg.Stats.AddFilesFailed(1)
		slog.Warn("close failed", "path", dest, "error", closeErr)
		return nil
	}

	if desc.Attrs.Digest != "" {
		if got := fmt.Sprintf("%x", h.Sum(nil)); got != desc.Attrs.Digest {
			c.cfg.Stats.AddVerifyFailed(1)
			slog.Warn("digest mismatch", "path", dest, "want", desc.Attrs.Digest, "got", got)
		}
	}

	applyAttrs(dest, desc.Attrs)
	c.cfg.Stats.AddFilesReceived(1)
	c.cfg.Bus.Publish(event.Event{Type: event.FileReceived, Name: dest, Size: n})
	return nil
}

// receiveChunk appends one MultipartFile part. Part zero creates (or
// truncates) the destination; later parts append. Chunks of one file
// arrive strictly in order on the single stream, so append is safe.
func (c *Connection) receiveChunk(msg wire.Message) error {
	var desc wire.FileDescriptor
	if err := wire.DecodeInfo(msg.Info, &desc); err != nil {
		c.cfg.Stats.AddFilesFailed(1)
		return c.framer.Discard(msg)
	}
	dest := c.cfg.Resolve(desc.Source)
	key := desc.Source.String()

	if desc.Part == 0 {
		delete(c.skipParts, key)
		if err := c.handleDuplicate(dest, desc.Source); err != nil {
			// Whatever already sits at dest must stay untouched, so the
			// remaining parts of this file are dropped as they arrive.
			c.skipParts[key] = true
			if errors.Is(err, errSkipExisting) {
				c.cfg.Stats.AddFilesSkipped(1)
				return c.framer.Discard(msg)
			}
			c.cfg.Stats.AddFilesFailed(1)
			return c.framer.Discard(msg)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			c.skipParts[key] = true
			c.cfg.Stats.AddFilesFailed(1)
			return c.framer.Discard(msg)
		}
	} else if c.skipParts[key] {
		return c.framer.Discard(msg)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if desc.Part == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(dest, flags, perm(desc.Attrs))
	if err != nil {
		c.skipParts[key] = true
		c.cfg.Stats.AddFilesFailed(1)
		slog.Warn("open chunk target failed", "path", dest, "error", err)
		return c.framer.Discard(msg)
	}
	n, copyErr := io.Copy(f, msg.Body)
	closeErr := f.Close()
	c.cfg.Stats.AddBytesReceived(n)
	if copyErr != nil {
		c.cfg.Stats.AddFilesFailed(1)
		return fmt.Errorf("conn: receive chunk %s part %d: %w", dest, desc.Part, copyErr)
	}
	if closeErr != nil {
		slog.Warn("close failed", "path", dest, "error", closeErr)
	}

	// The stream carries no explicit last-part marker; the file is
	// complete when appended bytes reach the announced size.
	if fi, err := os.Lstat(dest); err == nil && desc.Attrs.Size > 0 && fi.Size() >= desc.Attrs.Size {
		if desc.Attrs.Digest != "" {
			if got, err := hashFile(dest); err == nil && got != desc.Attrs.Digest {
				c.cfg.Stats.AddVerifyFailed(1)
				slog.Warn("digest mismatch", "path", dest, "want", desc.Attrs.Digest, "got", got)
			}
		}
		applyAttrs(dest, desc.Attrs)
		c.cfg.Stats.AddFilesReceived(1)
		c.cfg.Bus.Publish(event.Event{Type: event.FileReceived, Name: dest, Size: desc.Attrs.Size})
	}
	return nil
}

func (c *Connection) receiveDirectory(msg wire.Message) error {
	var desc wire.FileDescriptor
	if err := wire.DecodeInfo(msg.Info, &desc); err != nil {
		c.cfg.Stats.AddFilesFailed(1)
		return c.framer.Discard(msg)
	}
	if err := c.framer.Discard(msg); err != nil {
		return err
	}

	dest := c.cfg.Resolve(desc.Source)
	if err := os.MkdirAll(dest, perm(desc.Attrs)|0o700); err != nil {
		c.cfg.Stats.AddFilesFailed(1)
		slog.Warn("create directory failed", "path", dest, "error", err)
		return nil
	}
	applyAttrs(dest, desc.Attrs)
	c.cfg.Stats.AddDirsCreated(1)
	c.cfg.Bus.Publish(event.Event{Type: event.DirectoryReceived, Name: dest})
	return nil
}

// receiveSymlink recreates a deferred link. Failures never abort the
// migration; a broken link is recorded and skipped.
func (c *Connection) receiveSymlink(msg wire.Message) error {
	var desc wire.SymlinkDescriptor
	if err := wire.DecodeInfo(msg.Info, &desc); err != nil {
		c.cfg.Stats.AddFilesFailed(1)
		return c.framer.Discard(msg)
	}
	if err := c.framer.Discard(msg); err != nil {
		return err
	}

	source := c.cfg.Resolve(desc.Source)
	target := desc.AbsTarget
	if desc.Target != nil {
		target = c.cfg.Resolve(*desc.Target)
	}
	if target == "" {
		c.cfg.Stats.AddFilesFailed(1)
		slog.Warn("symlink without target", "path", source)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(source), 0o755); err != nil {
		c.cfg.Stats.AddFilesFailed(1)
		return nil
	}
	os.Remove(source)
	if err := os.Symlink(target, source); err != nil {
		c.cfg.Stats.AddFilesFailed(1)
		slog.Warn("create symlink failed", "path", source, "target", target, "error", err)
		return nil
	}
	c.cfg.Stats.AddSymlinksCreated(1)
	c.cfg.Bus.Publish(event.Event{Type: event.SymlinkReceived, Name: source})
	return nil
}

func (c *Connection) receiveDefaults(msg wire.Message) error {
	var entry wire.DefaultsEntry
	if err := wire.DecodeInfo(msg.Info, &entry); err != nil {
		slog.Warn("bad defaults entry", "error", err)
		return c.framer.Discard(msg)
	}
	if err := c.framer.Discard(msg); err != nil {
		return err
	}
	if c.cfg.Settings == nil {
		slog.Debug("no settings store; dropping defaults entry", "key", entry.Key)
		return nil
	}

	var err error
	switch entry.Kind {
	case "bool":
		err = c.cfg.Settings.SetBool(entry.Key, entry.Bool)
	default:
		err = c.cfg.Settings.SetString(entry.Key, entry.Str)
	}
	if err != nil {
		slog.Warn("apply defaults entry failed", "key", entry.Key, "error", err)
	}
	return nil
}

// errSkipExisting tells the caller an existing destination should be
// left alone under the ignore policy.
var errSkipExisting = errors.New("conn: destination exists")

// handleDuplicate applies the duplicate policy to an existing
// destination path. Overwrite is a no-op here (the open truncates); move
// relocates the old file into the backup root, keeping its
// anchor-relative path so a displaced tree holds its shape.
func (c *Connection) handleDuplicate(dest string, source wire.PortablePath) error {
	if _, err := os.Lstat(dest); err != nil {
		return nil // nothing there
	}

	switch c.cfg.Policy.Duplicates {
	case fileset.DuplicateIgnore:
		return errSkipExisting
	case fileset.DuplicateMove:
		root := c.cfg.Policy.BackupRoot
		if root == "" {
			root = filepath.Join(filepath.Dir(dest), "handover-backup")
		}
		rel := strings.TrimPrefix(filepath.FromSlash(source.Rel), string(filepath.Separator))
		backup := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(backup), 0o755); err != nil {
			return err
		}
		if _, err := os.Lstat(backup); err == nil {
			// The same file was displaced before; keep both copies apart.
			backup = filepath.Join(filepath.Dir(backup), uuid.NewString()+"-"+filepath.Base(backup))
		}
		if err := os.Rename(dest, backup); err != nil {
			return err
		}
		c.cfg.Stats.AddDuplicatesMoved(1)
		return nil
	default: // overwrite
		return nil
	}
}

func perm(a wire.FileAttrs) os.FileMode {
	if a.Perm == 0 {
		return 0o644
	}
	return os.FileMode(a.Perm)
}

func readBodyString(msg wire.Message) (string, error) {
	b, err := io.ReadAll(msg.Body)
	if err != nil {
		return "", fmt.Errorf("conn: read %s body: %w", msg.Type, err)
	}
	return string(b), nil
}

// readBodyInt parses a decimal body. Anything non-numeric collapses to
// zero rather than killing the connection.
func readBodyInt(msg wire.Message) (int64, error) {
	s, err := readBodyString(msg)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		slog.Warn("non-numeric size payload", "type", msg.Type.String(), "body", s)
		return 0, nil
	}
	return n, nil
}
