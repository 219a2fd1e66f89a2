package conn

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handover-sh/handover/internal/event"
	"github.com/handover-sh/handover/internal/fileset"
	"github.com/handover-sh/handover/internal/permit"
	"github.com/handover-sh/handover/internal/stats"
	"github.com/handover-sh/handover/internal/wire"
)

// testPair wires two connections over an in-memory pipe, redirecting
// received paths from srcRoot into destRoot.
func testPair(t *testing.T, srcRoot, destRoot string, policy fileset.Policy, threshold int64) (*Connection, *Connection) {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	resolve := func(p wire.PortablePath) string {
		rel := strings.TrimPrefix(filepath.FromSlash(p.Rel), srcRoot)
		return filepath.Join(destRoot, rel)
	}

	sender, err := Wrap(a, RoleInitiator, Config{
		Policy:         policy,
		ChunkThreshold: threshold,
		Stats:          stats.NewCollector(),
		Bus:            event.NewBus(),
	})
	require.NoError(t, err)

	receiver, err := Wrap(b, RoleAcceptor, Config{
		Policy:         policy,
		ChunkThreshold: threshold,
		Stats:          stats.NewCollector(),
		Bus:            event.NewBus(),
		Resolve:        resolve,
	})
	require.NoError(t, err)

	return sender, receiver
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Lstat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "expected %s to appear", path)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSendFileWholeAndVerified(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "hello.txt"), "hello migration")

	sender, receiver := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateOverwrite}, DefaultChunkThreshold)

	require.NoError(t, sender.sendFile(filepath.Join(src, "hello.txt")))

	got := filepath.Join(dest, "hello.txt")
	waitForFile(t, got)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(got)
		return err == nil && string(data) == "hello migration"
	}, 5*time.Second, 10*time.Millisecond)

	snap := receiver.cfg.Stats.Snapshot()
	assert.EqualValues(t, 0, snap.VerifyFailed)
}

func TestSendFileChunked(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	// 40 bytes over a 16-byte threshold: three chunks, last one short.
	content := strings.Repeat("abcdefgh", 5)
	writeFile(t, filepath.Join(src, "big.bin"), content)

	sender, receiver := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateOverwrite}, 16)

	require.NoError(t, sender.sendFile(filepath.Join(src, "big.bin")))

	got := filepath.Join(dest, "big.bin")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(got)
		return err == nil && string(data) == content
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return receiver.cfg.Stats.Snapshot().FilesReceived == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, int64(len(content)), receiver.cfg.Stats.BytesReceived())
	assert.EqualValues(t, 0, receiver.cfg.Stats.Snapshot().VerifyFailed)
}

func TestChunkedDigestMismatchCounted(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	_, receiver := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateOverwrite}, 16)

	// A lone chunk carrying the full announced size completes the file
	// immediately; its bogus digest must be caught.
	desc := wire.FileDescriptor{
		Attrs:  wire.FileAttrs{Size: 4, Perm: 0o644, ModTime: time.Now(), Digest: "00ff"},
		Source: wire.FromAbsolute(filepath.Join(src, "x.bin")),
	}
	blob, err := wire.EncodeInfo(desc)
	require.NoError(t, err)
	msg := wire.Message{Type: wire.TypeMultipartFile, Info: blob, Body: strings.NewReader("data"), BodyLen: 4}
	require.NoError(t, receiver.receiveChunk(msg))

	snap := receiver.cfg.Stats.Snapshot()
	assert.EqualValues(t, 1, snap.VerifyFailed)
	assert.EqualValues(t, 1, snap.FilesReceived)
}

func TestSendZeroByteFile(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "empty"), "")

	sender, _ := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateOverwrite}, DefaultChunkThreshold)

	require.NoError(t, sender.sendFile(filepath.Join(src, "empty")))

	got := filepath.Join(dest, "empty")
	waitForFile(t, got)
	info, err := os.Lstat(got)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestSymlinksFlushAfterDirectory(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	docs := filepath.Join(src, "Docs")
	writeFile(t, filepath.Join(docs, "a.txt"), "aaaaaaaaaa")
	require.NoError(t, os.Symlink("a.txt", filepath.Join(docs, "link")))

	sender, receiver := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateOverwrite}, DefaultChunkThreshold)

	var mu sync.Mutex
	var order []string
	receiver.cfg.Bus.Subscribe(func(e event.Event) {
		switch e.Type {
		case event.FileReceived, event.SymlinkReceived:
			mu.Lock()
			order = append(order, filepath.Base(e.Name))
			mu.Unlock()
		}
	})

	scanner := fileset.NewScanner(fileset.Policy{})
	root, err := scanner.Build(docs)
	require.NoError(t, err)
	require.NoError(t, sender.SendNode(root))

	link := filepath.Join(dest, "Docs", "link")
	waitForFile(t, link)
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	// The link was queued during the directory walk and sent only after
	// the file content it points at.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, []string{"a.txt", "link"}, order)
}

func TestDuplicateIgnoreKeepsExisting(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "f.txt"), "incoming")
	writeFile(t, filepath.Join(dest, "f.txt"), "original")

	sender, receiver := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateIgnore}, DefaultChunkThreshold)

	require.NoError(t, sender.sendFile(filepath.Join(src, "f.txt")))

	require.Eventually(t, func() bool {
		return receiver.cfg.Stats.Snapshot().FilesSkipped == 1
	}, 5*time.Second, 10*time.Millisecond)
	data, err := os.ReadFile(filepath.Join(dest, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestDuplicateIgnoreKeepsExistingMultipart(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	content := strings.Repeat("abcdefgh", 5)
	writeFile(t, filepath.Join(src, "big.bin"), content)
	writeFile(t, filepath.Join(dest, "big.bin"), "original")

	sender, receiver := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateIgnore}, 16)

	require.NoError(t, sender.sendFile(filepath.Join(src, "big.bin")))
	require.NoError(t, sender.SendMigrationCompleted())

	select {
	case <-receiver.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver loop did not stop")
	}

	// Every chunk of the skipped file is discarded; nothing may be
	// appended to the file already sitting at the destination.
	data, err := os.ReadFile(filepath.Join(dest, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	assert.EqualValues(t, 1, receiver.cfg.Stats.Snapshot().FilesSkipped)
}

func TestDuplicateOverwriteReplaces(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "f.txt"), "incoming")
	writeFile(t, filepath.Join(dest, "f.txt"), "original")

	sender, _ := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateOverwrite}, DefaultChunkThreshold)

	require.NoError(t, sender.sendFile(filepath.Join(src, "f.txt")))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dest, "f.txt"))
		return err == nil && string(data) == "incoming"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDuplicateMoveBacksUpMirroringPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dest := t.TempDir()
	backup := t.TempDir()
	writeFile(t, filepath.Join(home, "Docs", "f.txt"), "incoming")
	writeFile(t, filepath.Join(dest, "Docs", "f.txt"), "original")

	policy := fileset.Policy{Duplicates: fileset.DuplicateMove, BackupRoot: backup}
	sender, receiver := testPair(t, home, dest, policy, DefaultChunkThreshold)

	require.NoError(t, sender.sendFile(filepath.Join(home, "Docs", "f.txt")))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dest, "Docs", "f.txt"))
		return err == nil && string(data) == "incoming"
	}, 5*time.Second, 10*time.Millisecond)

	// The displaced file keeps its anchor-relative place under the
	// backup root.
	moved, err := os.ReadFile(filepath.Join(backup, "Docs", "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(moved))
	assert.EqualValues(t, 1, receiver.cfg.Stats.Snapshot().DuplicatesMoved)

	// A second displacement of the same file must not clobber the first
	// backup; the collision gets a unique sibling name.
	require.NoError(t, sender.sendFile(filepath.Join(home, "Docs", "f.txt")))
	require.Eventually(t, func() bool {
		return receiver.cfg.Stats.Snapshot().DuplicatesMoved == 2
	}, 5*time.Second, 10*time.Millisecond)

	entries, err := os.ReadDir(filepath.Join(backup, "Docs"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	names := []string{entries[0].Name(), entries[1].Name()}
	assert.Contains(t, names, "f.txt")
	for _, n := range names {
		if n != "f.txt" {
			assert.True(t, strings.HasSuffix(n, "-f.txt"))
		}
	}
}

// memSettings is an in-memory SettingsStore for exercising the Defaults
// handler.
type memSettings struct {
	mu    sync.Mutex
	strs  map[string]string
	bools map[string]bool
}

func newMemSettings() *memSettings {
	return &memSettings{strs: map[string]string{}, bools: map[string]bool{}}
}

func (m *memSettings) SetString(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strs[key] = value
	return nil
}

func (m *memSettings) SetBool(key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bools[key] = value
	return nil
}

func TestDefaultsApplyToSettings(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	store := newMemSettings()
	sender, err := Wrap(a, RoleInitiator, Config{})
	require.NoError(t, err)
	_, err = Wrap(b, RoleAcceptor, Config{Settings: store})
	require.NoError(t, err)

	require.NoError(t, sender.SendDefaults(wire.DefaultsEntry{Key: "screensaver.delay", Kind: "string", Str: "300"}))
	require.NoError(t, sender.SendDefaults(wire.DefaultsEntry{Key: "dock.autohide", Kind: "bool", Bool: true}))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.strs["screensaver.delay"] == "300" && store.bools["dock.autohide"]
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInvalidMessageDoesNotKillConnection(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "after.txt"), "still alive")

	sender, receiver := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateOverwrite}, DefaultChunkThreshold)

	// An unknown type code with coherent lengths must be skipped whole.
	require.NoError(t, sender.sendMsg(wire.Type(42), []byte("junk"), strings.NewReader("body"), 4))
	require.NoError(t, sender.sendFile(filepath.Join(src, "after.txt")))

	waitForFile(t, filepath.Join(dest, "after.txt"))
	assert.NotEqual(t, StateFailed, receiver.State())
}

func TestMigrationCompletedClosesCleanly(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	sender, receiver := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateOverwrite}, DefaultChunkThreshold)

	require.NoError(t, sender.SendMigrationCompleted())

	select {
	case <-receiver.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver loop did not stop")
	}
	assert.True(t, receiver.Completed())
	assert.True(t, sender.Completed())
	assert.NotEqual(t, StateFailed, receiver.State())
}

func TestMigrationEndToEnd(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	docs := filepath.Join(src, "Docs")
	writeFile(t, filepath.Join(docs, "a.txt"), strings.Repeat("x", 10))
	writeFile(t, filepath.Join(docs, "b.txt"), "")
	require.NoError(t, os.Symlink("a.txt", filepath.Join(docs, "link")))

	sender, receiver := testPair(t, src, dest, fileset.Policy{Duplicates: fileset.DuplicateOverwrite}, DefaultChunkThreshold)

	scanner := fileset.NewScanner(fileset.Policy{})
	root, err := scanner.Build(docs)
	require.NoError(t, err)
	require.NoError(t, fileset.ComputeSizes(context.Background(), permit.NewPool(5), root))
	opt := fileset.NewOption(fileset.PresetAdvanced)
	opt.AddRoot(root)
	root.SetSelected(true)
	require.True(t, opt.ReadyForMigration())

	require.NoError(t, sender.SendMigrationSize(opt.TotalSize()))
	require.NoError(t, sender.SendNode(root))
	require.NoError(t, sender.SendMigrationCompleted())

	select {
	case <-receiver.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver loop did not stop")
	}

	a, err := os.ReadFile(filepath.Join(dest, "Docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 10), string(a))

	b, err := os.Lstat(filepath.Join(dest, "Docs", "b.txt"))
	require.NoError(t, err)
	assert.Zero(t, b.Size())

	target, err := os.Readlink(filepath.Join(dest, "Docs", "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	snap := receiver.cfg.Stats.Snapshot()
	assert.EqualValues(t, 2, snap.FilesReceived)
	assert.EqualValues(t, 1, snap.SymlinksCreated)
	assert.EqualValues(t, 1, snap.DirsCreated)
	assert.EqualValues(t, 10, snap.BytesReceived)
	assert.True(t, receiver.Completed())
}

func TestExcludedEntryNeverSent(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	docs := filepath.Join(src, "Docs")
	writeFile(t, filepath.Join(docs, "keep.txt"), "keep")
	writeFile(t, filepath.Join(docs, "skip.tmp"), "skip")

	policy := fileset.Policy{
		ExcludedExtensions: []string{".tmp"},
		Duplicates:         fileset.DuplicateOverwrite,
	}
	sender, _ := testPair(t, src, dest, policy, DefaultChunkThreshold)

	scanner := fileset.NewScanner(policy)
	root, err := scanner.Build(docs)
	require.NoError(t, err)
	require.NoError(t, sender.SendNode(root))

	waitForFile(t, filepath.Join(dest, "Docs", "keep.txt"))
	_, err = os.Lstat(filepath.Join(dest, "Docs", "skip.tmp"))
	assert.True(t, os.IsNotExist(err))
}
