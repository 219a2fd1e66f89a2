package wire_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handover-sh/handover/internal/wire"
)

func TestPortablePathRoundTrip(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cases := []struct {
		abs    string
		anchor wire.Anchor
	}{
		{filepath.Join(home, "notes.txt"), wire.AnchorHome},
		{filepath.Join(home, "Desktop", "shot.png"), wire.AnchorDesktop},
		{filepath.Join(home, "Documents", "tax", "2025.pdf"), wire.AnchorDocuments},
		{filepath.Join(home, "Applications", "Tool.app"), wire.AnchorApplications},
		{"/opt/shared/data.bin", wire.AnchorUnknown},
	}

	for _, tc := range cases {
		p := wire.FromAbsolute(tc.abs)
		assert.Equal(t, tc.anchor, p.Anchor, tc.abs)
		assert.Equal(t, tc.abs, p.Resolve(), tc.abs)
	}
}

func TestPortablePathAnchorItself(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	p := wire.FromAbsolute(filepath.Join(home, "Desktop"))
	assert.Equal(t, wire.AnchorDesktop, p.Anchor)
	assert.Equal(t, filepath.Join(home, "Desktop"), p.Resolve())
}

func TestFileDescriptorInfoBlob(t *testing.T) {
	t.Parallel()

	d := wire.FileDescriptor{
		Part: 3,
		Attrs: wire.FileAttrs{
			ModTime: time.Unix(1700000000, 0).UTC(),
			Perm:    0o644,
			Size:    4096,
			Digest:  "ab12",
		},
		Source: wire.PortablePath{Anchor: wire.AnchorDocuments, Rel: "big/archive.tar"},
	}

	blob, err := wire.EncodeInfo(d)
	require.NoError(t, err)

	var got wire.FileDescriptor
	require.NoError(t, wire.DecodeInfo(blob, &got))
	assert.Equal(t, d, got)
}

func TestDecodeInfoMalformed(t *testing.T) {
	t.Parallel()

	var d wire.FileDescriptor
	err := wire.DecodeInfo([]byte("{not json"), &d)
	require.Error(t, err)
}
