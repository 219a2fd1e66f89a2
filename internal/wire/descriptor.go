package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Anchor is a well-known directory a PortablePath is rooted under. Source
// and destination machines have different absolute home directories, so
// paths travel re-rooted and resolve locally at receive time.
type Anchor string

const (
	AnchorHome         Anchor = "home"
	AnchorDesktop      Anchor = "desktop"
	AnchorDocuments    Anchor = "documents"
	AnchorApplications Anchor = "applications"
	AnchorUnknown      Anchor = "unknown"
)

// PortablePath is an anchor plus a slash-separated relative suffix.
// The zero value is not meaningful; build one with FromAbsolute.
type PortablePath struct {
	Anchor Anchor `json:"anchor"`
	Rel    string `json:"rel"`
}

// anchorDirs returns the local absolute directory for each anchor.
// Applications live under the home directory on platforms without a
// system-wide applications folder.
func anchorDirs() map[Anchor]string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	return map[Anchor]string{
		AnchorDesktop:      filepath.Join(home, "Desktop"),
		AnchorDocuments:    filepath.Join(home, "Documents"),
		AnchorApplications: filepath.Join(home, "Applications"),
		AnchorHome:         home,
	}
}

// FromAbsolute re-roots abs against the most specific matching anchor.
// Paths outside every anchor keep their absolute form under AnchorUnknown.
func FromAbsolute(abs string) PortablePath {
	abs = filepath.Clean(abs)
	dirs := anchorDirs()
	// Most specific first; home last since it contains the others.
	for _, a := range []Anchor{AnchorDesktop, AnchorDocuments, AnchorApplications, AnchorHome} {
		root := dirs[a]
		if abs == root {
			return PortablePath{Anchor: a, Rel: "."}
		}
		if strings.HasPrefix(abs, root+string(filepath.Separator)) {
			rel, err := filepath.Rel(root, abs)
			if err == nil {
				return PortablePath{Anchor: a, Rel: filepath.ToSlash(rel)}
			}
		}
	}
	return PortablePath{Anchor: AnchorUnknown, Rel: filepath.ToSlash(abs)}
}

// Resolve maps the portable path back to a local absolute path.
func (p PortablePath) Resolve() string {
	if p.Anchor == AnchorUnknown || p.Anchor == "" {
		return filepath.FromSlash(p.Rel)
	}
	root, ok := anchorDirs()[p.Anchor]
	if !ok {
		return filepath.FromSlash(p.Rel)
	}
	if p.Rel == "." || p.Rel == "" {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(p.Rel))
}

func (p PortablePath) String() string {
	return string(p.Anchor) + ":" + p.Rel
}

// FileAttrs is the closed set of attributes carried with every file,
// directory, and chunk. Extra round-trips platform-specific metadata
// without interpretation.
type FileAttrs struct {
	ModTime time.Time `json:"modTime"`
	Perm    uint32    `json:"perm"`
	Size    int64     `json:"size"`
	Digest  string    `json:"digest,omitempty"` // BLAKE3 hex of the whole file
	Extra   []byte    `json:"extra,omitempty"`
}

// FileDescriptor is the info blob prefixed to File, MultipartFile, and
// Directory messages. Part is 0 for whole files and the first chunk, and
// increases by one per subsequent chunk of the same logical file.
type FileDescriptor struct {
	Part   int          `json:"part"`
	Attrs  FileAttrs    `json:"attrs"`
	Source PortablePath `json:"source"`
}

// SymlinkDescriptor is the info blob of a Symlink message. Target is the
// link destination re-rooted like the source; AbsTarget preserves the
// raw destination for links pointing outside every anchor, and relative
// targets travel in AbsTarget untouched. Receivers prefer Target when
// present.
type SymlinkDescriptor struct {
	Source    PortablePath  `json:"source"`
	Target    *PortablePath `json:"target,omitempty"`
	AbsTarget string        `json:"absTarget,omitempty"`
}

// DefaultsEntry is the info blob of a Defaults message: one key plus a
// typed value to apply into the receiver's settings store.
type DefaultsEntry struct {
	Key  string `json:"key"`
	Kind string `json:"kind"` // "string" or "bool"
	Str  string `json:"str,omitempty"`
	Bool bool   `json:"bool,omitempty"`
}

// EncodeInfo serializes an info blob. A failure here is fatal to the one
// send that produced it, never to the connection.
func EncodeInfo(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode info: %w", err)
	}
	return b, nil
}

// DecodeInfo parses an info blob into v.
func DecodeInfo(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: decode info: %w", err)
	}
	return nil
}
