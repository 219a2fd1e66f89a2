package conn

import (
	"log/slog"
	"os"

	"github.com/handover-sh/handover/internal/wire"
)

// applyAttrs restores permissions and modification time on a received
// entry. Attribute failures are logged and swallowed; the content made
// it, which is what the migration is for.
func applyAttrs(path string, a wire.FileAttrs) {
	if a.Perm != 0 {
		if err := os.Chmod(path, os.FileMode(a.Perm)); err != nil {
			slog.Debug("chmod failed", "path", path, "error", err)
		}
	}
	if !a.ModTime.IsZero() {
		if err := os.Chtimes(path, a.ModTime, a.ModTime); err != nil {
			slog.Debug("chtimes failed", "path", path, "error", err)
		}
	}
}
