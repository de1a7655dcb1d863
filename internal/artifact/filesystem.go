package artifact

import (
	"forestmc/internal/infra/artifact/fs"
)

// NewFilesystem constructs a filesystem-backed artifact Store rooted at the
// provided path. Returns Store so call sites depend on the interface instead
// of concrete implementations.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}
