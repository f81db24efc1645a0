package chain

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalBackend resolves chains over plain files on the local filesystem. It
// implements every traversal capability.
type LocalBackend struct{}

// Init implements Backend. Local files need no per-source state.
func (LocalBackend) Init(*Source) error { return nil }

// Deinit implements Backend.
func (LocalBackend) Deinit(*Source) {}

// Access reports whether the file exists and is a regular file.
func (LocalBackend) Access(src *Source) error {
	fi, err := os.Stat(src.Path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src.Path)
	}
	return nil
}

// UniqueID returns the canonical absolute path with symlinks resolved, so
// two spellings of the same file get the same identifier.
func (LocalBackend) UniqueID(src *Source) (string, error) {
	resolved, err := filepath.EvalSymlinks(src.Path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}

// ReadHeader reads up to max bytes from the start of the file.
func (LocalBackend) ReadHeader(src *Source, max int) ([]byte, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := io.ReadAll(io.LimitReader(f, int64(max)))
	if err != nil {
		return nil, err
	}
	return header, nil
}
