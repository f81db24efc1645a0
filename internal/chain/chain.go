// Package chain resolves the backing-file chain of a disk image: the
// sequence of parent images a copy-on-write image transitively depends on.
//
// Traversal is recursive with an explicit cycle guard. The visited set is
// keyed by each file's backend-reported canonical identifier rather than
// the caller-supplied path, so relative paths and symlinks cannot mask a
// self-reference, and it is scoped to a single Resolve call.
package chain

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jbweber/cistern/internal/conf"
)

// ErrCycle reports a self-referential backing chain.
var ErrCycle = errors.New("backing store chain contains a cycle")

// maxHeader bounds how much of a file the resolver will read looking for
// format metadata.
const maxHeader = 16 * 1024 * 1024

// Source is one node in a backing chain. Backing points at the parent
// image, nil for the chain's root.
type Source struct {
	Path    string
	Format  conf.VolumeFormat
	Backing *Source
}

// Depth returns the number of nodes in the chain starting at s.
func (s *Source) Depth() int {
	n := 0
	for c := s; c != nil; c = c.Backing {
		n++
	}
	return n
}

// Backend gives the resolver access to one storage technology's files. The
// three traversal capabilities are optional; a backend lacking any of them
// limits resolution to the single leaf node.
type Backend interface {
	// Init prepares per-source state before a visit. Deinit releases it;
	// it runs whether or not the visit succeeded.
	Init(src *Source) error
	Deinit(src *Source)
}

// Accessor confirms a source exists and is readable.
type Accessor interface {
	Access(src *Source) error
}

// Identifier computes a source's canonical unique identifier, stable across
// relative paths and symlinks.
type Identifier interface {
	UniqueID(src *Source) (string, error)
}

// HeaderReader reads up to max bytes of a source's header.
type HeaderReader interface {
	ReadHeader(src *Source, max int) ([]byte, error)
}

// Resolve discovers src's backing chain and links it via the Backing
// fields. allowProbe controls whether a backing file with no declared
// format may have its format probed from its header; when probing is
// disallowed such a file is treated as raw and not descended into.
//
// A broken ancestor further up the chain does not fail resolution: the
// chain is truncated at the last readable node. A cycle anywhere in the
// chain fails with ErrCycle.
func Resolve(b Backend, src *Source, allowProbe bool) error {
	accessor, okAccess := b.(Accessor)
	identifier, okID := b.(Identifier)
	reader, okRead := b.(HeaderReader)
	if !okAccess || !okID || !okRead {
		return nil
	}

	t := traversal{
		backend:    b,
		accessor:   accessor,
		identifier: identifier,
		reader:     reader,
		allowProbe: allowProbe,
		visited:    make(map[string]struct{}),
	}
	return t.visit(src)
}

type traversal struct {
	backend    Backend
	accessor   Accessor
	identifier Identifier
	reader     HeaderReader
	allowProbe bool
	visited    map[string]struct{}
}

func (t *traversal) visit(src *Source) error {
	if err := t.backend.Init(src); err != nil {
		return fmt.Errorf("failed to initialize source %s: %w", src.Path, err)
	}
	defer t.backend.Deinit(src)

	if err := t.accessor.Access(src); err != nil {
		return fmt.Errorf("source %s is not accessible: %w", src.Path, err)
	}

	uid, err := t.identifier.UniqueID(src)
	if err != nil {
		return fmt.Errorf("failed to identify source %s: %w", src.Path, err)
	}
	if _, seen := t.visited[uid]; seen {
		return fmt.Errorf("%w: %s", ErrCycle, src.Path)
	}
	t.visited[uid] = struct{}{}

	header, err := t.reader.ReadHeader(src, maxHeader)
	if err != nil {
		return fmt.Errorf("failed to read header of %s: %w", src.Path, err)
	}

	if src.Format == "" || src.Format == conf.FormatAuto {
		src.Format = probeFormat(header)
	}
	if src.Format != conf.FormatQCOW2 {
		// Opaque formats carry no backing reference.
		return nil
	}

	backingPath, backingFormat, err := parseQCOW2Header(header)
	if err != nil {
		return fmt.Errorf("malformed header in %s: %w", src.Path, err)
	}
	if backingPath == "" {
		return nil
	}

	backing := &Source{Path: absBacking(src.Path, backingPath)}
	switch {
	case backingFormat != "":
		backing.Format = backingFormat
	case t.allowProbe:
		backing.Format = conf.FormatAuto
	default:
		backing.Format = conf.FormatRaw
	}

	if err := t.visit(backing); err != nil {
		if errors.Is(err, ErrCycle) {
			return err
		}
		// A broken ancestor truncates the chain here rather than making
		// the readable part unusable.
		return nil
	}

	src.Backing = backing
	return nil
}

// absBacking interprets a backing reference relative to the image that
// declares it, the way image formats themselves do.
func absBacking(imagePath, backing string) string {
	if filepath.IsAbs(backing) {
		return backing
	}
	return filepath.Join(filepath.Dir(imagePath), backing)
}
