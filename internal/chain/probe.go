package chain

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/jbweber/cistern/internal/conf"
)

// ImageInfo is the format metadata probed from one image file.
type ImageInfo struct {
	Format conf.VolumeFormat
	// Capacity is the virtual size for formats that declare one, else the
	// file size.
	Capacity uint64
	// BackingPath and BackingFormat describe the declared parent image, if
	// any. BackingPath is as written in the header, possibly relative.
	BackingPath   string
	BackingFormat conf.VolumeFormat
}

const qcow2SizeOffset = 24

// ProbeFile reads an image's header and reports its format, virtual size,
// and declared backing reference.
func ProbeFile(path string) (*ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	header, err := io.ReadAll(io.LimitReader(f, maxHeader))
	if err != nil {
		return nil, err
	}

	info := &ImageInfo{
		Format:   probeFormat(header),
		Capacity: uint64(fi.Size()),
	}
	if info.Format != conf.FormatQCOW2 {
		return info, nil
	}

	if len(header) < qcow2SizeOffset+8 {
		return nil, fmt.Errorf("malformed header in %s: %d bytes", path, len(header))
	}
	info.Capacity = binary.BigEndian.Uint64(header[qcow2SizeOffset:])

	backingPath, backingFormat, err := parseQCOW2Header(header)
	if err != nil {
		return nil, fmt.Errorf("malformed header in %s: %w", path, err)
	}
	info.BackingPath = backingPath
	info.BackingFormat = backingFormat
	return info, nil
}
