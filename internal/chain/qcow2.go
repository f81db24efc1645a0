package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/jbweber/cistern/internal/conf"
)

// qcow2 header layout (big endian):
//
//	0  magic "QFI\xfb"
//	4  version (2 or 3)
//	8  backing_file_offset
//	16 backing_file_size
//	...
//	100 header_length (version 3 only)
//
// Header extensions follow the fixed header; the one we care about carries
// the declared format of the backing file.
const (
	qcow2Magic = "QFI\xfb"

	qcow2BackingOffset = 8
	qcow2BackingSize   = 16
	qcow2HeaderLenV2   = 72
	qcow2HeaderLenOff  = 100

	// Extension tag declaring the backing file's format.
	qcow2ExtBackingFormat = 0xE2792ACA
	qcow2ExtEnd           = 0x00000000
)

// probeFormat detects the image format from a header prefix. Anything not
// positively identified is treated as raw.
func probeFormat(header []byte) conf.VolumeFormat {
	if len(header) >= 8 && string(header[:4]) == qcow2Magic {
		version := binary.BigEndian.Uint32(header[4:8])
		if version == 2 || version == 3 {
			return conf.FormatQCOW2
		}
	}
	return conf.FormatRaw
}

// parseQCOW2Header extracts the declared backing file reference and, when
// the matching header extension is present, its declared format.
func parseQCOW2Header(header []byte) (string, conf.VolumeFormat, error) {
	if len(header) < qcow2HeaderLenV2 {
		return "", "", fmt.Errorf("header too short: %d bytes", len(header))
	}
	if string(header[:4]) != qcow2Magic {
		return "", "", fmt.Errorf("bad magic")
	}
	version := binary.BigEndian.Uint32(header[4:8])
	if version != 2 && version != 3 {
		return "", "", fmt.Errorf("unsupported version %d", version)
	}

	backingOffset := binary.BigEndian.Uint64(header[qcow2BackingOffset:])
	backingSize := binary.BigEndian.Uint32(header[qcow2BackingSize:])
	if backingOffset == 0 || backingSize == 0 {
		return "", "", nil
	}
	end := backingOffset + uint64(backingSize)
	if end < backingOffset || end > uint64(len(header)) {
		return "", "", fmt.Errorf("backing file name at %d+%d is out of bounds",
			backingOffset, backingSize)
	}
	backingPath := string(header[backingOffset:end])

	format := backingFormatExtension(header, version)
	return backingPath, format, nil
}

// backingFormatExtension walks the header extension area looking for the
// backing-format tag. Malformed or truncated extensions end the walk
// silently: the backing path is still usable without a declared format.
func backingFormatExtension(header []byte, version uint32) conf.VolumeFormat {
	offset := uint64(qcow2HeaderLenV2)
	if version >= 3 {
		if len(header) < qcow2HeaderLenOff+4 {
			return ""
		}
		offset = uint64(binary.BigEndian.Uint32(header[qcow2HeaderLenOff:]))
	}

	for offset+8 <= uint64(len(header)) {
		tag := binary.BigEndian.Uint32(header[offset:])
		length := uint64(binary.BigEndian.Uint32(header[offset+4:]))
		offset += 8
		if tag == qcow2ExtEnd {
			return ""
		}
		if offset+length > uint64(len(header)) {
			return ""
		}
		if tag == qcow2ExtBackingFormat {
			return conf.VolumeFormat(header[offset : offset+length])
		}
		// Extension payloads are padded to 8-byte boundaries.
		offset += (length + 7) &^ 7
	}
	return ""
}
