// Package seed packs a directory of files into an ISO9660 image suitable
// for attaching to a VM as a configuration or data seed, e.g. a cloud-init
// NoCloud disk.
package seed

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"
)

// DefaultLabel is the volume identifier cloud-init's NoCloud datasource
// expects. It must be uppercase.
const DefaultLabel = "CIDATA"

// PackDir builds an ISO image containing every regular file under dir,
// preserving relative paths, and returns the image as a byte slice.
func PackDir(dir, label string) ([]byte, error) {
	if label == "" {
		label = DefaultLabel
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		// Cleanup removes the writer's temporary staging files; a failure
		// here does not invalidate an already generated image.
		_ = writer.Cleanup()
	}()

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		if err := writer.AddFile(f, rel); err != nil {
			return fmt.Errorf("failed to add %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", dir, err)
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, label); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}
	return buf.Bytes(), nil
}
