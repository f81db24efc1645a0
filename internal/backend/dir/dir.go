// Package dir implements the storage backend for directory pools: a pool
// is a directory on a local filesystem, each regular file inside it is a
// volume. qcow2 volumes are created and converted with qemu-img; raw
// volumes are plain files.
package dir

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jbweber/cistern/internal/backend"
	"github.com/jbweber/cistern/internal/chain"
	"github.com/jbweber/cistern/internal/conf"
)

const (
	dirPermissions  = 0o755
	filePermissions = 0o644

	// wipeChunk is the buffer size used when zeroing volume data.
	wipeChunk = 1 << 20
)

// Backend is the directory pool backend. The zero value is ready to use.
type Backend struct{}

// New returns a directory backend.
func New() *Backend {
	return &Backend{}
}

// CheckPool reports whether the pool's target directory exists.
func (b *Backend) CheckPool(pool *conf.PoolDefinition) (bool, error) {
	fi, err := os.Stat(pool.Target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !fi.IsDir() {
		return false, fmt.Errorf("pool target %s is not a directory", pool.Target)
	}
	return true, nil
}

// StartPool verifies the target directory is present and usable.
func (b *Backend) StartPool(pool *conf.PoolDefinition) error {
	active, err := b.CheckPool(pool)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("pool target %s does not exist", pool.Target)
	}
	return nil
}

// StopPool deactivates the pool. A directory needs no teardown.
func (b *Backend) StopPool(*conf.PoolDefinition) error {
	return nil
}

// BuildPool creates the target directory. With BuildNoOverwrite an existing
// non-empty directory is an error.
func (b *Backend) BuildPool(pool *conf.PoolDefinition, flags backend.BuildFlags) error {
	if flags&backend.BuildNoOverwrite != 0 {
		entries, err := os.ReadDir(pool.Target)
		if err == nil && len(entries) > 0 {
			return fmt.Errorf("pool target %s exists and is not empty", pool.Target)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.MkdirAll(pool.Target, dirPermissions); err != nil {
		return fmt.Errorf("failed to create pool target %s: %w", pool.Target, err)
	}
	return nil
}

// DeletePool removes the target directory, which must be empty.
func (b *Backend) DeletePool(pool *conf.PoolDefinition, _ backend.DeleteFlags) error {
	if err := os.Remove(pool.Target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove pool target %s: %w", pool.Target, err)
	}
	return nil
}

// RefreshPool scans the target directory, probing each regular file, and
// recomputes the pool counters from the filesystem.
func (b *Backend) RefreshPool(pool *conf.PoolDefinition) (*backend.PoolContents, error) {
	entries, err := os.ReadDir(pool.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool target %s: %w", pool.Target, err)
	}

	contents := &backend.PoolContents{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(pool.Target, entry.Name())

		vol := &conf.VolumeDefinition{Name: entry.Name()}
		if err := b.describeVol(path, vol); err != nil {
			// A file that disappears or resists probing mid-scan is
			// skipped, not fatal for the whole pool.
			continue
		}
		contents.Volumes = append(contents.Volumes, vol)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(pool.Target, &st); err != nil {
		return nil, fmt.Errorf("failed to statfs pool target %s: %w", pool.Target, err)
	}
	contents.Capacity = st.Blocks * uint64(st.Bsize)
	contents.Available = st.Bavail * uint64(st.Bsize)
	contents.Allocation = contents.Capacity - contents.Available

	return contents, nil
}

// describeVol fills vol's target, key, sizes, and backing reference from
// the file at path.
func (b *Backend) describeVol(path string, vol *conf.VolumeDefinition) error {
	key, err := canonicalPath(path)
	if err != nil {
		return err
	}

	info, err := chain.ProbeFile(path)
	if err != nil {
		return err
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return err
	}

	vol.Key = key
	vol.Target.Path = path
	vol.Target.Format = info.Format
	vol.Target.Capacity = info.Capacity
	vol.Target.Allocation = uint64(st.Blocks) * 512
	if info.BackingPath != "" {
		vol.BackingPath = info.BackingPath
		if !filepath.IsAbs(vol.BackingPath) {
			vol.BackingPath = filepath.Join(filepath.Dir(path), vol.BackingPath)
		}
		vol.BackingFormat = info.BackingFormat
	}
	return nil
}

// CreateVol assigns the volume's target path and key. The file itself is
// written by BuildVol.
func (b *Backend) CreateVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition) error {
	path := filepath.Join(pool.Target, vol.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("volume file %s already exists", path)
	}

	vol.Target.Path = path
	// The canonical pool path keeps keys stable even when the caller's
	// target path contains symlinks.
	dir, err := canonicalPath(pool.Target)
	if err != nil {
		return fmt.Errorf("failed to resolve pool target %s: %w", pool.Target, err)
	}
	vol.Key = filepath.Join(dir, vol.Name)

	if vol.Target.Format == "" || vol.Target.Format == conf.FormatAuto {
		vol.Target.Format = conf.FormatRaw
	}
	return nil
}

// BuildVol allocates the volume file. Raw volumes are truncated to their
// capacity (sparse); qcow2 volumes are created with qemu-img, including a
// backing file when one is declared.
func (b *Backend) BuildVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition, flags backend.VolCreateFlags) error {
	switch vol.Target.Format {
	case conf.FormatRaw:
		f, err := os.OpenFile(vol.Target.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePermissions)
		if err != nil {
			return fmt.Errorf("failed to create volume file %s: %w", vol.Target.Path, err)
		}
		defer f.Close()
		if err := f.Truncate(int64(vol.Target.Capacity)); err != nil {
			return fmt.Errorf("failed to size volume file %s: %w", vol.Target.Path, err)
		}
		return nil

	case conf.FormatQCOW2:
		args := []string{"create", "-f", "qcow2"}
		if vol.BackingPath != "" {
			backingFormat := vol.BackingFormat
			if backingFormat == "" || backingFormat == conf.FormatAuto {
				backingFormat = conf.FormatRaw
			}
			args = append(args, "-b", vol.BackingPath, "-F", string(backingFormat))
		}
		if flags&backend.VolCreatePreallocMetadata != 0 {
			args = append(args, "-o", "preallocation=metadata")
		}
		args = append(args, vol.Target.Path, fmt.Sprintf("%d", vol.Target.Capacity))

		cmd := exec.Command("qemu-img", args...)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to create volume %s: %w\nOutput: %s",
				vol.Target.Path, err, string(output))
		}
		return nil

	default:
		return fmt.Errorf("unsupported volume format %q", vol.Target.Format)
	}
}

// BuildVolFrom populates the volume by converting the source image with
// qemu-img.
func (b *Backend) BuildVolFrom(pool *conf.PoolDefinition, vol, orig *conf.VolumeDefinition, _ backend.VolCreateFlags) error {
	cmd := exec.Command(
		"qemu-img", "convert",
		"-f", string(orig.Target.Format),
		"-O", string(vol.Target.Format),
		orig.Target.Path,
		vol.Target.Path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to convert %s to %s: %w\nOutput: %s",
			orig.Target.Path, vol.Target.Path, err, string(output))
	}

	// qemu-img sizes the destination to the source; grow it if the caller
	// asked for more.
	if vol.Target.Capacity > orig.Target.Capacity {
		return b.ResizeVol(pool, vol, vol.Target.Capacity)
	}
	return nil
}

// RefreshVol re-reads the volume's sizes and backing reference from the
// file.
func (b *Backend) RefreshVol(_ *conf.PoolDefinition, vol *conf.VolumeDefinition) error {
	return b.describeVol(vol.Target.Path, vol)
}

// DeleteVol removes the volume file. DeleteZeroed destroys the data before
// unlinking.
func (b *Backend) DeleteVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition, flags backend.DeleteFlags) error {
	if flags&backend.DeleteZeroed != 0 {
		if err := b.WipeVol(pool, vol, backend.WipeZero); err != nil {
			return err
		}
	}
	if err := os.Remove(vol.Target.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove volume file %s: %w", vol.Target.Path, err)
	}
	return nil
}

// ResizeVol changes the volume's capacity. Raw files are truncated in
// place; qcow2 images are resized with qemu-img.
func (b *Backend) ResizeVol(_ *conf.PoolDefinition, vol *conf.VolumeDefinition, capacity uint64) error {
	switch vol.Target.Format {
	case conf.FormatRaw:
		if err := os.Truncate(vol.Target.Path, int64(capacity)); err != nil {
			return fmt.Errorf("failed to resize volume file %s: %w", vol.Target.Path, err)
		}
		return nil

	case conf.FormatQCOW2:
		args := []string{"resize"}
		if capacity < vol.Target.Capacity {
			args = append(args, "--shrink")
		}
		args = append(args, vol.Target.Path, fmt.Sprintf("%d", capacity))
		cmd := exec.Command("qemu-img", args...)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to resize volume %s: %w\nOutput: %s",
				vol.Target.Path, err, string(output))
		}
		return nil

	default:
		return fmt.Errorf("unsupported volume format %q", vol.Target.Format)
	}
}

// WipeVol overwrites the volume's on-disk data. Only zeroing is supported;
// the file's physical extent is zeroed and the file truncated back to its
// original length.
func (b *Backend) WipeVol(_ *conf.PoolDefinition, vol *conf.VolumeDefinition, alg backend.WipeAlgorithm) error {
	if alg != backend.WipeZero {
		return fmt.Errorf("wipe algorithm %q is not supported", alg)
	}

	f, err := os.OpenFile(vol.Target.Path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open volume file %s: %w", vol.Target.Path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()

	zeros := make([]byte, wipeChunk)
	var written int64
	for written < size {
		n := int64(len(zeros))
		if size-written < n {
			n = size - written
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			return fmt.Errorf("failed to zero volume file %s: %w", vol.Target.Path, err)
		}
		written += n
	}
	return f.Sync()
}

// UploadVol writes stream data into the volume file starting at offset. A
// zero length copies until the stream ends.
func (b *Backend) UploadVol(_ *conf.PoolDefinition, vol *conf.VolumeDefinition, r io.Reader, offset, length uint64) error {
	f, err := os.OpenFile(vol.Target.Path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open volume file %s: %w", vol.Target.Path, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	if length > 0 {
		r = io.LimitReader(r, int64(length))
	}
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to write volume file %s: %w", vol.Target.Path, err)
	}
	return f.Sync()
}

// DownloadVol copies volume data into w starting at offset. A zero length
// copies to end of file.
func (b *Backend) DownloadVol(_ *conf.PoolDefinition, vol *conf.VolumeDefinition, w io.Writer, offset, length uint64) error {
	f, err := os.Open(vol.Target.Path)
	if err != nil {
		return fmt.Errorf("failed to open volume file %s: %w", vol.Target.Path, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	var r io.Reader = f
	if length > 0 {
		r = io.LimitReader(f, int64(length))
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("failed to read volume file %s: %w", vol.Target.Path, err)
	}
	return nil
}

func canonicalPath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(resolved)
}
