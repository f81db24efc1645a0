package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/cistern/internal/backend"
	"github.com/jbweber/cistern/internal/conf"
	"github.com/jbweber/cistern/internal/seed"
	"github.com/jbweber/cistern/internal/storage"
)

// Volume management commands
var volCmd = &cobra.Command{
	Use:   "vol",
	Short: "Manage storage volumes",
	Long: `Manage storage volumes inside an active pool.

Volumes are disk images or raw files. They are created from libvirt
storage volume XML, or cloned from existing volumes.`,
}

var (
	volCreatePrealloc bool
	volClonePool      string
	volDeleteZeroed   bool
	volResizeAllocate bool
	volResizeDelta    bool
	volResizeShrink   bool
	volWipeAlgorithm  string
	volOffset         uint64
	volLength         uint64
	volSeedLabel      string
)

func init() {
	volCreateCmd.Flags().BoolVar(&volCreatePrealloc, "prealloc-metadata", false,
		"Preallocate metadata (qcow2), leaving data sparse")
	volCloneCmd.Flags().StringVar(&volClonePool, "pool", "",
		"Destination pool (defaults to the source pool)")
	volDeleteCmd.Flags().BoolVar(&volDeleteZeroed, "zeroed", false, "Zero data before deleting")
	volResizeCmd.Flags().BoolVar(&volResizeAllocate, "allocate", false, "Allocate the new capacity immediately")
	volResizeCmd.Flags().BoolVar(&volResizeDelta, "delta", false, "Treat the size as a change, not an absolute value")
	volResizeCmd.Flags().BoolVar(&volResizeShrink, "shrink", false, "Permit shrinking the volume")
	volWipeCmd.Flags().StringVar(&volWipeAlgorithm, "algorithm", "zero", "Wipe algorithm")
	volUploadCmd.Flags().Uint64Var(&volOffset, "offset", 0, "Byte offset to write at")
	volUploadCmd.Flags().Uint64Var(&volLength, "length", 0, "Number of bytes to write (0 = whole file)")
	volDownloadCmd.Flags().Uint64Var(&volOffset, "offset", 0, "Byte offset to read from")
	volDownloadCmd.Flags().Uint64Var(&volLength, "length", 0, "Number of bytes to read (0 = to end)")
	volSeedCmd.Flags().StringVar(&volSeedLabel, "label", seed.DefaultLabel, "ISO volume label")

	volCmd.AddCommand(volListCmd)
	volCmd.AddCommand(volInfoCmd)
	volCmd.AddCommand(volDumpXMLCmd)
	volCmd.AddCommand(volCreateCmd)
	volCmd.AddCommand(volCloneCmd)
	volCmd.AddCommand(volDeleteCmd)
	volCmd.AddCommand(volResizeCmd)
	volCmd.AddCommand(volWipeCmd)
	volCmd.AddCommand(volUploadCmd)
	volCmd.AddCommand(volDownloadCmd)
	volCmd.AddCommand(volSeedCmd)
}

var volListCmd = &cobra.Command{
	Use:   "list <pool>",
	Short: "List the volumes in a pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		vols, err := d.ListVolumes(args[0])
		if err != nil {
			return err
		}

		f, err := newFormatter()
		if err != nil {
			return err
		}
		out, err := f.FormatVolumeList(vols)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var volInfoCmd = &cobra.Command{
	Use:   "info <pool> <name>",
	Short: "Show detailed information about a volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		info, err := d.VolumeInfo(args[0], args[1])
		if err != nil {
			return err
		}

		f, err := newFormatter()
		if err != nil {
			return err
		}
		out, err := f.FormatVolume(info)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var volDumpXMLCmd = &cobra.Command{
	Use:   "dumpxml <pool> <name>",
	Short: "Print a volume's XML definition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		xml, err := d.VolumeXML(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(xml)
		return nil
	},
}

var volCreateCmd = &cobra.Command{
	Use:   "create <pool> <volume.xml>",
	Short: "Create a volume from an XML file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		xml, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		d, err := newDriver()
		if err != nil {
			return err
		}

		var flags backend.VolCreateFlags
		if volCreatePrealloc {
			flags |= backend.VolCreatePreallocMetadata
		}

		info, err := d.CreateVolume(args[0], string(xml), flags)
		if err != nil {
			return err
		}
		fmt.Printf("Volume %s created in pool %s\n", info.Name, info.Pool)
		return nil
	},
}

var volCloneCmd = &cobra.Command{
	Use:   "clone <pool> <volume> <new-name>",
	Short: "Clone a volume",
	Long: `Create a new volume with the contents of an existing one. The new
volume lands in the source pool unless --pool selects another one.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		srcPool, srcVol, newName := args[0], args[1], args[2]
		destPool := volClonePool
		if destPool == "" {
			destPool = srcPool
		}

		d, err := newDriver()
		if err != nil {
			return err
		}

		orig, err := d.VolumeInfo(srcPool, srcVol)
		if err != nil {
			return err
		}
		def := &conf.VolumeDefinition{
			Name: newName,
			Target: conf.VolumeTarget{
				Format:   orig.Format,
				Capacity: orig.Capacity,
			},
		}
		xml, err := def.VolumeXML()
		if err != nil {
			return err
		}

		info, err := d.CreateVolumeFrom(destPool, xml, srcPool, srcVol, 0)
		if err != nil {
			return err
		}
		fmt.Printf("Volume %s cloned to %s in pool %s\n", srcVol, info.Name, info.Pool)
		return nil
	},
}

var volDeleteCmd = &cobra.Command{
	Use:   "delete <pool> <name>",
	Short: "Delete a volume",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}

		var flags backend.DeleteFlags
		if volDeleteZeroed {
			flags |= backend.DeleteZeroed
		}

		if err := d.DeleteVolume(args[0], args[1], flags); err != nil {
			return err
		}
		fmt.Printf("Volume %s deleted from pool %s\n", args[1], args[0])
		return nil
	},
}

var volResizeCmd = &cobra.Command{
	Use:   "resize <pool> <name> <size>",
	Short: "Resize a volume",
	Long: `Change a volume's capacity. The size takes an optional binary
suffix (K, M, G, T). By default the size is absolute and the volume may
only grow; pass --shrink to reduce it, or --delta to grow (or with
--shrink, reduce) by the given amount.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := parseSize(args[2])
		if err != nil {
			return err
		}

		d, err := newDriver()
		if err != nil {
			return err
		}

		var flags storage.ResizeFlags
		if volResizeAllocate {
			flags |= storage.ResizeAllocate
		}
		if volResizeDelta {
			flags |= storage.ResizeDelta
		}
		if volResizeShrink {
			flags |= storage.ResizeShrink
		}

		if err := d.ResizeVolume(args[0], args[1], size, flags); err != nil {
			return err
		}
		fmt.Printf("Volume %s resized\n", args[1])
		return nil
	},
}

var volWipeCmd = &cobra.Command{
	Use:   "wipe <pool> <name>",
	Short: "Destroy a volume's data",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		if err := d.WipeVolume(args[0], args[1], backend.WipeAlgorithm(volWipeAlgorithm)); err != nil {
			return err
		}
		fmt.Printf("Volume %s wiped\n", args[1])
		return nil
	},
}

var volUploadCmd = &cobra.Command{
	Use:   "upload <pool> <name> <file>",
	Short: "Upload a local file into a volume",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[2])
		if err != nil {
			return err
		}
		defer f.Close()

		d, err := newDriver()
		if err != nil {
			return err
		}
		if err := d.UploadVolume(args[0], args[1], f, volOffset, volLength); err != nil {
			return err
		}
		fmt.Printf("Uploaded %s to volume %s\n", args[2], args[1])
		return nil
	},
}

var volDownloadCmd = &cobra.Command{
	Use:   "download <pool> <name> <file>",
	Short: "Download volume data into a local file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Create(args[2])
		if err != nil {
			return err
		}
		defer f.Close()

		d, err := newDriver()
		if err != nil {
			return err
		}
		if err := d.DownloadVolume(args[0], args[1], f, volOffset, volLength); err != nil {
			return err
		}
		fmt.Printf("Downloaded volume %s to %s\n", args[1], args[2])
		return nil
	},
}

var volSeedCmd = &cobra.Command{
	Use:   "seed <pool> <name> <dir>",
	Short: "Create a volume holding an ISO built from a directory",
	Long: `Pack a directory of files into an ISO9660 image and store it as a
new raw volume, e.g. a cloud-init NoCloud seed disk. The default volume
label CIDATA is what cloud-init expects.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		poolName, volName, dirPath := args[0], args[1], args[2]

		image, err := seed.PackDir(dirPath, volSeedLabel)
		if err != nil {
			return err
		}

		d, err := newDriver()
		if err != nil {
			return err
		}

		def := &conf.VolumeDefinition{
			Name: volName,
			Target: conf.VolumeTarget{
				Format:     conf.FormatRaw,
				Capacity:   uint64(len(image)),
				Allocation: uint64(len(image)),
			},
		}
		xml, err := def.VolumeXML()
		if err != nil {
			return err
		}

		info, err := d.CreateVolume(poolName, xml, 0)
		if err != nil {
			return err
		}
		if err := d.UploadVolume(poolName, info.Name, bytes.NewReader(image), 0, 0); err != nil {
			return err
		}
		fmt.Printf("Seed volume %s created in pool %s (%d bytes)\n", info.Name, info.Pool, len(image))
		return nil
	},
}

// parseSize parses a byte count with an optional binary suffix.
func parseSize(s string) (uint64, error) {
	suffixes := map[string]uint64{
		"K": 1 << 10, "M": 1 << 20, "G": 1 << 30, "T": 1 << 40,
	}

	num := s
	mult := uint64(1)
	upper := strings.ToUpper(strings.TrimSpace(s))
	for suffix, m := range suffixes {
		if strings.HasSuffix(upper, suffix) {
			num = upper[:len(upper)-1]
			mult = m
			break
		}
	}

	n, err := strconv.ParseUint(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}
