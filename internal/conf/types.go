package conf

import (
	"fmt"

	"github.com/google/uuid"
)

// PoolType identifies the storage technology backing a pool.
type PoolType string

const (
	PoolTypeDir     PoolType = "dir"     // Directory on a local filesystem
	PoolTypeFS      PoolType = "fs"      // Pre-formatted block device, mounted
	PoolTypeNetFS   PoolType = "netfs"   // Network filesystem (NFS etc.)
	PoolTypeLogical PoolType = "logical" // LVM volume group
	PoolTypeISCSI   PoolType = "iscsi"   // iSCSI target
	PoolTypeSCSI    PoolType = "scsi"    // SCSI host adapter
)

// VolumeFormat is the on-disk format of a volume.
type VolumeFormat string

const (
	FormatRaw   VolumeFormat = "raw"
	FormatQCOW2 VolumeFormat = "qcow2"
	// FormatAuto requests probing; it is never stored in a definition that
	// has been through volume creation.
	FormatAuto VolumeFormat = "auto"
)

// PoolSource describes where a pool's storage comes from. Which fields are
// meaningful depends on the pool type; the core treats it as opaque and only
// compares it for duplicate detection.
type PoolSource struct {
	// Host is the remote host for network-backed pools (netfs, iscsi).
	Host string
	// Device is the source device path (iscsi IQN, block device, ...).
	Device string
	// Dir is the exported directory for netfs pools.
	Dir string
	// Name is the source name for logical pools (volume group name).
	Name string
}

// IsZero reports whether no source information is set.
func (s PoolSource) IsZero() bool {
	return s == PoolSource{}
}

// PoolDefinition is the persistent description of one storage pool. It is
// immutable per revision: updating a running pool produces a replacement
// definition rather than mutating fields in place (see storage.PoolObject).
type PoolDefinition struct {
	Name   string
	UUID   uuid.UUID
	Type   PoolType
	Source PoolSource
	// Target is the path under which volumes appear.
	Target string

	// Size counters in bytes, maintained by pool refresh and volume
	// operations. Available is always Capacity - Allocation.
	Capacity   uint64
	Allocation uint64
	Available  uint64
}

// Validate checks structural validity of a parsed pool definition.
func (d *PoolDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pool name is required")
	}
	if d.Type == "" {
		return fmt.Errorf("pool type is required")
	}
	if d.UUID == uuid.Nil {
		return fmt.Errorf("pool UUID is required")
	}
	return nil
}

// VolumeTarget describes where and how a volume stores its data.
type VolumeTarget struct {
	Path       string
	Format     VolumeFormat
	Capacity   uint64
	Allocation uint64
}

// VolumeDefinition describes one volume inside a pool. Name is unique within
// the pool; Key is a globally unique identifier assigned by the backend
// (typically the canonical target path) and is never trusted from caller
// input.
type VolumeDefinition struct {
	Name   string
	Key    string
	Target VolumeTarget

	// BackingPath/BackingFormat record the parent image of a copy-on-write
	// volume, when there is one.
	BackingPath   string
	BackingFormat VolumeFormat

	// Building is true while a backend allocation or copy operation is in
	// flight for this volume. InUse counts consumers actively reading the
	// volume, e.g. as a clone source. Both are runtime state guarded by the
	// owning pool's lock and are never serialized.
	Building bool
	InUse    uint
}

// Validate checks structural validity of a parsed volume definition.
func (v *VolumeDefinition) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required")
	}
	if v.Target.Capacity == 0 {
		return fmt.Errorf("volume capacity must be greater than 0")
	}
	return nil
}

// Shallow returns a copy of the definition with the runtime flags cleared.
// Used to snapshot the requested sizes before a build drops the pool lock:
// the live definition may be refreshed concurrently while the build runs.
func (v *VolumeDefinition) Shallow() *VolumeDefinition {
	c := *v
	c.Building = false
	c.InUse = 0
	return &c
}
