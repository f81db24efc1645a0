package conf

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// ParsePoolDefinition parses a storage pool definition from its XML
// representation. A missing UUID is generated; a malformed one is an error.
func ParsePoolDefinition(xml string) (*PoolDefinition, error) {
	var pool libvirtxml.StoragePool
	if err := pool.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("failed to parse pool XML: %w", err)
	}

	def := &PoolDefinition{
		Name: pool.Name,
		Type: PoolType(pool.Type),
	}

	if pool.UUID == "" {
		def.UUID = uuid.New()
	} else {
		id, err := uuid.Parse(pool.UUID)
		if err != nil {
			return nil, fmt.Errorf("invalid pool UUID %q: %w", pool.UUID, err)
		}
		def.UUID = id
	}

	if pool.Target != nil {
		def.Target = pool.Target.Path
	}

	if pool.Source != nil {
		def.Source.Name = pool.Source.Name
		if pool.Source.Dir != nil {
			def.Source.Dir = pool.Source.Dir.Path
		}
		if len(pool.Source.Host) > 0 {
			def.Source.Host = pool.Source.Host[0].Name
		}
		if len(pool.Source.Device) > 0 {
			def.Source.Device = pool.Source.Device[0].Path
		}
	}

	var err error
	if def.Capacity, err = sizeBytes(pool.Capacity); err != nil {
		return nil, fmt.Errorf("invalid pool capacity: %w", err)
	}
	if def.Allocation, err = sizeBytes(pool.Allocation); err != nil {
		return nil, fmt.Errorf("invalid pool allocation: %w", err)
	}
	if def.Available, err = sizeBytes(pool.Available); err != nil {
		return nil, fmt.Errorf("invalid pool available: %w", err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return def, nil
}

// XML serializes the pool definition back to its external representation.
func (d *PoolDefinition) XML() (string, error) {
	pool := &libvirtxml.StoragePool{
		Type:       string(d.Type),
		Name:       d.Name,
		UUID:       d.UUID.String(),
		Capacity:   &libvirtxml.StoragePoolSize{Value: d.Capacity, Unit: "B"},
		Allocation: &libvirtxml.StoragePoolSize{Value: d.Allocation, Unit: "B"},
		Available:  &libvirtxml.StoragePoolSize{Value: d.Available, Unit: "B"},
	}

	if d.Target != "" {
		pool.Target = &libvirtxml.StoragePoolTarget{Path: d.Target}
	}

	if !d.Source.IsZero() {
		src := &libvirtxml.StoragePoolSource{Name: d.Source.Name}
		if d.Source.Dir != "" {
			src.Dir = &libvirtxml.StoragePoolSourceDir{Path: d.Source.Dir}
		}
		if d.Source.Host != "" {
			src.Host = []libvirtxml.StoragePoolSourceHost{{Name: d.Source.Host}}
		}
		if d.Source.Device != "" {
			src.Device = []libvirtxml.StoragePoolSourceDevice{{Path: d.Source.Device}}
		}
		pool.Source = src
	}

	return marshalClean(pool)
}

// ParseVolumeDefinition parses a volume definition from its XML
// representation. The key, path, and allocation are assigned by the backend
// at creation time; values from the caller are carried through here and
// wiped by the orchestrator where the contract requires it.
func ParseVolumeDefinition(xml string) (*VolumeDefinition, error) {
	var vol libvirtxml.StorageVolume
	if err := vol.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("failed to parse volume XML: %w", err)
	}

	def := &VolumeDefinition{
		Name: vol.Name,
		Key:  vol.Key,
	}

	var err error
	if def.Target.Capacity, err = volSizeBytes(vol.Capacity); err != nil {
		return nil, fmt.Errorf("invalid volume capacity: %w", err)
	}
	if def.Target.Allocation, err = volSizeBytes(vol.Allocation); err != nil {
		return nil, fmt.Errorf("invalid volume allocation: %w", err)
	}

	if vol.Target != nil {
		def.Target.Path = vol.Target.Path
		if vol.Target.Format != nil {
			def.Target.Format = VolumeFormat(vol.Target.Format.Type)
		}
	}
	if def.Target.Format == "" {
		def.Target.Format = FormatRaw
	}

	if vol.BackingStore != nil {
		def.BackingPath = vol.BackingStore.Path
		if vol.BackingStore.Format != nil {
			def.BackingFormat = VolumeFormat(vol.BackingStore.Format.Type)
		}
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return def, nil
}

// VolumeXML serializes the volume definition back to its external
// representation.
func (v *VolumeDefinition) VolumeXML() (string, error) {
	vol := &libvirtxml.StorageVolume{
		Name:       v.Name,
		Key:        v.Key,
		Capacity:   &libvirtxml.StorageVolumeSize{Value: v.Target.Capacity, Unit: "B"},
		Allocation: &libvirtxml.StorageVolumeSize{Value: v.Target.Allocation, Unit: "B"},
		Target: &libvirtxml.StorageVolumeTarget{
			Path: v.Target.Path,
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(v.Target.Format),
			},
		},
	}

	if v.BackingPath != "" {
		vol.BackingStore = &libvirtxml.StorageVolumeBackingStore{
			Path: v.BackingPath,
		}
		if v.BackingFormat != "" {
			vol.BackingStore.Format = &libvirtxml.StorageVolumeTargetFormat{
				Type: string(v.BackingFormat),
			}
		}
	}

	return marshalClean(vol)
}

type marshaler interface {
	Marshal() (string, error)
}

// marshalClean marshals and strips the XML declaration, matching the
// representation stored in config files.
func marshalClean(m marshaler) (string, error) {
	out, err := m.Marshal()
	if err != nil {
		return "", err
	}
	out = strings.TrimPrefix(out, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(out), nil
}

// unitMultipliers covers the size units accepted in definitions. Binary and
// decimal-suffixed forms are both treated as binary multiples, which is what
// the storage XML schema specifies for bare suffixes.
var unitMultipliers = map[string]uint64{
	"":      1,
	"B":     1,
	"bytes": 1,
	"K":     1 << 10,
	"KiB":   1 << 10,
	"M":     1 << 20,
	"MiB":   1 << 20,
	"G":     1 << 30,
	"GiB":   1 << 30,
	"T":     1 << 40,
	"TiB":   1 << 40,
}

func scaled(value uint64, unit string) (uint64, error) {
	mult, ok := unitMultipliers[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	return value * mult, nil
}

func sizeBytes(s *libvirtxml.StoragePoolSize) (uint64, error) {
	if s == nil {
		return 0, nil
	}
	return scaled(s.Value, s.Unit)
}

func volSizeBytes(s *libvirtxml.StorageVolumeSize) (uint64, error) {
	if s == nil {
		return 0, nil
	}
	return scaled(s.Value, s.Unit)
}
