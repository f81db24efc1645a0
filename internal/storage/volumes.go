package storage

import (
	"io"
	"path/filepath"

	"github.com/jbweber/cistern/internal/access"
	"github.com/jbweber/cistern/internal/backend"
	"github.com/jbweber/cistern/internal/conf"
)

// ResizeFlags modify volume resizing.
type ResizeFlags uint32

const (
	// ResizeAllocate allocates the new capacity rather than leaving it
	// sparse.
	ResizeAllocate ResizeFlags = 1 << iota
	// ResizeDelta treats the requested size as an amount to grow (or, with
	// ResizeShrink, to reduce) the current capacity by.
	ResizeDelta
	// ResizeShrink permits the new capacity to be below the current one.
	ResizeShrink
)

// wipeAlgorithms are the algorithm names the driver accepts. Backends may
// still reject the ones they cannot perform.
var wipeAlgorithms = map[backend.WipeAlgorithm]bool{
	backend.WipeZero: true,
	"nnsa":           true,
	"dod":            true,
	"bsi":            true,
	"gutmann":        true,
	"schneier":       true,
	"pfitzner7":      true,
	"pfitzner33":     true,
	"random":         true,
}

// VolumeInfo is a point-in-time snapshot of one volume.
type VolumeInfo struct {
	Name       string            `json:"name" yaml:"name"`
	Key        string            `json:"key" yaml:"key"`
	Pool       string            `json:"pool" yaml:"pool"`
	Path       string            `json:"path" yaml:"path"`
	Format     conf.VolumeFormat `json:"format" yaml:"format"`
	Capacity   uint64            `json:"capacity" yaml:"capacity"`
	Allocation uint64            `json:"allocation" yaml:"allocation"`
}

func volumeSnapshot(p *PoolObject, v *conf.VolumeDefinition) VolumeInfo {
	return VolumeInfo{
		Name:       v.Name,
		Key:        v.Key,
		Pool:       p.def.Name,
		Path:       v.Target.Path,
		Format:     v.Target.Format,
		Capacity:   v.Target.Capacity,
		Allocation: v.Target.Allocation,
	}
}

// lookupVolume finds a named volume in an active pool and resolves the
// pool's backend. The pool is returned locked.
func (d *Driver) lookupVolume(poolName, volName string) (*PoolObject, *conf.VolumeDefinition, backend.Backend, error) {
	p, err := d.registry.FindByName(poolName)
	if err != nil {
		return nil, nil, nil, err
	}
	if !p.active {
		p.mu.Unlock()
		return nil, nil, nil, invalidState("storage pool '%s' is not active", poolName)
	}
	b, err := d.backendFor(p.def.Type)
	if err != nil {
		p.mu.Unlock()
		return nil, nil, nil, err
	}
	vol := p.findVolume(volName)
	if vol == nil {
		p.mu.Unlock()
		return nil, nil, nil, notFound("no storage volume with matching name '%s'", volName)
	}
	return p, vol, b, nil
}

// VolumeInfo returns a snapshot of the named volume, refreshing its size
// counters from the backend when supported.
func (d *Driver) VolumeInfo(poolName, volName string) (VolumeInfo, error) {
	p, vol, b, err := d.lookupVolume(poolName, volName)
	if err != nil {
		return VolumeInfo{}, err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpVolGetInfo, p.def, vol); err != nil {
		return VolumeInfo{}, err
	}
	if refresher, ok := b.(backend.VolRefresher); ok {
		if err := refresher.RefreshVol(p.def, vol); err != nil {
			return VolumeInfo{}, backendFail(err, "failed to refresh volume '%s'", volName)
		}
	}
	return volumeSnapshot(p, vol), nil
}

// VolumeXML returns the XML representation of the named volume.
func (d *Driver) VolumeXML(poolName, volName string) (string, error) {
	p, vol, b, err := d.lookupVolume(poolName, volName)
	if err != nil {
		return "", err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpVolGetInfo, p.def, vol); err != nil {
		return "", err
	}
	if refresher, ok := b.(backend.VolRefresher); ok {
		if err := refresher.RefreshVol(p.def, vol); err != nil {
			return "", backendFail(err, "failed to refresh volume '%s'", volName)
		}
	}
	return vol.VolumeXML()
}

// ListVolumes returns snapshots of every volume in an active pool, omitting
// volumes the access checker denies.
func (d *Driver) ListVolumes(poolName string) ([]VolumeInfo, error) {
	p, err := d.registry.FindByName(poolName)
	if err != nil {
		return nil, err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolGetInfo, p.def, nil); err != nil {
		return nil, err
	}
	if !p.active {
		return nil, invalidState("storage pool '%s' is not active", poolName)
	}

	infos := make([]VolumeInfo, 0, len(p.volumes))
	for _, vol := range p.volumes {
		if d.acl.Check(access.OpVolLookup, p.def, vol) != nil {
			continue
		}
		infos = append(infos, volumeSnapshot(p, vol))
	}
	return infos, nil
}

// NumVolumes counts the volumes in an active pool.
func (d *Driver) NumVolumes(poolName string) (int, error) {
	infos, err := d.ListVolumes(poolName)
	if err != nil {
		return 0, err
	}
	return len(infos), nil
}

// LookupVolumeByKey searches every active pool for a volume with the given
// globally unique key.
func (d *Driver) LookupVolumeByKey(key string) (VolumeInfo, error) {
	var found *VolumeInfo
	d.registry.List(
		func(p *PoolObject) bool { return found == nil && p.active },
		func(p *PoolObject) {
			if vol := p.findVolumeByKey(key); vol != nil {
				if d.acl.Check(access.OpVolLookup, p.def, vol) != nil {
					return
				}
				info := volumeSnapshot(p, vol)
				found = &info
			}
		},
	)
	if found == nil {
		return VolumeInfo{}, notFound("no storage volume with matching key '%s'", key)
	}
	return *found, nil
}

// LookupVolumeByPath searches every active pool for a volume with the given
// target path.
func (d *Driver) LookupVolumeByPath(path string) (VolumeInfo, error) {
	cleaned := filepath.Clean(path)
	var found *VolumeInfo
	d.registry.List(
		func(p *PoolObject) bool { return found == nil && p.active },
		func(p *PoolObject) {
			if vol := p.findVolumeByPath(cleaned); vol != nil {
				if d.acl.Check(access.OpVolLookup, p.def, vol) != nil {
					return
				}
				info := volumeSnapshot(p, vol)
				found = &info
			}
		},
	)
	if found == nil {
		return VolumeInfo{}, notFound("no storage volume with matching path '%s'", path)
	}
	return *found, nil
}

// CreateVolume creates a new volume in an active pool from its XML
// definition. The fast metadata step runs under the pool lock; the
// potentially slow allocation runs with the lock suspended, and a failed
// allocation removes the half-created volume again.
func (d *Driver) CreateVolume(poolName, xml string, flags backend.VolCreateFlags) (VolumeInfo, error) {
	p, err := d.registry.FindByName(poolName)
	if err != nil {
		return VolumeInfo{}, err
	}
	defer p.mu.Unlock()

	if !p.active {
		return VolumeInfo{}, invalidState("storage pool '%s' is not active", poolName)
	}
	b, err := d.backendFor(p.def.Type)
	if err != nil {
		return VolumeInfo{}, err
	}

	vol, err := conf.ParseVolumeDefinition(xml)
	if err != nil {
		return VolumeInfo{}, invalidArg("%v", err)
	}
	if err := d.acl.Check(access.OpVolCreate, p.def, vol); err != nil {
		return VolumeInfo{}, err
	}
	if p.findVolume(vol.Name) != nil {
		return VolumeInfo{}, conflict("storage volume name '%s' already in use", vol.Name)
	}
	if vol.Target.Allocation > p.def.Available {
		return VolumeInfo{}, exhausted(
			"not enough space in pool '%s': %d bytes requested, %d available",
			poolName, vol.Target.Allocation, p.def.Available)
	}

	creator, ok := b.(backend.VolCreator)
	if !ok {
		return VolumeInfo{}, unsupported("pool '%s' does not support volume creation", poolName)
	}

	// Keys are assigned by the backend, never trusted from caller input.
	vol.Key = ""
	if err := creator.CreateVol(p.def, vol); err != nil {
		return VolumeInfo{}, backendFail(err, "failed to create volume '%s'", vol.Name)
	}
	p.addVolume(vol)

	// Snapshot the requested sizes: a concurrent refresh may replace the
	// live counters while the build runs unlocked.
	buildVol := vol.Shallow()

	if builder, ok := b.(backend.VolBuilder); ok {
		p.asyncJobs++
		vol.Building = true
		p.suspend()

		buildErr := builder.BuildVol(p.def, buildVol, flags)

		p.resume()
		vol.Building = false
		p.asyncJobs--

		if buildErr != nil {
			d.deleteVolLocked(p, b, vol, 0, false)
			return VolumeInfo{}, backendFail(buildErr, "failed to build volume '%s'", vol.Name)
		}
	}

	p.def.Allocation += buildVol.Target.Allocation
	p.def.Available -= buildVol.Target.Allocation

	d.log.Info().Str("pool", poolName).Str("volume", vol.Name).Msg("created storage volume")
	return volumeSnapshot(p, vol), nil
}

// CreateVolumeFrom creates a new volume in destPool populated with the
// contents of an existing volume, which may live in a different pool. Both
// pools stay usable while the copy runs: the locks are suspended and the
// source volume is pinned with its in-use count.
func (d *Driver) CreateVolumeFrom(destPool, xml, srcPool, srcVol string, flags backend.VolCreateFlags) (VolumeInfo, error) {
	p, origPool, err := d.registry.FindPair(destPool, srcPool)
	if err != nil {
		return VolumeInfo{}, err
	}
	samePool := p == origPool
	unlockBoth := func() { unlockPair(p, origPool) }

	if !p.active {
		unlockBoth()
		return VolumeInfo{}, invalidState("storage pool '%s' is not active", destPool)
	}
	if !origPool.active {
		unlockBoth()
		return VolumeInfo{}, invalidState("storage pool '%s' is not active", srcPool)
	}
	b, err := d.backendFor(p.def.Type)
	if err != nil {
		unlockBoth()
		return VolumeInfo{}, err
	}

	orig := origPool.findVolume(srcVol)
	if orig == nil {
		unlockBoth()
		return VolumeInfo{}, notFound("no storage volume with matching name '%s'", srcVol)
	}
	if orig.Building {
		unlockBoth()
		return VolumeInfo{}, invalidState("volume '%s' is still being allocated", srcVol)
	}

	vol, err := conf.ParseVolumeDefinition(xml)
	if err != nil {
		unlockBoth()
		return VolumeInfo{}, invalidArg("%v", err)
	}
	if err := d.acl.Check(access.OpVolCreate, p.def, vol); err != nil {
		unlockBoth()
		return VolumeInfo{}, err
	}
	if p.findVolume(vol.Name) != nil {
		unlockBoth()
		return VolumeInfo{}, conflict("storage volume name '%s' already in use", vol.Name)
	}

	creator, okCreate := b.(backend.VolCreator)
	builder, okBuild := b.(backend.VolBuilderFrom)
	if !okCreate || !okBuild {
		unlockBoth()
		return VolumeInfo{}, unsupported("pool '%s' does not support cloning volumes", destPool)
	}

	// Refresh the source so the copy sees current sizes.
	if refresher, ok := b.(backend.VolRefresher); ok {
		if err := refresher.RefreshVol(origPool.def, orig); err != nil {
			unlockBoth()
			return VolumeInfo{}, backendFail(err, "failed to refresh volume '%s'", srcVol)
		}
	}

	// The new volume must hold everything the source can, regardless of
	// what the caller asked for.
	if vol.Target.Capacity < orig.Target.Capacity {
		vol.Target.Capacity = orig.Target.Capacity
	}
	if vol.Target.Allocation < orig.Target.Capacity {
		vol.Target.Allocation = orig.Target.Capacity
	}
	if vol.Target.Allocation > p.def.Available {
		unlockBoth()
		return VolumeInfo{}, exhausted(
			"not enough space in pool '%s': %d bytes requested, %d available",
			destPool, vol.Target.Allocation, p.def.Available)
	}

	vol.Key = ""
	if err := creator.CreateVol(p.def, vol); err != nil {
		unlockBoth()
		return VolumeInfo{}, backendFail(err, "failed to create volume '%s'", vol.Name)
	}
	p.addVolume(vol)

	buildVol := vol.Shallow()

	// Pin everything the unlocked copy will touch, then drop both locks.
	vol.Building = true
	orig.InUse++
	p.asyncJobs++
	if !samePool {
		origPool.asyncJobs++
	}
	unlockBoth()

	buildErr := builder.BuildVolFrom(p.def, buildVol, orig.Shallow(), flags)

	lockPair(p, origPool)
	orig.InUse--
	vol.Building = false
	p.asyncJobs--
	if !samePool {
		origPool.asyncJobs--
		origPool.mu.Unlock()
	}
	defer p.mu.Unlock()

	if buildErr != nil {
		d.deleteVolLocked(p, b, vol, 0, false)
		return VolumeInfo{}, backendFail(buildErr, "failed to build volume '%s' from '%s'",
			vol.Name, srcVol)
	}

	p.def.Allocation += buildVol.Target.Allocation
	p.def.Available -= buildVol.Target.Allocation

	d.log.Info().Str("pool", destPool).Str("volume", vol.Name).
		Str("source-pool", srcPool).Str("source-volume", srcVol).
		Msg("cloned storage volume")
	return volumeSnapshot(p, vol), nil
}

// deleteVolLocked removes a volume via the backend and, when updateMeta is
// set, returns its allocation to the pool counters. Rollback paths pass
// updateMeta false because the allocation was never committed. Pool lock
// held.
func (d *Driver) deleteVolLocked(p *PoolObject, b backend.Backend, vol *conf.VolumeDefinition, flags backend.DeleteFlags, updateMeta bool) {
	if err := b.DeleteVol(p.def, vol, flags); err != nil {
		d.log.Error().Err(err).Str("pool", p.def.Name).Str("volume", vol.Name).
			Msg("failed to delete storage volume")
		return
	}
	if updateMeta {
		p.def.Allocation -= vol.Target.Allocation
		p.def.Available += vol.Target.Allocation
	}
	p.removeVolume(vol)
}

// DeleteVolume removes a volume from its pool and the underlying storage.
func (d *Driver) DeleteVolume(poolName, volName string, flags backend.DeleteFlags) error {
	p, vol, b, err := d.lookupVolume(poolName, volName)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpVolDelete, p.def, vol); err != nil {
		return err
	}
	if vol.Building {
		return invalidState("volume '%s' is still being allocated", volName)
	}
	if vol.InUse > 0 {
		return invalidState("volume '%s' is in use", volName)
	}

	if err := b.DeleteVol(p.def, vol, flags); err != nil {
		return backendFail(err, "failed to delete volume '%s'", volName)
	}
	p.def.Allocation -= vol.Target.Allocation
	p.def.Available += vol.Target.Allocation
	p.removeVolume(vol)

	d.log.Info().Str("pool", poolName).Str("volume", volName).Msg("deleted storage volume")
	return nil
}

// ResizeVolume changes a volume's capacity. The requested size is absolute
// unless ResizeDelta is set; shrinking requires ResizeShrink; with
// ResizeAllocate the new space is allocated immediately and the pool
// counters move by the allocation change.
func (d *Driver) ResizeVolume(poolName, volName string, capacity uint64, flags ResizeFlags) error {
	p, vol, b, err := d.lookupVolume(poolName, volName)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpVolResize, p.def, vol); err != nil {
		return err
	}
	if vol.Building {
		return invalidState("volume '%s' is still being allocated", volName)
	}
	if vol.InUse > 0 {
		return invalidState("volume '%s' is in use", volName)
	}

	abs := capacity
	if flags&ResizeDelta != 0 {
		if flags&ResizeShrink != 0 {
			if capacity > vol.Target.Capacity {
				return invalidArg("shrink delta is larger than current capacity")
			}
			abs = vol.Target.Capacity - capacity
		} else {
			abs = vol.Target.Capacity + capacity
			if abs < vol.Target.Capacity {
				return invalidArg("grow delta overflows the volume capacity")
			}
		}
	}

	if abs < vol.Target.Capacity && flags&ResizeShrink == 0 {
		return invalidArg("can't shrink capacity below existing size unless shrinking is requested")
	}
	if abs < vol.Target.Allocation {
		return invalidArg("can't shrink capacity below current allocation")
	}
	if abs > vol.Target.Capacity && abs-vol.Target.Capacity > p.def.Available {
		return exhausted("not enough space in pool '%s' to grow volume '%s'", poolName, volName)
	}

	resizer, ok := b.(backend.VolResizer)
	if !ok {
		return unsupported("pool '%s' does not support resizing volumes", poolName)
	}
	if err := resizer.ResizeVol(p.def, vol, abs); err != nil {
		return backendFail(err, "failed to resize volume '%s'", volName)
	}

	preAlloc := vol.Target.Allocation
	vol.Target.Capacity = abs
	if flags&ResizeAllocate != 0 {
		vol.Target.Allocation = abs
		// The pool counters move by the allocation change, measured from
		// the allocation before the resize.
		delta := int64(abs) - int64(preAlloc)
		p.def.Allocation = uint64(int64(p.def.Allocation) + delta)
		p.def.Available = uint64(int64(p.def.Available) - delta)
	}

	d.log.Info().Str("pool", poolName).Str("volume", volName).
		Uint64("capacity", abs).Msg("resized storage volume")
	return nil
}

// WipeVolume destroys a volume's data with the selected algorithm. An empty
// algorithm means zeroing.
func (d *Driver) WipeVolume(poolName, volName string, alg backend.WipeAlgorithm) error {
	if alg == "" {
		alg = backend.WipeZero
	}
	if !wipeAlgorithms[alg] {
		return invalidArg("unknown wipe algorithm '%s'", alg)
	}

	p, vol, b, err := d.lookupVolume(poolName, volName)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpVolWipe, p.def, vol); err != nil {
		return err
	}
	if vol.Building {
		return invalidState("volume '%s' is still being allocated", volName)
	}
	if vol.InUse > 0 {
		return invalidState("volume '%s' is in use", volName)
	}

	wiper, ok := b.(backend.VolWiper)
	if !ok {
		return unsupported("pool '%s' does not support wiping volumes", poolName)
	}
	if err := wiper.WipeVol(p.def, vol, alg); err != nil {
		return backendFail(err, "failed to wipe volume '%s'", volName)
	}

	d.log.Info().Str("pool", poolName).Str("volume", volName).
		Str("algorithm", string(alg)).Msg("wiped storage volume")
	return nil
}

// UploadVolume writes data from r into the volume starting at offset. A
// zero length means until the stream ends.
func (d *Driver) UploadVolume(poolName, volName string, r io.Reader, offset, length uint64) error {
	p, vol, b, err := d.lookupVolume(poolName, volName)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpVolUpload, p.def, vol); err != nil {
		return err
	}
	if vol.Building {
		return invalidState("volume '%s' is still being allocated", volName)
	}
	if vol.InUse > 0 {
		return invalidState("volume '%s' is in use", volName)
	}

	uploader, ok := b.(backend.VolUploader)
	if !ok {
		return unsupported("pool '%s' does not support uploading volumes", poolName)
	}

	// Transfers can be as slow as builds: pin the volume and stream with
	// the pool lock dropped. The in-use count keeps the volume from being
	// deleted, wiped, resized, or uploaded to concurrently.
	vol.InUse++
	p.asyncJobs++
	p.suspend()

	upErr := uploader.UploadVol(p.def, vol, r, offset, length)

	p.resume()
	p.asyncJobs--
	vol.InUse--

	if upErr != nil {
		return backendFail(upErr, "failed to upload volume '%s'", volName)
	}
	return nil
}

// DownloadVolume copies volume data into w, starting at offset. A zero
// length means until end of volume.
func (d *Driver) DownloadVolume(poolName, volName string, w io.Writer, offset, length uint64) error {
	p, vol, b, err := d.lookupVolume(poolName, volName)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpVolDownload, p.def, vol); err != nil {
		return err
	}
	if vol.Building {
		return invalidState("volume '%s' is still being allocated", volName)
	}

	downloader, ok := b.(backend.VolDownloader)
	if !ok {
		return unsupported("pool '%s' does not support downloading volumes", poolName)
	}

	// Stream with the pool lock dropped. A downloading volume counts as
	// in use, so writers are refused while reads may overlap.
	vol.InUse++
	p.asyncJobs++
	p.suspend()

	dlErr := downloader.DownloadVol(p.def, vol, w, offset, length)

	p.resume()
	p.asyncJobs--
	vol.InUse--

	if dlErr != nil {
		return backendFail(dlErr, "failed to download volume '%s'", volName)
	}
	return nil
}
