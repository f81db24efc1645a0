package storage

import (
	"sync"

	"github.com/jbweber/cistern/internal/conf"
)

// PoolObject is the live, lockable state of one storage pool. Its mutex
// guards every mutable field; the only fields read while the lock is
// intentionally dropped are the advisory counters (asyncJobs, and the
// Building/InUse flags on individual volumes), which exist precisely so
// that long backend calls can run unlocked. See Driver for the locking
// discipline.
type PoolObject struct {
	mu sync.Mutex

	// def is the definition the running backend is using. newDef holds a
	// pending replacement applied when the pool stops.
	def    *conf.PoolDefinition
	newDef *conf.PoolDefinition

	active    bool
	autostart bool

	// configFile and autostartLink are empty for transient pools.
	configFile    string
	autostartLink string

	// asyncJobs counts in-flight long-running backend operations that
	// reference this pool while its lock is dropped. Destructive pool
	// operations fail while it is non-zero.
	asyncJobs uint

	// removed marks an object that has been taken out of the registry, for
	// lookups that raced with the removal.
	removed bool

	volumes []*conf.VolumeDefinition
}

// Name returns the pool name. Callers must hold the pool lock.
func (p *PoolObject) Name() string {
	return p.def.Name
}

// IsActive reports whether the pool is started. Callers must hold the pool
// lock.
func (p *PoolObject) IsActive() bool {
	return p.active
}

// persistent reports whether the pool has a persisted definition.
func (p *PoolObject) persistent() bool {
	return p.configFile != ""
}

func (p *PoolObject) findVolume(name string) *conf.VolumeDefinition {
	for _, v := range p.volumes {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (p *PoolObject) findVolumeByKey(key string) *conf.VolumeDefinition {
	for _, v := range p.volumes {
		if v.Key == key {
			return v
		}
	}
	return nil
}

func (p *PoolObject) findVolumeByPath(path string) *conf.VolumeDefinition {
	for _, v := range p.volumes {
		if v.Target.Path == path {
			return v
		}
	}
	return nil
}

func (p *PoolObject) addVolume(vol *conf.VolumeDefinition) {
	p.volumes = append(p.volumes, vol)
}

func (p *PoolObject) removeVolume(vol *conf.VolumeDefinition) {
	for i, v := range p.volumes {
		if v == vol {
			p.volumes = append(p.volumes[:i], p.volumes[i+1:]...)
			return
		}
	}
}

func (p *PoolObject) clearVolumes() {
	p.volumes = nil
}

// suspend drops the pool lock around a long backend call. The caller must
// have incremented asyncJobs (and set Building/InUse as appropriate) first:
// those counters are what keep the pool and volume pinned while unlocked.
func (p *PoolObject) suspend() {
	p.mu.Unlock()
}

// resume reacquires the pool lock after a suspended backend call. The
// asyncJobs count taken before suspend guarantees the pool was not removed
// from the registry in the meantime, so no registry round trip is needed.
// Nothing other than the advisory counters may have been touched by this
// goroutine between suspend and resume.
func (p *PoolObject) resume() {
	p.mu.Lock()
}
