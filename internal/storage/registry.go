package storage

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jbweber/cistern/internal/conf"
)

// Registry is the process-wide collection of pool objects, indexed by UUID
// and by name. Its mutex guards only membership and the two indices; it is
// never held across a backend call.
//
// Lock discipline: lookups take the registry lock just long enough to grab
// the object pointer, release it, then lock the pool and re-check that it
// was not removed in the window. Because no goroutine ever waits on a pool
// lock while holding the registry lock, Remove may safely take the registry
// lock while the caller holds the pool lock.
type Registry struct {
	mu     sync.Mutex
	byUUID map[uuid.UUID]*PoolObject
	byName map[string]*PoolObject
}

// NewRegistry returns an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{
		byUUID: make(map[uuid.UUID]*PoolObject),
		byName: make(map[string]*PoolObject),
	}
}

// FindByName returns the named pool with its lock held, or ErrNotFound.
func (r *Registry) FindByName(name string) (*PoolObject, error) {
	r.mu.Lock()
	p := r.byName[name]
	r.mu.Unlock()

	if p != nil {
		p.mu.Lock()
		if !p.removed {
			return p, nil
		}
		p.mu.Unlock()
	}
	return nil, notFound("no storage pool with matching name '%s'", name)
}

// FindByUUID returns the pool with the given UUID, locked, or ErrNotFound.
func (r *Registry) FindByUUID(id uuid.UUID) (*PoolObject, error) {
	r.mu.Lock()
	p := r.byUUID[id]
	r.mu.Unlock()

	if p != nil {
		p.mu.Lock()
		if !p.removed {
			return p, nil
		}
		p.mu.Unlock()
	}
	return nil, notFound("no storage pool with matching uuid '%s'", id)
}

// Add registers a new pool object for def and returns it locked. It fails
// with ErrConflict if the name or UUID is already registered, or if another
// pool claims the same underlying source.
func (r *Registry) Add(def *conf.PoolDefinition) (*PoolObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[def.Name]; ok {
		return nil, conflict("pool name '%s' is in use by pool %s",
			def.Name, existing.def.UUID)
	}
	if existing, ok := r.byUUID[def.UUID]; ok {
		return nil, conflict("pool uuid '%s' is in use by pool '%s'",
			def.UUID, existing.def.Name)
	}
	if err := r.findDuplicateSource(def); err != nil {
		return nil, err
	}

	p := &PoolObject{def: def}
	p.mu.Lock()
	r.byUUID[def.UUID] = p
	r.byName[def.Name] = p
	return p, nil
}

// Remove takes the pool out of both indices. The caller must hold the pool
// lock and keeps it; the object is unreachable to new lookups afterwards.
func (r *Registry) Remove(p *PoolObject) {
	r.mu.Lock()
	delete(r.byUUID, p.def.UUID)
	delete(r.byName, p.def.Name)
	r.mu.Unlock()
	p.removed = true
}

// List visits every registered pool with its lock held and collects the
// results of fn for pools where keep returns true. Pools removed while
// iterating are skipped.
func (r *Registry) List(keep func(*PoolObject) bool, fn func(*PoolObject)) {
	r.mu.Lock()
	pools := make([]*PoolObject, 0, len(r.byName))
	for _, p := range r.byName {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	for _, p := range pools {
		p.mu.Lock()
		if !p.removed && (keep == nil || keep(p)) {
			fn(p)
		}
		p.mu.Unlock()
	}
}

// FindPair returns two pools locked together for a cross-pool operation,
// taking the locks in the stable order lockPair uses. When both names refer
// to the same pool, the single object is returned twice with its lock held
// once.
func (r *Registry) FindPair(nameA, nameB string) (*PoolObject, *PoolObject, error) {
	r.mu.Lock()
	a := r.byName[nameA]
	b := r.byName[nameB]
	r.mu.Unlock()

	if a == nil {
		return nil, nil, notFound("no storage pool with matching name '%s'", nameA)
	}
	if b == nil {
		return nil, nil, notFound("no storage pool with matching name '%s'", nameB)
	}

	lockPair(a, b)
	if a.removed || b.removed {
		unlockPair(a, b)
		name := nameA
		if !a.removed {
			name = nameB
		}
		return nil, nil, notFound("no storage pool with matching name '%s'", name)
	}
	return a, b, nil
}

func unlockPair(a, b *PoolObject) {
	a.mu.Unlock()
	if a != b {
		b.mu.Unlock()
	}
}

// findDuplicateSource rejects a definition that claims storage already
// claimed by a registered pool of the same type: the same target path, or
// the same source device/directory on the same host. Called with the
// registry lock held; peeking at other pools' immutable definition fields
// without their locks is safe because def is replaced, never mutated.
func (r *Registry) findDuplicateSource(def *conf.PoolDefinition) error {
	for _, p := range r.byName {
		other := p.def
		if other.Type != def.Type {
			continue
		}
		if def.Target != "" && def.Target == other.Target {
			return conflict("target path '%s' is already used by pool '%s'",
				def.Target, other.Name)
		}
		if def.Source.IsZero() {
			continue
		}
		if def.Source.Host == other.Source.Host &&
			((def.Source.Device != "" && def.Source.Device == other.Source.Device) ||
				(def.Source.Dir != "" && def.Source.Dir == other.Source.Dir) ||
				(def.Source.Name != "" && def.Source.Name == other.Source.Name)) {
			return conflict("storage source of pool '%s' is already used by pool '%s'",
				def.Name, other.Name)
		}
	}
	return nil
}

// lockPair locks two distinct pools in a stable UUID order so that
// concurrent two-pool operations cannot deadlock. Both pools must still be
// pinned (asyncJobs) by the caller.
func lockPair(a, b *PoolObject) {
	if a == b {
		a.mu.Lock()
		return
	}
	if a.def.UUID.String() < b.def.UUID.String() {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}
