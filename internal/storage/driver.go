package storage

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jbweber/cistern/internal/access"
	"github.com/jbweber/cistern/internal/backend"
	"github.com/jbweber/cistern/internal/conf"
)

// ListFlags filter pool listings. Bits within a group are OR-ed; an empty
// group matches everything.
type ListFlags uint32

const (
	ListActive ListFlags = 1 << iota
	ListInactive
	ListPersistent
	ListTransient
	ListAutostart
	ListNoAutostart
)

// PoolInfo is a point-in-time snapshot of one pool, safe to use without any
// lock held.
type PoolInfo struct {
	Name       string        `json:"name" yaml:"name"`
	UUID       uuid.UUID     `json:"uuid" yaml:"uuid"`
	Type       conf.PoolType `json:"type" yaml:"type"`
	State      string        `json:"state" yaml:"state"` // "running" or "inactive"
	Persistent bool          `json:"persistent" yaml:"persistent"`
	Autostart  bool          `json:"autostart" yaml:"autostart"`
	Capacity   uint64        `json:"capacity" yaml:"capacity"`
	Allocation uint64        `json:"allocation" yaml:"allocation"`
	Available  uint64        `json:"available" yaml:"available"`
	Volumes    int           `json:"volumes" yaml:"volumes"`
}

// Config assembles a Driver's collaborators.
type Config struct {
	// Backends maps pool types to their implementations. Required.
	Backends *backend.Registry
	// Store persists pool definitions. Required for Define/Undefine; a
	// driver without one manages only transient pools.
	Store *conf.Store
	// ACL authorizes operations. Defaults to access.AllowAll.
	ACL access.Checker
	// Logger receives lifecycle events. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// Driver sequences registry lookups, per-pool locking, backend dispatch,
// and size bookkeeping for every pool and volume operation.
//
// Locking: the registry lock is held only to find, insert, or remove a pool
// object, never across a backend call. A pool's lock is held for the whole
// of short operations; long backend calls (volume build and clone) run with
// the pool lock suspended and the asyncJobs counter standing in for it.
type Driver struct {
	registry *Registry
	backends *backend.Registry
	store    *conf.Store
	acl      access.Checker
	log      zerolog.Logger
}

// New returns a Driver using the collaborators in cfg.
func New(cfg Config) *Driver {
	acl := cfg.ACL
	if acl == nil {
		acl = access.AllowAll{}
	}
	return &Driver{
		registry: NewRegistry(),
		backends: cfg.Backends,
		store:    cfg.Store,
		acl:      acl,
		log:      cfg.Logger.With().Str("component", "storage-driver").Logger(),
	}
}

// backendFor resolves the backend for a pool type.
func (d *Driver) backendFor(t conf.PoolType) (backend.Backend, error) {
	b, ok := d.backends.ForType(t)
	if !ok {
		return nil, invalidArg("no storage backend for pool type '%s'", t)
	}
	return b, nil
}

// refreshLocked clears the pool's volume collection and repopulates it from
// the backend, recomputing the size counters from scratch. Pool lock held.
func (d *Driver) refreshLocked(p *PoolObject, b backend.Backend) error {
	p.clearVolumes()
	contents, err := b.RefreshPool(p.def)
	if err != nil {
		return backendFail(err, "failed to refresh pool '%s'", p.def.Name)
	}
	p.volumes = contents.Volumes
	p.def.Capacity = contents.Capacity
	p.def.Allocation = contents.Allocation
	p.def.Available = contents.Available
	return nil
}

func (p *PoolObject) snapshot() PoolInfo {
	state := "inactive"
	if p.active {
		state = "running"
	}
	return PoolInfo{
		Name:       p.def.Name,
		UUID:       p.def.UUID,
		Type:       p.def.Type,
		State:      state,
		Persistent: p.persistent(),
		Autostart:  p.autostart,
		Capacity:   p.def.Capacity,
		Allocation: p.def.Allocation,
		Available:  p.def.Available,
		Volumes:    len(p.volumes),
	}
}

// DefinePool registers a persistent pool from its XML definition without
// starting it.
func (d *Driver) DefinePool(xml string) (PoolInfo, error) {
	def, err := conf.ParsePoolDefinition(xml)
	if err != nil {
		return PoolInfo{}, invalidArg("%v", err)
	}
	if err := d.acl.Check(access.OpPoolDefine, def, nil); err != nil {
		return PoolInfo{}, err
	}
	if _, err := d.backendFor(def.Type); err != nil {
		return PoolInfo{}, err
	}
	if d.store == nil {
		return PoolInfo{}, invalidArg("driver has no config store; only transient pools are possible")
	}

	// A definition carrying the UUID of a registered pool redefines it. The
	// new definition takes effect immediately for an inactive pool; a
	// running pool keeps serving its current definition and picks up the
	// replacement when it next stops.
	if p, err := d.registry.FindByUUID(def.UUID); err == nil {
		defer p.mu.Unlock()
		if p.def.Name != def.Name {
			return PoolInfo{}, conflict("pool uuid '%s' already belongs to pool '%s'", def.UUID, p.def.Name)
		}
		path, err := d.store.Save(def)
		if err != nil {
			return PoolInfo{}, err
		}
		p.configFile = path
		p.autostartLink = d.store.AutostartPath(def.Name)
		if p.active {
			p.newDef = def
		} else {
			p.def = def
		}
		d.log.Info().Str("pool", def.Name).Stringer("uuid", def.UUID).Msg("redefined storage pool")
		return p.snapshot(), nil
	}

	p, err := d.registry.Add(def)
	if err != nil {
		return PoolInfo{}, err
	}
	defer p.mu.Unlock()

	path, err := d.store.Save(def)
	if err != nil {
		d.registry.Remove(p)
		return PoolInfo{}, err
	}
	p.configFile = path
	p.autostartLink = d.store.AutostartPath(def.Name)

	d.log.Info().Str("pool", def.Name).Stringer("uuid", def.UUID).Msg("defined storage pool")
	return p.snapshot(), nil
}

// CreatePool defines a transient pool from XML and immediately starts it.
// The pool is removed again if start or the initial refresh fails, and will
// disappear entirely when stopped.
func (d *Driver) CreatePool(xml string) (PoolInfo, error) {
	def, err := conf.ParsePoolDefinition(xml)
	if err != nil {
		return PoolInfo{}, invalidArg("%v", err)
	}
	if err := d.acl.Check(access.OpPoolCreate, def, nil); err != nil {
		return PoolInfo{}, err
	}
	b, err := d.backendFor(def.Type)
	if err != nil {
		return PoolInfo{}, err
	}

	p, err := d.registry.Add(def)
	if err != nil {
		return PoolInfo{}, err
	}
	defer p.mu.Unlock()

	if err := d.startLocked(p, b); err != nil {
		d.registry.Remove(p)
		return PoolInfo{}, err
	}

	d.log.Info().Str("pool", def.Name).Msg("created storage pool")
	return p.snapshot(), nil
}

// startLocked starts the pool's resource and populates its contents. On
// refresh failure the backend is stopped again. Pool lock held.
func (d *Driver) startLocked(p *PoolObject, b backend.Backend) error {
	starter, ok := b.(backend.PoolStarter)
	if !ok {
		return unsupported("pool '%s' does not support being started", p.def.Name)
	}
	if err := starter.StartPool(p.def); err != nil {
		return backendFail(err, "failed to start pool '%s'", p.def.Name)
	}

	if err := d.refreshLocked(p, b); err != nil {
		if stopper, ok := b.(backend.PoolStopper); ok {
			if stopErr := stopper.StopPool(p.def); stopErr != nil {
				d.log.Error().Err(stopErr).Str("pool", p.def.Name).
					Msg("failed to stop pool after refresh failure")
			}
		}
		return err
	}

	p.active = true
	return nil
}

// StartPool activates a defined, inactive pool. If the initial refresh
// fails, a transient pool is torn down entirely.
func (d *Driver) StartPool(name string) error {
	p, err := d.registry.FindByName(name)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolStart, p.def, nil); err != nil {
		return err
	}
	b, err := d.backendFor(p.def.Type)
	if err != nil {
		return err
	}
	if p.active {
		return invalidState("storage pool '%s' is already active", name)
	}

	if err := d.startLocked(p, b); err != nil {
		if !p.persistent() {
			d.registry.Remove(p)
		}
		return err
	}

	d.log.Info().Str("pool", name).Msg("started storage pool")
	return nil
}

// BuildPool physically provisions an inactive pool's underlying resource.
func (d *Driver) BuildPool(name string, flags backend.BuildFlags) error {
	p, err := d.registry.FindByName(name)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolBuild, p.def, nil); err != nil {
		return err
	}
	b, err := d.backendFor(p.def.Type)
	if err != nil {
		return err
	}
	if p.active {
		return invalidState("storage pool '%s' is already active", name)
	}

	builder, ok := b.(backend.PoolBuilder)
	if !ok {
		return unsupported("pool '%s' does not support building", name)
	}
	if err := builder.BuildPool(p.def, flags); err != nil {
		return backendFail(err, "failed to build pool '%s'", name)
	}

	d.log.Info().Str("pool", name).Msg("built storage pool")
	return nil
}

// StopPool deactivates an active pool. A transient pool is removed from the
// registry entirely; a persistent pool returns to the defined state and any
// pending definition replacement takes effect.
func (d *Driver) StopPool(name string) error {
	p, err := d.registry.FindByName(name)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolStop, p.def, nil); err != nil {
		return err
	}
	b, err := d.backendFor(p.def.Type)
	if err != nil {
		return err
	}
	if !p.active {
		return invalidState("storage pool '%s' is not active", name)
	}
	if p.asyncJobs > 0 {
		return invalidState("pool '%s' has asynchronous jobs running", name)
	}

	stopper, ok := b.(backend.PoolStopper)
	if !ok {
		return unsupported("pool '%s' does not support being stopped", name)
	}
	if err := stopper.StopPool(p.def); err != nil {
		return backendFail(err, "failed to stop pool '%s'", name)
	}

	p.clearVolumes()
	p.active = false

	if !p.persistent() {
		d.registry.Remove(p)
	} else if p.newDef != nil {
		p.def = p.newDef
		p.newDef = nil
	}

	d.log.Info().Str("pool", name).Msg("stopped storage pool")
	return nil
}

// RefreshPool discards the pool's volume collection and repopulates it from
// the live resource. On failure the pool is deactivated, and removed if
// transient.
func (d *Driver) RefreshPool(name string) error {
	p, err := d.registry.FindByName(name)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolRefresh, p.def, nil); err != nil {
		return err
	}
	b, err := d.backendFor(p.def.Type)
	if err != nil {
		return err
	}
	if !p.active {
		return invalidState("storage pool '%s' is not active", name)
	}
	if p.asyncJobs > 0 {
		return invalidState("pool '%s' has asynchronous jobs running", name)
	}

	if err := d.refreshLocked(p, b); err != nil {
		if stopper, ok := b.(backend.PoolStopper); ok {
			if stopErr := stopper.StopPool(p.def); stopErr != nil {
				d.log.Error().Err(stopErr).Str("pool", name).
					Msg("failed to stop pool after refresh failure")
			}
		}
		p.active = false
		if !p.persistent() {
			d.registry.Remove(p)
		}
		return err
	}

	return nil
}

// DeletePool physically removes the underlying resource of an inactive
// pool. The definition remains registered.
func (d *Driver) DeletePool(name string, flags backend.DeleteFlags) error {
	p, err := d.registry.FindByName(name)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolDelete, p.def, nil); err != nil {
		return err
	}
	b, err := d.backendFor(p.def.Type)
	if err != nil {
		return err
	}
	if p.active {
		return invalidState("storage pool '%s' is still active", name)
	}
	if p.asyncJobs > 0 {
		return invalidState("pool '%s' has asynchronous jobs running", name)
	}

	deleter, ok := b.(backend.PoolDeleter)
	if !ok {
		return unsupported("pool '%s' does not support deletion", name)
	}
	if err := deleter.DeletePool(p.def, flags); err != nil {
		return backendFail(err, "failed to delete pool '%s'", name)
	}

	d.log.Info().Str("pool", name).Msg("deleted storage pool")
	return nil
}

// UndefinePool removes an inactive persistent pool's definition and takes
// it out of the registry.
func (d *Driver) UndefinePool(name string) error {
	p, err := d.registry.FindByName(name)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolUndefine, p.def, nil); err != nil {
		return err
	}
	if p.active {
		return invalidState("storage pool '%s' is still active", name)
	}
	if p.asyncJobs > 0 {
		return invalidState("pool '%s' has asynchronous jobs running", name)
	}
	if !p.persistent() {
		return invalidState("storage pool '%s' is transient", name)
	}

	if err := d.store.Delete(name); err != nil {
		return err
	}
	if err := d.store.SetAutostart(name, false); err != nil {
		// Deleting a stale autostart link is best effort, as it is during
		// pool undefine in general: the definition is already gone.
		d.log.Error().Err(err).Str("pool", name).Msg("failed to remove autostart link")
	}

	d.registry.Remove(p)
	d.log.Info().Str("pool", name).Msg("undefined storage pool")
	return nil
}

// SetAutostart marks or unmarks a persistent pool for automatic start. The
// operation is idempotent.
func (d *Driver) SetAutostart(name string, autostart bool) error {
	p, err := d.registry.FindByName(name)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolAutostart, p.def, nil); err != nil {
		return err
	}
	if !p.persistent() {
		return invalidState("pool '%s' has no config file", name)
	}

	if p.autostart != autostart {
		if err := d.store.SetAutostart(name, autostart); err != nil {
			return err
		}
		p.autostart = autostart
	}
	return nil
}

// GetAutostart reports whether the pool starts automatically.
func (d *Driver) GetAutostart(name string) (bool, error) {
	p, err := d.registry.FindByName(name)
	if err != nil {
		return false, err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolGetInfo, p.def, nil); err != nil {
		return false, err
	}
	return p.autostart, nil
}

// PoolInfo returns a snapshot of the named pool.
func (d *Driver) PoolInfo(name string) (PoolInfo, error) {
	p, err := d.registry.FindByName(name)
	if err != nil {
		return PoolInfo{}, err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolGetInfo, p.def, nil); err != nil {
		return PoolInfo{}, err
	}
	return p.snapshot(), nil
}

// LookupPoolByUUID returns a snapshot of the pool with the given UUID.
func (d *Driver) LookupPoolByUUID(id uuid.UUID) (PoolInfo, error) {
	p, err := d.registry.FindByUUID(id)
	if err != nil {
		return PoolInfo{}, err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolLookup, p.def, nil); err != nil {
		return PoolInfo{}, err
	}
	return p.snapshot(), nil
}

// PoolXML returns the XML representation of the pool's current definition.
func (d *Driver) PoolXML(name string) (string, error) {
	p, err := d.registry.FindByName(name)
	if err != nil {
		return "", err
	}
	defer p.mu.Unlock()

	if err := d.acl.Check(access.OpPoolGetInfo, p.def, nil); err != nil {
		return "", err
	}
	return p.def.XML()
}

func matchListFlags(p *PoolObject, flags ListFlags) bool {
	if flags&(ListActive|ListInactive) != 0 {
		if p.active && flags&ListActive == 0 {
			return false
		}
		if !p.active && flags&ListInactive == 0 {
			return false
		}
	}
	if flags&(ListPersistent|ListTransient) != 0 {
		if p.persistent() && flags&ListPersistent == 0 {
			return false
		}
		if !p.persistent() && flags&ListTransient == 0 {
			return false
		}
	}
	if flags&(ListAutostart|ListNoAutostart) != 0 {
		if p.autostart && flags&ListAutostart == 0 {
			return false
		}
		if !p.autostart && flags&ListNoAutostart == 0 {
			return false
		}
	}
	return true
}

// ListPools returns snapshots of the pools matching the filter flags,
// omitting pools the access checker denies.
func (d *Driver) ListPools(flags ListFlags) []PoolInfo {
	var infos []PoolInfo
	d.registry.List(
		func(p *PoolObject) bool {
			return matchListFlags(p, flags) &&
				d.acl.Check(access.OpPoolLookup, p.def, nil) == nil
		},
		func(p *PoolObject) {
			infos = append(infos, p.snapshot())
		},
	)
	return infos
}

// NumPools counts the pools matching the filter flags.
func (d *Driver) NumPools(flags ListFlags) int {
	return len(d.ListPools(flags))
}

// FindPoolSources asks the backend for a pool type to discover candidate
// sources matching a technology-specific query.
func (d *Driver) FindPoolSources(t conf.PoolType, srcSpec string) (string, error) {
	b, err := d.backendFor(t)
	if err != nil {
		return "", err
	}
	finder, ok := b.(backend.SourceFinder)
	if !ok {
		return "", unsupported("pool type '%s' does not support source discovery", t)
	}
	out, err := finder.FindPoolSources(srcSpec)
	if err != nil {
		return "", backendFail(err, "source discovery for type '%s' failed", t)
	}
	return out, nil
}

// LoadAll populates the registry from every persisted pool definition.
// Individual corrupt or unloadable definitions are logged and skipped so
// one bad file cannot prevent startup.
func (d *Driver) LoadAll() error {
	if d.store == nil {
		return nil
	}

	loaded, errs := d.store.LoadAll()
	for _, err := range errs {
		d.log.Error().Err(err).Msg("skipping unloadable pool config")
	}

	for _, lp := range loaded {
		if _, ok := d.backends.ForType(lp.Def.Type); !ok {
			d.log.Error().Str("pool", lp.Def.Name).Str("type", string(lp.Def.Type)).
				Msg("skipping pool with unknown backend type")
			continue
		}

		p, err := d.registry.Add(lp.Def)
		if err != nil {
			d.log.Error().Err(err).Str("pool", lp.Def.Name).Msg("skipping duplicate pool config")
			continue
		}
		p.configFile = lp.ConfigFile
		p.autostartLink = lp.AutostartLink
		p.autostart = lp.Autostart
		p.mu.Unlock()
	}

	return nil
}

// Autostart checks every registered pool's resource state and starts the
// pools marked for autostart. Failures are logged per pool and never abort
// the sweep.
func (d *Driver) Autostart() {
	d.registry.List(nil, func(p *PoolObject) {
		b, ok := d.backends.ForType(p.def.Type)
		if !ok {
			d.log.Error().Str("pool", p.def.Name).Msg("missing backend for pool")
			return
		}

		started, err := b.CheckPool(p.def)
		if err != nil {
			d.log.Error().Err(err).Str("pool", p.def.Name).
				Msg("failed to check storage pool")
			return
		}

		if !started && p.autostart && !p.active {
			starter, ok := b.(backend.PoolStarter)
			if !ok {
				d.log.Error().Str("pool", p.def.Name).
					Msg("autostart pool does not support being started")
				return
			}
			if err := starter.StartPool(p.def); err != nil {
				d.log.Error().Err(err).Str("pool", p.def.Name).
					Msg("failed to autostart storage pool")
				return
			}
			started = true
		}

		if started {
			if err := d.refreshLocked(p, b); err != nil {
				if stopper, ok := b.(backend.PoolStopper); ok {
					if stopErr := stopper.StopPool(p.def); stopErr != nil {
						d.log.Error().Err(stopErr).Str("pool", p.def.Name).
							Msg("failed to stop pool after refresh failure")
					}
				}
				d.log.Error().Err(err).Str("pool", p.def.Name).
					Msg("failed to refresh storage pool")
				return
			}
			p.active = true
			d.log.Info().Str("pool", p.def.Name).Msg("autostarted storage pool")
		}
	})
}
