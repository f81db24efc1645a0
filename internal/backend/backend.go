// Package backend defines the contract a storage technology implements to
// plug into the pool driver, and the registry mapping pool types to their
// implementations.
//
// Only three operations are mandatory: CheckPool, RefreshPool, and
// DeleteVol. Everything else is an optional capability expressed as a
// separate single-method interface; the driver discovers support with a
// type assertion and reports an unsupported-operation failure when the
// assertion misses. Backends never get a no-op fallback for an operation
// they do not implement.
package backend

import (
	"io"
	"sync"

	"github.com/jbweber/cistern/internal/conf"
)

// BuildFlags modify physical pool provisioning.
type BuildFlags uint32

const (
	// BuildNoOverwrite probes the target and fails if data is present.
	BuildNoOverwrite BuildFlags = 1 << iota
	// BuildOverwrite provisions over whatever is on the target.
	BuildOverwrite
)

// DeleteFlags modify pool and volume deletion.
type DeleteFlags uint32

const (
	// DeleteZeroed zeroes data before removing it.
	DeleteZeroed DeleteFlags = 1 << iota
)

// VolCreateFlags modify volume allocation.
type VolCreateFlags uint32

const (
	// VolCreatePreallocMetadata preallocates metadata only (sparse data).
	VolCreatePreallocMetadata VolCreateFlags = 1 << iota
)

// WipeAlgorithm selects how volume data is destroyed.
type WipeAlgorithm string

// WipeZero overwrites volume contents with zeros. It is the default and the
// only algorithm every wiping backend must accept.
const WipeZero WipeAlgorithm = "zero"

// PoolContents is the result of a pool refresh: the complete volume
// collection and size counters recomputed from the live resource.
type PoolContents struct {
	Volumes    []*conf.VolumeDefinition
	Capacity   uint64
	Allocation uint64
	Available  uint64
}

// Backend is the mandatory part of the contract.
type Backend interface {
	// CheckPool reports whether the pool's underlying resource is already
	// active, without mutating anything.
	CheckPool(pool *conf.PoolDefinition) (active bool, err error)

	// RefreshPool scans the live resource and returns the full volume
	// collection plus recomputed size counters. The driver clears the old
	// collection before calling it.
	RefreshPool(pool *conf.PoolDefinition) (*PoolContents, error)

	// DeleteVol removes a volume from the underlying storage.
	DeleteVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition, flags DeleteFlags) error
}

// PoolStarter activates a pool's resource (mount, login, ...).
type PoolStarter interface {
	StartPool(pool *conf.PoolDefinition) error
}

// PoolStopper deactivates a pool's resource.
type PoolStopper interface {
	StopPool(pool *conf.PoolDefinition) error
}

// PoolBuilder physically provisions a pool (mkdir, mkfs, vgcreate, ...).
type PoolBuilder interface {
	BuildPool(pool *conf.PoolDefinition, flags BuildFlags) error
}

// PoolDeleter physically removes a pool's underlying resource.
type PoolDeleter interface {
	DeletePool(pool *conf.PoolDefinition, flags DeleteFlags) error
}

// VolCreator performs the fast metadata-only step of volume creation. It
// must assign the volume's key and target path.
type VolCreator interface {
	CreateVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition) error
}

// VolBuilder performs the potentially slow allocation of a created volume.
// The driver calls it without holding the pool lock.
type VolBuilder interface {
	BuildVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition, flags VolCreateFlags) error
}

// VolBuilderFrom populates a created volume by copying an existing one,
// possibly from a different pool. Called without any pool lock held.
type VolBuilderFrom interface {
	BuildVolFrom(pool *conf.PoolDefinition, vol, orig *conf.VolumeDefinition, flags VolCreateFlags) error
}

// VolRefresher re-reads one volume's size counters from the live resource.
// It must be non-destructive; the driver calls it from read paths.
type VolRefresher interface {
	RefreshVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition) error
}

// VolResizer changes a volume's capacity to an absolute value.
type VolResizer interface {
	ResizeVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition, capacity uint64) error
}

// VolWiper destroys a volume's data with the selected algorithm.
type VolWiper interface {
	WipeVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition, alg WipeAlgorithm) error
}

// VolUploader writes data into a volume from a stream.
type VolUploader interface {
	UploadVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition, r io.Reader, offset, length uint64) error
}

// VolDownloader reads volume data into a stream.
type VolDownloader interface {
	DownloadVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition, w io.Writer, offset, length uint64) error
}

// SourceFinder discovers candidate pool sources for a pool type, given a
// technology-specific query, and returns their XML description.
type SourceFinder interface {
	FindPoolSources(srcSpec string) (string, error)
}

// Registry maps pool type tags to backend implementations.
type Registry struct {
	mu       sync.RWMutex
	backends map[conf.PoolType]Backend
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[conf.PoolType]Backend)}
}

// Register installs a backend for a pool type, replacing any previous one.
func (r *Registry) Register(t conf.PoolType, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[t] = b
}

// ForType returns the backend registered for a pool type.
func (r *Registry) ForType(t conf.PoolType) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[t]
	return b, ok
}

// Types returns the registered pool types, in no particular order.
func (r *Registry) Types() []conf.PoolType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]conf.PoolType, 0, len(r.backends))
	for t := range r.backends {
		types = append(types, t)
	}
	return types
}
