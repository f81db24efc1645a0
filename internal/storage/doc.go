// Package storage implements the pool and volume lifecycle driver. It owns
// the registry of pool objects, the locking discipline around backend
// calls, and the size bookkeeping that keeps pool counters consistent with
// the volumes created and deleted through it.
//
// Two locks are in play. The registry lock guards membership and the
// name/UUID indices and is never held across a backend call. Each pool
// object carries its own mutex guarding all of its mutable state; short
// operations hold it end to end, while volume builds and clones drop it for
// the duration of the backend call, pinning the pool with the asyncJobs
// counter and the volume with its Building or InUse markers so concurrent
// destructive operations are refused rather than racing.
package storage
