// Package conf holds the storage pool and volume definitions, their XML
// codec, and the on-disk persistence of pool configuration.
//
// A PoolDefinition describes one storage pool: its name, UUID, type tag,
// technology-specific source, target path, and size counters. A
// VolumeDefinition describes one volume owned by a pool. Both are plain
// data; all lifecycle behavior lives in internal/storage.
//
// The external representation is the libvirt storage XML schema, handled
// via libvirt.org/go/libvirtxml:
//
//	def, err := conf.ParsePoolDefinition(xml)
//	out, err := def.XML()
//
// Persistence follows the libvirt layout: one XML file per defined pool
// under a config directory, and an autostart marker implemented as a
// symlink to the config file under <configDir>/autostart. The Store type
// owns both directories:
//
//	store := conf.NewStore("/var/lib/cistern/pools")
//	pools, err := store.LoadAll()
package conf
