// Package access provides the authorization hook invoked before every
// driver operation. The driver calls the checker with the operation tag and
// the target definition before performing any mutation; a denial aborts the
// operation.
package access

import (
	"github.com/jbweber/cistern/internal/conf"
)

// Op identifies a driver operation for authorization purposes.
type Op string

const (
	OpPoolLookup    Op = "pool-lookup"
	OpPoolDefine    Op = "pool-define"
	OpPoolCreate    Op = "pool-create"
	OpPoolUndefine  Op = "pool-undefine"
	OpPoolBuild     Op = "pool-build"
	OpPoolStart     Op = "pool-start"
	OpPoolStop      Op = "pool-stop"
	OpPoolDelete    Op = "pool-delete"
	OpPoolRefresh   Op = "pool-refresh"
	OpPoolGetInfo   Op = "pool-get-info"
	OpPoolAutostart Op = "pool-autostart"
	OpVolLookup     Op = "vol-lookup"
	OpVolCreate     Op = "vol-create"
	OpVolDelete     Op = "vol-delete"
	OpVolGetInfo    Op = "vol-get-info"
	OpVolResize     Op = "vol-resize"
	OpVolWipe       Op = "vol-wipe"
	OpVolUpload     Op = "vol-upload"
	OpVolDownload   Op = "vol-download"
)

// Checker authorizes operations against pools and their volumes. vol is nil
// for pool-level operations.
type Checker interface {
	Check(op Op, pool *conf.PoolDefinition, vol *conf.VolumeDefinition) error
}

// AllowAll permits every operation. It is the default checker.
type AllowAll struct{}

// Check implements Checker.
func (AllowAll) Check(Op, *conf.PoolDefinition, *conf.VolumeDefinition) error {
	return nil
}
