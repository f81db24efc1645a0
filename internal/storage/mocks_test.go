package storage

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/jbweber/cistern/internal/backend"
	"github.com/jbweber/cistern/internal/conf"
)

// fakeBackend is a hand-written backend implementing every capability.
// Builds and transfers can be gated with the buildStarted/buildRelease
// channels so tests can act while a long call is in flight with the pool
// lock dropped.
type fakeBackend struct {
	checkActive bool
	checkErr    error

	contents   *backend.PoolContents
	refreshErr error
	refreshes  int

	startErr error
	starts   int
	stopErr  error
	stops    int

	buildPoolErr  error
	deletePoolErr error

	createVolErr    error
	buildVolErr     error
	buildVolFromErr error
	deleteVolErr    error

	buildStarted chan struct{}
	buildRelease chan struct{}

	deletedVols []string
	resizedTo   uint64
	wipedWith   backend.WipeAlgorithm
	uploaded    []byte
	downloadSrc []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		contents: &backend.PoolContents{
			Capacity:  1 << 30,
			Available: 1 << 30,
		},
	}
}

func (f *fakeBackend) CheckPool(*conf.PoolDefinition) (bool, error) {
	return f.checkActive, f.checkErr
}

func (f *fakeBackend) RefreshPool(*conf.PoolDefinition) (*backend.PoolContents, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	c := *f.contents
	return &c, nil
}

func (f *fakeBackend) StartPool(*conf.PoolDefinition) error {
	f.starts++
	return f.startErr
}

func (f *fakeBackend) StopPool(*conf.PoolDefinition) error {
	f.stops++
	return f.stopErr
}

func (f *fakeBackend) BuildPool(*conf.PoolDefinition, backend.BuildFlags) error {
	return f.buildPoolErr
}

func (f *fakeBackend) DeletePool(*conf.PoolDefinition, backend.DeleteFlags) error {
	return f.deletePoolErr
}

func (f *fakeBackend) CreateVol(pool *conf.PoolDefinition, vol *conf.VolumeDefinition) error {
	if f.createVolErr != nil {
		return f.createVolErr
	}
	vol.Target.Path = filepath.Join("/fake", pool.Name, vol.Name)
	vol.Key = vol.Target.Path
	return nil
}

func (f *fakeBackend) gate() {
	if f.buildStarted != nil {
		f.buildStarted <- struct{}{}
	}
	if f.buildRelease != nil {
		<-f.buildRelease
	}
}

func (f *fakeBackend) BuildVol(*conf.PoolDefinition, *conf.VolumeDefinition, backend.VolCreateFlags) error {
	f.gate()
	return f.buildVolErr
}

func (f *fakeBackend) BuildVolFrom(_ *conf.PoolDefinition, _, _ *conf.VolumeDefinition, _ backend.VolCreateFlags) error {
	f.gate()
	return f.buildVolFromErr
}

func (f *fakeBackend) RefreshVol(*conf.PoolDefinition, *conf.VolumeDefinition) error {
	return nil
}

func (f *fakeBackend) DeleteVol(_ *conf.PoolDefinition, vol *conf.VolumeDefinition, _ backend.DeleteFlags) error {
	if f.deleteVolErr != nil {
		return f.deleteVolErr
	}
	f.deletedVols = append(f.deletedVols, vol.Name)
	return nil
}

func (f *fakeBackend) ResizeVol(_ *conf.PoolDefinition, _ *conf.VolumeDefinition, capacity uint64) error {
	f.resizedTo = capacity
	return nil
}

func (f *fakeBackend) WipeVol(_ *conf.PoolDefinition, _ *conf.VolumeDefinition, alg backend.WipeAlgorithm) error {
	f.wipedWith = alg
	return nil
}

func (f *fakeBackend) UploadVol(_ *conf.PoolDefinition, _ *conf.VolumeDefinition, r io.Reader, _, _ uint64) error {
	f.gate()
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.uploaded = data
	return nil
}

func (f *fakeBackend) DownloadVol(_ *conf.PoolDefinition, _ *conf.VolumeDefinition, w io.Writer, _, _ uint64) error {
	_, err := w.Write(f.downloadSrc)
	return err
}

// minimalBackend implements only the mandatory operations.
type minimalBackend struct{}

func (minimalBackend) CheckPool(*conf.PoolDefinition) (bool, error) {
	return false, nil
}

func (minimalBackend) RefreshPool(*conf.PoolDefinition) (*backend.PoolContents, error) {
	return &backend.PoolContents{}, nil
}

func (minimalBackend) DeleteVol(*conf.PoolDefinition, *conf.VolumeDefinition, backend.DeleteFlags) error {
	return nil
}

func newTestDriver(t *testing.T) (*Driver, *fakeBackend) {
	t.Helper()
	fb := newFakeBackend()
	backends := backend.NewRegistry()
	backends.Register(conf.PoolTypeDir, fb)
	backends.Register(conf.PoolTypeFS, minimalBackend{})
	d := New(Config{
		Backends: backends,
		Store:    conf.NewStore(t.TempDir()),
	})
	return d, fb
}

func poolXML(name string) string {
	return fmt.Sprintf(`<pool type="dir"><name>%s</name><target><path>/pools/%s</path></target></pool>`,
		name, name)
}

func volXML(name string, capacity, allocation uint64) string {
	return fmt.Sprintf(`<volume><name>%s</name><capacity>%d</capacity><allocation>%d</allocation></volume>`,
		name, capacity, allocation)
}

// activePool defines and starts a pool, returning its name.
func activePool(t *testing.T, d *Driver, name string) string {
	t.Helper()
	if _, err := d.DefinePool(poolXML(name)); err != nil {
		t.Fatalf("DefinePool(%s) failed: %v", name, err)
	}
	if err := d.StartPool(name); err != nil {
		t.Fatalf("StartPool(%s) failed: %v", name, err)
	}
	return name
}
