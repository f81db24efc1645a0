package storage

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jbweber/cistern/internal/backend"
)

func TestCreateVolume(t *testing.T) {
	d, _ := newTestDriver(t)
	activePool(t, d, "p")

	info, err := d.CreateVolume("p", volXML("v", 1<<20, 1<<20), 0)
	if err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}
	if info.Key != "/fake/p/v" {
		t.Errorf("Expected backend-assigned key, got %q", info.Key)
	}
	if info.Path != "/fake/p/v" {
		t.Errorf("Expected backend-assigned path, got %q", info.Path)
	}

	pool, err := d.PoolInfo("p")
	if err != nil {
		t.Fatalf("PoolInfo failed: %v", err)
	}
	if pool.Allocation != 1<<20 {
		t.Errorf("Expected pool allocation %d, got %d", 1<<20, pool.Allocation)
	}
	if pool.Available != (1<<30)-(1<<20) {
		t.Errorf("Expected pool available %d, got %d", (1<<30)-(1<<20), pool.Available)
	}
	if pool.Volumes != 1 {
		t.Errorf("Expected 1 volume, got %d", pool.Volumes)
	}
}

func TestCreateVolume_IgnoresCallerKey(t *testing.T) {
	d, _ := newTestDriver(t)
	activePool(t, d, "p")

	xml := `<volume><name>v</name><key>/spoofed/key</key><capacity>1024</capacity></volume>`
	info, err := d.CreateVolume("p", xml, 0)
	if err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}
	if info.Key != "/fake/p/v" {
		t.Errorf("Caller-supplied key should be discarded, got %q", info.Key)
	}
}

func TestCreateVolume_DuplicateName(t *testing.T) {
	d, _ := newTestDriver(t)
	activePool(t, d, "p")

	if _, err := d.CreateVolume("p", volXML("v", 1024, 1024), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}
	if _, err := d.CreateVolume("p", volXML("v", 1024, 1024), 0); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}
}

func TestCreateVolume_InactivePool(t *testing.T) {
	d, _ := newTestDriver(t)
	if _, err := d.DefinePool(poolXML("p")); err != nil {
		t.Fatalf("DefinePool failed: %v", err)
	}
	if _, err := d.CreateVolume("p", volXML("v", 1024, 1024), 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestCreateVolume_Exhausted(t *testing.T) {
	d, fb := newTestDriver(t)
	fb.contents.Available = 1000
	activePool(t, d, "p")

	if _, err := d.CreateVolume("p", volXML("big", 4096, 2000), 0); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Expected ErrResourceExhausted, got %v", err)
	}

	// Fill most of the pool, then overflow it.
	if _, err := d.CreateVolume("p", volXML("a", 1024, 600), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}
	if _, err := d.CreateVolume("p", volXML("b", 1024, 600), 0); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("Expected ErrResourceExhausted, got %v", err)
	}
}

func TestCreateVolume_BuildFailureRollsBack(t *testing.T) {
	d, fb := newTestDriver(t)
	activePool(t, d, "p")
	fb.buildVolErr = errors.New("allocation failed")

	if _, err := d.CreateVolume("p", volXML("v", 1024, 512), 0); !errors.Is(err, ErrBackendFailure) {
		t.Fatalf("Expected ErrBackendFailure, got %v", err)
	}

	if len(fb.deletedVols) != 1 || fb.deletedVols[0] != "v" {
		t.Errorf("Expected rollback delete of v, got %v", fb.deletedVols)
	}
	pool, err := d.PoolInfo("p")
	if err != nil {
		t.Fatalf("PoolInfo failed: %v", err)
	}
	if pool.Volumes != 0 {
		t.Errorf("Expected no volumes after rollback, got %d", pool.Volumes)
	}
	if pool.Allocation != 0 {
		t.Errorf("Expected pool allocation untouched, got %d", pool.Allocation)
	}

	// The name is free again.
	fb.buildVolErr = nil
	if _, err := d.CreateVolume("p", volXML("v", 1024, 512), 0); err != nil {
		t.Errorf("Recreate failed: %v", err)
	}
}

func TestCreateVolume_PoolUsableDuringBuild(t *testing.T) {
	d, fb := newTestDriver(t)
	activePool(t, d, "p")

	if _, err := d.CreateVolume("p", volXML("existing", 1024, 100), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	fb.buildStarted = make(chan struct{}, 1)
	fb.buildRelease = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := d.CreateVolume("p", volXML("building", 1024, 200), 0)
		done <- err
	}()

	select {
	case <-fb.buildStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("Build never started")
	}

	// Reads proceed while the build holds no lock.
	if _, err := d.VolumeInfo("p", "existing"); err != nil {
		t.Errorf("VolumeInfo during build failed: %v", err)
	}
	vols, err := d.ListVolumes("p")
	if err != nil || len(vols) != 2 {
		t.Errorf("Expected 2 volumes during build, got %d (%v)", len(vols), err)
	}

	// Destructive operations are refused rather than blocking.
	if err := d.DeleteVolume("p", "building", 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Delete of building volume: expected ErrInvalidState, got %v", err)
	}
	if err := d.StopPool("p"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop during build: expected ErrInvalidState, got %v", err)
	}
	if err := d.RefreshPool("p"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Refresh during build: expected ErrInvalidState, got %v", err)
	}

	close(fb.buildRelease)
	if err := <-done; err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	// The counters commit after the build, and the pool stops cleanly.
	pool, err := d.PoolInfo("p")
	if err != nil {
		t.Fatalf("PoolInfo failed: %v", err)
	}
	if pool.Allocation != 300 {
		t.Errorf("Expected allocation 300, got %d", pool.Allocation)
	}
	if err := d.StopPool("p"); err != nil {
		t.Errorf("Stop after build failed: %v", err)
	}
}

func TestCreateVolumeFrom(t *testing.T) {
	d, fb := newTestDriver(t)
	activePool(t, d, "src")
	activePool(t, d, "dst")

	if _, err := d.CreateVolume("src", volXML("base", 4096, 4096), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	fb.buildStarted = make(chan struct{}, 1)
	fb.buildRelease = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := d.CreateVolumeFrom("dst", volXML("copy", 1024, 0), "src", "base", 0)
		done <- err
	}()

	select {
	case <-fb.buildStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("Clone never started")
	}

	// The source is pinned as a clone source.
	if err := d.DeleteVolume("src", "base", 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Delete of clone source: expected ErrInvalidState, got %v", err)
	}
	// Both pools count an async job.
	if err := d.StopPool("src"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop of source pool: expected ErrInvalidState, got %v", err)
	}
	if err := d.StopPool("dst"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop of dest pool: expected ErrInvalidState, got %v", err)
	}

	close(fb.buildRelease)
	if err := <-done; err != nil {
		t.Fatalf("CreateVolumeFrom failed: %v", err)
	}

	// Capacity and allocation were raised to cover the source.
	info, err := d.VolumeInfo("dst", "copy")
	if err != nil {
		t.Fatalf("VolumeInfo failed: %v", err)
	}
	if info.Capacity != 4096 {
		t.Errorf("Expected capacity raised to 4096, got %d", info.Capacity)
	}
	pool, err := d.PoolInfo("dst")
	if err != nil {
		t.Fatalf("PoolInfo failed: %v", err)
	}
	if pool.Allocation != 4096 {
		t.Errorf("Expected dest allocation 4096, got %d", pool.Allocation)
	}

	// The pin is released; the source is deletable again.
	if err := d.DeleteVolume("src", "base", 0); err != nil {
		t.Errorf("Delete after clone failed: %v", err)
	}
}

func TestCreateVolumeFrom_SamePool(t *testing.T) {
	d, _ := newTestDriver(t)
	activePool(t, d, "p")

	if _, err := d.CreateVolume("p", volXML("base", 2048, 2048), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}
	info, err := d.CreateVolumeFrom("p", volXML("copy", 2048, 2048), "p", "base", 0)
	if err != nil {
		t.Fatalf("CreateVolumeFrom failed: %v", err)
	}
	if info.Pool != "p" {
		t.Errorf("Expected pool p, got %q", info.Pool)
	}
	if n, _ := d.NumVolumes("p"); n != 2 {
		t.Errorf("Expected 2 volumes, got %d", n)
	}
}

func TestCreateVolumeFrom_BuildFailureRollsBack(t *testing.T) {
	d, fb := newTestDriver(t)
	activePool(t, d, "p")
	if _, err := d.CreateVolume("p", volXML("base", 2048, 2048), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	fb.buildVolFromErr = errors.New("copy failed")
	if _, err := d.CreateVolumeFrom("p", volXML("copy", 2048, 0), "p", "base", 0); !errors.Is(err, ErrBackendFailure) {
		t.Fatalf("Expected ErrBackendFailure, got %v", err)
	}

	if n, _ := d.NumVolumes("p"); n != 1 {
		t.Errorf("Expected rollback to 1 volume, got %d", n)
	}
	// The source pin is released even on failure.
	if err := d.DeleteVolume("p", "base", 0); err != nil {
		t.Errorf("Delete after failed clone: %v", err)
	}
}

func TestDeleteVolume(t *testing.T) {
	d, fb := newTestDriver(t)
	activePool(t, d, "p")
	if _, err := d.CreateVolume("p", volXML("v", 1024, 512), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	if err := d.DeleteVolume("p", "v", 0); err != nil {
		t.Fatalf("DeleteVolume failed: %v", err)
	}
	if len(fb.deletedVols) != 1 {
		t.Errorf("Expected 1 backend delete, got %v", fb.deletedVols)
	}

	pool, err := d.PoolInfo("p")
	if err != nil {
		t.Fatalf("PoolInfo failed: %v", err)
	}
	if pool.Allocation != 0 || pool.Available != 1<<30 {
		t.Errorf("Expected counters restored, got alloc %d avail %d", pool.Allocation, pool.Available)
	}
	if _, err := d.VolumeInfo("p", "v"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestResizeVolume(t *testing.T) {
	tests := []struct {
		name     string
		capacity uint64
		flags    ResizeFlags
		wantErr  error
		wantCap  uint64
	}{
		{"grow absolute", 2000, 0, nil, 2000},
		{"grow delta", 500, ResizeDelta, nil, 1500},
		{"grow delta overflow", ^uint64(0), ResizeDelta, ErrInvalidArgument, 0},
		{"shrink without flag", 800, 0, ErrInvalidArgument, 0},
		{"shrink with flag", 800, ResizeShrink, nil, 800},
		{"shrink delta", 200, ResizeDelta | ResizeShrink, nil, 800},
		{"shrink below allocation", 400, ResizeShrink, ErrInvalidArgument, 0},
		{"beyond pool space", 1 << 40, 0, ErrResourceExhausted, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDriver(t)
			activePool(t, d, "p")
			if _, err := d.CreateVolume("p", volXML("v", 1000, 500), 0); err != nil {
				t.Fatalf("CreateVolume failed: %v", err)
			}

			err := d.ResizeVolume("p", "v", tt.capacity, tt.flags)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResizeVolume failed: %v", err)
			}

			info, err := d.VolumeInfo("p", "v")
			if err != nil {
				t.Fatalf("VolumeInfo failed: %v", err)
			}
			if info.Capacity != tt.wantCap {
				t.Errorf("Expected capacity %d, got %d", tt.wantCap, info.Capacity)
			}
		})
	}
}

func TestResizeVolume_AllocateAdjustsPool(t *testing.T) {
	d, fb := newTestDriver(t)
	activePool(t, d, "p")
	if _, err := d.CreateVolume("p", volXML("v", 1000, 500), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	if err := d.ResizeVolume("p", "v", 2000, ResizeAllocate); err != nil {
		t.Fatalf("ResizeVolume failed: %v", err)
	}
	if fb.resizedTo != 2000 {
		t.Errorf("Expected backend resize to 2000, got %d", fb.resizedTo)
	}

	info, err := d.VolumeInfo("p", "v")
	if err != nil {
		t.Fatalf("VolumeInfo failed: %v", err)
	}
	if info.Allocation != 2000 {
		t.Errorf("Expected volume allocation 2000, got %d", info.Allocation)
	}

	// The pool moves by the allocation change measured before the resize:
	// 500 committed at create, plus 1500 from the resize.
	pool, err := d.PoolInfo("p")
	if err != nil {
		t.Fatalf("PoolInfo failed: %v", err)
	}
	if pool.Allocation != 2000 {
		t.Errorf("Expected pool allocation 2000, got %d", pool.Allocation)
	}
	if pool.Available != (1<<30)-2000 {
		t.Errorf("Expected pool available %d, got %d", (1<<30)-2000, pool.Available)
	}
}

func TestWipeVolume(t *testing.T) {
	d, fb := newTestDriver(t)
	activePool(t, d, "p")
	if _, err := d.CreateVolume("p", volXML("v", 1024, 512), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	if err := d.WipeVolume("p", "v", ""); err != nil {
		t.Fatalf("WipeVolume failed: %v", err)
	}
	if fb.wipedWith != backend.WipeZero {
		t.Errorf("Expected default zero algorithm, got %q", fb.wipedWith)
	}

	if err := d.WipeVolume("p", "v", "rot13"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for unknown algorithm, got %v", err)
	}
}

func TestUploadDownloadVolume(t *testing.T) {
	d, fb := newTestDriver(t)
	activePool(t, d, "p")
	if _, err := d.CreateVolume("p", volXML("v", 1024, 512), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	payload := []byte("image data")
	if err := d.UploadVolume("p", "v", strings.NewReader(string(payload)), 0, 0); err != nil {
		t.Fatalf("UploadVolume failed: %v", err)
	}
	if !bytes.Equal(fb.uploaded, payload) {
		t.Errorf("Expected upload payload %q, got %q", payload, fb.uploaded)
	}

	fb.downloadSrc = payload
	var out bytes.Buffer
	if err := d.DownloadVolume("p", "v", &out, 0, 0); err != nil {
		t.Fatalf("DownloadVolume failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), payload) {
		t.Errorf("Expected download payload %q, got %q", payload, out.Bytes())
	}
}

func TestUploadVolume_PoolUsableDuringTransfer(t *testing.T) {
	d, fb := newTestDriver(t)
	activePool(t, d, "p")
	if _, err := d.CreateVolume("p", volXML("v", 1024, 512), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	fb.buildStarted = make(chan struct{}, 1)
	fb.buildRelease = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- d.UploadVolume("p", "v", strings.NewReader("image data"), 0, 0)
	}()

	select {
	case <-fb.buildStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("Upload never started")
	}

	// Reads proceed while the stream holds no lock.
	if _, err := d.PoolInfo("p"); err != nil {
		t.Errorf("PoolInfo during upload failed: %v", err)
	}
	vols, err := d.ListVolumes("p")
	if err != nil || len(vols) != 1 {
		t.Errorf("Expected 1 volume during upload, got %d (%v)", len(vols), err)
	}

	// The volume is pinned and the pool can't stop under the stream.
	if err := d.DeleteVolume("p", "v", 0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Delete during upload: expected ErrInvalidState, got %v", err)
	}
	if err := d.StopPool("p"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Stop during upload: expected ErrInvalidState, got %v", err)
	}

	close(fb.buildRelease)
	if err := <-done; err != nil {
		t.Fatalf("UploadVolume failed: %v", err)
	}
	if !bytes.Equal(fb.uploaded, []byte("image data")) {
		t.Errorf("Expected payload committed after release, got %q", fb.uploaded)
	}
	if err := d.StopPool("p"); err != nil {
		t.Errorf("Stop after upload failed: %v", err)
	}
}

func TestVolumeXML(t *testing.T) {
	d, _ := newTestDriver(t)
	activePool(t, d, "p")
	if _, err := d.CreateVolume("p", volXML("v", 1024, 512), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	xml, err := d.VolumeXML("p", "v")
	if err != nil {
		t.Fatalf("VolumeXML failed: %v", err)
	}
	if !strings.Contains(xml, "<name>v</name>") {
		t.Errorf("Expected volume name in XML, got %s", xml)
	}
	if !strings.Contains(xml, "/fake/p/v") {
		t.Errorf("Expected backend path in XML, got %s", xml)
	}
}

func TestLookupVolumeByKeyAndPath(t *testing.T) {
	d, _ := newTestDriver(t)
	activePool(t, d, "p")
	if _, err := d.CreateVolume("p", volXML("v", 1024, 512), 0); err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}

	info, err := d.LookupVolumeByKey("/fake/p/v")
	if err != nil || info.Name != "v" {
		t.Errorf("LookupVolumeByKey: got %+v %v", info, err)
	}
	info, err = d.LookupVolumeByPath("/fake/p/v")
	if err != nil || info.Pool != "p" {
		t.Errorf("LookupVolumeByPath: got %+v %v", info, err)
	}
	if _, err := d.LookupVolumeByKey("/nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestVolumeOps_Unsupported(t *testing.T) {
	d, _ := newTestDriver(t)

	// A pool whose backend implements only the mandatory contract.
	xml := `<pool type="fs"><name>m</name><target><path>/mnt/m</path></target></pool>`
	if _, err := d.DefinePool(xml); err != nil {
		t.Fatalf("DefinePool failed: %v", err)
	}
	// Force it active to reach the capability checks.
	p, err := d.registry.FindByName("m")
	if err != nil {
		t.Fatalf("FindByName failed: %v", err)
	}
	p.active = true
	p.mu.Unlock()

	if _, err := d.CreateVolume("m", volXML("v", 1024, 0), 0); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Create: expected ErrUnsupported, got %v", err)
	}
}
