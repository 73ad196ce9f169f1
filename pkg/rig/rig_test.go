package rig

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rig-shutter/pkg/camera"
	"rig-shutter/pkg/config"
	"rig-shutter/pkg/framebuf"
	"rig-shutter/pkg/gpio"
	"rig-shutter/pkg/storage"
	"rig-shutter/pkg/storage/consts"
	"rig-shutter/pkg/utils"
)

const (
	testWidth  = 32
	testHeight = 8
)

type testRig struct {
	*Controller
	cfg    *config.Config
	driver *camera.SimDriver
	lines  *gpio.SimLines
}

func newTestRig(t *testing.T, cameras int, opts ...Option) *testRig {
	t.Helper()
	return newTestRigWith(t, cameras, nil, opts...)
}

// newTestRigWith lets wrap put a driver in front of the simulated one.
func newTestRigWith(t *testing.T, cameras int, wrap func(*camera.SimDriver) camera.Driver, opts ...Option) *testRig {
	t.Helper()
	cfg := config.Default()
	cfg.Camera.SimCount = cameras
	cfg.Camera.Width = testWidth
	cfg.Camera.Height = testHeight
	cfg.Params.Framerate = 200
	cfg.Pipeline.LaneCapacity = 16
	cfg.Sync.TriggerTimeoutMs = 100
	cfg.Storage.MinFree = ""
	cfg.Storage.Paths = [2]string{t.TempDir(), t.TempDir()}
	cfg.Recording.OneshotSamples = 5
	cfg.Preview.Width = 0

	d := camera.NewSimDriver(cameras, testWidth, testHeight)
	d.Paced = true
	lines := gpio.NewSimLines("SIM17000", 0)

	var driver camera.Driver = d
	if wrap != nil {
		driver = wrap(d)
	}
	c, err := New(cfg, driver, lines, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
	})
	return &testRig{Controller: c, cfg: cfg, driver: d, lines: lines}
}

func (r *testRig) start(t *testing.T, producers, consumers int) {
	t.Helper()
	if !r.ConfigureCameras(1, r.cfg.Params.Framerate, 0, 8) {
		t.Fatal("ConfigureCameras failed")
	}
	if !r.StartProducers(producers) {
		t.Fatal("StartProducers failed")
	}
	if !r.StartConsumers(consumers) {
		t.Fatal("StartConsumers failed")
	}
	if !r.StartSlaveCapture() {
		t.Fatal("StartSlaveCapture failed")
	}
	if !r.StartMasterCapture() {
		t.Fatal("StartMasterCapture failed")
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

// frameLog records what consumers observed.
type frameLog struct {
	mu      sync.Mutex
	numbers map[int][]uint64
	sizes   map[int][]int
	workers map[int]map[int]bool
	seen    map[[2]uint64]int
}

func newFrameLog() *frameLog {
	return &frameLog{
		numbers: make(map[int][]uint64),
		sizes:   make(map[int][]int),
		workers: make(map[int]map[int]bool),
		seen:    make(map[[2]uint64]int),
	}
}

func (l *frameLog) observe(worker int, d *framebuf.Descriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.numbers[d.CameraIndex] = append(l.numbers[d.CameraIndex], d.FrameNumber)
	l.sizes[d.CameraIndex] = append(l.sizes[d.CameraIndex], d.FrameSize)
	if l.workers[d.CameraIndex] == nil {
		l.workers[d.CameraIndex] = make(map[int]bool)
	}
	l.workers[d.CameraIndex][worker] = true
	l.seen[[2]uint64{uint64(d.CameraIndex), d.FrameNumber}]++
}

func (l *frameLog) count(cam int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.numbers[cam])
}

func (l *frameLog) minCount(cameras int) int {
	low := -1
	for i := 0; i < cameras; i++ {
		if n := l.count(i); low < 0 || n < low {
			low = n
		}
	}
	return low
}

// sized counts the frames of cam that were size bytes long.
func (l *frameLog) sized(cam, size int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sizes[cam] {
		if s == size {
			n++
		}
	}
	return n
}

func TestMasterSelection(t *testing.T) {
	r := newTestRig(t, 3)
	if r.MasterIndex() != 0 {
		t.Fatalf("MasterIndex() = %d", r.MasterIndex())
	}
	names := r.Cameras()
	if len(names) != 3 || names[0].Role != "master" || names[1].Role != "slave" || names[2].Serial != "SIM17002" {
		t.Fatalf("Cameras() = %+v", names)
	}

	cfg := config.Default()
	cfg.Sync.MasterSerial = "SIM17002"
	c, err := New(cfg, camera.NewSimDriver(3, testWidth, testHeight), gpio.NewSimLines("", 0))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Shutdown(context.Background())
	if c.MasterIndex() != 2 {
		t.Fatalf("configured master = %d", c.MasterIndex())
	}
}

func TestControlSurfaceRejections(t *testing.T) {
	r := newTestRig(t, 2)

	if r.StartProducers(1) {
		t.Fatal("StartProducers accepted unconfigured cameras")
	}
	if r.ConfigureCameras(1, 30, 0, 10) {
		t.Fatal("ConfigureCameras accepted 10 bpp")
	}
	if !r.ConfigureCameras(1, 30, 0, 8) {
		t.Fatal("ConfigureCameras failed")
	}
	if r.StartRecording(false) {
		t.Fatal("StartRecording accepted without producers")
	}
	if r.StopRecording() {
		t.Fatal("StopRecording succeeded with nothing active")
	}
	if r.SetPreviewCamera(5) || r.SetPreviewCamera(-1) {
		t.Fatal("SetPreviewCamera accepted an unknown camera")
	}
	if r.SetPaths([2]string{}) {
		t.Fatal("SetPaths accepted no path")
	}
	if r.StartMasterCapture() {
		t.Fatal("StartMasterCapture accepted unarmed slaves")
	}
	if r.SetOneshotSamples(0) {
		t.Fatal("SetOneshotSamples accepted 0")
	}
	if r.State() != StateIdle {
		t.Fatalf("State() = %s", r.State())
	}
}

func TestConfigureFailureKeepsPreviousParams(t *testing.T) {
	r := newTestRig(t, 3)
	if !r.ConfigureCameras(1, 30, 0, 8) {
		t.Fatal("ConfigureCameras failed")
	}
	r.driver.FailConfigure("SIM17001", 1)
	if r.UpdateCameraParams(2, 30, 6, 16) {
		t.Fatal("UpdateCameraParams reported success with a failing camera")
	}
	st := r.Stats()
	if st.Cameras[1].ConfigureFailures != 1 {
		t.Fatalf("configure failures = %d", st.Cameras[1].ConfigureFailures)
	}
	if got := r.driver.AppliedParams("SIM17001").BitsPerPixel; got != 8 {
		t.Fatalf("failed camera bpp = %d", got)
	}
	for _, serial := range []string{"SIM17000", "SIM17002"} {
		if got := r.driver.AppliedParams(serial); got.BitsPerPixel != 8 || got.Gain != 0 {
			t.Fatalf("%s not rolled back: %s", serial, got)
		}
	}

	for _, root := range r.cfg.Storage.Paths {
		names, err := storage.ReadNames(root)
		if err != nil {
			t.Fatal(err)
		}
		if len(names) != 3 {
			t.Fatalf("names = %+v", names)
		}
	}
}

func TestOneshotExactness(t *testing.T) {
	const cameras, target = 4, 5
	r := newTestRig(t, cameras)
	r.start(t, 2, 2)

	if !r.StartRecording(true) {
		t.Fatal("StartRecording(true) failed")
	}
	if r.StartRecording(false) {
		t.Fatal("StartRecording accepted a second session")
	}
	waitIdle(t, r.Controller)
	if r.State() != StateIdle {
		t.Fatalf("State() = %s", r.State())
	}

	info := r.LastSession()
	if info == nil || !info.Oneshot || info.Target != target {
		t.Fatalf("session = %+v", info)
	}
	if len(info.Cameras) != cameras {
		t.Fatalf("cameras = %d", len(info.Cameras))
	}
	for _, ci := range info.Cameras {
		if ci.Frames != target || len(ci.FrameNumbers) != target {
			t.Fatalf("camera %d wrote %d frames %v", ci.Index, ci.Frames, ci.FrameNumbers)
		}
		for i := 1; i < len(ci.FrameNumbers); i++ {
			if ci.FrameNumbers[i] <= ci.FrameNumbers[i-1] {
				t.Fatalf("camera %d frame numbers not increasing: %v", ci.Index, ci.FrameNumbers)
			}
		}
		if len(ci.Files) != 1 {
			t.Fatalf("camera %d files = %v", ci.Index, ci.Files)
		}
		rd, err := storage.Open(ci.Files[0])
		if err != nil {
			t.Fatal(err)
		}
		if rd.Frames() != target || rd.Header().SerialString() != ci.Serial {
			t.Fatalf("camera %d file has %d frames, header %+v", ci.Index, rd.Frames(), rd.Header())
		}
		_ = rd.Close()

		want := r.cfg.Storage.Paths[ci.Index%2]
		if filepath.Dir(filepath.Dir(ci.Files[0])) != want {
			t.Fatalf("camera %d recorded to %s, want under %s", ci.Index, ci.Files[0], want)
		}
	}

	for _, root := range r.cfg.Storage.Paths {
		if _, err := os.Stat(filepath.Join(root, info.ID, consts.SessionFile)); err != nil {
			t.Fatal(err)
		}
	}
	list, err := storage.ListSessions(r.cfg.Storage.Paths[:])
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != info.ID {
		t.Fatalf("sessions = %+v", list)
	}
}

func TestFrameNumbersAndAtMostOnceDelivery(t *testing.T) {
	const cameras = 4
	log := newFrameLog()
	r := newTestRig(t, cameras, WithFrameObserver(log.observe))
	r.start(t, 3, 2)

	waitFor(t, 5*time.Second, "frames from every camera", func() bool {
		return log.minCount(cameras) >= 20
	})
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	for cam := 0; cam < cameras; cam++ {
		nums := log.numbers[cam]
		for i := 1; i < len(nums); i++ {
			if nums[i] <= nums[i-1] {
				t.Fatalf("camera %d: frame %d after %d", cam, nums[i], nums[i-1])
			}
		}
		if len(log.workers[cam]) != 1 || !log.workers[cam][cam%2] {
			t.Fatalf("camera %d served by workers %v", cam, log.workers[cam])
		}
	}
	for key, n := range log.seen {
		if n != 1 {
			t.Fatalf("camera %d frame %d delivered %d times", key[0], key[1], n)
		}
	}
}

func TestParameterUpdateIsStaged(t *testing.T) {
	const cameras = 3
	log := newFrameLog()
	r := newTestRig(t, cameras, WithFrameObserver(log.observe))
	r.start(t, cameras, 2)

	if !r.StartRecording(false) {
		t.Fatal("StartRecording failed")
	}
	base := log.minCount(cameras)
	waitFor(t, 5*time.Second, "frames before the update", func() bool {
		return log.minCount(cameras) >= base+5
	})
	if !r.UpdateCameraParams(1, 200, 0, 16) {
		t.Fatal("UpdateCameraParams failed")
	}
	waitFor(t, 5*time.Second, "update applied", func() bool {
		return !r.Stats().ParamsPending
	})
	waitFor(t, 5*time.Second, "frames after the update", func() bool {
		for cam := 0; cam < cameras; cam++ {
			if log.sized(cam, 2*testWidth*testHeight) < 5 {
				return false
			}
		}
		return true
	})
	if !r.StopRecording() {
		t.Fatal("StopRecording failed")
	}
	waitIdle(t, r.Controller)

	old := testWidth * testHeight
	log.mu.Lock()
	for cam := 0; cam < cameras; cam++ {
		grown := false
		for _, size := range log.sizes[cam] {
			switch {
			case size == 2*old:
				grown = true
			case size == old && grown:
				t.Fatalf("camera %d: old frame size after new one: %v", cam, log.sizes[cam])
			}
		}
		if !grown {
			t.Fatalf("camera %d never produced the new size", cam)
		}
	}
	log.mu.Unlock()

	info := r.LastSession()
	for _, ci := range info.Cameras {
		if ci.Segments != 2 || len(ci.Files) != 2 {
			t.Fatalf("camera %d segments = %d, files = %v", ci.Index, ci.Segments, ci.Files)
		}
		var last uint64
		for seg, p := range ci.Files {
			rd, err := storage.Open(p)
			if err != nil {
				t.Fatal(err)
			}
			if want := uint16(8 * (seg + 1)); rd.Header().BitsPerPixel != want {
				t.Fatalf("segment %d bpp = %d, want %d", seg, rd.Header().BitsPerPixel, want)
			}
			var buf []byte
			for {
				buf, err = rd.Next(buf)
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatal(err)
				}
				seq := camera.FrameSeq(buf)
				if last != 0 && seq <= last {
					t.Fatalf("camera %d segment %d: frame %d after %d", ci.Index, seg, seq, last)
				}
				last = seq
			}
			_ = rd.Close()
		}
	}
}

func TestLanesStayBounded(t *testing.T) {
	const cameras = 4
	slow := func(int, *framebuf.Descriptor) {
		time.Sleep(3 * time.Millisecond)
	}
	r := newTestRig(t, cameras, WithFrameObserver(slow))
	r.cfg.Pipeline.LaneCapacity = 4
	r.cfg.Pipeline.PushTimeoutMs = 1
	r.start(t, cameras, 2)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, l := range r.Stats().Lanes {
			if l.Len > l.Cap {
				t.Fatalf("lane %d holds %d > %d", l.ID, l.Len, l.Cap)
			}
		}
		time.Sleep(time.Millisecond)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := r.Stats()
	var drops uint64
	for _, l := range st.Lanes {
		if l.Cap != 4 || l.HighWater > int64(l.Cap) {
			t.Fatalf("lane stats = %+v", l)
		}
		drops += l.Dropped
	}
	var cameraDrops uint64
	for _, cs := range st.Cameras {
		cameraDrops += cs.LaneDrops
	}
	if drops != cameraDrops {
		t.Fatal("lane drops do not match camera drop counters")
	}
}

func TestSlavesWaitForTrigger(t *testing.T) {
	const cameras = 3
	r := newTestRig(t, cameras)

	type grab struct {
		n        int
		triggers int
	}
	var (
		mu    sync.Mutex
		grabs = make(map[string][]grab)
	)
	for _, serial := range []string{"SIM17001", "SIM17002"} {
		r.driver.OnGrab(serial, func(serial string) {
			triggers := len(r.lines.Triggers())
			mu.Lock()
			grabs[serial] = append(grabs[serial], grab{n: len(grabs[serial]) + 1, triggers: triggers})
			mu.Unlock()
		})
	}

	if !r.ConfigureCameras(1, 200, 0, 8) || !r.StartProducers(cameras) || !r.StartConsumers(2) {
		t.Fatal("start failed")
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	early := len(grabs)
	mu.Unlock()
	if early != 0 {
		t.Fatal("slaves grabbed before the master trigger loop started")
	}
	if !r.StartSlaveCapture() || !r.StartMasterCapture() {
		t.Fatal("sync start failed")
	}
	if !r.driver.Armed("SIM17001") || r.driver.Armed("SIM17000") {
		t.Fatal("only slaves must be armed")
	}
	waitFor(t, 5*time.Second, "slave grabs", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(grabs["SIM17001"]) >= 10 && len(grabs["SIM17002"]) >= 10
	})
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	for serial, list := range grabs {
		for _, g := range list {
			if g.n > g.triggers {
				t.Fatalf("%s: grab %d with only %d triggers asserted", serial, g.n, g.triggers)
			}
		}
	}
	if st := r.Stats().Sync; st.Asserted == 0 || st.State != "disarmed" {
		t.Fatalf("sync stats = %+v", st)
	}
}

func TestCleanShutdown(t *testing.T) {
	const cameras = 4
	r := newTestRig(t, cameras)
	r.start(t, 2, 2)
	if !r.StartRecording(false) {
		t.Fatal("StartRecording failed")
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d > r.cfg.ShutdownTimeout() {
		t.Fatalf("shutdown took %s", d)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.State() != StateIdle {
		t.Fatalf("State() = %s", r.State())
	}
	for i := 0; i < cameras; i++ {
		serial := r.Cameras()[i].Serial
		if n := r.driver.Releases(serial); n != 1 {
			t.Fatalf("%s released %d times", serial, n)
		}
	}
	st := r.Stats()
	if st.Arena.Available != st.Arena.Slots || st.Arena.DoubleReleases != 0 {
		t.Fatalf("arena = %+v", st.Arena)
	}
	if r.LastSession() == nil {
		t.Fatal("session info missing after shutdown")
	}
	if r.StartProducers(1) || r.StartRecording(false) {
		t.Fatal("control surface accepted calls after shutdown")
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	r := newTestRig(t, 2)
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, name := range r.Cameras() {
		if n := r.driver.Releases(name.Serial); n != 1 {
			t.Fatalf("%s released %d times", name.Serial, n)
		}
	}
}

func TestPreviewFollowsSelectedCamera(t *testing.T) {
	r := newTestRig(t, 3)
	r.start(t, 3, 2)
	if !r.SetPreviewCamera(2) {
		t.Fatal("SetPreviewCamera failed")
	}

	got := make(chan int, 1)
	go func() {
		var seq uint64
		for {
			f, ok := r.Preview().Next(seq)
			if !ok {
				return
			}
			seq = f.Seq
			if f.Camera == 2 {
				got <- f.Camera
				return
			}
		}
	}()
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no preview frame from camera 2")
	}
	f, _ := r.Preview().Latest()
	if b := f.Image.Bounds(); b.Dx() != testWidth || b.Dy() != testHeight {
		t.Fatalf("preview bounds = %v", b)
	}
}

func TestPersistentWriteFailureStopsSession(t *testing.T) {
	gate := make(chan struct{})
	hold := func(int, *framebuf.Descriptor) {
		<-gate
	}
	r := newTestRig(t, 2, WithFrameObserver(hold))
	r.cfg.Storage.MaxWriteFailures = 3
	r.start(t, 2, 1)

	if !r.StartRecording(false) {
		close(gate)
		t.Fatal("StartRecording failed")
	}
	id := r.SessionID()
	for _, root := range r.cfg.Storage.Paths {
		dir := filepath.Join(root, id)
		if err := os.RemoveAll(dir); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(dir, nil, 0666); err != nil {
			t.Fatal(err)
		}
	}
	close(gate)

	waitIdle(t, r.Controller)
	info := r.LastSession()
	if info == nil || info.ID != id {
		t.Fatalf("session = %+v", info)
	}
	var failures uint64
	for _, ci := range info.Cameras {
		failures += ci.WriteFailures
		if ci.Frames != 0 {
			t.Fatalf("camera %d wrote %d frames", ci.Index, ci.Frames)
		}
	}
	if failures < 3 {
		t.Fatalf("write failures = %d", failures)
	}
}

// sizeFaultDriver corrupts the first grab of each listed camera after arm.
type sizeFaultDriver struct {
	*camera.SimDriver

	mu     sync.Mutex
	armed  bool
	faults map[string]func(n int) (int, error)
}

func (d *sizeFaultDriver) arm() {
	d.mu.Lock()
	d.armed = true
	d.mu.Unlock()
}

func (d *sizeFaultDriver) Grab(serial string, dst []byte, timeout time.Duration) (int, error) {
	n, err := d.SimDriver.Grab(serial, dst, timeout)
	if err != nil {
		return n, err
	}
	d.mu.Lock()
	fault := d.faults[serial]
	if !d.armed {
		fault = nil
	}
	if fault != nil {
		delete(d.faults, serial)
	}
	d.mu.Unlock()
	if fault != nil {
		return fault(n)
	}
	return n, nil
}

func TestWrongSizedGrabsAreDropped(t *testing.T) {
	const cameras = 2
	log := newFrameLog()
	fd := &sizeFaultDriver{faults: map[string]func(int) (int, error){
		"SIM17000": func(n int) (int, error) { return n - 10, nil },
		"SIM17001": func(int) (int, error) { return 0, fmt.Errorf("%w: oversized frame", camera.ErrFrameSize) },
	}}
	r := newTestRigWith(t, cameras, func(d *camera.SimDriver) camera.Driver {
		fd.SimDriver = d
		return fd
	}, WithFrameObserver(log.observe))
	r.start(t, cameras, 2)

	if !r.StartRecording(false) {
		t.Fatal("StartRecording failed")
	}
	fd.arm()
	waitFor(t, 5*time.Second, "both faulty grabs", func() bool {
		st := r.Stats()
		return st.Cameras[0].SizeDrops == 1 && st.Cameras[1].SizeDrops == 1
	})
	base := log.minCount(cameras)
	waitFor(t, 5*time.Second, "frames after the faulty grabs", func() bool {
		return log.minCount(cameras) >= base+10
	})
	if !r.StopRecording() {
		t.Fatal("StopRecording failed")
	}
	waitIdle(t, r.Controller)

	size := testWidth * testHeight
	for cam := 0; cam < cameras; cam++ {
		if n := log.sized(cam, size); n != log.count(cam) {
			t.Fatalf("camera %d: %d of %d frames had the applied size", cam, n, log.count(cam))
		}
	}
	st := r.Stats()
	if st.Cameras[0].ISPErrors != 0 {
		t.Fatalf("preview camera ISP errors = %d", st.Cameras[0].ISPErrors)
	}
	info := r.LastSession()
	if info == nil {
		t.Fatal("no session info")
	}
	for _, ci := range info.Cameras {
		if ci.Segments != 1 || len(ci.Files) != 1 || ci.WriteFailures != 0 {
			t.Fatalf("camera %d: segments = %d, files = %v, write failures = %d",
				ci.Index, ci.Segments, ci.Files, ci.WriteFailures)
		}
		if ci.Drops == 0 {
			t.Fatalf("camera %d: dropped frame missing from session drops", ci.Index)
		}
	}
}

func TestRejectedConfigurationLeavesControllerUntouched(t *testing.T) {
	fresh := newTestRig(t, 2)
	fresh.driver.FailConfigure("SIM17001", 1)
	if fresh.ConfigureCameras(1, 200, 0, 8) {
		t.Fatal("ConfigureCameras reported success with a failing camera")
	}
	if _, ok := fresh.params.latest(); ok {
		t.Fatal("rejected first set was recorded")
	}
	if fresh.StartProducers(1) {
		t.Fatal("StartProducers accepted a rig that was never configured")
	}
	if _, err := storage.ReadNames(fresh.cfg.Storage.Paths[0]); err == nil {
		t.Fatal("names file written for a rejected configuration")
	}

	r := newTestRig(t, 3)
	if !r.ConfigureCameras(1, 200, 0, 8) {
		t.Fatal("ConfigureCameras failed")
	}
	interval := r.sync.Interval()
	unchanged := func(when string) {
		t.Helper()
		if got := r.sync.Interval(); got != interval {
			t.Fatalf("%s: trigger interval %s, want %s", when, got, interval)
		}
		if p := r.baseParams(); p.Framerate != 200 || p.BitsPerPixel != 8 {
			t.Fatalf("%s: base params %s", when, p)
		}
		for _, name := range r.Cameras() {
			if p := r.driver.AppliedParams(name.Serial); p.Framerate != 200 || p.BitsPerPixel != 8 {
				t.Fatalf("%s: %s runs %s", when, name.Serial, p)
			}
		}
	}

	for _, name := range r.Cameras() {
		r.driver.FailConfigure(name.Serial, 1)
	}
	if r.ConfigureCameras(1, 10, 0, 16) {
		t.Fatal("ConfigureCameras reported success with every camera failing")
	}
	unchanged("all rejected")

	r.driver.FailConfigure("SIM17001", 1)
	if r.UpdateCameraParams(1, 10, 0, 16) {
		t.Fatal("UpdateCameraParams reported success with a failing camera")
	}
	unchanged("one rejected")

	if !r.UpdateCameraParams(1, 10, 0, 16) {
		t.Fatal("UpdateCameraParams failed")
	}
	if got := r.sync.Interval(); got != utils.FrameInterval(10) {
		t.Fatalf("trigger interval %s after an accepted set", got)
	}
}

func TestStagedRejectionRollsBack(t *testing.T) {
	const cameras = 3
	r := newTestRig(t, cameras)
	r.start(t, cameras, 2)
	interval := r.sync.Interval()
	g := r.params.generation()

	r.driver.FailConfigure("SIM17001", 1)
	if !r.UpdateCameraParams(1, 100, 0, 16) {
		t.Fatal("UpdateCameraParams failed to stage")
	}
	waitFor(t, 5*time.Second, "rollback generation", func() bool {
		return r.params.generation() >= g+2 && !r.params.inFlight()
	})
	if n := r.Stats().Cameras[1].ConfigureFailures; n != 1 {
		t.Fatalf("configure failures = %d", n)
	}
	for _, name := range r.Cameras() {
		if p := r.driver.AppliedParams(name.Serial); p.Framerate != 200 || p.BitsPerPixel != 8 {
			t.Fatalf("%s runs %s after rollback", name.Serial, p)
		}
	}
	if got := r.sync.Interval(); got != interval {
		t.Fatalf("trigger interval %s after rollback, want %s", got, interval)
	}
	if p, _ := r.params.latest(); p.BitsPerPixel != 8 {
		t.Fatalf("committed params %s", p)
	}

	if !r.UpdateCameraParams(1, 100, 0, 16) {
		t.Fatal("UpdateCameraParams failed to stage")
	}
	waitFor(t, 5*time.Second, "trigger retuned", func() bool {
		return r.sync.Interval() == utils.FrameInterval(100)
	})
	for _, name := range r.Cameras() {
		if p := r.driver.AppliedParams(name.Serial); p.BitsPerPixel != 16 {
			t.Fatalf("%s runs %s", name.Serial, p)
		}
	}
}
