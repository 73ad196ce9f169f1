// Package rig drives a synchronized multi-camera capture rig.
//
// A Controller owns one Binding per camera. Producer goroutines grab frames
// into pooled buffers and push descriptors onto bounded lanes; consumer
// goroutines pop them, feed the preview and write raw streams while a
// recording session is active. Camera i is always served by producer slot
// i%P and lane i%L, so frames of one camera stay in order end to end.
package rig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rig-shutter/pkg/camera"
	"rig-shutter/pkg/config"
	"rig-shutter/pkg/framebuf"
	"rig-shutter/pkg/gpio"
	"rig-shutter/pkg/isp"
	"rig-shutter/pkg/preview"
	"rig-shutter/pkg/storage"
	"rig-shutter/pkg/storage/util"
	"rig-shutter/pkg/trigger"
	"rig-shutter/pkg/utils"
)

var ErrInvalidState = errors.New("invalid rig state")

var logger *zap.SugaredLogger

func init() {
	logger = utils.GetLogger().Named("rig")
}

type Option func(*Controller)

// WithProcessor replaces the default preview developer.
func WithProcessor(p isp.Processor) Option {
	return func(c *Controller) {
		c.proc = p
	}
}

// WithView forwards preview frames to v while consumers run.
func WithView(v preview.View) Option {
	return func(c *Controller) {
		c.view = v
	}
}

// WithFrameObserver installs f, called by consumer worker for every popped
// descriptor before its buffer is released.
func WithFrameObserver(f func(worker int, d *framebuf.Descriptor)) Option {
	return func(c *Controller) {
		c.observe = f
	}
}

// cameraState is everything the pipeline tracks for one camera.
type cameraState struct {
	binding *camera.Binding

	// owned by the serving producer
	nextFrame   uint64
	lastInstant uint64
	paramGen    uint64

	produced      atomic.Uint64
	grabTimeouts  atomic.Uint64
	grabErrors    atomic.Uint64
	triggerDrops  atomic.Uint64
	arenaDrops    atomic.Uint64
	laneDrops     atomic.Uint64
	sizeDrops     atomic.Uint64
	configFailure atomic.Uint64
	ispErrors     atomic.Uint64
}

func (cs *cameraState) drops() uint64 {
	return cs.grabTimeouts.Load() + cs.triggerDrops.Load() + cs.arenaDrops.Load() + cs.laneDrops.Load() + cs.sizeDrops.Load()
}

type Controller struct {
	cfg     *config.Config
	driver  camera.Driver
	lines   gpio.Lines
	proc    isp.Processor
	view    preview.View
	observe func(worker int, d *framebuf.Descriptor)

	cams        []*cameraState
	masterIndex int
	policy      storage.Policy

	// keep running
	ctx    context.Context
	cancel context.CancelFunc

	// ctlMu serializes the control surface.
	ctlMu      sync.Mutex
	configured bool
	paths      [2]string
	target     int
	producers  int
	consumers  int
	lanes      []*framebuf.Lane
	arena      *framebuf.Arena
	lanesReady chan struct{}
	producerWG sync.WaitGroup
	consumerWG sync.WaitGroup
	shutdown   bool

	sync   *trigger.Controller
	active chan struct{}

	mailbox      *preview.Mailbox
	previewIndex atomic.Int64

	params paramState

	fsm        *sessionFSM
	writeGuard sync.RWMutex
	session    *session

	infoMu sync.Mutex
	last   *storage.Info
}

// New discovers the cameras of driver and binds them. Configuration of the
// sensors happens in ConfigureCameras.
func New(cfg *config.Config, driver camera.Driver, lines gpio.Lines, opts ...Option) (*Controller, error) {
	policy, err := storage.ParsePolicy(cfg.Storage.Policy)
	if err != nil {
		return nil, err
	}
	serials, err := driver.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("enumerate cameras: %w", err)
	}
	if len(serials) == 0 {
		return nil, fmt.Errorf("enumerate cameras: %w", camera.ErrUnknownCamera)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		driver:     driver,
		lines:      lines,
		proc:       isp.Develop{Width: cfg.Preview.Width},
		policy:     policy,
		ctx:        ctx,
		cancel:     cancel,
		paths:      cfg.Storage.Paths,
		target:     cfg.Recording.OneshotSamples,
		lanesReady: make(chan struct{}),
		active:     make(chan struct{}),
		mailbox:    preview.NewMailbox(),
		sync:       trigger.New(lines, utils.FrameInterval(cfg.Params.Framerate)),
	}
	for _, o := range opts {
		o(c)
	}
	c.fsm = newSessionFSM(c)

	c.masterIndex = pickMaster(serials, lines, cfg.Sync.MasterSerial)
	for i, serial := range serials {
		role := camera.RoleSlave
		if i == c.masterIndex {
			role = camera.RoleMaster
		}
		b, err := camera.NewBinding(driver, i, serial, role)
		if err != nil {
			for _, cs := range c.cams {
				cs.binding.Release()
			}
			cancel()
			return nil, err
		}
		c.cams = append(c.cams, &cameraState{binding: b})
	}
	c.previewIndex.Store(int64(clamp(cfg.Preview.Camera, 0, len(c.cams)-1)))
	logger.Infof("bound %d cameras, master %d (%s)", len(c.cams), c.masterIndex, serials[c.masterIndex])

	return c, nil
}

func pickMaster(serials []string, lines gpio.Lines, configured string) int {
	for i, s := range serials {
		if lines != nil && lines.IsMaster(s) {
			return i
		}
	}
	for i, s := range serials {
		if s == configured {
			return i
		}
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Controller) MasterIndex() int {
	return c.masterIndex
}

// Cameras lists the bound cameras in rig order.
func (c *Controller) Cameras() []storage.CameraName {
	names := make([]storage.CameraName, 0, len(c.cams))
	for _, cs := range c.cams {
		names = append(names, storage.CameraName{
			Index:  cs.binding.Index,
			Serial: cs.binding.Serial,
			Role:   cs.binding.Role().String(),
		})
	}
	return names
}

// Preview returns the mailbox holding the latest developed preview frame.
func (c *Controller) Preview() *preview.Mailbox {
	return c.mailbox
}

// Paths returns the configured recording paths.
func (c *Controller) Paths() [2]string {
	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()
	return c.paths
}

// ConfigureCameras applies the parameters to every camera. While producers
// run it behaves like UpdateCameraParams.
func (c *Controller) ConfigureCameras(shutter, framerate, gain float64, bpp int) bool {
	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()

	p := c.baseParams().WithCore(shutter, framerate, gain, bpp)
	if err := p.Validate(); err != nil {
		logger.Warnf("configure cameras: %s", err)
		return false
	}
	if c.producers > 0 {
		return c.stageParams(p)
	}
	ok := c.applyParams(p)
	if ok && !c.configured {
		c.configured = true
		if err := storage.WriteNames(util.NonEmpty(c.paths[:]...), c.Cameras()); err != nil {
			logger.Warnf("write camera names: %s", err)
		}
	}
	return ok
}

// UpdateCameraParams changes the parameters of a live rig. Producers pick the
// new set up between two grabs; until every camera applied it, descriptors
// keep the old frame size.
func (c *Controller) UpdateCameraParams(shutter, framerate, gain float64, bpp int) bool {
	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()

	p := c.baseParams().WithCore(shutter, framerate, gain, bpp)
	if err := p.Validate(); err != nil {
		logger.Warnf("update params: %s", err)
		return false
	}
	if c.producers == 0 {
		return c.applyParams(p)
	}
	return c.stageParams(p)
}

func (c *Controller) baseParams() camera.ParameterSet {
	if p, ok := c.params.latest(); ok {
		return p
	}
	pc := c.cfg.Params
	return camera.ParameterSet{
		Shutter:      pc.Shutter,
		Framerate:    pc.Framerate,
		Gain:         pc.Gain,
		BitsPerPixel: pc.BitsPerPixel,
		Exposure:     pc.Exposure,
		Brightness:   pc.Brightness,
		Gamma:        pc.Gamma,
	}
}

// applyParams configures every camera synchronously. Producers must not run.
// Either every camera takes p or the ones that did are put back on their
// previous set and nothing else changes.
func (c *Controller) applyParams(p camera.ParameterSet) bool {
	type applied struct {
		cs   *cameraState
		prev camera.ParameterSet
	}
	var (
		accepted []applied
		rejected int
	)
	for _, cs := range c.cams {
		prev, had := cs.binding.Params(), cs.binding.Configured()
		if !cs.binding.Configure(p) {
			cs.configFailure.Add(1)
			rejected++
			continue
		}
		if had {
			accepted = append(accepted, applied{cs, prev})
		}
	}
	if rejected > 0 {
		for _, a := range accepted {
			if !a.cs.binding.Configure(a.prev) {
				a.cs.configFailure.Add(1)
				logger.Errorf("camera %d: roll back to %s failed", a.cs.binding.Index, a.prev)
			}
		}
		logger.Warnf("%d of %d cameras rejected %s", rejected, len(c.cams), p)
		return false
	}

	c.params.set(p)
	c.sync.SetInterval(utils.FrameInterval(p.Framerate))
	logger.Infof("configured %d cameras: %s", len(c.cams), p)
	return true
}

// stageParams hands p to the producers. The trigger interval follows once
// every camera applied it.
func (c *Controller) stageParams(p camera.ParameterSet) bool {
	g := c.params.stage(p, len(c.cams))
	logger.Infof("params generation %d staged: %s", g, p)
	return true
}

// SetPreviewCamera selects the camera whose frames reach the preview.
func (c *Controller) SetPreviewCamera(index int) bool {
	if index < 0 || index >= len(c.cams) {
		logger.Warnf("preview camera %d out of range [0, %d)", index, len(c.cams))
		return false
	}
	c.previewIndex.Store(int64(index))
	return true
}

func (c *Controller) PreviewCamera() int {
	return int(c.previewIndex.Load())
}

// SetPaths sets the two recording locations. The second one may be empty.
func (c *Controller) SetPaths(paths [2]string) bool {
	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()

	if s := c.fsm.current(); s != StateIdle {
		logger.Warnf("set paths: %s", fmt.Errorf("%w: session is %s", ErrInvalidState, s))
		return false
	}
	if len(util.NonEmpty(paths[:]...)) == 0 {
		logger.Warn("set paths: no path given")
		return false
	}
	if err := util.MkdirAll(paths[:]...); err != nil {
		logger.Warnf("set paths: %s", err)
		return false
	}
	c.paths = paths
	if c.configured {
		if err := storage.WriteNames(util.NonEmpty(paths[:]...), c.Cameras()); err != nil {
			logger.Warnf("write camera names: %s", err)
		}
	}
	logger.Infof("recording paths %q, policy %s", paths, c.policy)
	return true
}

// SetOneshotSamples sets the per-camera frame count of the next oneshot.
func (c *Controller) SetOneshotSamples(n int) bool {
	if n <= 0 {
		logger.Warnf("oneshot samples must be positive, got %d", n)
		return false
	}
	c.ctlMu.Lock()
	c.target = n
	c.ctlMu.Unlock()
	return true
}

// StartProducers launches n producer slots, at most one per camera.
func (c *Controller) StartProducers(n int) bool {
	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()

	switch {
	case c.shutdown:
		logger.Warnf("start producers: %s", ErrInvalidState)
		return false
	case c.producers > 0:
		logger.Warnf("start producers: %d already running", c.producers)
		return false
	case !c.configured:
		logger.Warn("start producers: cameras are not configured")
		return false
	}
	n = clamp(n, 1, len(c.cams))
	for _, cs := range c.cams {
		cs.paramGen = c.params.generation()
	}
	for s := 0; s < n; s++ {
		var mine []*cameraState
		for i := s; i < len(c.cams); i += n {
			mine = append(mine, c.cams[i])
		}
		c.producerWG.Add(1)
		go c.produce(s, mine)
	}
	c.producers = n
	logger.Infof("%d producers started", n)
	return true
}

// StartConsumers creates one lane per consumer and launches the workers.
func (c *Controller) StartConsumers(n int) bool {
	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()

	switch {
	case c.shutdown:
		logger.Warnf("start consumers: %s", ErrInvalidState)
		return false
	case c.consumers > 0:
		logger.Warnf("start consumers: %d already running", c.consumers)
		return false
	}
	if n <= 0 {
		n = 1
	}
	capacity := c.cfg.Pipeline.LaneCapacity
	lanes := make([]*framebuf.Lane, n)
	for i := range lanes {
		lanes[i] = framebuf.NewLane(i, capacity)
	}
	// every queued descriptor, one per consumer being processed and one per
	// camera being grabbed
	c.arena = framebuf.NewArena(n*(lanes[0].Cap()+1) + len(c.cams))
	c.lanes = lanes
	close(c.lanesReady)

	for i, l := range lanes {
		c.consumerWG.Add(1)
		go c.consume(i, l)
	}
	if c.view != nil {
		go preview.Pump(c.ctx, c.mailbox, c.view)
	}
	c.consumers = n
	logger.Infof("%d consumers started, lane capacity %d, arena %d slots", n, lanes[0].Cap(), c.arena.Slots())
	return true
}

// StartSlaveCapture puts every slave into wait-for-trigger mode.
func (c *Controller) StartSlaveCapture() bool {
	var slaves []*camera.Binding
	for _, cs := range c.cams {
		if !cs.binding.IsMaster() {
			slaves = append(slaves, cs.binding)
		}
	}
	if err := c.sync.ArmSlaves(slaves); err != nil {
		logger.Warnf("start slave capture: %s", err)
		return false
	}
	return true
}

// StartMasterCapture starts the master trigger loop and releases the slaves.
func (c *Controller) StartMasterCapture() bool {
	if err := c.sync.Start(c.ctx); err != nil {
		logger.Warnf("start master capture: %s", err)
		return false
	}
	close(c.active)
	return true
}

// StartRecording opens a session. A oneshot session stops by itself once
// every camera wrote its sample count.
func (c *Controller) StartRecording(oneshot bool) bool {
	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()

	if c.shutdown {
		logger.Warnf("start recording: %s", ErrInvalidState)
		return false
	}
	if c.producers == 0 || c.consumers == 0 {
		logger.Warnf("start recording: %s", fmt.Errorf("%w: producers %d, consumers %d",
			ErrInvalidState, c.producers, c.consumers))
		return false
	}
	if s := c.fsm.current(); s != StateIdle {
		logger.Warnf("start recording: %s", fmt.Errorf("%w: session is %s", ErrInvalidState, s))
		return false
	}
	roots := util.NonEmpty(c.paths[:]...)
	if len(roots) == 0 {
		logger.Warn("start recording: no recording path")
		return false
	}
	if err := storage.CheckFree(roots, c.cfg.Storage.MinFreeBytes()); err != nil {
		logger.Warnf("start recording: %s", err)
		return false
	}

	sess, err := c.openSession(oneshot, roots)
	if err != nil {
		logger.Warnf("start recording: %s", err)
		return false
	}
	c.writeGuard.Lock()
	c.session = sess
	c.writeGuard.Unlock()

	if err = c.fsm.start(oneshot); err != nil {
		c.writeGuard.Lock()
		c.session = nil
		c.writeGuard.Unlock()
		logger.Warnf("start recording: %s", err)
		return false
	}
	if oneshot {
		go c.watchOneshot(sess)
	}
	logger.Infof("session %s started, oneshot %t", sess.id, oneshot)
	return true
}

// StopRecording forces the active session into stopping regardless of its
// sample counts.
func (c *Controller) StopRecording() bool {
	return c.stopRecording("stop requested")
}

func (c *Controller) stopRecording(reason string) bool {
	if err := c.fsm.stop(); err != nil {
		logger.Warnf("stop recording (%s): %s", reason, err)
		return false
	}
	logger.Infof("stopping session: %s", reason)
	return true
}

// State returns the recording state.
func (c *Controller) State() State {
	return c.fsm.current()
}

// WaitIdle blocks until no session is active.
func (c *Controller) WaitIdle(ctx context.Context) error {
	return c.fsm.waitIdle(ctx)
}

// Shutdown stops the rig: the active session is closed, every loop is told to
// stop, lanes are closed and every camera is released exactly once. It gives
// up waiting for the loops after the configured shutdown timeout.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.ctlMu.Lock()
	if c.shutdown {
		c.ctlMu.Unlock()
		return nil
	}
	c.shutdown = true
	lanes := c.lanes
	c.ctlMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout())
	defer cancel()

	if c.fsm.current() != StateIdle {
		c.stopRecording("shutdown")
		if err := c.WaitIdle(ctx); err != nil {
			logger.Warnf("shutdown: session did not finish: %s", err)
		}
	}

	c.cancel()
	c.sync.Stop()
	for _, l := range lanes {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		c.producerWG.Wait()
		c.consumerWG.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown: pipeline still running: %w", ctx.Err())
	}

	drained := 0
	for _, l := range lanes {
		drained += l.Drain()
	}
	for _, cs := range c.cams {
		cs.binding.Release()
	}
	c.mailbox.Close()
	if c.lines != nil {
		if cerr := c.lines.Close(); cerr != nil {
			logger.Warnf("close gpio lines: %s", cerr)
		}
	}
	logger.Infof("rig shut down, %d queued frames discarded", drained)

	return err
}

func (c *Controller) running() bool {
	return c.ctx.Err() == nil
}

// waitChan blocks until ch is closed or the rig stops.
func (c *Controller) waitChan(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return c.running()
	case <-c.ctx.Done():
		return false
	}
}

func (c *Controller) pushTimeout() time.Duration {
	return c.cfg.Pipeline.PushTimeout()
}
