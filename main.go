package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"rig-shutter/pkg/camera"
	"rig-shutter/pkg/config"
	"rig-shutter/pkg/gpio"
	"rig-shutter/pkg/ov"
	"rig-shutter/pkg/preview"
	"rig-shutter/pkg/rig"
	"rig-shutter/pkg/schedule"
	"rig-shutter/pkg/storage"
	"rig-shutter/pkg/storage/util"
	"rig-shutter/pkg/utils"
	"rig-shutter/pkg/utils/ps"
	"rig-shutter/pkg/webdav"
)

const (
	webDavStart    = "start"
	webDavShutdown = "shutdown"
)

var (
	configPath = flag.String("config", "", "rig config file (yaml)")
	webdavPort = flag.Int("webdav-port", 9998, "webdav port")
	port       = flag.Int("port", 9999, "ui port")
	staticsDir = flag.String("statics", "", "ui statics directory")

	cfg       *config.Config
	ctl       *rig.Controller
	scheduler *schedule.Scheduler
	dav       *webdav.Webdav

	logger *zap.SugaredLogger
)

func init() {
	logger = utils.GetLogger()
	flag.Parse()
}

func main() {
	defer logger.Sync()
	var err error

	cfg = config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			logger.Fatal(err)
		}
	}
	if err = utils.SetLevel(cfg.LogLevel); err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := newDriver(ctx)
	if err != nil {
		logger.Fatal(err)
	}
	lines, err := newLines()
	if err != nil {
		logger.Fatal(err)
	}
	ctl, err = rig.New(cfg, driver, lines)
	if err != nil {
		logger.Fatal(err)
	}
	if !ctl.ConfigureCameras(cfg.Params.Shutter, cfg.Params.Framerate, cfg.Params.Gain, cfg.Params.BitsPerPixel) {
		logger.Warn("some cameras rejected the initial parameters")
	}
	scheduler = schedule.New(ctx, ctl)
	if cfg.Recording.IntervalMs > 0 {
		scheduler.Begin(utils.MsToDuration(cfg.Recording.IntervalMs))
	}
	dav = webdav.New(ctx, *webdavPort)

	// init gin
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(utils.Cors())
	if *staticsDir != "" {
		if err := registerStaticsDir(r, *staticsDir, "/"); err != nil {
			logger.Fatal(err)
		}
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	apiRouter := r.Group("/api")

	rigRouter := apiRouter.Group("/rig")
	rigRouter.GET("/cameras", listCameras)
	rigRouter.PUT("/configure", configureCameras)
	rigRouter.PUT("/params", updateParams)
	rigRouter.PUT("/preview/:index", setPreviewCamera)
	rigRouter.PUT("/paths", setPaths)
	rigRouter.POST("/start", startPipeline)
	rigRouter.POST("/record", startRecording)
	rigRouter.POST("/stop", stopRecording)
	rigRouter.PUT("/schedule", setSchedule)
	rigRouter.GET("/stats", rigStats)

	deviceRouter := apiRouter.Group("/device")
	deviceRouter.GET("/status", deviceStatus)
	deviceRouter.PUT("/webdav", ctlWebdav)

	previewRouter := apiRouter.Group("/preview")
	previewRouter.GET("/mjpeg", previewMJPEG)
	previewRouter.GET("/ws", previewWS)
	previewRouter.GET("/latest", previewLatest)

	sessionRouter := apiRouter.Group("/sessions")
	sessionRouter.GET("", listSessions)
	sessionRouter.GET("/:id/files", listSessionFiles)

	utils.ListenAndServe(r, *port, func() {
		scheduler.Stop()
		dav.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := ctl.Shutdown(ctx); err != nil {
			logger.Error(err)
		}
	})
}

func newDriver(ctx context.Context) (camera.Driver, error) {
	switch cfg.Camera.Driver {
	case config.DriverV4L2:
		return camera.NewV4L2Driver(ctx, cfg.Camera.Devices, cfg.Camera.Width, cfg.Camera.Height), nil
	case config.DriverSim:
		d := camera.NewSimDriver(cfg.Camera.SimCount, cfg.Camera.Width, cfg.Camera.Height)
		d.Paced = true
		return d, nil
	}
	return nil, fmt.Errorf("unknown camera driver %q", cfg.Camera.Driver)
}

func newLines() (gpio.Lines, error) {
	if cfg.Sync.GPIO == config.GPIOPeriph {
		return gpio.NewPeriphLines(cfg.Sync.TriggerPin, cfg.Sync.StrobePin, cfg.Sync.MasterSerial, cfg.Sync.Pulse())
	}
	return gpio.NewSimLines(cfg.Sync.MasterSerial, cfg.Sync.Pulse()), nil
}

func listCameras(c *gin.Context) {
	c.JSON(http.StatusOK, jsend.Success(ctl.Cameras()))
}

func configureCameras(c *gin.Context) {
	var p ov.Params
	if err := c.Bind(&p); err != nil {
		return
	}
	if !ctl.ConfigureCameras(p.Shutter, p.Framerate, p.Gain, p.BitsPerPixel) {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("cameras rejected the parameters"))
		return
	}
	c.JSON(http.StatusOK, jsend.Success(p))
}

func updateParams(c *gin.Context) {
	var p ov.Params
	if err := c.Bind(&p); err != nil {
		return
	}
	if !ctl.UpdateCameraParams(p.Shutter, p.Framerate, p.Gain, p.BitsPerPixel) {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("parameter update rejected"))
		return
	}
	c.JSON(http.StatusOK, jsend.Success(p))
}

func setPreviewCamera(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || !ctl.SetPreviewCamera(index) {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(fmt.Sprintf("invalid camera %q", c.Param("index"))))
		return
	}
	c.JSON(http.StatusOK, jsend.Success(index))
}

func setPaths(c *gin.Context) {
	var p ov.Paths
	if err := c.Bind(&p); err != nil {
		return
	}
	if !ctl.SetPaths([2]string{p.Primary, p.Secondary}) {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("paths rejected"))
		return
	}
	c.JSON(http.StatusOK, jsend.Success(p))
}

// startPipeline runs the whole start sequence: producers, consumers, slaves
// then master.
func startPipeline(c *gin.Context) {
	s := ov.Start{
		Producers: cfg.Pipeline.Producers,
		Consumers: cfg.Pipeline.Consumers,
	}
	if c.Request.ContentLength > 0 {
		if err := c.Bind(&s); err != nil {
			return
		}
	}
	if s.Producers == 0 {
		s.Producers = cfg.Pipeline.Producers
	}
	if s.Consumers == 0 {
		s.Consumers = cfg.Pipeline.Consumers
	}
	steps := []struct {
		name string
		run  func() bool
	}{
		{"producers", func() bool { return ctl.StartProducers(s.Producers) }},
		{"consumers", func() bool { return ctl.StartConsumers(s.Consumers) }},
		{"slave capture", ctl.StartSlaveCapture},
		{"master capture", ctl.StartMasterCapture},
	}
	for _, step := range steps {
		if !step.run() {
			c.JSON(http.StatusConflict, jsend.SimpleErr("failed to start "+step.name))
			return
		}
	}
	c.JSON(http.StatusOK, jsend.Success(s))
}

func startRecording(c *gin.Context) {
	oneshot, _ := strconv.ParseBool(c.DefaultQuery("oneshot", "false"))
	if n := c.Query("samples"); n != "" {
		samples, err := strconv.Atoi(n)
		if err != nil || !ctl.SetOneshotSamples(samples) {
			c.JSON(http.StatusBadRequest, jsend.SimpleErr("invalid samples"))
			return
		}
	}
	if !ctl.StartRecording(oneshot) {
		c.JSON(http.StatusConflict, jsend.SimpleErr("recording rejected, state "+ctl.State().String()))
		return
	}
	c.JSON(http.StatusOK, jsend.Success(ctl.SessionID()))
}

func stopRecording(c *gin.Context) {
	if !ctl.StopRecording() {
		c.JSON(http.StatusConflict, jsend.SimpleErr("nothing to stop"))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.ShutdownTimeout())
	defer cancel()
	if err := ctl.WaitIdle(ctx); err != nil {
		internalErr(c, err)
		return
	}
	c.JSON(http.StatusOK, jsend.Success(ctl.LastSession()))
}

func setSchedule(c *gin.Context) {
	var s ov.Schedule
	if err := c.Bind(&s); err != nil {
		return
	}
	scheduler.Begin(utils.MsToDuration(s.Interval))
	c.JSON(http.StatusOK, jsend.Success(s))
}

func rigStats(c *gin.Context) {
	c.JSON(http.StatusOK, jsend.Success(ctl.Stats()))
}

func deviceStatus(c *gin.Context) {
	cpu, err := ps.CPUStatus()
	if err != nil {
		internalErr(c, err)
		return
	}
	mem, err := ps.MemoryStatus()
	if err != nil {
		internalErr(c, err)
		return
	}
	st := ov.DeviceStatus{CPU: cpu, Memory: mem}
	paths := ctl.Paths()
	for _, p := range util.NonEmpty(paths[:]...) {
		d, err := ps.DiskStatus(p)
		if err != nil {
			internalErr(c, err)
			return
		}
		st.Disks = append(st.Disks, d)
	}
	c.JSON(http.StatusOK, jsend.Success(st))
}

func previewMJPEG(c *gin.Context) {
	if err := preview.StreamMJPEG(c.Request.Context(), c.Writer, ctl.Preview(), cfg.Preview.JPEGQuality); err != nil {
		logger.Warnf("mjpeg preview: %s", err)
	}
}

func previewWS(c *gin.Context) {
	if err := preview.ServeWS(c.Writer, c.Request, ctl.Preview(), cfg.Preview.JPEGQuality); err != nil {
		logger.Warnf("websocket preview: %s", err)
	}
}

func previewLatest(c *gin.Context) {
	f, ok := ctl.Preview().Latest()
	if !ok {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("no preview frame yet"))
		return
	}
	data, err := preview.JPEG(f, cfg.Preview.JPEGQuality)
	if err != nil {
		internalErr(c, err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

func listSessions(c *gin.Context) {
	paths := ctl.Paths()
	list, err := storage.ListSessions(util.NonEmpty(paths[:]...))
	if err != nil {
		internalErr(c, err)
		return
	}
	c.JSON(http.StatusOK, jsend.Success(list))
}

func listSessionFiles(c *gin.Context) {
	paths := ctl.Paths()
	files, err := storage.ListFiles(util.NonEmpty(paths[:]...), c.Param("id"))
	switch {
	case errors.Is(err, storage.ErrBadSessionID):
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	case errors.Is(err, storage.ErrSessionMissing):
		c.JSON(http.StatusNotFound, jsend.SimpleErr(err.Error()))
		return
	case err != nil:
		internalErr(c, err)
		return
	}
	c.JSON(http.StatusOK, jsend.Success(files))
}

func ctlWebdav(c *gin.Context) {
	op := c.Query("op")
	switch op {
	case webDavStart:
		if !dav.Start(ctl.Paths()) {
			c.JSON(http.StatusOK, jsend.Success("the webdav service is already enabled"))
			return
		}
		c.JSON(http.StatusOK, jsend.Success(fmt.Sprintf("%s:%d", strings.Split(c.Request.Host, ":")[0], dav.Port())))
	case webDavShutdown:
		if !dav.Stop() {
			c.JSON(http.StatusOK, jsend.SimpleErr("the webdav service has been shut down"))
			return
		}
		c.JSON(http.StatusOK, jsend.Success(nil))
	default:
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("unknown operation"))
	}
}

func registerStaticsDir(group gin.IRoutes, dir, relativeGroup string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("the specified directory %s does not exist", dir)
	}
	dir = filepath.ToSlash(filepath.Clean(dir))
	group.StaticFile(relativeGroup, filepath.Join(dir, "index.html"))
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			relativePath := path.Join(relativeGroup, strings.Replace(filepath.ToSlash(p), dir, "", 1))
			group.StaticFile(relativePath, p)
		}
		return nil
	})
}

func internalErr(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, jsend.SimpleErr(err.Error()))
}
