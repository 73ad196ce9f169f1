// Command rigsim runs a simulated rig end to end: it binds synthetic cameras,
// starts the pipeline, records one session and prints its summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"

	"rig-shutter/pkg/camera"
	"rig-shutter/pkg/config"
	"rig-shutter/pkg/gpio"
	"rig-shutter/pkg/rig"
	"rig-shutter/pkg/storage"
	"rig-shutter/pkg/storage/util"
	"rig-shutter/pkg/utils"
)

var (
	cameras   = flag.Int("cameras", 4, "number of simulated cameras")
	width     = flag.Int("width", 320, "sensor width")
	height    = flag.Int("height", 240, "sensor height")
	framerate = flag.Float64("fps", 30, "framerate")
	bpp       = flag.Int("bpp", 8, "bits per pixel")
	samples   = flag.Int("samples", 10, "frames per camera for a oneshot session")
	duration  = flag.Duration("duration", 0, "record continuously for this long instead of a oneshot")
	primary   = flag.String("primary", "", "primary storage path (defaults to a temp dir)")
	secondary = flag.String("secondary", "", "secondary storage path")
	policy    = flag.String("policy", config.PolicySplit, "split or mirror")

	logger = utils.GetLogger()
)

func main() {
	flag.Parse()
	defer logger.Sync()

	if *primary == "" {
		dir, err := os.MkdirTemp("", "rigsim-")
		if err != nil {
			logger.Fatal(err)
		}
		*primary = dir
	}

	cfg := config.Default()
	cfg.Camera.SimCount = *cameras
	cfg.Camera.Width, cfg.Camera.Height = *width, *height
	cfg.Params.Framerate = *framerate
	cfg.Params.BitsPerPixel = *bpp
	cfg.Recording.OneshotSamples = *samples
	cfg.Storage.Paths = [2]string{*primary, *secondary}
	cfg.Storage.Policy = *policy
	cfg.Storage.MinFree = ""
	if err := config.Validate(cfg); err != nil {
		logger.Fatal(err)
	}

	driver := camera.NewSimDriver(cfg.Camera.SimCount, cfg.Camera.Width, cfg.Camera.Height)
	driver.Paced = true
	lines := gpio.NewSimLines("", cfg.Sync.Pulse())

	ctl, err := rig.New(cfg, driver, lines)
	if err != nil {
		logger.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		if err := ctl.Shutdown(ctx); err != nil {
			logger.Error(err)
		}
	}()

	p := cfg.Params
	switch {
	case !ctl.ConfigureCameras(p.Shutter, p.Framerate, p.Gain, p.BitsPerPixel):
		logger.Fatal("configure cameras failed")
	case !ctl.StartProducers(cfg.Pipeline.Producers):
		logger.Fatal("start producers failed")
	case !ctl.StartConsumers(cfg.Pipeline.Consumers):
		logger.Fatal("start consumers failed")
	case !ctl.StartSlaveCapture():
		logger.Fatal("start slave capture failed")
	case !ctl.StartMasterCapture():
		logger.Fatal("start master capture failed")
	}

	oneshot := *duration <= 0
	if !ctl.StartRecording(oneshot) {
		logger.Fatal("start recording failed")
	}
	logger.Infof("recording session %s (oneshot %t)", ctl.SessionID(), oneshot)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if !oneshot {
		time.Sleep(*duration)
		ctl.StopRecording()
	}
	if err := ctl.WaitIdle(ctx); err != nil {
		logger.Fatal(err)
	}

	info := ctl.LastSession()
	if info == nil {
		logger.Fatal("no session recorded")
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		logger.Fatal(err)
	}
	fmt.Println(string(data))

	paths := ctl.Paths()
	files, err := storage.ListFiles(util.NonEmpty(paths[:]...), info.ID)
	if err != nil {
		logger.Fatal(err)
	}
	var total uint64
	for _, f := range files {
		total += uint64(f.Bytes)
	}
	logger.Infof("%d files, %s on disk", len(files), humanize.Bytes(total))
}
