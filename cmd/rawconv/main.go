// Command rawconv develops a recorded raw stream into JPEG stills or an MJPEG
// AVI file.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"rig-shutter/pkg/framebuf"
	"rig-shutter/pkg/isp"
	"rig-shutter/pkg/storage"
	"rig-shutter/pkg/storage/consts"
	"rig-shutter/pkg/utils"
	imgutil "rig-shutter/pkg/utils/image"
	"rig-shutter/pkg/video"
)

var (
	in      = flag.String("in", "", "raw file")
	out     = flag.String("out", "", "output .avi file or directory for jpeg stills")
	fps     = flag.Int("fps", 10, "avi framerate")
	quality = flag.Int("quality", 90, "jpeg quality")
	width   = flag.Int("width", 0, "scale frames down to this width")

	logger = utils.GetLogger()
)

func main() {
	flag.Parse()
	defer logger.Sync()
	if *in == "" || *out == "" {
		flag.Usage()
		os.Exit(2)
	}

	r, err := storage.Open(*in)
	if err != nil {
		logger.Fatal(err)
	}
	defer r.Close()
	h := r.Header()
	logger.Infof("%s: camera %s %dx%d %d bpp, %d frames",
		*in, h.SerialString(), h.Width, h.Height, h.BitsPerPixel, r.Frames())

	if strings.EqualFold(filepath.Ext(*out), consts.AVIExt) {
		n, err := video.FromRaw(r, *out, *fps, *quality, *width)
		if err != nil {
			logger.Fatal(err)
		}
		logger.Infof("wrote %d frames to %s", n, *out)
		return
	}

	n, err := stills(r, *out)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infof("wrote %d stills to %s", n, *out)
}

func stills(r *storage.Reader, dir string) (int, error) {
	if err := os.MkdirAll(dir, consts.DefaultDirPerm); err != nil {
		return 0, err
	}
	h := r.Header()
	f := isp.Format{Width: int(h.Width), Height: int(h.Height), BitsPerPixel: int(h.BitsPerPixel)}
	dev := isp.Develop{Width: *width}
	arena := framebuf.NewArena(1)
	base := strings.TrimSuffix(filepath.Base(*in), filepath.Ext(*in))

	var jpeg bytes.Buffer
	n := 0
	for {
		buf, err := arena.Acquire(h.FrameSize(), 0)
		if err != nil {
			return n, err
		}
		raw, err := r.Next(buf.Data())
		if errors.Is(err, io.EOF) {
			buf.Release()
			return n, nil
		}
		if err != nil {
			buf.Release()
			return n, err
		}
		buf.SetLen(len(raw))
		img, err := dev.Process(&framebuf.Descriptor{FrameNumber: uint64(n), FrameSize: len(raw), BitsPerPixel: f.BitsPerPixel, Buffer: buf}, f)
		buf.Release()
		if err != nil {
			return n, err
		}

		jpeg.Reset()
		if err = imgutil.EncodeJPEG(img, &jpeg, *quality); err != nil {
			return n, err
		}
		name := filepath.Join(dir, fmt.Sprintf("%s-%06d%s", base, n, consts.JPEGExt))
		if err = os.WriteFile(name, jpeg.Bytes(), consts.DefaultFilePerm); err != nil {
			return n, err
		}
		n++
	}
}
