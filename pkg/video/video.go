package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/icza/mjpeg"

	"rig-shutter/pkg/framebuf"
	"rig-shutter/pkg/isp"
	"rig-shutter/pkg/storage"
	imgutil "rig-shutter/pkg/utils/image"
)

// Builder writes an MJPEG AVI file.
type Builder struct {
	width   int
	height  int
	fps     int
	quality int

	cnt int
	buf bytes.Buffer
	aw  mjpeg.AviWriter
}

func NewBuilder(path string, width, height, fps, quality int) (*Builder, error) {
	aw, err := mjpeg.New(path, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, err
	}

	return &Builder{
		width:   width,
		height:  height,
		fps:     fps,
		quality: quality,
		aw:      aw,
	}, nil
}

// Add appends an already encoded JPEG frame.
func (b *Builder) Add(frame []byte) error {
	err := b.aw.AddFrame(frame)
	if err != nil {
		return err
	}
	b.cnt++

	return nil
}

// AddImage encodes img and appends it.
func (b *Builder) AddImage(img image.Image) error {
	b.buf.Reset()
	if err := imgutil.EncodeJPEG(img, &b.buf, b.quality); err != nil {
		return err
	}
	return b.Add(b.buf.Bytes())
}

func (b *Builder) Close() error {
	return b.aw.Close()
}

func (b *Builder) GetCnt() int {
	return b.cnt
}

// FromRaw develops every frame of a raw stream into an AVI file at path. width
// scales the frames down when positive.
func FromRaw(r *storage.Reader, path string, fps, quality, width int) (n int, err error) {
	h := r.Header()
	f := isp.Format{
		Width:        int(h.Width),
		Height:       int(h.Height),
		BitsPerPixel: int(h.BitsPerPixel),
	}
	dev := isp.Develop{Width: width}
	arena := framebuf.NewArena(1)

	var b *Builder
	defer func() {
		if b == nil {
			return
		}
		n = b.GetCnt()
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()

	for seq := uint64(0); ; seq++ {
		buf, err := arena.Acquire(h.FrameSize(), 0)
		if err != nil {
			return 0, err
		}
		raw, err := r.Next(buf.Data())
		if errors.Is(err, io.EOF) {
			buf.Release()
			break
		}
		if err != nil {
			buf.Release()
			return 0, err
		}
		buf.SetLen(len(raw))
		img, err := dev.Process(&framebuf.Descriptor{FrameNumber: seq, FrameSize: len(raw), BitsPerPixel: f.BitsPerPixel, Buffer: buf}, f)
		buf.Release()
		if err != nil {
			return 0, err
		}
		if b == nil {
			bounds := img.Bounds()
			if b, err = NewBuilder(path, bounds.Dx(), bounds.Dy(), fps, quality); err != nil {
				return 0, err
			}
		}
		if err = b.AddImage(img); err != nil {
			return 0, err
		}
	}
	if b == nil {
		return 0, fmt.Errorf("%s: no frames", h.SerialString())
	}

	return 0, nil
}
