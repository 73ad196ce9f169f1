// Package isp turns raw sensor frames into displayable images.
package isp

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"rig-shutter/pkg/framebuf"
	imgutil "rig-shutter/pkg/utils/image"
	"rig-shutter/pkg/utils/rgb"
)

// Format describes how the bytes of a descriptor are laid out.
type Format struct {
	Width        int
	Height       int
	BitsPerPixel int
}

// Processor develops a raw frame. Implementations must not keep references to
// the descriptor's buffer after returning, and calling Process twice on the
// same descriptor must give the same image.
type Processor interface {
	Process(d *framebuf.Descriptor, f Format) (image.Image, error)
}

// Develop reduces every bit depth to 8 bits per channel and optionally scales
// the result down to Width pixels wide.
type Develop struct {
	Width int
}

func (p Develop) Process(d *framebuf.Descriptor, f Format) (image.Image, error) {
	raw := d.Bytes()
	if want := f.Width * f.Height * f.BitsPerPixel / 8; len(raw) < want {
		return nil, fmt.Errorf("frame %d of camera %d: %d bytes, want %d", d.FrameNumber, d.CameraIndex, len(raw), want)
	}

	var src image.Image
	switch f.BitsPerPixel {
	case 8:
		g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		copy(g.Pix, raw)
		src = g
	case 12:
		g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		unpack12(raw, g.Pix)
		src = g
	case 16:
		g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		imgutil.Gray16ToGray(raw, g.Pix)
		src = g
	case 24:
		pix := make([]byte, f.Width*f.Height*3)
		copy(pix, raw)
		src = rgb.NewRGB(pix, f.Width, f.Height)
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", f.BitsPerPixel)
	}

	if p.Width <= 0 || p.Width >= f.Width {
		return src, nil
	}
	return scale(src, p.Width), nil
}

// unpack12 keeps the high byte of every pixel of a MIPI RAW12 stream: two
// pixels per three bytes, the third byte holding both low nibbles.
func unpack12(in, out []byte) {
	for i, j := 0, 0; i+1 < len(in) && j < len(out); i, j = i+3, j+2 {
		out[j] = in[i]
		if j+1 < len(out) {
			out[j+1] = in[i+1]
		}
	}
}

func scale(src image.Image, width int) image.Image {
	b := src.Bounds()
	height := b.Dy() * width / b.Dx()
	if height <= 0 {
		height = 1
	}
	rect := image.Rect(0, 0, width, height)
	var dst draw.Image
	if _, ok := src.(*image.Gray); ok {
		dst = image.NewGray(rect)
	} else {
		dst = image.NewRGBA(rect)
	}
	draw.ApproxBiLinear.Scale(dst, rect, src, b, draw.Src, nil)
	return dst
}
