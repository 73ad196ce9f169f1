package rgb

import (
	"image"
	"image/color"
)

// RGB is a packed 24-bit image as delivered by RGB24 sensors.
type RGB struct {
	// Pix holds the image's pixels, in R, G, B order. The pixel at
	// (x, y) starts at Pix[(y-Rect.Min.Y)*Stride + (x-Rect.Min.X)*3].
	Pix []byte
	// Stride is the Pix stride (in bytes) between vertically adjacent pixels.
	Stride int
	// Rect is the image's bounds.
	Rect image.Rectangle
}

func (p *RGB) ColorModel() color.Model { return color.RGBAModel }

func (p *RGB) Bounds() image.Rectangle { return p.Rect }

func (p *RGB) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	s := p.Pix[i : i+3 : i+3]
	return color.RGBA{R: s[0], G: s[1], B: s[2], A: 0xff}
}

func (p *RGB) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*3
}

// NewRGB returns nil when data cannot hold width*height pixels.
func NewRGB(data []byte, width, height int) *RGB {
	if width <= 0 || height <= 0 || len(data) < width*height*3 {
		return nil
	}
	return &RGB{
		Pix:    data,
		Stride: width * 3,
		Rect:   image.Rect(0, 0, width, height),
	}
}
