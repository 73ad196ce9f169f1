package rgb

import (
	"image/color"
	"testing"
)

func TestRGBAt(t *testing.T) {
	data := []byte{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11, 12,
	}
	img := NewRGB(data, 2, 2)
	if img == nil {
		t.Fatal("nil image")
	}
	if got := img.At(1, 1); got != (color.RGBA{R: 10, G: 11, B: 12, A: 0xff}) {
		t.Fatalf("At(1,1) = %v", got)
	}
	if got := img.At(5, 5); got != (color.RGBA{}) {
		t.Fatalf("out of bounds = %v", got)
	}
	if NewRGB(data[:5], 2, 2) != nil {
		t.Fatal("expected nil for short buffer")
	}
}
