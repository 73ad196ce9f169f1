package image

import (
	"bytes"
	"image/jpeg"
	"testing"
)

const (
	width  = 64
	height = 48
)

func TestRGB(t *testing.T) {
	raw := make([]byte, width*height*3)
	for i := range raw {
		raw[i] = byte(i)
	}
	var jpgBuf bytes.Buffer
	if err := EncodeJPEG(DecodeRGB(raw, width, height), &jpgBuf, 95); err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(&jpgBuf)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		t.Fatalf("unexpected bounds %v", b)
	}
}

func TestGray16ToGray(t *testing.T) {
	in := []byte{0x34, 0x12, 0xff, 0xab}
	out := make([]byte, 2)
	Gray16ToGray(in, out)
	if out[0] != 0x12 || out[1] != 0xab {
		t.Fatalf("got %x", out)
	}

	g := DecodeGray(make([]byte, width*height), width, height)
	if g.Bounds().Dx() != width {
		t.Fatalf("unexpected width %d", g.Bounds().Dx())
	}
}
