package image

import (
	"image"
	"image/jpeg"
	"io"
)

func RGBToRGBA(in, out []byte, width, height int) {
	outStride := width * 4
	inStride := len(in) / height

	for i := 0; i < height; i++ {
		oIndex := i * outStride
		iIndex := i * inStride
		for j := 0; j < width; j++ {
			out[oIndex] = in[iIndex]
			out[oIndex+1] = in[iIndex+1]
			out[oIndex+2] = in[iIndex+2]
			out[oIndex+3] = 0xff

			oIndex += 4
			iIndex += 3
		}
	}
}

func DecodeRGB(data []byte, width, height int) image.Image {
	i := image.NewRGBA(image.Rect(0, 0, width, height))
	RGBToRGBA(data, i.Pix, width, height)

	return i
}

// DecodeGray wraps an 8-bit single channel frame without copying it.
func DecodeGray(data []byte, width, height int) *image.Gray {
	return &image.Gray{
		Pix:    data,
		Stride: width,
		Rect:   image.Rect(0, 0, width, height),
	}
}

// Gray16ToGray keeps the high byte of every little endian 16-bit sample.
func Gray16ToGray(in, out []byte) {
	for i, j := 1, 0; i < len(in) && j < len(out); i, j = i+2, j+1 {
		out[j] = in[i]
	}
}

func EncodeJPEG(img image.Image, dst io.Writer, quality int) error {
	return jpeg.Encode(dst, img, &jpeg.Options{Quality: quality})
}
