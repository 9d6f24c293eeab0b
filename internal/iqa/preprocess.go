package iqa

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Per-channel normalisation of the ViT-B/8 backbone.
const (
	pixelMean = 0.5
	pixelStd  = 0.5
)

// DecodeImage decodes a PNG, JPEG, BMP or WebP image.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Preprocess resizes img to size×size with bilinear filtering and writes the
// normalised CHW pixels (3·size·size values) into dst.
func Preprocess(dst []float32, img image.Image, size int) error {
	plane := size * size
	if len(dst) != 3*plane {
		return fmt.Errorf("preprocess: destination holds %d values, need %d", len(dst), 3*plane)
	}
	b := img.Bounds()
	if b.Empty() {
		return fmt.Errorf("preprocess: empty image")
	}

	rgba := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(rgba, rgba.Bounds(), img, b, draw.Src, nil)

	for y := 0; y < size; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < size; x++ {
			p := row[4*x:]
			i := y*size + x
			dst[i] = (float32(p[0])/255 - pixelMean) / pixelStd
			dst[plane+i] = (float32(p[1])/255 - pixelMean) / pixelStd
			dst[2*plane+i] = (float32(p[2])/255 - pixelMean) / pixelStd
		}
	}
	return nil
}

// PreprocessBatch decodes and preprocesses encoded images into one NCHW buffer.
func PreprocessBatch(images [][]byte, size int) ([]float32, error) {
	per := 3 * size * size
	out := make([]float32, len(images)*per)
	for i, data := range images {
		start := time.Now()
		img, err := DecodeImage(data)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		if err := Preprocess(out[i*per:(i+1)*per], img, size); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		preprocessDuration.Observe(time.Since(start).Seconds())
	}
	return out, nil
}
