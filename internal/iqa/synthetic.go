package iqa

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
)

// GenerateImages returns n PNG-encoded size×size test images: a colour
// gradient with seeded noise of increasing strength, so later images are
// progressively more degraded.
func GenerateImages(n, size int, seed int64) ([][]byte, error) {
	r := rand.New(rand.NewSource(seed))
	out := make([][]byte, n)

	for i := 0; i < n; i++ {
		noise := 0.0
		if n > 1 {
			noise = float64(i) / float64(n-1) * 96
		}
		base := color.RGBA{uint8(r.Intn(256)), uint8(r.Intn(256)), uint8(r.Intn(256)), 255}

		img := image.NewRGBA(image.Rect(0, 0, size, size))
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				t := float64(x+y) / float64(2*size)
				img.SetRGBA(x, y, color.RGBA{
					R: jitter(float64(base.R)*(1-t)+255*t, noise, r),
					G: jitter(float64(base.G)*t+64*(1-t), noise, r),
					B: jitter(float64(base.B), noise, r),
					A: 255,
				})
			}
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
		out[i] = buf.Bytes()
	}
	return out, nil
}

func jitter(v, amount float64, r *rand.Rand) uint8 {
	v += (r.Float64()*2 - 1) * amount
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
