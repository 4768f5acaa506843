package pagehost

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
)

const (
	shotWidth  = 160
	shotHeight = 100
)

// Capture renders a placeholder image of the page as a PNG data URL. The
// image depends only on the current URL, so repeated captures of the same
// page are identical.
func (r *Runtime) Capture(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(r.URL()))
	sum := h.Sum32()
	bg := color.RGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 0xff}
	bar := color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, shotWidth, shotHeight))
	for y := 0; y < shotHeight; y++ {
		for x := 0; x < shotWidth; x++ {
			c := bg
			if y < 12 {
				c = bar
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode screenshot: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
