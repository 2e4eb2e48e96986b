package monitor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"github.com/orenshk/babyguard/internal/detector"
)

var boxColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// annotateFrame decodes the JPEG frame, draws the detection boxes on it and
// re-encodes it for archiving alongside the detection row.
func annotateFrame(frame []byte, boxes []detector.Box) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	for _, box := range boxes {
		drawRect(canvas, box, 2)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, canvas, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode annotated frame: %w", err)
	}
	return out.Bytes(), nil
}

// drawRect draws the four borders of a box with the given thickness.
func drawRect(img *image.RGBA, box detector.Box, thickness int) {
	x1, y1 := clamp(img, int(box.X1), int(box.Y1))
	x2, y2 := clamp(img, int(box.X2), int(box.Y2))
	if x2 <= x1 || y2 <= y1 {
		return
	}

	for t := 0; t < thickness; t++ {
		for x := x1; x <= x2; x++ {
			setPixel(img, x, y1+t)
			setPixel(img, x, y2-t)
		}
		for y := y1; y <= y2; y++ {
			setPixel(img, x1+t, y)
			setPixel(img, x2-t, y)
		}
	}
}

func clamp(img *image.RGBA, x, y int) (int, int) {
	b := img.Bounds()
	if x < b.Min.X {
		x = b.Min.X
	}
	if x >= b.Max.X {
		x = b.Max.X - 1
	}
	if y < b.Min.Y {
		y = b.Min.Y
	}
	if y >= b.Max.Y {
		y = b.Max.Y - 1
	}
	return x, y
}

func setPixel(img *image.RGBA, x, y int) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.Set(x, y, boxColor)
	}
}
