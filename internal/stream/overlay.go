package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"watchpost/internal/pipeline"
)

// overlayQuality is the JPEG quality of annotated frames
const overlayQuality = 85

// MotionColor is the box color of motion regions
var MotionColor = color.RGBA{255, 0, 0, 255}

// Annotate returns the frame's JPEG with the current event's regions drawn
// on it while motion is ongoing. Regions are in analysis coordinates and are
// scaled to the encoded image. Frames without motion are returned unchanged.
func Annotate(snap pipeline.Snapshot) []byte {
	frame := snap.Frame
	if frame == nil || frame.Format != pipeline.FormatJPEG || len(frame.Encoded) == 0 {
		return nil
	}
	if !snap.Motion || snap.Event == nil || len(snap.Event.Regions) == 0 {
		return frame.Encoded
	}

	label := fmt.Sprintf("motion %.0f%%", snap.Score*100)
	return drawRegions(frame.Encoded, frame.Width, frame.Height, snap.Event.Regions, label)
}

// drawRegions draws regions measured on a width x height plane onto a JPEG
func drawRegions(jpegData []byte, width, height int, regions []pipeline.Region, label string) []byte {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	sx, sy := 1.0, 1.0
	if width > 0 && height > 0 {
		sx = float64(bounds.Dx()) / float64(width)
		sy = float64(bounds.Dy()) / float64(height)
	}

	for i, r := range regions {
		x := int(float64(r.X) * sx)
		y := int(float64(r.Y) * sy)
		w := int(float64(r.Width) * sx)
		h := int(float64(r.Height) * sy)
		drawBox(rgba, x, y, w, h, MotionColor, 2)
		if i == 0 {
			drawLabel(rgba, x, y-14, label, MotionColor)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: overlayQuality}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

// drawBox draws a rectangle outline, clipped to the image
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(px, py int) {
		if image.Pt(px, py).In(bounds) {
			img.SetRGBA(px, py, c)
		}
	}

	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-1-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-1-t, j)
		}
	}
}

// drawLabel draws text on a dark background
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 2 {
		y = 2
	}
	if x < 0 {
		x = 0
	}

	bg := image.Rect(x-2, y-2, x+len(label)*7+2, y+12).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(color.RGBA{0, 0, 0, 180}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
